package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func pendingTarget(url string) crawler.Target {
	return crawler.Target{
		URL:      url,
		Kind:     crawler.KindArticleList,
		State:    crawler.TargetPending,
		Priority: 1,
		Account:  "夜读古籍",
	}
}

func TestDrainLeavesFullHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed := pendingTarget("https://mp.example.com/list?begin=0")
			require.NoError(t, store.Commit(ctx, Mutation{NewTargets: []crawler.Target{seed}}))

			// Handling the seed discovers three articles and yields two records.
			published := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
			mut := Mutation{
				Transitions: []Transition{{URL: seed.URL, State: crawler.TargetDone, Attempts: 1}},
				Records: []crawler.Record{
					{Fingerprint: "fp-1", Account: "夜读古籍", Title: "一", Link: "https://mp.example.com/a/1", PublishedAt: published},
					{Fingerprint: "fp-2", Account: "夜读古籍", Title: "二", Link: "https://mp.example.com/a/2", PublishedAt: published.Add(time.Hour)},
				},
				NewTargets: []crawler.Target{
					{URL: "https://mp.example.com/a/1", Kind: crawler.KindArticle},
					{URL: "https://mp.example.com/a/2", Kind: crawler.KindArticle},
					{URL: "https://mp.example.com/a/3", Kind: crawler.KindArticle},
				},
			}
			require.NoError(t, store.Commit(ctx, mut))

			snap, err := store.Load(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Targets, 4)
			require.Equal(t, 2, snap.Records)
			require.ElementsMatch(t, []string{"fp-1", "fp-2"}, snap.Fingerprints)

			counts := map[crawler.TargetState]int{}
			for _, target := range snap.Targets {
				counts[target.State]++
			}
			require.Equal(t, 1, counts[crawler.TargetDone])
			require.Equal(t, 3, counts[crawler.TargetPending])
		})
	}
}

func TestRejectedCommitChangesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed := pendingTarget("https://mp.example.com/list?begin=0")
			require.NoError(t, store.Commit(ctx, Mutation{NewTargets: []crawler.Target{seed}}))

			// The empty target URL is rejected, so the done transition and
			// the record in the same mutation must not land either.
			bad := Mutation{
				Transitions: []Transition{{URL: seed.URL, State: crawler.TargetDone, Attempts: 1}},
				Records: []crawler.Record{
					{Fingerprint: "fp-1", Account: "夜读古籍", Title: "一", Link: "https://mp.example.com/a/1"},
				},
				NewTargets: []crawler.Target{{URL: "", Kind: crawler.KindArticle}},
			}
			require.Error(t, store.Commit(ctx, bad))

			snap, err := store.Load(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Targets, 1)
			require.Equal(t, crawler.TargetPending, snap.Targets[0].State)
			require.Zero(t, snap.Records)
		})
	}
}

func TestInFlightComesBackPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			seed := pendingTarget("https://mp.example.com/list?begin=0")
			require.NoError(t, store.Commit(ctx, Mutation{NewTargets: []crawler.Target{seed}}))
			require.NoError(t, store.Commit(ctx, Mutation{
				Transitions: []Transition{{URL: seed.URL, State: crawler.TargetInFlight, Attempts: 1}},
			}))

			snap, err := store.Load(ctx)
			require.NoError(t, err)
			require.Len(t, snap.Targets, 1)
			require.Equal(t, crawler.TargetPending, snap.Targets[0].State)
			require.Equal(t, 1, snap.Targets[0].Attempts)
		})
	}
}

func TestDuplicateRecordsIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := crawler.Record{
				Fingerprint: "fp-1",
				Account:     "夜读古籍",
				Title:       "一",
				Link:        "https://mp.example.com/a/1",
				Content:     "original",
			}
			require.NoError(t, store.Commit(ctx, Mutation{Records: []crawler.Record{rec}}))

			// Same fingerprint and same link both collide silently.
			again := rec
			again.Content = "replacement"
			sameLink := crawler.Record{
				Fingerprint: "fp-other",
				Account:     "夜读古籍",
				Title:       "一",
				Link:        rec.Link,
			}
			require.NoError(t, store.Commit(ctx, Mutation{Records: []crawler.Record{again, sameLink}}))

			got, err := store.StoredRecords(ctx, "")
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.Equal(t, "original", got[0].Content)
		})
	}
}

func TestStoredRecordsFilterAndOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []crawler.Record{
		{Fingerprint: "fp-old", Account: "夜读古籍", Title: "旧", Link: "https://mp.example.com/a/old", PublishedAt: base},
		{Fingerprint: "fp-new", Account: "夜读古籍", Title: "新", Link: "https://mp.example.com/a/new", PublishedAt: base.AddDate(0, 0, 9)},
		{Fingerprint: "fp-x", Account: "科技前线", Title: "他", Link: "https://mp.example.com/a/x", PublishedAt: base.AddDate(0, 0, 5)},
	}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Commit(ctx, Mutation{Records: records}))

			got, err := store.StoredRecords(ctx, "夜读古籍")
			require.NoError(t, err)
			require.Len(t, got, 2)
			require.Equal(t, "fp-new", got[0].Fingerprint)
			require.Equal(t, "fp-old", got[1].Fingerprint)

			all, err := store.StoredRecords(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 3)
		})
	}
}

func TestEmptyMutationIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Commit(ctx, Mutation{}))
			snap, err := store.Load(ctx)
			require.NoError(t, err)
			require.Empty(t, snap.Targets)
		})
	}
}
