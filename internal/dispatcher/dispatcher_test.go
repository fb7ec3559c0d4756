package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/checkpoint"
	"github.com/qiwenli/mpcrawl/internal/crawler"
	"github.com/qiwenli/mpcrawl/internal/progress"
	"github.com/qiwenli/mpcrawl/internal/scheduler"
	"github.com/qiwenli/mpcrawl/internal/worker"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type collectEmitter struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (e *collectEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stages = append(e.stages, evt.Stage)
}

type okFetcher struct{}

func (okFetcher) Fetch(_ context.Context, target crawler.Target) (crawler.FetchResult, error) {
	return crawler.FetchResult{Target: target, StatusCode: 200}, nil
}

// fanoutExtractor discovers `fanout` articles from every listing target.
type fanoutExtractor struct {
	fanout int
}

func (e fanoutExtractor) Extract(result crawler.FetchResult) ([]crawler.Record, []crawler.Target, error) {
	if result.Target.Kind != crawler.KindArticleList {
		return nil, nil, nil
	}
	var records []crawler.Record
	var targets []crawler.Target
	for i := 0; i < e.fanout; i++ {
		link := fmt.Sprintf("%s/article/%d", result.Target.URL, i)
		records = append(records, crawler.Record{
			Fingerprint: fmt.Sprintf("fp-%s-%d", result.Target.Account, i),
			Account:     result.Target.Account,
			Title:       fmt.Sprintf("第%d篇", i),
			Link:        link,
		})
		targets = append(targets, crawler.Target{URL: link, Kind: crawler.KindArticle, Account: result.Target.Account})
	}
	return records, targets, nil
}

func TestDispatcherDrainsPoolAndSummarizes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := systemClock{}
	sched := scheduler.New(scheduler.Config{MaxAttempts: 3}, clock, zap.NewNop(), nil)
	store := checkpoint.NewMemoryStore()
	emitter := &collectEmitter{}

	seeds := []crawler.Target{
		{URL: "https://mp.example.com/list/a", Kind: crawler.KindArticleList, Account: "夜读古籍"},
		{URL: "https://mp.example.com/list/b", Kind: crawler.KindArticleList, Account: "科技前线"},
	}
	require.NoError(t, store.Commit(ctx, checkpoint.Mutation{NewTargets: seeds}))
	sched.Add(seeds...)

	workers := make([]*worker.Worker, 3)
	for i := range workers {
		workers[i] = worker.New(sched, okFetcher{}, fanoutExtractor{fanout: 2},
			store, emitter, clock, "run-1", zap.NewNop())
	}

	d := New(workers, sched, store, emitter, clock, "run-1", zap.NewNop())
	summary := d.Run(ctx)

	// 2 listings plus 2 discovered articles each.
	require.Equal(t, 6, summary.Done)
	require.Zero(t, summary.Failed)
	require.Zero(t, summary.Pending)
	require.Equal(t, 4, summary.Records)
	require.Equal(t, "run-1", summary.RunID)
	require.False(t, summary.Finished.Before(summary.Started))

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	require.Equal(t, progress.StageRunStart, emitter.stages[0])
	require.Equal(t, progress.StageRunDone, emitter.stages[len(emitter.stages)-1])
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clock := systemClock{}
	sched := scheduler.New(scheduler.Config{MaxAttempts: 3}, clock, zap.NewNop(), nil)
	store := checkpoint.NewMemoryStore()
	sched.Add(crawler.Target{URL: "https://mp.example.com/list/a", Kind: crawler.KindArticleList})

	w := worker.New(sched, okFetcher{}, fanoutExtractor{}, store, nil, clock, "run-1", zap.NewNop())
	d := New([]*worker.Worker{w}, sched, store, nil, clock, "run-1", zap.NewNop())

	done := make(chan crawler.RunSummary, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case summary := <-done:
		require.Zero(t, summary.Done)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}

func TestDispatcherSummaryCountsRecordsAfterCancel(t *testing.T) {
	t.Parallel()

	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	defer store.Close()

	err = store.Commit(context.Background(), checkpoint.Mutation{
		Records: []crawler.Record{{
			Fingerprint: "fp-1",
			Account:     "夜读古籍",
			Title:       "一",
			Link:        "https://mp.example.com/a/1",
		}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	clock := systemClock{}
	sched := scheduler.New(scheduler.Config{MaxAttempts: 3}, clock, zap.NewNop(), nil)
	w := worker.New(sched, okFetcher{}, fanoutExtractor{}, store, nil, clock, "run-1", zap.NewNop())
	d := New([]*worker.Worker{w}, sched, store, nil, clock, "run-1", zap.NewNop())

	summary := d.Run(ctx)
	require.Equal(t, 1, summary.Records)
}
