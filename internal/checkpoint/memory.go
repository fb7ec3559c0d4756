package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// MemoryStore keeps checkpoint state in process memory. It backs tests and
// throwaway runs where durability is not wanted.
type MemoryStore struct {
	mu      sync.Mutex
	targets map[string]crawler.Target
	records map[string]crawler.Record
	links   map[string]bool
	order   []string
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		targets: make(map[string]crawler.Target),
		records: make(map[string]crawler.Record),
		links:   make(map[string]bool),
	}
}

// Commit applies the mutation under a single lock. The mutation is validated
// up front so a rejected commit leaves the store untouched.
func (s *MemoryStore) Commit(_ context.Context, m Mutation) error {
	if m.Empty() {
		return nil
	}
	for _, t := range m.NewTargets {
		if t.URL == "" {
			return fmt.Errorf("commit: target with empty url")
		}
	}
	for _, r := range m.Records {
		if r.Fingerprint == "" || r.Link == "" {
			return fmt.Errorf("commit: record %q missing fingerprint or link", r.Title)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range m.NewTargets {
		if _, ok := s.targets[t.URL]; ok {
			continue
		}
		if t.State == "" {
			t.State = crawler.TargetPending
		}
		s.targets[t.URL] = t
		s.order = append(s.order, t.URL)
	}
	for _, tr := range m.Transitions {
		t, ok := s.targets[tr.URL]
		if !ok {
			continue
		}
		t.State = tr.State
		t.Attempts = tr.Attempts
		t.NotBefore = tr.NotBefore
		s.targets[tr.URL] = t
	}
	for _, r := range m.Records {
		if _, ok := s.records[r.Fingerprint]; ok {
			continue
		}
		if s.links[r.Link] {
			continue
		}
		s.records[r.Fingerprint] = r
		s.links[r.Link] = true
	}
	return nil
}

// Load returns the current state in insertion order.
func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Records: len(s.records)}
	for _, url := range s.order {
		t := s.targets[url]
		if t.State == crawler.TargetInFlight {
			t.State = crawler.TargetPending
		}
		snap.Targets = append(snap.Targets, t)
	}
	for fp := range s.records {
		snap.Fingerprints = append(snap.Fingerprints, fp)
	}
	sort.Strings(snap.Fingerprints)
	return snap, nil
}

// StoredRecords returns records for the account, newest first.
func (s *MemoryStore) StoredRecords(_ context.Context, account string) ([]crawler.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []crawler.Record
	for _, r := range s.records {
		if account != "" && r.Account != account {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
