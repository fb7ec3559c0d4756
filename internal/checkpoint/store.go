// Package checkpoint persists crawl state so an interrupted run can resume
// without refetching completed work.
package checkpoint

import (
	"context"
	"time"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// Transition moves an existing target to a new lifecycle state.
type Transition struct {
	URL       string
	State     crawler.TargetState
	Attempts  int
	NotBefore time.Time
}

// Mutation is the unit of durability: the state transitions, extracted
// records, and newly discovered targets produced by handling one fetch.
// A store applies a mutation completely or not at all.
type Mutation struct {
	Transitions []Transition
	Records     []crawler.Record
	NewTargets  []crawler.Target
}

// Empty reports whether the mutation would change nothing.
func (m Mutation) Empty() bool {
	return len(m.Transitions) == 0 && len(m.Records) == 0 && len(m.NewTargets) == 0
}

// Snapshot is the persisted crawl state handed back on resume. Targets that
// were in flight when the previous run stopped are reported as pending.
type Snapshot struct {
	Targets      []crawler.Target
	Fingerprints []string
	Records      int
}

// Store is the durable checkpoint behind a crawl run. Commit must be atomic:
// a crash between commits never yields a state where a done target is
// missing its records. Implementations serialize commits internally, so a
// single store instance is safe for concurrent workers.
type Store interface {
	Commit(ctx context.Context, m Mutation) error
	Load(ctx context.Context) (Snapshot, error)
	// StoredRecords returns persisted records, newest publication first.
	// An empty account matches all accounts.
	StoredRecords(ctx context.Context, account string) ([]crawler.Record, error)
	Close() error
}
