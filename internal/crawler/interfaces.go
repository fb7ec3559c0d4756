package crawler

import (
	"context"
	"time"
)

// Scheduler decides what to fetch next and absorbs fetch outcomes.
type Scheduler interface {
	// Next blocks until a target is eligible, no work remains (ok=false),
	// or the context ends. A returned target is marked in-flight; the
	// scheduler never hands out the same URL twice concurrently.
	Next(ctx context.Context) (Target, bool)
	// Report records the outcome of exactly one fetch attempt and returns
	// the state the scheduler applied to the target.
	Report(target Target, outcome Outcome) TargetState
	// Add introduces newly discovered targets into the pending queue.
	Add(targets ...Target)
}

// Fetcher performs one HTTP fetch for a target.
type Fetcher interface {
	Fetch(ctx context.Context, target Target) (FetchResult, error)
}

// Extractor turns a fetched document into records and new targets. It must
// be a pure function of its input: no network or filesystem access, and
// deterministic for a given FetchResult.
type Extractor interface {
	Extract(result FetchResult) ([]Record, []Target, error)
}

// CredentialSource supplies and refreshes session credentials.
type CredentialSource interface {
	Credentials(ctx context.Context) (Credentials, error)
	// Refresh obtains fresh credentials after an auth-expiry response.
	Refresh(ctx context.Context) (Credentials, error)
}

// Credentials is the token/cookie pair the platform API expects.
type Credentials struct {
	Token  string
	Cookie string
}

// Hasher computes content fingerprints for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (injectable for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
