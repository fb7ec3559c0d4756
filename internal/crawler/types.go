// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// TargetState represents the lifecycle state of a crawl target.
type TargetState string

// Target state values persisted in the checkpoint store. Targets are never
// deleted, only transitioned, so a checkpoint preserves the full crawl history.
const (
	TargetPending  TargetState = "pending"
	TargetInFlight TargetState = "in_flight"
	TargetDone     TargetState = "done"
	TargetFailed   TargetState = "failed"
	TargetDeferred TargetState = "deferred"
)

// TargetKind selects the extractor used for a fetched document.
type TargetKind string

// Supported target kinds, in the order they appear during a crawl.
const (
	// KindAccountLookup resolves an account name to its fakeid via the
	// search_biz endpoint.
	KindAccountLookup TargetKind = "account_lookup"
	// KindArticleList is one page of the paginated appmsg listing.
	KindArticleList TargetKind = "article_list"
	// KindArticle is a single article page.
	KindArticle TargetKind = "article"
)

// Target is one unit of crawl work: a URL plus scheduling metadata.
type Target struct {
	URL            string      `json:"url"`
	Kind           TargetKind  `json:"kind"`
	State          TargetState `json:"state"`
	Priority       int         `json:"priority"`
	Attempts       int         `json:"attempts"`
	Account        string      `json:"account,omitempty"`
	FakeID         string      `json:"fakeid,omitempty"`
	Page           int         `json:"page"`
	Title          string      `json:"title,omitempty"`
	PublishedAt    time.Time   `json:"published_at,omitzero"`
	DiscoveredFrom string      `json:"discovered_from,omitempty"`
	NotBefore      time.Time   `json:"not_before,omitzero"`
}

// FetchResult is the immutable outcome of one fetch attempt. It is produced
// by the transport layer and consumed once by the extraction pipeline.
type FetchResult struct {
	Target     Target
	StatusCode int
	Headers    http.Header
	Body       []byte
	FetchedAt  time.Time
	Elapsed    time.Duration
	Err        *FetchError
}

// OK reports whether the fetch produced a usable document.
func (r FetchResult) OK() bool {
	return r.Err == nil
}

// Record is a normalized extracted article. Records are deduplicated by
// Fingerprint, a stable digest over the identity fields.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Account     string    `json:"account"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Digest      string    `json:"digest,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Content     string    `json:"content,omitempty"`
	RunID       string    `json:"run_id"`
	CollectedAt time.Time `json:"collected_at"`
}

// Outcome is the result a worker reports back to the scheduler after a
// fetch attempt has been fully handled.
type Outcome struct {
	Kind ErrorKind
	// RetryAfter carries a server-provided backoff hint for rate-limited
	// responses; zero means the scheduler's own backoff applies.
	RetryAfter time.Duration
	Err        error
}

// Success is the outcome of a completed target.
func Success() Outcome {
	return Outcome{Kind: KindNone}
}

// Failure wraps an error kind into an outcome.
func Failure(kind ErrorKind, err error) Outcome {
	return Outcome{Kind: kind, Err: err}
}

// RunSummary aggregates terminal target counts for a run. It is logged at
// the end of a run or on cancellation.
type RunSummary struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started_at"`
	Finished time.Time `json:"finished_at"`
	Done     int       `json:"done"`
	Failed   int       `json:"failed"`
	Deferred int       `json:"deferred"`
	Pending  int       `json:"pending"`
	Records  int       `json:"records"`
}
