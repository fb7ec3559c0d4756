// Package progress provides the event primitives, non-blocking hub, and sink
// interfaces that workers use to report crawl progress. Events batch on a
// background goroutine and fan out to pluggable sinks such as structured logs
// or Prometheus metrics.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunDone   Stage = "RUN_DONE"
	StageFetchDone Stage = "FETCH_DONE"
	StageRecords   Stage = "RECORDS_STORED"
)

// Event captures a single milestone of crawl progress.
type Event struct {
	// RunID identifies the crawl run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or fetch milestone occurred.
	Stage Stage
	// Account scopes the event to the official account being crawled.
	Account string
	// Kind is the target kind for fetch events.
	Kind crawler.TargetKind
	// URL is the target URL; it never contains credentials.
	URL string
	// State is the target state applied after a fetch was handled.
	State crawler.TargetState
	// Records counts the records persisted by the event.
	Records int
	// Bytes carries the response size for fetch events.
	Bytes int64
	// Dur captures fetch or run latency.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRecords:
	case StageFetchDone:
		if e.Kind == "" {
			return errors.New("fetch done requires target kind")
		}
		if e.State == "" {
			return errors.New("fetch done requires applied state")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
