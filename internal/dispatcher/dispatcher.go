// Package dispatcher manages worker fan-out over the fetch scheduler.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/checkpoint"
	"github.com/qiwenli/mpcrawl/internal/crawler"
	"github.com/qiwenli/mpcrawl/internal/progress"
	"github.com/qiwenli/mpcrawl/internal/worker"
)

// StateCounter exposes the scheduler's queue and terminal counts.
type StateCounter interface {
	Counts() map[crawler.TargetState]int
}

// Dispatcher fans crawl work out to a pool of workers and assembles the run
// summary once they stop.
type Dispatcher struct {
	workers []*worker.Worker
	counts  StateCounter
	store   checkpoint.Store
	emitter progress.Emitter
	clock   crawler.Clock
	runID   string
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	workers []*worker.Worker,
	counts StateCounter,
	store checkpoint.Store,
	emitter progress.Emitter,
	clock crawler.Clock,
	runID string,
	logger *zap.Logger,
) *Dispatcher {
	if emitter == nil {
		emitter = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		counts:  counts,
		store:   store,
		emitter: emitter,
		clock:   clock,
		runID:   runID,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the scheduler drains or the
// context finishes. Workers complete their in-flight targets before the
// summary is assembled, so a cancelled run still checkpoints cleanly.
func (d *Dispatcher) Run(ctx context.Context) crawler.RunSummary {
	started := d.clock.Now()
	d.emitter.Emit(progress.Event{
		RunID: d.runID,
		TS:    started,
		Stage: progress.StageRunStart,
	})
	d.logger.Info("run started",
		zap.String("run_id", d.runID),
		zap.Int("workers", len(d.workers)),
	)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()

	finished := d.clock.Now()
	summary := crawler.RunSummary{
		RunID:    d.runID,
		Started:  started,
		Finished: finished,
	}
	counts := d.counts.Counts()
	summary.Done = counts[crawler.TargetDone]
	summary.Failed = counts[crawler.TargetFailed]
	summary.Deferred = counts[crawler.TargetDeferred]
	summary.Pending = counts[crawler.TargetPending]
	// The run context may already be cancelled; the summary still needs the
	// stored record count.
	if snap, err := d.store.Load(context.WithoutCancel(ctx)); err == nil {
		summary.Records = snap.Records
	} else {
		d.logger.Warn("record count unavailable", zap.Error(err))
	}

	d.emitter.Emit(progress.Event{
		RunID: d.runID,
		TS:    finished,
		Stage: progress.StageRunDone,
		Dur:   finished.Sub(started),
	})
	d.logger.Info("run finished",
		zap.String("run_id", d.runID),
		zap.Int("done", summary.Done),
		zap.Int("failed", summary.Failed),
		zap.Int("deferred", summary.Deferred),
		zap.Int("pending", summary.Pending),
		zap.Int("records", summary.Records),
		zap.Duration("dur", finished.Sub(started)),
	)
	return summary
}
