// Package worker implements the crawl pipeline execution loop.
package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/checkpoint"
	"github.com/qiwenli/mpcrawl/internal/crawler"
	"github.com/qiwenli/mpcrawl/internal/progress"
)

// Worker pulls targets from the scheduler and executes the fetch pipeline:
// fetch, extract, persist, report. Results are committed to the checkpoint
// store before the scheduler hears about them, so a crash never loses work
// the scheduler believes is done.
type Worker struct {
	sched     crawler.Scheduler
	fetcher   crawler.Fetcher
	extractor crawler.Extractor
	store     checkpoint.Store
	emitter   progress.Emitter
	clock     crawler.Clock
	runID     string
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	sched crawler.Scheduler,
	fetcher crawler.Fetcher,
	extractor crawler.Extractor,
	store checkpoint.Store,
	emitter progress.Emitter,
	clock crawler.Clock,
	runID string,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		sched:     sched,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		emitter:   emitter,
		clock:     clock,
		runID:     runID,
		logger:    logger,
	}
}

// Run blocks, handling targets until the scheduler drains or the context
// finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		target, ok := w.sched.Next(ctx)
		if !ok {
			return
		}
		w.handle(ctx, target)
	}
}

func (w *Worker) handle(ctx context.Context, target crawler.Target) {
	// Checkpoint writes outlive cancellation so a stopping run still
	// persists the work it already did.
	commitCtx := context.WithoutCancel(ctx)

	// Durable in_flight marker so a crashed run resumes the target with its
	// attempt count intact.
	if err := w.store.Commit(commitCtx, checkpoint.Mutation{
		Transitions: []checkpoint.Transition{{
			URL:      target.URL,
			State:    crawler.TargetInFlight,
			Attempts: target.Attempts,
		}},
	}); err != nil {
		w.logger.Error("in_flight checkpoint failed",
			zap.String("url", target.URL), zap.Error(err))
	}

	result, err := w.fetcher.Fetch(ctx, target)
	if err != nil {
		w.finish(commitCtx, target, result, fetchOutcome(result, err), 0)
		return
	}

	records, discovered, err := w.extractor.Extract(result)
	if err != nil {
		w.logger.Warn("extraction failed",
			zap.String("url", target.URL),
			zap.String("kind", string(target.Kind)),
			zap.Error(err))
		w.finish(commitCtx, target, result, crawler.Failure(crawler.ClassifyError(err), err), 0)
		return
	}

	for i := range records {
		records[i].RunID = w.runID
		records[i].CollectedAt = w.clock.Now()
	}

	// The done transition, its records, and the discovered targets land in
	// one commit. Only after the store accepts them does the scheduler see
	// the target as done.
	mut := checkpoint.Mutation{
		Transitions: []checkpoint.Transition{{
			URL:      target.URL,
			State:    crawler.TargetDone,
			Attempts: target.Attempts,
		}},
		Records:    records,
		NewTargets: discovered,
	}
	if err := w.store.Commit(commitCtx, mut); err != nil {
		w.logger.Error("checkpoint commit failed",
			zap.String("url", target.URL), zap.Error(err))
		w.finish(commitCtx, target, result, crawler.Failure(crawler.KindTransient, err), 0)
		return
	}

	w.sched.Add(discovered...)
	w.finish(commitCtx, target, result, crawler.Success(), len(records))

	if len(records) > 0 {
		w.emitter.Emit(progress.Event{
			RunID:   w.runID,
			TS:      w.clock.Now(),
			Stage:   progress.StageRecords,
			Account: target.Account,
			Records: len(records),
		})
	}
}

// finish reports the outcome to the scheduler, persists the resulting state
// transition, and emits the fetch event.
func (w *Worker) finish(ctx context.Context, target crawler.Target, result crawler.FetchResult, outcome crawler.Outcome, records int) {
	state := w.sched.Report(target, outcome)

	// The done transition is already in the store by the time a success is
	// reported; only retry and terminal transitions still need persisting.
	if state != crawler.TargetDone {
		notBefore := target.NotBefore
		if state == crawler.TargetDeferred {
			notBefore = w.clock.Now().Add(outcome.RetryAfter)
		}
		if err := w.store.Commit(ctx, checkpoint.Mutation{
			Transitions: []checkpoint.Transition{{
				URL:       target.URL,
				State:     state,
				Attempts:  target.Attempts,
				NotBefore: notBefore,
			}},
		}); err != nil {
			w.logger.Error("state checkpoint failed",
				zap.String("url", target.URL),
				zap.String("state", string(state)),
				zap.Error(err))
		}
	}

	if state == crawler.TargetFailed {
		w.logger.Warn("target failed permanently",
			zap.String("url", target.URL),
			zap.String("kind", string(target.Kind)),
			zap.Int("attempts", target.Attempts),
			zap.Error(outcome.Err))
	}

	note := ""
	if outcome.Err != nil {
		note = outcome.Err.Error()
	}
	w.emitter.Emit(progress.Event{
		RunID:   w.runID,
		TS:      w.clock.Now(),
		Stage:   progress.StageFetchDone,
		Account: target.Account,
		Kind:    target.Kind,
		URL:     target.URL,
		State:   state,
		Records: records,
		Bytes:   int64(len(result.Body)),
		Dur:     result.Elapsed,
		Note:    note,
	})
}

// fetchOutcome maps a failed fetch to the outcome reported to the scheduler.
func fetchOutcome(result crawler.FetchResult, err error) crawler.Outcome {
	if result.Err != nil {
		out := crawler.Failure(result.Err.Kind, result.Err)
		out.RetryAfter = result.Err.RetryAfter
		return out
	}
	return crawler.Failure(crawler.ClassifyError(err), err)
}
