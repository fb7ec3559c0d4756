// Package scheduler decides what to fetch next. It maintains the pending
// priority queue, the deferred retry queue and the in-flight set, and
// enforces per-host rate limits and the retry cap.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiwenli/mpcrawl/internal/crawler"
)

// Config controls Scheduler behavior.
type Config struct {
	MaxAttempts  int
	PerHostRPS   float64
	PerHostBurst int
	// DefaultDefer is applied to rate-limited outcomes without a server hint.
	DefaultDefer time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Scheduler implements crawler.Scheduler over in-memory queues. All queue
// mutation happens under a single mutex; Next blocks outside it.
type Scheduler struct {
	cfg     Config
	clock   crawler.Clock
	backoff *Backoff
	hosts   *hostLimiters
	logger  *zap.Logger

	mu       sync.Mutex
	pending  pendingHeap
	deferred deferredHeap
	inflight map[string]struct{}
	known    map[string]struct{}
	counts   map[crawler.TargetState]int
	seq      uint64

	wake chan struct{}
}

// RateObserver receives rate-limiter induced delays, used to feed metrics.
type RateObserver func(host string, d time.Duration)

// New constructs a Scheduler.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger, observe RateObserver) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultDefer <= 0 {
		cfg.DefaultDefer = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:      cfg,
		clock:    clock,
		backoff:  NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		hosts:    newHostLimiters(cfg.PerHostRPS, cfg.PerHostBurst, observe),
		logger:   logger,
		inflight: make(map[string]struct{}),
		known:    make(map[string]struct{}),
		counts:   make(map[crawler.TargetState]int),
		wake:     make(chan struct{}, 1),
	}
}

// Add introduces targets into the scheduler. Pending and deferred targets
// are queued; terminal targets only update counters so a restored checkpoint
// reports accurate totals. URLs already known are ignored, which keeps the
// at-most-once guarantee across discovery and resume.
func (s *Scheduler) Add(targets ...crawler.Target) {
	s.mu.Lock()
	now := s.clock.Now()
	for _, t := range targets {
		if t.URL == "" {
			continue
		}
		if _, seen := s.known[t.URL]; seen {
			continue
		}
		s.known[t.URL] = struct{}{}
		switch t.State {
		case crawler.TargetDone, crawler.TargetFailed:
			s.counts[t.State]++
		case crawler.TargetDeferred:
			if t.NotBefore.After(now) {
				heap.Push(&s.deferred, t)
			} else {
				s.pushPending(t)
			}
		default:
			t.State = crawler.TargetPending
			s.pushPending(t)
		}
	}
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) pushPending(t crawler.Target) {
	t.State = crawler.TargetPending
	s.seq++
	heap.Push(&s.pending, pendingItem{target: t, seq: s.seq})
}

// Next blocks until a target is eligible. ok is false once every known
// target is terminal and nothing is in flight, or when the context ends.
func (s *Scheduler) Next(ctx context.Context) (crawler.Target, bool) {
	for {
		s.mu.Lock()
		s.promoteReady()
		if s.pending.Len() > 0 {
			item := heap.Pop(&s.pending).(pendingItem)
			t := item.target
			t.State = crawler.TargetInFlight
			t.Attempts++
			s.inflight[t.URL] = struct{}{}
			s.mu.Unlock()
			if err := s.hosts.Wait(ctx, t.URL); err != nil {
				// Context ended while gated; put the target back untouched.
				s.requeue(t)
				return crawler.Target{}, false
			}
			return t, true
		}
		drained := len(s.inflight) == 0 && s.deferred.Len() == 0
		wait := s.wakeInterval()
		s.mu.Unlock()

		if drained {
			return crawler.Target{}, false
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return crawler.Target{}, false
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Report records the outcome of one fetch attempt and returns the state the
// target transitioned to, so the caller can persist it.
func (s *Scheduler) Report(target crawler.Target, outcome crawler.Outcome) crawler.TargetState {
	s.mu.Lock()
	delete(s.inflight, target.URL)

	var state crawler.TargetState
	switch {
	case outcome.Kind == crawler.KindNone:
		state = crawler.TargetDone
		s.counts[state]++
	case !outcome.Kind.Retryable(), target.Attempts >= s.cfg.MaxAttempts:
		state = crawler.TargetFailed
		s.counts[state]++
		s.logger.Warn("target failed terminally",
			zap.String("url", target.URL),
			zap.String("kind", string(outcome.Kind)),
			zap.Int("attempts", target.Attempts),
			zap.Error(outcome.Err),
		)
	default:
		state = crawler.TargetDeferred
		delay := s.retryDelay(outcome, target.Attempts)
		target.State = state
		target.NotBefore = s.clock.Now().Add(delay)
		heap.Push(&s.deferred, target)
		s.logger.Debug("target deferred",
			zap.String("url", target.URL),
			zap.String("kind", string(outcome.Kind)),
			zap.Duration("delay", delay),
		)
	}
	s.mu.Unlock()
	s.signal()
	return state
}

func (s *Scheduler) retryDelay(outcome crawler.Outcome, attempts int) time.Duration {
	if outcome.Kind == crawler.KindRateLimited {
		if outcome.RetryAfter > 0 {
			return outcome.RetryAfter
		}
		return s.cfg.DefaultDefer
	}
	return s.backoff.Delay(attempts)
}

// InFlight reports whether the URL currently has an active fetch.
func (s *Scheduler) InFlight(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[url]
	return ok
}

// Counts returns a snapshot of terminal and queued target counts.
func (s *Scheduler) Counts() map[crawler.TargetState]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[crawler.TargetState]int{
		crawler.TargetDone:     s.counts[crawler.TargetDone],
		crawler.TargetFailed:   s.counts[crawler.TargetFailed],
		crawler.TargetDeferred: s.deferred.Len(),
		crawler.TargetPending:  s.pending.Len(),
		crawler.TargetInFlight: len(s.inflight),
	}
	return out
}

// promoteReady moves deferred targets whose backoff elapsed back to pending.
// Caller holds the lock.
func (s *Scheduler) promoteReady() {
	now := s.clock.Now()
	for s.deferred.Len() > 0 && !s.deferred[0].NotBefore.After(now) {
		t := heap.Pop(&s.deferred).(crawler.Target)
		s.pushPending(t)
	}
}

// wakeInterval returns how long Next may sleep before re-checking the
// deferred queue. Caller holds the lock.
func (s *Scheduler) wakeInterval() time.Duration {
	const maxSleep = 250 * time.Millisecond
	if s.deferred.Len() == 0 {
		return maxSleep
	}
	until := s.deferred[0].NotBefore.Sub(s.clock.Now())
	if until < time.Millisecond {
		return time.Millisecond
	}
	if until > maxSleep {
		return maxSleep
	}
	return until
}

// requeue returns a dispatched target to pending after a canceled limiter
// wait, undoing the attempt increment.
func (s *Scheduler) requeue(t crawler.Target) {
	s.mu.Lock()
	delete(s.inflight, t.URL)
	t.Attempts--
	s.pushPending(t)
	s.mu.Unlock()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
