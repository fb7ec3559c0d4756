package scheduler

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiters manages one token bucket per host so the crawler keeps a
// minimum inter-request interval against each endpoint.
type hostLimiters struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int

	// observe, if set, receives the delay the limiter introduced.
	observe func(host string, d time.Duration)
}

func newHostLimiters(rps float64, burst int, observe func(string, time.Duration)) *hostLimiters {
	r := rate.Limit(rps)
	if rps <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiters{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		observe:      observe,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the
// context.
func (l *hostLimiters) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if l.observe != nil {
		if d := time.Since(start); d > time.Millisecond {
			l.observe(host, d)
		}
	}
	return nil
}
