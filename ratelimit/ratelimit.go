// Package ratelimit implements a sliding-window request limiter with an
// optional minimum spacing between consecutive admissions.
//
// Service clients acquire a slot before every provider call so the
// pipeline's fan-out respects per-provider request budgets regardless of
// how many workers are generating concurrently.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most Limit calls per Window, with at least MinInterval
// between consecutive admissions. Safe for concurrent use.
//
// The window slides continuously: an admission timestamp stops counting
// against the budget exactly Window after it was recorded.
type Limiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	minInterval time.Duration

	admissions []time.Time // timestamps inside the current window, oldest first
	last       time.Time   // most recent admission

	waited  int64
	granted int64

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Config holds limiter settings.
type Config struct {
	// Limit is the maximum number of admissions per Window. Zero or
	// negative disables windowed limiting.
	Limit int

	// Window is the sliding window length. Defaults to one minute when
	// Limit is set and Window is zero.
	Window time.Duration

	// MinInterval is the minimum spacing between consecutive admissions.
	// Zero disables spacing.
	MinInterval time.Duration
}

// New creates a limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.Limit > 0 && cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		limit:       cfg.Limit,
		window:      cfg.Window,
		minInterval: cfg.MinInterval,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until a slot is available or ctx is done. On success the
// admission is recorded immediately.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		wait, ok := l.tryReserve()
		if ok {
			return nil
		}
		l.mu.Lock()
		l.waited++
		l.mu.Unlock()
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// TryAcquire reports whether a slot was available right now, recording the
// admission when it was.
func (l *Limiter) TryAcquire() bool {
	_, ok := l.tryReserve()
	return ok
}

// tryReserve admits the caller if the budget allows, otherwise returns how
// long to wait before the next attempt can succeed.
func (l *Limiter) tryReserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.evictExpired(now)

	if l.minInterval > 0 && !l.last.IsZero() {
		if since := now.Sub(l.last); since < l.minInterval {
			return l.minInterval - since, false
		}
	}

	if l.limit > 0 && len(l.admissions) >= l.limit {
		// Oldest admission leaves the window first.
		return l.admissions[0].Add(l.window).Sub(now), false
	}

	if l.limit > 0 {
		l.admissions = append(l.admissions, now)
	}
	l.last = now
	l.granted++
	return 0, true
}

// evictExpired drops admissions older than the window. Caller holds l.mu.
func (l *Limiter) evictExpired(now time.Time) {
	if l.limit <= 0 {
		return
	}
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.admissions) && !l.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = l.admissions[i:]
	}
}

// InFlight returns the number of admissions still counting against the
// window.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictExpired(l.now())
	return len(l.admissions)
}

// Release is a no-op. Admissions age out of the sliding window on their
// own; callers that pair every Acquire with a deferred Release keep
// working against this limiter unchanged.
func (l *Limiter) Release() {}

// Stats reports cumulative limiter counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		Granted:     l.granted,
		Waited:      l.waited,
		Window:      len(l.admissions),
		Limit:       l.limit,
		LastRequest: l.last,
	}
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	// Granted counts successful admissions.
	Granted int64 `json:"granted"`
	// Waited counts the times an Acquire had to sleep.
	Waited int64 `json:"waited"`
	// Window is the number of admissions currently inside the window.
	Window int `json:"window"`
	// Limit is the configured per-window budget.
	Limit int `json:"limit"`
	// LastRequest is the time of the most recent admission; zero when
	// nothing has been admitted yet.
	LastRequest time.Time `json:"last_request,omitempty"`
}
