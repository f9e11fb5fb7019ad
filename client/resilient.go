package client

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/draftforge/draftforge/ratelimit"
)

// RetryConfig controls the in-client retry loop. This loop handles
// transient provider hiccups; event-level retries above it handle longer
// outages.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	// Minimum 1.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryConfig matches provider guidance: three tries, 1s base, 30s
// cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// backoffDelay computes min(base*2^attempt, max) + jitter(0, base).
// Jitter spreads concurrent retries so a fan-out of workers does not
// hammer a recovering provider in lockstep.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base * (1 << attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security
	return delay + jitter
}

// Stats is a point-in-time snapshot of a Resilient client's counters.
type Stats struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Retries   int64 `json:"retries"`
	TokensIn  int64 `json:"tokens_in"`
	TokensOut int64 `json:"tokens_out"`
}

// Resilient wraps a Generator with rate-limit admission, a circuit
// breaker, bounded retry with exponential backoff, and usage accounting.
type Resilient struct {
	inner   Generator
	limiter *ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig

	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	retries   atomic.Int64
	tokensIn  atomic.Int64
	tokensOut atomic.Int64
}

// ResilientConfig assembles a Resilient wrapper.
type ResilientConfig struct {
	// Limiter admits requests before they reach the breaker. Nil disables
	// rate limiting.
	Limiter *ratelimit.Limiter

	// Retry controls the retry loop. Zero value uses DefaultRetryConfig.
	Retry RetryConfig

	// BreakerFailureThreshold consecutive failures open the circuit.
	// Zero uses 5.
	BreakerFailureThreshold uint32

	// BreakerCooldown is how long the circuit stays open before probing.
	// Zero uses 30s.
	BreakerCooldown time.Duration
}

// NewResilient wraps inner.
func NewResilient(inner Generator, cfg ResilientConfig) *Resilient {
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = DefaultRetryConfig()
	}
	threshold := cfg.BreakerFailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})

	return &Resilient{
		inner:   inner,
		limiter: cfg.Limiter,
		breaker: breaker,
		retry:   cfg.Retry,
	}
}

// Name returns the wrapped provider's name.
func (r *Resilient) Name() string { return r.inner.Name() }

// Generate runs one completion through admission, the breaker and the
// retry loop. Non-retryable errors return immediately; retryable ones are
// retried up to MaxAttempts with exponential backoff.
func (r *Resilient) Generate(ctx context.Context, req Request) (Response, error) {
	r.requests.Add(1)

	var lastErr error
	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			r.retries.Add(1)
			delay := backoffDelay(attempt-1, r.retry.BaseDelay, r.retry.MaxDelay)
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				r.failures.Add(1)
				return Response{}, ctx.Err()
			}
		}

		if r.limiter != nil {
			if err := r.limiter.Acquire(ctx); err != nil {
				r.failures.Add(1)
				return Response{}, err
			}
		}

		result, err := r.breaker.Execute(func() (any, error) {
			return r.inner.Generate(ctx, req)
		})
		if err == nil {
			resp := result.(Response)
			r.successes.Add(1)
			r.tokensIn.Add(int64(resp.TokensIn))
			r.tokensOut.Add(int64(resp.TokensOut))
			return resp, nil
		}

		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			err = &Error{Provider: r.inner.Name(), Code: CodeCircuitOpen,
				Message: "circuit breaker open", Retryable: true, Err: err}
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}

	r.failures.Add(1)
	return Response{}, lastErr
}

// Stats snapshots the counters.
func (r *Resilient) Stats() Stats {
	return Stats{
		Requests:  r.requests.Load(),
		Successes: r.successes.Load(),
		Failures:  r.failures.Load(),
		Retries:   r.retries.Load(),
		TokensIn:  r.tokensIn.Load(),
		TokensOut: r.tokensOut.Load(),
	}
}

// Close closes the wrapped generator when it holds connections.
func (r *Resilient) Close() error {
	if c, ok := r.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}
