package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock drives the limiter without wall-clock sleeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	l := New(cfg)
	l.now = clock.Now
	l.sleep = func(ctx context.Context, d time.Duration) error {
		clock.Advance(d)
		return ctx.Err()
	}
	return l, clock
}

func TestWindowBudget(t *testing.T) {
	l, clock := newTestLimiter(Config{Limit: 3, Window: time.Minute})

	for i := 0; i < 3; i++ {
		if !l.TryAcquire() {
			t.Fatalf("admission %d refused inside budget", i)
		}
	}
	if l.TryAcquire() {
		t.Fatal("fourth admission granted over budget")
	}

	// Oldest admission leaves the window.
	clock.Advance(61 * time.Second)
	if !l.TryAcquire() {
		t.Fatal("admission refused after window slid past")
	}
}

func TestSlidingNotFixed(t *testing.T) {
	l, clock := newTestLimiter(Config{Limit: 2, Window: time.Minute})

	if !l.TryAcquire() {
		t.Fatal("first admission refused")
	}
	clock.Advance(30 * time.Second)
	if !l.TryAcquire() {
		t.Fatal("second admission refused")
	}

	// 31s later the first admission has expired but the second has not.
	clock.Advance(31 * time.Second)
	if !l.TryAcquire() {
		t.Fatal("slot freed by the oldest admission was refused")
	}
	if l.TryAcquire() {
		t.Fatal("budget exceeded: two admissions still inside the window")
	}
}

func TestMinInterval(t *testing.T) {
	l, clock := newTestLimiter(Config{MinInterval: time.Second})

	if !l.TryAcquire() {
		t.Fatal("first admission refused")
	}
	if l.TryAcquire() {
		t.Fatal("admission granted inside min interval")
	}
	clock.Advance(time.Second)
	if !l.TryAcquire() {
		t.Fatal("admission refused after min interval elapsed")
	}
}

func TestAcquireBlocksUntilSlot(t *testing.T) {
	l, _ := newTestLimiter(Config{Limit: 1, Window: time.Minute})

	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	// Second Acquire must wait out the window via the injected sleep.
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	s := l.Stats()
	if s.Granted != 2 {
		t.Errorf("Granted = %d, want 2", s.Granted)
	}
	if s.Waited == 0 {
		t.Error("expected at least one wait")
	}
}

func TestAcquireCancellation(t *testing.T) {
	l := New(Config{Limit: 1, Window: time.Hour})
	if !l.TryAcquire() {
		t.Fatal("first admission refused")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestUnlimited(t *testing.T) {
	l, _ := newTestLimiter(Config{})
	for i := 0; i < 100; i++ {
		if !l.TryAcquire() {
			t.Fatalf("unlimited limiter refused admission %d", i)
		}
	}
}

func TestReleaseAndLastRequest(t *testing.T) {
	l, clock := newTestLimiter(Config{Limit: 2, Window: time.Minute})

	if got := l.Stats().LastRequest; !got.IsZero() {
		t.Errorf("LastRequest before any admission = %v, want zero", got)
	}

	if !l.TryAcquire() {
		t.Fatal("admission refused")
	}
	first := clock.Now()
	if got := l.Stats().LastRequest; !got.Equal(first) {
		t.Errorf("LastRequest = %v, want %v", got, first)
	}

	// Release frees nothing: the admission still counts until the window
	// slides past it.
	l.Release()
	clock.Advance(30 * time.Second)
	l.Release()
	if got := l.InFlight(); got != 1 {
		t.Errorf("InFlight after Release = %d, want 1", got)
	}
	if got := l.Stats().LastRequest; !got.Equal(first) {
		t.Errorf("LastRequest moved on Release: %v, want %v", got, first)
	}

	if !l.TryAcquire() {
		t.Fatal("second admission refused")
	}
	if got := l.Stats().LastRequest; !got.Equal(clock.Now()) {
		t.Errorf("LastRequest = %v, want %v", got, clock.Now())
	}
}

func TestInFlight(t *testing.T) {
	l, clock := newTestLimiter(Config{Limit: 5, Window: time.Minute})
	l.TryAcquire()
	l.TryAcquire()
	if got := l.InFlight(); got != 2 {
		t.Errorf("InFlight = %d, want 2", got)
	}
	clock.Advance(2 * time.Minute)
	if got := l.InFlight(); got != 0 {
		t.Errorf("InFlight after window = %d, want 0", got)
	}
}
