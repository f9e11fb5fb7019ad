package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	received := make(chan Event, 1)
	bus.Subscribe(TypeChapterParsed, "test", func(ctx context.Context, e Event) {
		received <- e
	})
	bus.Start(context.Background())

	want := New(TypeChapterParsed, "wf-1", "tr-1", &ChapterParsedPayload{})
	if err := bus.Publish(context.Background(), want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != want.ID {
			t.Errorf("got event %s, want %s", got.ID, want.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestBusTypeFiltering(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	var mu sync.Mutex
	var got []Type
	bus.Subscribe(TypeSectionParsed, "sections-only", func(ctx context.Context, e Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})
	bus.Start(context.Background())

	ctx := context.Background()
	bus.Publish(ctx, New(TypeChapterParsed, "wf", "tr", nil))
	bus.Publish(ctx, New(TypeSectionParsed, "wf", "tr", nil))
	bus.Publish(ctx, New(TypeParagraphParsed, "wf", "tr", nil))
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != TypeSectionParsed {
		t.Errorf("delivered types = %v, want [SECTION_PARSED]", got)
	}
}

func TestBusPerHandlerOrdering(t *testing.T) {
	bus := NewBus()

	const n = 100
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	bus.Subscribe(TypeParagraphParsed, "order", func(ctx context.Context, e Event) {
		mu.Lock()
		order = append(order, e.Priority)
		if len(order) == n {
			close(done)
		}
		mu.Unlock()
	})
	bus.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < n; i++ {
		e := New(TypeParagraphParsed, "wf", "tr", nil)
		e.Priority = i // marker for publish order
		if err := bus.Publish(ctx, e); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	bus.Stop()

	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d: events delivered out of publish order", i, v)
		}
	}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	wg.Add(3)
	counts := make([]int, 3)
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		i := i
		bus.Subscribe(TypeContentGenerated, fmt.Sprintf("sub-%d", i), func(ctx context.Context, e Event) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
			wg.Done()
		})
	}
	bus.Start(context.Background())

	bus.Publish(context.Background(), New(TypeContentGenerated, "wf", "tr", nil))

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("not all subscribers received the event")
	}
	bus.Stop()

	for i, c := range counts {
		if c != 1 {
			t.Errorf("subscriber %d received %d events, want 1", i, c)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Stop()

	var mu sync.Mutex
	count := 0
	sub := bus.Subscribe(TypeChapterParsed, "temp", func(ctx context.Context, e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	bus.Start(context.Background())

	bus.Unsubscribe(sub)
	bus.Unsubscribe(sub) // idempotent
	bus.Unsubscribe(nil)

	bus.Publish(context.Background(), New(TypeChapterParsed, "wf", "tr", nil))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Errorf("unsubscribed handler received %d events", count)
	}
}

func TestBusPublishAfterStop(t *testing.T) {
	bus := NewBus()
	bus.Start(context.Background())
	bus.Stop()

	err := bus.Publish(context.Background(), New(TypeChapterParsed, "wf", "tr", nil))
	if !errors.Is(err, ErrBusClosed) {
		t.Errorf("Publish after Stop = %v, want ErrBusClosed", err)
	}
	if err := bus.TryPublish(New(TypeChapterParsed, "wf", "tr", nil)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("TryPublish after Stop = %v, want ErrBusClosed", err)
	}

	bus.Stop() // idempotent
}

func TestBusStopDrainsQueued(t *testing.T) {
	bus := NewBus(WithDrainTimeout(5 * time.Second))

	var mu sync.Mutex
	count := 0
	bus.Subscribe(TypeParagraphParsed, "drain", func(ctx context.Context, e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	bus.Start(context.Background())

	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		if err := bus.Publish(ctx, New(TypeParagraphParsed, "wf", "tr", nil)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	bus.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != n {
		t.Errorf("delivered %d of %d queued events before stop", count, n)
	}
}

func TestBusTryPublishFull(t *testing.T) {
	// No subscribers and no Start: nothing drains the queue.
	bus := NewBus(WithQueueDepth(2))

	if err := bus.TryPublish(New(TypeChapterParsed, "wf", "tr", nil)); err != nil {
		t.Fatalf("first TryPublish: %v", err)
	}
	if err := bus.TryPublish(New(TypeChapterParsed, "wf", "tr", nil)); err != nil {
		t.Fatalf("second TryPublish: %v", err)
	}
	if err := bus.TryPublish(New(TypeChapterParsed, "wf", "tr", nil)); !errors.Is(err, ErrBusFull) {
		t.Errorf("third TryPublish = %v, want ErrBusFull", err)
	}
}

func TestBusPublishBlockedCancellation(t *testing.T) {
	bus := NewBus(WithQueueDepth(1))
	bus.TryPublish(New(TypeChapterParsed, "wf", "tr", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := bus.Publish(ctx, New(TypeChapterParsed, "wf", "tr", nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("blocked Publish = %v, want context.DeadlineExceeded", err)
	}
}

func TestBusHandlerPanicIsolation(t *testing.T) {
	bus := NewBus()

	received := make(chan struct{})
	bus.Subscribe(TypeChapterParsed, "panics", func(ctx context.Context, e Event) {
		panic("boom")
	})
	bus.Subscribe(TypeChapterParsed, "survives", func(ctx context.Context, e Event) {
		received <- struct{}{}
	})
	bus.Start(context.Background())

	ctx := context.Background()
	bus.Publish(ctx, New(TypeChapterParsed, "wf", "tr", nil))
	bus.Publish(ctx, New(TypeChapterParsed, "wf", "tr", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("healthy subscriber missed event %d after peer panic", i)
		}
	}
	bus.Stop()
}

func TestBusStats(t *testing.T) {
	bus := NewBus()
	done := make(chan struct{}, 4)
	bus.Subscribe(TypeChapterParsed, "stats", func(ctx context.Context, e Event) {
		done <- struct{}{}
	})
	bus.Start(context.Background())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		bus.Publish(ctx, New(TypeChapterParsed, "wf", "tr", nil))
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery timed out")
		}
	}
	bus.Stop()

	stats := bus.Stats()
	if stats.Published != 4 {
		t.Errorf("Published = %d, want 4", stats.Published)
	}
	if stats.Delivered != 4 {
		t.Errorf("Delivered = %d, want 4", stats.Delivered)
	}
}
