package bus

import (
	"context"
	"testing"
	"time"
)

func TestEventFanout(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx := context.Background()
	eventsA, unsubA := b.Subscribe(ctx, 1)
	defer unsubA()
	eventsB, unsubB := b.Subscribe(ctx, 1)
	defer unsubB()

	if ok := b.Publish(ctx, Event{Type: EventAdmitted, RoomID: "r1", EventID: "e1"}); !ok {
		t.Fatal("expected publish to succeed")
	}

	for name, ch := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-ch:
			if got.Type != EventAdmitted || got.EventID != "e1" {
				t.Fatalf("subscriber %s got %+v", name, got)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestPublishStampsTimeAndRequestID(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	events, unsubscribe := b.Subscribe(context.Background(), 2)
	defer unsubscribe()

	_ = b.Publish(context.Background(), Event{Type: EventReplySent})
	_ = b.Publish(context.Background(), Event{Type: EventReplySent, RequestID: "fixed"})

	first := <-events
	second := <-events
	if first.At.IsZero() || first.RequestID == "" {
		t.Fatalf("first event not stamped: %+v", first)
	}
	if second.RequestID != "fixed" {
		t.Fatalf("request id = %q, want caller value kept", second.RequestID)
	}
	if first.RequestID == second.RequestID {
		t.Fatal("generated request ids should be unique")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx := context.Background()
	events, unsubscribe := b.Subscribe(ctx, 1)
	defer unsubscribe()

	if ok := b.Publish(ctx, Event{Type: EventAdmitted}); !ok {
		t.Fatal("expected first publish to succeed")
	}

	start := time.Now()
	if ok := b.Publish(ctx, Event{Type: EventDropped}); !ok {
		t.Fatal("expected second publish to succeed")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish blocked on slow subscriber")
	}
	if b.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", b.Dropped())
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx := context.Background()
	events, unsubscribe := b.Subscribe(ctx, 1)
	unsubscribe()
	unsubscribe()

	if ok := b.Publish(ctx, Event{Type: EventAdmitted}); !ok {
		t.Fatal("expected publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	events, _ := b.Subscribe(ctx, 1)
	cancel()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscription did not end with its context")
	}
}

func TestCloseStopsBus(t *testing.T) {
	b := New()

	events, _ := b.Subscribe(context.Background(), 1)
	b.Close()
	b.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscription did not unblock after close")
	}

	if ok := b.Publish(context.Background(), Event{Type: EventAdmitted}); ok {
		t.Fatal("expected publish to fail after close")
	}

	late, _ := b.Subscribe(context.Background(), 1)
	if _, ok := <-late; ok {
		t.Fatal("subscribe after close should return a closed channel")
	}
}

func TestPublishOnCanceledContext(t *testing.T) {
	b := New()
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ok := b.Publish(ctx, Event{Type: EventAdmitted}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}

	var nilBus *Bus
	if nilBus.Publish(context.Background(), Event{}) {
		t.Fatal("nil bus should not publish")
	}
}
