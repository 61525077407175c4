package eventbus

import "testing"

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeJobFired, Data: "u1"})

	e := <-ch
	if e.Type != TypeJobFired {
		t.Fatalf("got type %q, want %q", e.Type, TypeJobFired)
	}
	if e.Time.IsZero() {
		t.Fatal("publish should stamp Time")
	}
}

func TestPublishNeverBlocksAndCountsDrops(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	// Buffer of 1: the second publish must drop, not block.
	b.Publish(Event{Type: TypeJobScheduled})
	b.Publish(Event{Type: TypeJobScheduled})

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestUnsubscribeDuringPublishIsSafe(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	// Channel is closed now; publish must swallow the send panic.
	b.Publish(Event{Type: TypeRequestProcessed})

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
}
