package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TaskStarted, Data: "x"})

	select {
	case e := <-ch:
		if e.Type != TaskStarted {
			t.Fatalf("Type = %q, want %q", e.Type, TaskStarted)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp Time")
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	// Fill the buffer, then publish more; extra events must be dropped,
	// never block.
	b.Publish(Event{Type: TaskCompleted})
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TaskFailed})
		b.Publish(Event{Type: TaskFailed})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if e := <-ch; e.Type != TaskCompleted {
		t.Fatalf("Type = %q, want %q", e.Type, TaskCompleted)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	_ = ch
	unsub()
	unsub() // idempotent

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TaskCancelled})
}
