package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeCacheHit})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeCacheHit {
				t.Fatalf("type = %q", e.Type)
			}
			if e.Time.IsZero() {
				t.Fatalf("time not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block

	if got := (<-ch).Type; got != "a" {
		t.Fatalf("got %q", got)
	}
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	unsub()
	unsub()
	b.Publish(Event{Type: "x"})
}

func TestTallyCountsEvents(t *testing.T) {
	b := New()
	tally := NewTally()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tally.Run(ctx, b)
		close(done)
	}()

	// Wait for the subscription to be registered.
	deadline := time.Now().Add(time.Second)
	for tally.Get(TypeCacheMiss) == 0 && time.Now().Before(deadline) {
		PublishSafe(b, TypeCacheMiss, nil)
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if tally.Get(TypeCacheMiss) == 0 {
		t.Fatalf("expected cache.miss to be counted")
	}
	if types := tally.Types(); len(types) != 1 || types[0] != TypeCacheMiss {
		t.Fatalf("types = %v", types)
	}
}

func TestPublishSafeNilBus(t *testing.T) {
	PublishSafe(nil, "x", nil)
}
