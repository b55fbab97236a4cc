package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestInMemoryPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "42")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ev := New(TypeLockAcquired, "42", "7", "alice", time.Now())
	if err := bus.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-ch:
		if got.Type != TypeLockAcquired || got.SectionID != "7" || got.UserID != "alice" {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.ID == "" {
			t.Fatal("expected event id")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestInMemoryDocumentsIsolated(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch42, _ := bus.Subscribe(ctx, "42")
	ch43, _ := bus.Subscribe(ctx, "43")

	_ = bus.Publish(ctx, New(TypeJoined, "42", "", "alice", time.Now()))
	select {
	case <-ch42:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for doc 42 event")
	}
	select {
	case ev := <-ch43:
		t.Fatalf("doc 43 received foreign event %+v", ev)
	default:
	}
}

func TestInMemoryUnsubscribeClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, _ := bus.Subscribe(ctx, "42")
	if err := bus.Unsubscribe(ctx, "42", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	// publishing afterwards must not panic
	if err := bus.Publish(ctx, New(TypeLeft, "42", "", "alice", time.Now())); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestInMemoryPublishRacesUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	// publishers hammer the document while subscribers churn; a send must
	// never hit a channel closed by Unsubscribe
	var pubs, subs sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		pubs.Add(1)
		go func() {
			defer pubs.Done()
			ev := New(TypeLockAcquired, "42", "7", "alice", time.Now())
			for {
				select {
				case <-stop:
					return
				default:
					_ = bus.Publish(ctx, ev)
				}
			}
		}()
	}
	for i := 0; i < 4; i++ {
		subs.Add(1)
		go func() {
			defer subs.Done()
			for j := 0; j < 2000; j++ {
				ch, err := bus.Subscribe(ctx, "42")
				if err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				select {
				case <-ch:
				default:
				}
				if err := bus.Unsubscribe(ctx, "42", ch); err != nil {
					t.Errorf("unsubscribe: %v", err)
					return
				}
			}
		}()
	}
	subs.Wait()
	close(stop)
	pubs.Wait()
}

func TestInMemorySubscribeContextCancel(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, _ := bus.Subscribe(ctx, "42")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after context cancel")
	}
}
