package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.Subscribe(string(NodeCreated), func(Event) error {
		got = append(got, "first")
		return nil
	})
	bus.Subscribe(string(NodeCreated), func(Event) error {
		got = append(got, "second")
		return nil
	})
	bus.Subscribe(Wildcard, func(Event) error {
		got = append(got, "wildcard")
		return nil
	})

	bus.Emit(New(NodeCreated, Payload{}))

	want := []string{"first", "second", "wildcard"}
	if len(got) != len(want) {
		t.Fatalf("expected %d deliveries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", got, want)
		}
	}
}

func TestWildcardDoesNotMatchOtherEmissionsTwice(t *testing.T) {
	bus := NewBus()
	var count atomic.Int64
	bus.Subscribe(Wildcard, func(Event) error {
		count.Add(1)
		return nil
	})
	bus.Emit(New(NodeCreated, Payload{}))
	bus.Emit(New(EdgeDeleted, Payload{}))
	if count.Load() != 2 {
		t.Fatalf("wildcard should see every event once, saw %d", count.Load())
	}
}

func TestHandlerErrorsAreIsolated(t *testing.T) {
	bus := NewBus()
	ran := false
	bus.Subscribe(string(NodeCreated), func(Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(string(NodeCreated), func(Event) error {
		ran = true
		return nil
	})
	bus.Emit(New(NodeCreated, Payload{}))
	if !ran {
		t.Fatal("second handler should run despite first handler error")
	}
}

func TestSubscribeOnceFiresAtMostOnce(t *testing.T) {
	bus := NewBus()
	var count atomic.Int64
	bus.SubscribeOnce(string(NodeCreated), func(Event) error {
		count.Add(1)
		return nil
	})
	bus.Emit(New(NodeCreated, Payload{}))
	bus.Emit(New(NodeCreated, Payload{}))
	if count.Load() != 1 {
		t.Fatalf("once handler fired %d times", count.Load())
	}
	if bus.SubscriptionCount(string(NodeCreated)) != 0 {
		t.Fatal("once handler should be removed after firing")
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus()
	var count atomic.Int64
	id := bus.Subscribe(string(NodeCreated), func(Event) error {
		count.Add(1)
		return nil
	})
	if !bus.Unsubscribe(id) {
		t.Fatal("expected Unsubscribe to find the subscription")
	}
	if bus.Unsubscribe(id) {
		t.Fatal("second Unsubscribe should report missing")
	}
	bus.Emit(New(NodeCreated, Payload{}))
	if count.Load() != 0 {
		t.Fatal("unsubscribed handler must not run")
	}
}

func TestPauseQueuesAndResumeDrainsFIFO(t *testing.T) {
	bus := NewBus()
	var got []Type
	bus.Subscribe(Wildcard, func(e Event) error {
		got = append(got, e.Type)
		return nil
	})

	bus.Pause()
	bus.Emit(New(NodeCreated, Payload{}))
	bus.Emit(New(NodeUpdated, Payload{}))
	if len(got) != 0 {
		t.Fatalf("no handler may run while paused, got %v", got)
	}

	bus.Resume()
	if len(got) != 2 || got[0] != NodeCreated || got[1] != NodeUpdated {
		t.Fatalf("resume must drain in FIFO order, got %v", got)
	}
}

func TestEmitSyncEventuallyRunsHandlers(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(string(NodeCreated), func(Event) error {
		wg.Done()
		return nil
	})
	bus.EmitSync(New(NodeCreated, Payload{}))
	wg.Wait()
}

func TestSubscriptionCountAndHasSubscribers(t *testing.T) {
	bus := NewBus()
	if bus.HasSubscribers("") {
		t.Fatal("fresh bus should have no subscribers")
	}
	bus.Subscribe(string(NodeCreated), func(Event) error { return nil })
	bus.Subscribe(Wildcard, func(Event) error { return nil })
	if bus.SubscriptionCount("") != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", bus.SubscriptionCount(""))
	}
	if !bus.HasSubscribers(string(NodeDeleted)) {
		t.Fatal("wildcard should count for any type")
	}
	bus.Clear()
	if bus.HasSubscribers("") {
		t.Fatal("Clear should drop every subscription")
	}
}

func TestDefaultBusIsResettable(t *testing.T) {
	ResetDefault()
	Default().Subscribe(Wildcard, func(Event) error { return nil })
	if Default().SubscriptionCount("") != 1 {
		t.Fatal("expected subscription on default bus")
	}
	ResetDefault()
	if Default().SubscriptionCount("") != 0 {
		t.Fatal("ResetDefault should produce a clean bus")
	}
}
