package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPublishRoutesByType(t *testing.T) {
	b := NewInMemoryBus(8)

	var opened, all int
	b.Subscribe(EventSessionOpened, func(*Event) { opened++ })
	b.SubscribeAll(func(*Event) { all++ })

	b.Publish(NewEvent(EventSessionOpened, "test", nil))
	b.Publish(NewEvent(EventSessionClosed, "test", nil))

	if opened != 1 {
		t.Fatalf("Expectation: 1 opened event, Received: %d", opened)
	}
	if all != 2 {
		t.Fatalf("Expectation: 2 events for SubscribeAll, Received: %d", all)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewInMemoryBus(8)

	var n int
	id := b.Subscribe(EventSessionClosed, func(*Event) { n++ })
	allID := b.SubscribeAll(func(*Event) { n++ })
	b.Unsubscribe(id)
	b.Unsubscribe(allID)

	b.Publish(NewEvent(EventSessionClosed, "test", nil))
	if n != 0 {
		t.Fatalf("unsubscribed handlers still called %d times", n)
	}
}

func TestPublishAsyncDelivers(t *testing.T) {
	b := NewInMemoryBus(8)
	b.Start(context.Background())
	defer b.Stop()

	got := make(chan *Event, 1)
	b.Subscribe(EventSessionAssigned, func(e *Event) { got <- e })

	ev := NewEvent(EventSessionAssigned, "test", "publisher").WithMetadata("session_id", "abc")
	b.PublishAsync(ev)

	select {
	case e := <-got:
		if e.ID != ev.ID || e.Metadata["session_id"] != "abc" {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("async event not delivered")
	}
}

func TestPublishAsyncDropsWhenFull(t *testing.T) {
	b := NewInMemoryBus(1)

	b.PublishAsync(NewEvent(EventSessionOpened, "test", nil))
	b.PublishAsync(NewEvent(EventSessionOpened, "test", nil))

	if b.Dropped() != 1 {
		t.Fatalf("Expectation: 1 dropped, Received: %d", b.Dropped())
	}
}

func TestStopThenPublishAsyncDoesNotPanic(t *testing.T) {
	b := NewInMemoryBus(4)
	b.Start(context.Background())
	b.Stop()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.PublishAsync(NewEvent(EventSessionClosed, "test", nil))
		}()
	}
	wg.Wait()
}
