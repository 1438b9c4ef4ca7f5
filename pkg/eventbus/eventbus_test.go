package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/pveprov/pkg/model"
)

func recv(t *testing.T, ch chan *model.Event) *model.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(500 * time.Millisecond):
		t.Fatal("no event received")
		return nil
	}
}

func TestFanOutToRunSubscribers(t *testing.T) {
	bus := NewInMemoryBus()
	a := bus.Subscribe("run-a")
	b := bus.Subscribe("run-a")
	other := bus.Subscribe("run-b")
	defer bus.Unsubscribe("run-a", a)
	defer bus.Unsubscribe("run-a", b)
	defer bus.Unsubscribe("run-b", other)

	bus.Publish("run-a", &model.Event{RunID: "run-a", Type: model.EventStatus, Data: "[collect] Collecting cluster state"})

	for _, ch := range []chan *model.Event{a, b} {
		if ev := recv(t, ch); ev.Type != model.EventStatus || ev.Data != "[collect] Collecting cluster state" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	}
	select {
	case ev := <-other:
		t.Fatalf("run-b received an event of run-a: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishOrderIsPreserved(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("run")
	defer bus.Unsubscribe("run", ch)

	for _, typ := range []string{model.EventStatus, model.EventOutput, model.EventDone} {
		bus.Publish("run", &model.Event{RunID: "run", Type: typ})
	}
	for _, want := range []string{model.EventStatus, model.EventOutput, model.EventDone} {
		if got := recv(t, ch).Type; got != want {
			t.Fatalf("event type = %s, want %s", got, want)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewInMemoryBus()
	ch := bus.Subscribe("run")
	defer bus.Unsubscribe("run", ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < bufferSize+10; i++ {
			bus.Publish("run", &model.Event{RunID: "run", Type: model.EventOutput})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if n := len(ch); n != bufferSize {
		t.Fatalf("buffered events = %d, want %d", n, bufferSize)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	first := bus.Subscribe("run")
	second := bus.Subscribe("run")
	if n := bus.Subscribers("run"); n != 2 {
		t.Fatalf("Subscribers() = %d, want 2", n)
	}

	bus.Unsubscribe("run", first)
	if _, ok := <-first; ok {
		t.Fatal("unsubscribed channel should be closed")
	}
	bus.Publish("run", &model.Event{RunID: "run", Type: model.EventDone})
	if ev := recv(t, second); ev.Type != model.EventDone {
		t.Fatalf("remaining subscriber got %+v", ev)
	}

	bus.Unsubscribe("run", second)
	bus.Unsubscribe("run", second) // no-op
	if n := bus.Subscribers("run"); n != 0 {
		t.Fatalf("Subscribers() = %d, want 0", n)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch := bus.Subscribe("run")
			bus.Unsubscribe("run", ch)
		}()
		go func() {
			defer wg.Done()
			bus.Publish("run", &model.Event{RunID: "run", Type: model.EventStatus})
		}()
	}
	wg.Wait()
	if n := bus.Subscribers("run"); n != 0 {
		t.Fatalf("Subscribers() = %d, want 0", n)
	}
}
