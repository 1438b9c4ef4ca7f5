// Package eventbus provides the Bus interface and an in-memory implementation
// for streaming run events to API clients.
package eventbus

import (
	"sync"

	"github.com/jxucoder/pveprov/internal/metrics"
	"github.com/jxucoder/pveprov/pkg/model"
)

// bufferSize is the per-subscriber channel capacity.
const bufferSize = 64

// Bus provides pub/sub for run events.
type Bus interface {
	Subscribe(runID string) chan *model.Event
	Unsubscribe(runID string, ch chan *model.Event)
	Publish(runID string, event *model.Event)
}

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.Event
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *model.Event),
	}
}

// Subscribe creates a channel that receives events for a run.
func (b *InMemoryBus) Subscribe(runID string) chan *model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.Event, bufferSize)
	b.subs[runID] = append(b.subs[runID], ch)
	return ch
}

// Unsubscribe removes a channel from the run's subscribers and closes it.
func (b *InMemoryBus) Unsubscribe(runID string, ch chan *model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[runID]
	for i, s := range subs {
		if s == ch {
			b.subs[runID] = append(subs[:i], subs[i+1:]...)
			if len(b.subs[runID]) == 0 {
				delete(b.subs, runID)
			}
			close(ch)
			return
		}
	}
}

// Publish sends an event to all subscribers for a run without blocking.
func (b *InMemoryBus) Publish(runID string, event *model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[runID] {
		select {
		case ch <- event:
		default:
			// Drop event if subscriber is too slow.
			metrics.IncError("eventbus", "dropped")
		}
	}
}

// Subscribers returns the number of live subscriptions for a run.
func (b *InMemoryBus) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
