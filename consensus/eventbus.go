package consensus

import (
	"sync"

	"dex/interfaces"
	"dex/types"
)

// EventBus is the in-process publish/subscribe bus RoundManager uses to
// announce round-lifecycle events (SPEC_FULL.md §D.2) without depending
// on any particular subscriber.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]interfaces.EventHandler
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[types.EventType][]interfaces.EventHandler)}
}

func (eb *EventBus) Subscribe(topic types.EventType, handler interfaces.EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[topic] = append(eb.handlers[topic], handler)
}

func (eb *EventBus) Publish(event interfaces.Event) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type()]
	eb.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (eb *EventBus) PublishAsync(event interfaces.Event) {
	go eb.Publish(event)
}
