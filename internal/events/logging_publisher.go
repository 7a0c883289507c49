package events

import (
	"context"
	"sort"
	"sync"

	"github.com/alexisbeaulieu97/nfvo/internal/logger"
)

// LoggingPublisher writes each event as a structured log entry and then
// hands it to the subscribers of its type.
type LoggingPublisher struct {
	log    *logger.Logger
	subs   map[string][]subscriptionEntry
	nextID int
	mu     sync.RWMutex
}

var _ Publisher = (*LoggingPublisher)(nil)

// NewLoggingPublisher creates a publisher logging through log. A nil logger
// keeps subscriber delivery but writes nothing.
func NewLoggingPublisher(log *logger.Logger) *LoggingPublisher {
	return &LoggingPublisher{
		log:  log,
		subs: make(map[string][]subscriptionEntry),
	}
}

// Publish logs the event and invokes its subscribers in registration order.
func (p *LoggingPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || event.Type == "" {
		return nil
	}

	p.mu.RLock()
	handlers := append([]subscriptionEntry(nil), p.subs[event.Type]...)
	p.mu.RUnlock()

	keys := make([]string, 0, len(event.Payload))
	for key := range event.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fields := make([]any, 0, 2+2*len(keys))
	fields = append(fields, "event_type", event.Type)
	for _, key := range keys {
		fields = append(fields, key, event.Payload[key])
	}
	p.log.Info("domain event", fields...)

	for _, entry := range handlers {
		if err := entry.handler(ctx, event); err != nil {
			p.log.Warn("event handler failed", "event_type", event.Type, "error", err.Error())
		}
	}
	return nil
}

// Subscribe registers a handler for eventType.
func (p *LoggingPublisher) Subscribe(eventType string, handler Handler) (Subscription, error) {
	if p == nil || handler == nil {
		return noopSubscription{}, nil
	}

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[eventType] = append(p.subs[eventType], subscriptionEntry{id: id, handler: handler})
	p.mu.Unlock()

	return subscription{cancel: func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		handlers := p.subs[eventType]
		for i, entry := range handlers {
			if entry.id == id {
				p.subs[eventType] = append(handlers[:i:i], handlers[i+1:]...)
				return
			}
		}
	}}, nil
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

type subscription struct {
	cancel func()
}

func (s subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscriptionEntry struct {
	id      int
	handler Handler
}
