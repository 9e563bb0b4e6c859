package service

import (
	"context"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// System events
	EventTypeServiceStarted EventType = "service.started"
	EventTypeServiceStopped EventType = "service.stopped"
	EventTypeServiceError   EventType = "service.error"

	// Detection events
	EventTypeDetectionLogged  EventType = "detection.logged"
	EventTypeDetectionWarning EventType = "detection.warning"
	EventTypeBatchCompleted   EventType = "batch.completed"
	EventTypeBatchFailed      EventType = "batch.failed"

	// Session events
	EventTypeSessionCreated EventType = "session.created"
	EventTypeSessionExpired EventType = "session.expired"
	EventTypeSessionRemoved EventType = "session.removed"

	// Live stream events
	EventTypeLiveStarted EventType = "live.started"
	EventTypeLiveStopped EventType = "live.stopped"

	// Storage events
	EventTypeStorageWarning EventType = "storage.warning"
)

// Event represents an event in the system
type Event struct {
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// EventBus fans events out to in-process subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	subscribers map[EventType][]chan Event
	wildcard    []chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// NewEventBus creates a new event bus
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe subscribes to events of a specific type
func (eb *EventBus) Subscribe(eventType EventType) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.subscribers[eventType] = append(eb.subscribers[eventType], ch)
	return ch
}

// SubscribeAll subscribes to every event type, including types first
// published after the subscription.
func (eb *EventBus) SubscribeAll() <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.wildcard = append(eb.wildcard, ch)
	return ch
}

// Publish publishes an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range eb.subscribers[event.Type] {
		select {
		case sub <- event:
		default:
		}
	}
	for _, sub := range eb.wildcard {
		select {
		case sub <- event:
		default:
		}
	}
}

// Unsubscribe removes and closes a subscription made with Subscribe or
// SubscribeAll.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for i, sub := range eb.wildcard {
		if sub == ch {
			eb.wildcard = append(eb.wildcard[:i], eb.wildcard[i+1:]...)
			close(sub)
			return
		}
	}
	for eventType, subs := range eb.subscribers {
		for i, sub := range subs {
			if sub == ch {
				eb.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(sub)
				return
			}
		}
	}
}

// Close closes all subscriptions; later publishes are dropped.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for eventType, subs := range eb.subscribers {
		for _, sub := range subs {
			close(sub)
		}
		delete(eb.subscribers, eventType)
	}
	for _, sub := range eb.wildcard {
		close(sub)
	}
	eb.wildcard = nil
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// SubscribeWithHandler runs handler for every event of eventType until ctx is
// done. Handler errors are passed to onError when it is non-nil.
func (eb *EventBus) SubscribeWithHandler(ctx context.Context, eventType EventType, handler EventHandler, onError func(error)) {
	ch := eb.Subscribe(eventType)
	go func() {
		defer eb.Unsubscribe(ch)
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := handler(ctx, event); err != nil && onError != nil {
					onError(err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
