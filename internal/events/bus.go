package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventEpisodeOpened      EventType = "EPISODE_OPENED"
	EventEpisodeClosed      EventType = "EPISODE_CLOSED"
	EventSignalEmitted      EventType = "SIGNAL_EMITTED"
	EventSignalExecuted     EventType = "SIGNAL_EXECUTED"
	EventSignalFailed       EventType = "SIGNAL_FAILED"
	EventStreamConnected    EventType = "STREAM_CONNECTED"
	EventStreamDisconnected EventType = "STREAM_DISCONNECTED"
	EventCandleIngested     EventType = "CANDLE_INGESTED"
	EventStrategyToggled    EventType = "STRATEGY_TOGGLED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. Delivery is synchronous
// and in subscription order; subscribers must not block.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish delivers an event to type subscribers and all-subscribers. The
// timestamp is stamped here when the caller left it zero.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	typed := make([]Subscriber, len(b.subscribers[event.Type]))
	copy(typed, b.subscribers[event.Type])
	all := make([]Subscriber, len(b.allSubs))
	copy(all, b.allSubs)
	b.mu.RUnlock()

	for _, sub := range typed {
		sub(event)
	}
	for _, sub := range all {
		sub(event)
	}
}
