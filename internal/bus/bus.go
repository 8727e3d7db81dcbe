// Package bus implements the in-process publish/subscribe event bus.
//
// Components publish lifecycle, signal, and trade events; subscribers
// register a callback per event type. Callbacks run in registration order
// on the publisher's goroutine, outside the bus lock. A bounded history
// ring keeps recent events for the query surface.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mt5-fleet/internal/globalstate"
)

// EventType identifies one of the fixed framework events.
type EventType string

const (
	// Trading events
	SignalGenerated EventType = "signal_generated"
	TradeOpened     EventType = "trade_opened"
	TradeClosed     EventType = "trade_closed"
	TradeModified   EventType = "trade_modified"

	// Bot lifecycle events
	BotStarted EventType = "bot_started"
	BotStopped EventType = "bot_stopped"
	BotPaused  EventType = "bot_paused"
	BotResumed EventType = "bot_resumed"
	BotError   EventType = "bot_error"

	// Market events
	MarketOpened EventType = "market_opened"
	MarketClosed EventType = "market_closed"

	// System events
	ConnectionLost     EventType = "connection_lost"
	ConnectionRestored EventType = "connection_restored"
)

// Event is one published occurrence. Data is an opaque key/value payload;
// Source is the bot id or component that emitted it.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
}

// Callback receives published events. It must not block the publisher.
type Callback func(Event)

// Subscription identifies one registered callback so it can be removed.
type Subscription struct {
	eventType EventType
	id        uuid.UUID
}

type subscriber struct {
	id uuid.UUID
	fn Callback
}

const defaultMaxHistory = 1000

// Bus is a thread-safe pub/sub hub with bounded event history.
type Bus struct {
	mu          sync.Mutex
	subscribers map[EventType][]subscriber
	history     []Event
	maxHistory  int

	state  *globalstate.State
	logger *slog.Logger
}

// New creates a bus. The global state handle gates trading events while
// the fleet is globally paused; it may be nil in tests that don't care.
func New(state *globalstate.State, logger *slog.Logger) *Bus {
	return &Bus{
		subscribers: make(map[EventType][]subscriber),
		maxHistory:  defaultMaxHistory,
		state:       state,
		logger:      logger.With("component", "event-bus"),
	}
}

// Subscribe registers a callback for one event type and returns a handle
// for Unsubscribe.
func (b *Bus) Subscribe(et EventType, fn Callback) Subscription {
	sub := subscriber{id: uuid.New(), fn: fn}

	b.mu.Lock()
	b.subscribers[et] = append(b.subscribers[et], sub)
	b.mu.Unlock()

	return Subscription{eventType: et, id: sub.id}
}

// Unsubscribe removes a previously registered callback. Unknown handles
// are ignored.
func (b *Bus) Unsubscribe(s Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[s.eventType]
	for i, sub := range subs {
		if sub.id == s.id {
			b.subscribers[s.eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// suppressed reports whether this event type is muted by the global pause.
// Only trading events are muted; lifecycle and system events always flow.
func (b *Bus) suppressed(et EventType) bool {
	if b.state == nil || !b.state.GloballyPaused() {
		return false
	}
	switch et {
	case SignalGenerated, TradeOpened, TradeClosed:
		return true
	}
	return false
}

// Publish records the event in history and invokes all subscribers for its
// type, in registration order, outside the bus lock. A panicking callback
// is recovered and logged; remaining callbacks still run.
func (b *Bus) Publish(evt Event) {
	if b.suppressed(evt.Type) {
		return
	}

	b.mu.Lock()
	b.history = append(b.history, evt)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
	callbacks := make([]subscriber, len(b.subscribers[evt.Type]))
	copy(callbacks, b.subscribers[evt.Type])
	b.mu.Unlock()

	for _, sub := range callbacks {
		b.invoke(sub, evt)
	}
}

func (b *Bus) invoke(sub subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event callback panicked", "type", string(evt.Type), "panic", r)
		}
	}()
	sub.fn(evt)
}

// Emit is a convenience wrapper that stamps id and timestamp.
func (b *Bus) Emit(et EventType, data map[string]any, source string) {
	b.Publish(Event{
		ID:        uuid.New(),
		Type:      et,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	})
}

// Recent returns up to limit events from history, newest last. An empty
// event type matches everything.
func (b *Bus) Recent(et EventType, limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []Event
	if et == "" {
		events = append(events, b.history...)
	} else {
		for _, evt := range b.history {
			if evt.Type == et {
				events = append(events, evt)
			}
		}
	}

	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// ClearHistory drops all retained events.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
