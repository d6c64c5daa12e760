// Package events is an in-process publish/subscribe bus for turn
// lifecycle events. Relay connections, the turn driver and the tool
// dispatcher publish; the MQTT bridge and tests subscribe. A nil *Bus
// accepts publishes and drops them.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceRelay = "relay"
	SourceAgent = "agent"
	SourceWatch = "connwatch"
)

// Kinds.
const (
	// KindConnectionOpen: user_id, conversation_id.
	KindConnectionOpen = "connection_open"
	// KindConnectionClose: user_id, conversation_id, reason.
	KindConnectionClose = "connection_close"
	// KindConversationCreated: user_id, conversation_id, topic.
	KindConversationCreated = "conversation_created"
	// KindTranscription: user_id, conversation_id, chars.
	KindTranscription = "transcription"

	// KindTurnStart: user_id, conversation_id.
	KindTurnStart = "turn_start"
	// KindLLMResponse: user_id, conversation_id, iter, model, tokens_in,
	// tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolDone: conversation_id, tool, ok.
	KindToolDone = "tool_done"
	// KindTurnComplete: conversation_id, iterations, emissions, ok,
	// elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindServiceUp: service.
	KindServiceUp = "service_up"
	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription receives events on C until Close.
type Subscription struct {
	C <-chan Event

	bus  *Bus
	ch   chan Event
	once sync.Once
}

// Close stops delivery and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// Bus fans events out to subscribers without blocking publishers: a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	now  func() time.Time
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{}), now: time.Now}
}

// Publish delivers e to every subscriber. A zero Timestamp is filled in.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Emit is shorthand for Publish with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of bufSize events.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, bus: b, ch: ch}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
