package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Stable topic names. Observers outside this process key on these strings.
const (
	TopicRateLimitTrip    = "ratelimit.trip"
	TopicBudgetCascade    = "budget.cascade"
	TopicVenueTrip        = "circuit.venue_trip"
	TopicGlobalReadOnly   = "circuit.global_readonly"
	TopicCircuitReset     = "circuit.reset"
	TopicRestriction      = "router.restriction"
	TopicReconcileDrift   = "reconcile.discrepancy"
	TopicConfirmAmbiguous = "confirm.ambiguous"
	TopicLadderDecision   = "ladder.decision"
	TopicLadderExecuted   = "ladder.executed"
	TopicLadderLink       = "ladder.link"
)

// Event is the envelope every published payload travels in
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	Checksum  string          `json:"checksum"` // sha256(payload||ts||topic)
}

// ComputeChecksum generates the integrity checksum for the event
func (e *Event) ComputeChecksum() string {
	hashInput := fmt.Sprintf("%s||%d||%s", string(e.Payload), e.Timestamp.UnixNano(), e.Topic)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// Verify reports whether the checksum matches the content
func (e *Event) Verify() bool {
	return e.Checksum != "" && e.Checksum == e.ComputeChecksum()
}

// Decode unmarshals the payload into v
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Publisher is the narrow interface components emit through
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any)
}

// Nop discards every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(context.Context, string, any) {}

// OrNop returns p, or a Nop when p is nil
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Sink forwards events to an external system
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Handler receives events from the bus. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(ev Event)

type subscription struct {
	topic   string // empty matches every topic
	handler Handler
}

// Bus fans events out to in-process subscribers and external sinks.
// Sink failures are logged and counted, never returned to the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]subscription
	nextID      int
	sinks       []Sink
	recent      []Event
	maxRecent   int

	published  int64
	sinkErrors int64

	now func() time.Time
}

// NewBus creates a bus with the given sinks
func NewBus(sinks ...Sink) *Bus {
	return &Bus{
		subscribers: make(map[int]subscription),
		sinks:       sinks,
		maxRecent:   256,
		now:         time.Now,
	}
}

// AddSink attaches another sink
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe registers h for topic ("" for all). The returned func unsubscribes.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = subscription{topic: topic, handler: h}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// Publish implements Publisher
func (b *Bus) Publish(ctx context.Context, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Event payload is not JSON-serializable")
		return
	}

	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: b.now().UTC(),
		Payload:   data,
	}
	ev.Checksum = ev.ComputeChecksum()

	b.mu.Lock()
	b.published++
	b.recent = append(b.recent, ev)
	if len(b.recent) > b.maxRecent {
		b.recent = b.recent[len(b.recent)-b.maxRecent:]
	}
	handlers := make([]Handler, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.topic == "" || sub.topic == topic {
			handlers = append(handlers, sub.handler)
		}
	}
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}

	for _, s := range sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			b.mu.Lock()
			b.sinkErrors++
			b.mu.Unlock()
			log.Warn().Err(err).Str("sink", s.Name()).Str("topic", topic).Msg("Event sink delivery failed")
		}
	}
}

// Recent returns up to n of the most recent events, oldest first
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// Stats summarises bus activity
type Stats struct {
	Published   int64 `json:"published"`
	SinkErrors  int64 `json:"sink_errors"`
	Subscribers int   `json:"subscribers"`
	Sinks       int   `json:"sinks"`
}

// Stats returns a copy of the bus counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		Published:   b.published,
		SinkErrors:  b.sinkErrors,
		Subscribers: len(b.subscribers),
		Sinks:       len(b.sinks),
	}
}
