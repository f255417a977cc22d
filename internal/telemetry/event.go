// Package telemetry carries the best-effort event log of the learning loop.
//
// Producers only ever see Sink, whose single method cannot fail or block.
// Events fan out asynchronously to the configured Writers.
package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a learning-loop event.
type EventType string

const (
	EventMemoryHit     EventType = "memory_hit"
	EventMemoryMiss    EventType = "memory_miss"
	EventLearnSession  EventType = "learn_session"
	EventPromotion     EventType = "promotion"
	EventDecay         EventType = "decay"
	EventActionOutcome EventType = "action_outcome"
	EventNavigation    EventType = "navigation"
)

// Locator sources reported on hit and miss events.
const (
	SourceUser      = "user"
	SourceGlobal    = "global"
	SourceHeuristic = "heuristic"
)

// Learn session outcomes.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeCancelled = "cancelled"
	OutcomeCorrected = "corrected"
)

// Event is one append-only telemetry record. Caller is kept for row scoping.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"event_type"`
	Caller    string                 `json:"caller,omitempty"`
	Route     string                 `json:"route"`
	Target    string                 `json:"target,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewEvent stamps a fresh id and the current UTC time.
func NewEvent(typ EventType, caller, route, target, source string, metadata map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Caller:    caller,
		Route:     route,
		Target:    target,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
}

// Sink accepts events without ever failing or blocking the caller.
type Sink interface {
	TryWrite(Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) TryWrite(Event) {}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) TryWrite(ev Event) { f(ev) }

// Writer is a destination the dispatcher flushes batches to. Write must not
// retain the batch slice.
type Writer interface {
	Name() string
	Write(ctx context.Context, batch []Event) error
	Close() error
}
