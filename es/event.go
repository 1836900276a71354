// Package es provides core event store types and interfaces.
package es

import (
	"time"

	"github.com/google/uuid"
)

// Event represents an immutable fact to be appended to a stream.
// Events are value objects without position until persisted.
type Event struct {
	// CreatedAt is when the event was created
	CreatedAt time.Time

	// StreamType identifies the logical category of the owning stream
	StreamType string

	// StreamID identifies the stream (consistency boundary) this event belongs to
	StreamID string

	// EventType names the fact
	EventType string

	// Payload contains the event data.
	// Stored as an opaque blob - the store never parses it.
	Payload []byte

	// Metadata contains additional event metadata as JSON
	// (correlation data, actor, trace context, ...). Opaque to the store.
	Metadata []byte

	// CausationID identifies the event/command that caused this event (optional)
	CausationID uuid.NullUUID

	// CorrelationID links related events across streams (optional)
	CorrelationID uuid.NullUUID

	// EventID is a unique identifier for this event.
	// The unique constraint on it is the idempotency anchor for retried appends.
	EventID uuid.UUID
}

// PersistedEvent is an event that has been committed to the store.
// Version and GlobalPosition are assigned at commit time and never change.
type PersistedEvent struct {
	Event

	// Version is the event's 1-based position within its stream,
	// contiguous with no gaps.
	Version int64

	// GlobalPosition is the event's position in the store-wide total order,
	// strictly increasing and never reused.
	GlobalPosition int64
}

// AppendResult reports the outcome of a successful append.
type AppendResult struct {
	// NewVersion is the stream's version after the batch committed.
	NewVersion int64

	// GlobalPositions are the assigned global positions, in event order.
	GlobalPositions []int64

	// Events are the persisted events with versions and positions filled in.
	Events []PersistedEvent
}

// FromVersion returns the stream version before this append, or 0 for an
// empty result.
func (r AppendResult) FromVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[0].Version - 1
}

// ToVersion returns the stream version after this append, or 0 for an
// empty result.
func (r AppendResult) ToVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].Version
}

// Stream is a fully-read stream of events, ordered by version.
type Stream struct {
	StreamType string
	StreamID   string
	Events     []PersistedEvent
}

// Version returns the stream's current version, which is the version of the
// last event. An empty stream has version 0.
func (s Stream) Version() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].Version
}

// IsEmpty reports whether the stream has no events.
func (s Stream) IsEmpty() bool {
	return len(s.Events) == 0
}

// Len returns the number of events in the stream.
func (s Stream) Len() int {
	return len(s.Events)
}

// Snapshot is a non-authoritative materialization of a stream's state at
// a given version. At most one snapshot exists per stream; a missing or
// stale snapshot only costs replay time, never correctness.
type Snapshot struct {
	CreatedAt  time.Time
	StreamType string
	StreamID   string
	Payload    []byte
	Version    int64
}
