// Package store provides event store abstractions shared by all adapters.
package store

import (
	"context"

	"github.com/getlode/lodestream/es"
)

// EventStore defines the interface for appending events.
type EventStore interface {
	// Append atomically appends one or more events to a single stream.
	// Events must all belong to the same stream; the batch commits as one
	// unit or not at all.
	//
	// The store assigns stream versions to the batch:
	//   - reads the stream's current version inside the same transaction
	//     or lock scope as the write
	//   - assigns consecutive versions starting from (current + 1)
	//   - validates expected against the current version first
	//
	// Returns ErrConcurrencyConflict if expected does not match, or if
	// another writer commits conflicting events between the version check
	// and the insert (detected via the unique constraint on
	// (stream_type, stream_id, version)).
	// Returns ErrNoEvents if events is empty.
	Append(ctx context.Context, streamType, streamID string, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error)
}

// StreamReader defines the interface for reading one stream in version order.
type StreamReader interface {
	// ReadStream reads events for a stream in ascending version order,
	// starting at fromVersion (inclusive), up to limit events.
	// Returns an empty slice for an unknown stream.
	// The sequence is restartable by re-specifying fromVersion.
	ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]es.PersistedEvent, error)
}

// EventReader defines the interface for reading the global feed.
type EventReader interface {
	// ReadGlobal reads events ordered by ascending global position,
	// starting strictly after fromPosition, up to limit events.
	// This is the primary feed for subscriptions.
	ReadGlobal(ctx context.Context, fromPosition int64, limit int) ([]es.PersistedEvent, error)
}

// SnapshotStore defines the interface for advisory stream snapshots.
type SnapshotStore interface {
	// SaveSnapshot stores the snapshot, overwriting any prior one for the
	// stream. No concurrency check is performed beyond refusing to regress
	// the stored version - snapshots are advisory.
	SaveSnapshot(ctx context.Context, snapshot es.Snapshot) error

	// LoadSnapshot returns the latest snapshot for the stream, or
	// ErrNotFound if none exists. Callers combine it with
	// ReadStream(streamType, streamID, snapshot.Version+1, ...) and must
	// survive a missing snapshot by replaying from version 1.
	LoadSnapshot(ctx context.Context, streamType, streamID string) (es.Snapshot, error)
}

// CheckpointStore defines durable per-subscription progress tracking.
// Exactly one checkpoint exists per subscription id.
type CheckpointStore interface {
	// GetCheckpoint returns the last acknowledged global position for the
	// subscription. An unknown subscription id reads as 0 (start of the
	// feed); the row is created on first commit.
	GetCheckpoint(ctx context.Context, subscriptionID string) (int64, error)

	// CommitCheckpoint advances the checkpoint from expectedLast to
	// newLast as a compare-and-set. It fails with ErrCheckpointConflict
	// when the stored position no longer equals expectedLast, which means
	// another poller is advancing the same subscription id.
	CommitCheckpoint(ctx context.Context, subscriptionID string, expectedLast, newLast int64) error

	// DeleteCheckpoint removes the subscription's checkpoint. A later
	// resubscribe under the same id restarts from position 0.
	DeleteCheckpoint(ctx context.Context, subscriptionID string) error
}

// Backend is the full surface the client facade and the subscription
// engine compose. Every adapter provides it.
type Backend interface {
	EventStore
	StreamReader
	EventReader
	SnapshotStore
	CheckpointStore
}
