// Package postgres provides a PostgreSQL adapter for the event store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
)

// StoreConfig contains configuration for the Postgres event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// StreamHeadsTable is the name of the stream version tracking table
	StreamHeadsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// CheckpointsTable is the name of the subscription checkpoints table
	CheckpointsTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:      "events",
		StreamHeadsTable: "stream_heads",
		SnapshotsTable:   "snapshots",
		CheckpointsTable: "subscription_checkpoints",
		Logger:           nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithStreamHeadsTable sets a custom stream heads table name.
func WithStreamHeadsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.StreamHeadsTable = tableName
	}
}

// WithSnapshotsTable sets a custom snapshots table name.
func WithSnapshotsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.SnapshotsTable = tableName
	}
}

// WithCheckpointsTable sets a custom checkpoints table name.
func WithCheckpointsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.CheckpointsTable = tableName
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
//
// Example:
//
//	config := postgres.NewStoreConfig(
//	    postgres.WithLogger(myLogger),
//	    postgres.WithEventsTable("custom_events"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a PostgreSQL-backed event store implementation.
//
// All methods take a DBTX so callers control transaction boundaries and can
// combine event operations with their own database work atomically. For a
// ready-made store.Backend that manages transactions internally, see DB.
type Store struct {
	config StoreConfig
}

// NewStore creates a new Postgres event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Append atomically appends events to one stream within the provided
// transaction. It assigns stream versions using the stream_heads table for
// O(1) lookup. The expected version is validated against the head; the
// unique constraint on (stream_type, stream_id, version) enforces the check
// against writers racing in the window between the head read and the insert.
// Global positions come from the BIGSERIAL primary key, assigned inside the
// same transaction, so positions are never handed to batches that abort.
func (s *Store) Append(ctx context.Context, tx es.DBTX, streamType, streamID string, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	if len(events) == 0 {
		return es.AppendResult{}, store.ErrNoEvents
	}
	if streamType == "" || streamID == "" {
		return es.AppendResult{}, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}

	// Validate all events belong to the target stream
	for i := range events {
		e := &events[i]
		if e.StreamType != "" && e.StreamType != streamType {
			return es.AppendResult{}, fmt.Errorf("%w: event %d: stream type mismatch", store.ErrInvalidArgument, i)
		}
		if e.StreamID != "" && e.StreamID != streamID {
			return es.AppendResult{}, fmt.Errorf("%w: event %d: stream id mismatch", store.ErrInvalidArgument, i)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"stream_type", streamType,
			"stream_id", streamID,
			"event_count", len(events),
			"expected_version", expected.String())
	}

	// Fetch current version from the stream heads table
	var head sql.NullInt64
	query := fmt.Sprintf(`
		SELECT version
		FROM %s
		WHERE stream_type = $1 AND stream_id = $2
	`, s.config.StreamHeadsTable)

	err := tx.QueryRowContext(ctx, query, streamType, streamID).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return es.AppendResult{}, storageErr("check current version", err)
	}

	// A stream with no head row has current version 0
	var currentVersion int64
	if head.Valid {
		currentVersion = head.Int64
	}

	if expected.IsExact() && currentVersion != expected.Value() {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "expected version validation failed",
				"stream_type", streamType,
				"stream_id", streamID,
				"current_version", currentVersion,
				"expected_version", expected.String())
		}
		return es.AppendResult{}, store.ErrConcurrencyConflict
	}

	nextVersion := currentVersion + 1

	// Insert events with auto-assigned versions and collect global positions
	globalPositions := make([]int64, len(events))
	persistedEvents := make([]es.PersistedEvent, len(events))
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			stream_type, stream_id, version,
			event_id, event_type,
			payload, correlation_id, causation_id,
			metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING global_position
	`, s.config.EventsTable)

	for i := range events {
		event := &events[i]
		version := nextVersion + int64(i)

		var globalPos int64
		err := tx.QueryRowContext(ctx, insertQuery,
			streamType,
			streamID,
			version,
			event.EventID,
			event.EventType,
			event.Payload,
			event.CorrelationID,
			event.CausationID,
			event.Metadata,
			event.CreatedAt,
		).Scan(&globalPos)

		if err != nil {
			// A unique violation on (stream_type, stream_id, version) is a
			// lost race with a concurrent writer; on event_id it is a
			// retried batch that already committed. Both surface as a
			// concurrency conflict and the transaction rolls back whole.
			if IsUniqueViolation(err) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "concurrency conflict",
						"stream_type", streamType,
						"stream_id", streamID,
						"version", version)
				}
				return es.AppendResult{}, store.ErrConcurrencyConflict
			}
			return es.AppendResult{}, storageErr(fmt.Sprintf("insert event %d", i), err)
		}
		globalPositions[i] = globalPos

		persistedEvents[i] = es.PersistedEvent{
			Event:          *event,
			Version:        version,
			GlobalPosition: globalPos,
		}
		persistedEvents[i].StreamType = streamType
		persistedEvents[i].StreamID = streamID
	}

	// Update the stream head with the new version (UPSERT pattern)
	newVersion := nextVersion + int64(len(events)) - 1
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (stream_type, stream_id, version, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (stream_type, stream_id)
		DO UPDATE SET version = $3, updated_at = NOW()
	`, s.config.StreamHeadsTable)

	_, err = tx.ExecContext(ctx, upsertQuery, streamType, streamID, newVersion)
	if err != nil {
		return es.AppendResult{}, storageErr("update stream head", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"stream_type", streamType,
			"stream_id", streamID,
			"event_count", len(events),
			"version_range", fmt.Sprintf("%d-%d", nextVersion, newVersion),
			"positions", globalPositions)
	}

	return es.AppendResult{
		NewVersion:      newVersion,
		GlobalPositions: globalPositions,
		Events:          persistedEvents,
	}, nil
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint
// violation. This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a pq.Error with unique_violation code (23505)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	// Fallback: check error message for common patterns
	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

// storageErr wraps infrastructure failures so callers can classify them as
// transient and retry with backoff.
func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", store.ErrStorageUnavailable, op, err)
}

const eventColumns = `
	global_position, stream_type, stream_id, version,
	event_id, event_type,
	payload, correlation_id, causation_id,
	metadata, created_at`

func scanEvent(rows *sql.Rows) (es.PersistedEvent, error) {
	var e es.PersistedEvent
	err := rows.Scan(
		&e.GlobalPosition,
		&e.StreamType,
		&e.StreamID,
		&e.Version,
		&e.EventID,
		&e.EventType,
		&e.Payload,
		&e.CorrelationID,
		&e.CausationID,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to scan event: %w", err)
	}
	return e, nil
}

// ReadStream reads events for one stream in ascending version order,
// starting at fromVersion (inclusive), up to limit events.
func (s *Store) ReadStream(ctx context.Context, tx es.DBTX, streamType, streamID string, fromVersion int64, limit int) ([]es.PersistedEvent, error) {
	if streamType == "" || streamID == "" {
		return nil, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if fromVersion < 1 {
		fromVersion = 1
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "reading stream",
			"stream_type", streamType,
			"stream_id", streamID,
			"from_version", fromVersion,
			"limit", limit)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_type = $1 AND stream_id = $2 AND version >= $3
		ORDER BY version ASC
		LIMIT $4
	`, eventColumns, s.config.EventsTable)

	rows, err := tx.QueryContext(ctx, query, streamType, streamID, fromVersion, limit)
	if err != nil {
		return nil, storageErr("query stream", err)
	}
	defer rows.Close()

	var events []es.PersistedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate stream rows", err)
	}
	return events, nil
}

// ReadGlobal reads events ordered by ascending global position, starting
// strictly after fromPosition, up to limit events.
func (s *Store) ReadGlobal(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	if fromPosition < 0 {
		return nil, fmt.Errorf("%w: from position must be non-negative", store.ErrInvalidArgument)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "reading global feed", "from_position", fromPosition, "limit", limit)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2
	`, eventColumns, s.config.EventsTable)

	rows, err := tx.QueryContext(ctx, query, fromPosition, limit)
	if err != nil {
		return nil, storageErr("query global feed", err)
	}
	defer rows.Close()

	var events []es.PersistedEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate global rows", err)
	}
	return events, nil
}

// SaveSnapshot upserts the snapshot for a stream. The version guard in the
// upsert means a late writer cannot regress a newer snapshot; there is no
// other concurrency check since snapshots are advisory.
func (s *Store) SaveSnapshot(ctx context.Context, tx es.DBTX, snapshot es.Snapshot) error {
	if snapshot.StreamType == "" || snapshot.StreamID == "" {
		return fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if snapshot.Version < 1 {
		return fmt.Errorf("%w: snapshot version must be positive", store.ErrInvalidArgument)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (stream_type, stream_id, version, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (stream_type, stream_id)
		DO UPDATE SET
			version = EXCLUDED.version,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at
		WHERE %s.version < EXCLUDED.version
	`, s.config.SnapshotsTable, s.config.SnapshotsTable)

	_, err := tx.ExecContext(ctx, query,
		snapshot.StreamType,
		snapshot.StreamID,
		snapshot.Version,
		snapshot.Payload,
		snapshot.CreatedAt,
	)
	if err != nil {
		return storageErr("upsert snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot for a stream, or store.ErrNotFound.
func (s *Store) LoadSnapshot(ctx context.Context, tx es.DBTX, streamType, streamID string) (es.Snapshot, error) {
	if streamType == "" || streamID == "" {
		return es.Snapshot{}, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}

	query := fmt.Sprintf(`
		SELECT stream_type, stream_id, version, payload, created_at
		FROM %s
		WHERE stream_type = $1 AND stream_id = $2
	`, s.config.SnapshotsTable)

	var snap es.Snapshot
	err := tx.QueryRowContext(ctx, query, streamType, streamID).Scan(
		&snap.StreamType,
		&snap.StreamID,
		&snap.Version,
		&snap.Payload,
		&snap.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return es.Snapshot{}, store.ErrNotFound
		}
		return es.Snapshot{}, storageErr("load snapshot", err)
	}
	return snap, nil
}

// GetCheckpoint returns the last acknowledged position for a subscription.
// An unknown subscription id reads as 0.
func (s *Store) GetCheckpoint(ctx context.Context, tx es.DBTX, subscriptionID string) (int64, error) {
	if subscriptionID == "" {
		return 0, fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}

	query := fmt.Sprintf(`
		SELECT last_position
		FROM %s
		WHERE subscription_id = $1
	`, s.config.CheckpointsTable)

	var checkpoint int64
	err := tx.QueryRowContext(ctx, query, subscriptionID).Scan(&checkpoint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, storageErr("read checkpoint", err)
	}
	return checkpoint, nil
}

// CommitCheckpoint advances the checkpoint from expectedLast to newLast as
// a compare-and-set, so no two pollers can advance the same subscription id
// concurrently.
func (s *Store) CommitCheckpoint(ctx context.Context, tx es.DBTX, subscriptionID string, expectedLast, newLast int64) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}
	if newLast < expectedLast {
		return fmt.Errorf("%w: checkpoint cannot move backwards", store.ErrInvalidArgument)
	}

	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET last_position = $3, updated_at = NOW()
		WHERE subscription_id = $1 AND last_position = $2
	`, s.config.CheckpointsTable)

	result, err := tx.ExecContext(ctx, updateQuery, subscriptionID, expectedLast, newLast)
	if err != nil {
		return storageErr("commit checkpoint", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("commit checkpoint", err)
	}
	if affected > 0 {
		return nil
	}

	// No row matched: either the checkpoint does not exist yet (first
	// commit for this subscription) or another poller moved it.
	if expectedLast != 0 {
		return store.ErrCheckpointConflict
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (subscription_id, last_position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (subscription_id) DO NOTHING
	`, s.config.CheckpointsTable)

	result, err = tx.ExecContext(ctx, insertQuery, subscriptionID, newLast)
	if err != nil {
		return storageErr("create checkpoint", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return storageErr("create checkpoint", err)
	}
	if affected == 0 {
		return store.ErrCheckpointConflict
	}
	return nil
}

// DeleteCheckpoint removes the subscription's checkpoint. Deleting an
// unknown subscription id is a no-op.
func (s *Store) DeleteCheckpoint(ctx context.Context, tx es.DBTX, subscriptionID string) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}

	query := fmt.Sprintf(`
		DELETE FROM %s WHERE subscription_id = $1
	`, s.config.CheckpointsTable)

	if _, err := tx.ExecContext(ctx, query, subscriptionID); err != nil {
		return storageErr("delete checkpoint", err)
	}
	return nil
}
