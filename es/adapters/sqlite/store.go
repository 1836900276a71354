// Package sqlite provides a SQLite adapter for the event store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
)

const (
	// sqliteDateTimeFormat is the format used for timestamp storage/parsing in SQLite
	sqliteDateTimeFormat = "2006-01-02 15:04:05.999999"
)

// StoreConfig contains configuration for the SQLite event store.
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
//
// Example:
//
//	config := sqlite.NewStoreConfig(
//	    sqlite.WithLogger(myLogger),
//	    sqlite.WithEventsTable("custom_events"),
//	)
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a SQLite-backed event store implementation.
//
// All methods take a DBTX so callers control transaction boundaries. For a
// ready-made store.Backend that manages transactions internally, see DB.
type Store struct {
	config StoreConfig
}

// NewStore creates a new SQLite event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Append atomically appends events to one stream within the provided
// transaction. Global positions come from the INTEGER PRIMARY KEY rowid;
// the unique index on (stream_type, stream_id, version) enforces
// optimistic concurrency against writers racing between the head read and
// the insert.
func (s *Store) Append(ctx context.Context, tx es.DBTX, streamType, streamID string, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	if len(events) == 0 {
		return es.AppendResult{}, store.ErrNoEvents
	}
	if streamType == "" || streamID == "" {
		return es.AppendResult{}, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}

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

	var head sql.NullInt64
	query := fmt.Sprintf(`
		SELECT version
		FROM %s
		WHERE stream_type = ? AND stream_id = ?
	`, s.config.StreamHeadsTable)

	err := tx.QueryRowContext(ctx, query, streamType, streamID).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return es.AppendResult{}, storageErr("check current version", err)
	}

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

	globalPositions := make([]int64, len(events))
	persistedEvents := make([]es.PersistedEvent, len(events))
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			stream_type, stream_id, version,
			event_id, event_type,
			payload, correlation_id, causation_id,
			metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.EventsTable)

	for i := range events {
		event := &events[i]
		version := nextVersion + int64(i)

		// Handle nullable UUIDs for SQLite
		var correlationID, causationID interface{}
		if event.CorrelationID.Valid {
			correlationID = event.CorrelationID.UUID.String()
		}
		if event.CausationID.Valid {
			causationID = event.CausationID.UUID.String()
		}

		result, execErr := tx.ExecContext(ctx, insertQuery,
			streamType,
			streamID,
			version,
			event.EventID.String(),
			event.EventType,
			event.Payload,
			correlationID,
			causationID,
			event.Metadata,
			event.CreatedAt.Format(sqliteDateTimeFormat),
		)

		if execErr != nil {
			if IsUniqueViolation(execErr) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "concurrency conflict",
						"stream_type", streamType,
						"stream_id", streamID,
						"version", version)
				}
				return es.AppendResult{}, store.ErrConcurrencyConflict
			}
			return es.AppendResult{}, storageErr(fmt.Sprintf("insert event %d", i), execErr)
		}

		globalPos, err := result.LastInsertId()
		if err != nil {
			return es.AppendResult{}, storageErr("get last insert id", err)
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

	newVersion := nextVersion + int64(len(events)) - 1
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (stream_type, stream_id, version, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT (stream_type, stream_id)
		DO UPDATE SET version = ?, updated_at = datetime('now')
	`, s.config.StreamHeadsTable)

	_, err = tx.ExecContext(ctx, upsertQuery, streamType, streamID, newVersion, newVersion)
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

// IsUniqueViolation checks if an error is a SQLite unique constraint
// violation. This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// SQLite error messages for unique constraint violations
	errMsg := err.Error()
	return strings.Contains(errMsg, "UNIQUE constraint failed") ||
		strings.Contains(errMsg, "unique constraint") ||
		strings.Contains(errMsg, "constraint failed")
}

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
	var eventID, createdAt string

	err := rows.Scan(
		&e.GlobalPosition,
		&e.StreamType,
		&e.StreamID,
		&e.Version,
		&eventID,
		&e.EventType,
		&e.Payload,
		&e.CorrelationID,
		&e.CausationID,
		&e.Metadata,
		&createdAt,
	)
	if err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to scan event: %w", err)
	}

	e.EventID, err = uuid.Parse(eventID)
	if err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to parse event ID: %w", err)
	}

	e.CreatedAt, err = parseTimestamp(createdAt)
	if err != nil {
		return es.PersistedEvent{}, fmt.Errorf("failed to parse created_at: %w", err)
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

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE stream_type = ? AND stream_id = ? AND version >= ?
		ORDER BY version ASC
		LIMIT ?
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

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_position > ?
		ORDER BY global_position ASC
		LIMIT ?
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

// SaveSnapshot upserts the snapshot for a stream, refusing to regress a
// newer stored version.
func (s *Store) SaveSnapshot(ctx context.Context, tx es.DBTX, snapshot es.Snapshot) error {
	if snapshot.StreamType == "" || snapshot.StreamID == "" {
		return fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if snapshot.Version < 1 {
		return fmt.Errorf("%w: snapshot version must be positive", store.ErrInvalidArgument)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (stream_type, stream_id, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (stream_type, stream_id)
		DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			created_at = excluded.created_at
		WHERE %s.version < excluded.version
	`, s.config.SnapshotsTable, s.config.SnapshotsTable)

	_, err := tx.ExecContext(ctx, query,
		snapshot.StreamType,
		snapshot.StreamID,
		snapshot.Version,
		snapshot.Payload,
		snapshot.CreatedAt.Format(sqliteDateTimeFormat),
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
		WHERE stream_type = ? AND stream_id = ?
	`, s.config.SnapshotsTable)

	var snap es.Snapshot
	var createdAt string
	err := tx.QueryRowContext(ctx, query, streamType, streamID).Scan(
		&snap.StreamType,
		&snap.StreamID,
		&snap.Version,
		&snap.Payload,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return es.Snapshot{}, store.ErrNotFound
		}
		return es.Snapshot{}, storageErr("load snapshot", err)
	}

	snap.CreatedAt, err = parseTimestamp(createdAt)
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("failed to parse created_at: %w", err)
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
		WHERE subscription_id = ?
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
// a compare-and-set.
func (s *Store) CommitCheckpoint(ctx context.Context, tx es.DBTX, subscriptionID string, expectedLast, newLast int64) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}
	if newLast < expectedLast {
		return fmt.Errorf("%w: checkpoint cannot move backwards", store.ErrInvalidArgument)
	}

	updateQuery := fmt.Sprintf(`
		UPDATE %s
		SET last_position = ?, updated_at = datetime('now')
		WHERE subscription_id = ? AND last_position = ?
	`, s.config.CheckpointsTable)

	result, err := tx.ExecContext(ctx, updateQuery, newLast, subscriptionID, expectedLast)
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

	if expectedLast != 0 {
		return store.ErrCheckpointConflict
	}

	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (subscription_id, last_position, updated_at)
		VALUES (?, ?, datetime('now'))
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
		DELETE FROM %s WHERE subscription_id = ?
	`, s.config.CheckpointsTable)

	if _, err := tx.ExecContext(ctx, query, subscriptionID); err != nil {
		return storageErr("delete checkpoint", err)
	}
	return nil
}

// sqliteDateTimeFormats lists common SQLite datetime formats for parsing
var sqliteDateTimeFormats = []string{
	sqliteDateTimeFormat,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseTimestamp parses SQLite datetime strings to time.Time
func parseTimestamp(s string) (time.Time, error) {
	for _, format := range sqliteDateTimeFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
