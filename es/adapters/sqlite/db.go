package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
)

// DB binds a Store to a *sql.DB and implements store.Backend.
//
// Appends run inside a transaction managed by DB; reads run on the pool
// directly. Note that SQLite serializes writers at the database level, so
// appends to different streams still contend on the single writer lock.
type DB struct {
	db    *sql.DB
	store *Store
}

var _ store.Backend = (*DB)(nil)

// NewDB creates a Backend around an open SQLite connection.
func NewDB(db *sql.DB, config StoreConfig) *DB {
	return &DB{
		db:    db,
		store: NewStore(config),
	}
}

// Append appends events in a single transaction.
func (d *DB) Append(ctx context.Context, streamType, streamID string, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return es.AppendResult{}, fmt.Errorf("%w: failed to begin transaction: %v", store.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	result, err := d.store.Append(ctx, tx, streamType, streamID, expected, events)
	if err != nil {
		return es.AppendResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return es.AppendResult{}, fmt.Errorf("%w: failed to commit transaction: %v", store.ErrStorageUnavailable, err)
	}
	return result, nil
}

// ReadStream reads a stream's events in version order.
func (d *DB) ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]es.PersistedEvent, error) {
	return d.store.ReadStream(ctx, d.db, streamType, streamID, fromVersion, limit)
}

// ReadGlobal reads the global feed after fromPosition.
func (d *DB) ReadGlobal(ctx context.Context, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	return d.store.ReadGlobal(ctx, d.db, fromPosition, limit)
}

// SaveSnapshot upserts a stream snapshot.
func (d *DB) SaveSnapshot(ctx context.Context, snapshot es.Snapshot) error {
	return d.store.SaveSnapshot(ctx, d.db, snapshot)
}

// LoadSnapshot loads the latest snapshot for a stream.
func (d *DB) LoadSnapshot(ctx context.Context, streamType, streamID string) (es.Snapshot, error) {
	return d.store.LoadSnapshot(ctx, d.db, streamType, streamID)
}

// GetCheckpoint reads a subscription checkpoint.
func (d *DB) GetCheckpoint(ctx context.Context, subscriptionID string) (int64, error) {
	return d.store.GetCheckpoint(ctx, d.db, subscriptionID)
}

// CommitCheckpoint advances a subscription checkpoint with compare-and-set
// semantics.
func (d *DB) CommitCheckpoint(ctx context.Context, subscriptionID string, expectedLast, newLast int64) error {
	return d.store.CommitCheckpoint(ctx, d.db, subscriptionID, expectedLast, newLast)
}

// DeleteCheckpoint removes a subscription checkpoint.
func (d *DB) DeleteCheckpoint(ctx context.Context, subscriptionID string) error {
	return d.store.DeleteCheckpoint(ctx, d.db, subscriptionID)
}
