package mysql

import (
	"context"
	"database/sql"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
)

// DB binds a Store to a *sql.DB and implements store.Backend by managing
// transactions internally.
type DB struct {
	db    *sql.DB
	store *Store
}

var _ store.Backend = (*DB)(nil)

// NewDB creates a Backend around an open MySQL connection.
func NewDB(db *sql.DB, config StoreConfig) *DB {
	return &DB{db: db, store: NewStore(config)}
}

// Append implements store.EventStore. The version check, the inserts, and
// the head update commit in one transaction; on any failure the whole
// batch rolls back.
func (d *DB) Append(ctx context.Context, streamType, streamID string, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return es.AppendResult{}, storageErr("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error ignored: expected to fail if commit succeeds
		tx.Rollback()
	}()

	result, err := d.store.Append(ctx, tx, streamType, streamID, expected, events)
	if err != nil {
		return es.AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return es.AppendResult{}, storageErr("commit transaction", err)
	}
	return result, nil
}

// ReadStream implements store.StreamReader.
func (d *DB) ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]es.PersistedEvent, error) {
	return d.store.ReadStream(ctx, d.db, streamType, streamID, fromVersion, limit)
}

// ReadGlobal implements store.EventReader.
func (d *DB) ReadGlobal(ctx context.Context, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	return d.store.ReadGlobal(ctx, d.db, fromPosition, limit)
}

// SaveSnapshot implements store.SnapshotStore.
func (d *DB) SaveSnapshot(ctx context.Context, snapshot es.Snapshot) error {
	return d.store.SaveSnapshot(ctx, d.db, snapshot)
}

// LoadSnapshot implements store.SnapshotStore.
func (d *DB) LoadSnapshot(ctx context.Context, streamType, streamID string) (es.Snapshot, error) {
	return d.store.LoadSnapshot(ctx, d.db, streamType, streamID)
}

// GetCheckpoint implements store.CheckpointStore.
func (d *DB) GetCheckpoint(ctx context.Context, subscriptionID string) (int64, error) {
	return d.store.GetCheckpoint(ctx, d.db, subscriptionID)
}

// CommitCheckpoint implements store.CheckpointStore.
func (d *DB) CommitCheckpoint(ctx context.Context, subscriptionID string, expectedLast, newLast int64) error {
	return d.store.CommitCheckpoint(ctx, d.db, subscriptionID, expectedLast, newLast)
}

// DeleteCheckpoint implements store.CheckpointStore.
func (d *DB) DeleteCheckpoint(ctx context.Context, subscriptionID string) error {
	return d.store.DeleteCheckpoint(ctx, d.db, subscriptionID)
}
