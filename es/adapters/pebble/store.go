// Package pebble provides an embedded Pebble-backed event store adapter.
//
// Unlike the SQL adapters, this adapter owns its storage engine directly:
// there is no DBTX surface, and atomicity comes from Pebble write batches.
// It is useful for single-process deployments, tooling, and tests that
// need a durable store without a database server.
package pebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	pdb "github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
)

// StoreConfig contains configuration for the Pebble event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// SyncWrites requests a WAL fsync on each committed batch. Disabling
	// it trades durability latency for throughput.
	SyncWrites bool
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		SyncWrites: true,
		Logger:     nil, // No logging by default
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

// WithSyncWrites controls whether each commit fsyncs the WAL.
func WithSyncWrites(sync bool) StoreOption {
	return func(c *StoreConfig) {
		c.SyncWrites = sync
	}
}

// NewStoreConfig creates a new store configuration with functional options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a Pebble-backed event store implementation.
//
// Appends to different streams proceed in parallel under fine-grained
// per-stream locks. Global position assignment and batch commit are
// serialized by a short position lock so the global feed never exposes
// position N+1 before N is durable.
type Store struct {
	db     *pdb.DB
	config StoreConfig

	locks streamLocks

	// posMu guards lastPosition and orders batch commits by position.
	posMu        sync.Mutex
	lastPosition uint64

	// ckptMu guards checkpoint compare-and-set.
	ckptMu sync.Mutex
}

var _ store.Backend = (*Store)(nil)

// Open creates or opens a Pebble event store in the given directory.
func Open(dataDir string, config StoreConfig) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("%w: data directory is required", store.ErrInvalidArgument)
	}

	inner, err := pdb.Open(dataDir, &pdb.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble: %v", store.ErrStorageUnavailable, err)
	}

	s := &Store{
		db:     inner,
		config: config,
		locks:  streamLocks{streams: make(map[string]*sync.Mutex)},
	}

	if err := s.loadLastPosition(); err != nil {
		inner.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying Pebble database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// loadLastPosition recovers the highest assigned global position by
// seeking to the last key in the global keyspace.
func (s *Store) loadLastPosition() error {
	hi := keyGlobal(^uint64(0))
	iter, err := s.db.NewIter(&pdb.IterOptions{
		LowerBound: keyGlobal(0),
		UpperBound: append(hi, 0x00),
	})
	if err != nil {
		return fmt.Errorf("%w: recover last position: %v", store.ErrStorageUnavailable, err)
	}
	defer iter.Close()

	if iter.Last() && iter.Valid() {
		key := iter.Key()
		s.lastPosition = binary.BigEndian.Uint64(key[len(key)-8:])
	}
	return nil
}

// streamLocks provides one mutex per stream so appends to different
// streams never contend.
type streamLocks struct {
	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

func (l *streamLocks) get(streamType, streamID string) *sync.Mutex {
	key := streamType + "\x00" + streamID
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.streams[key]
	if !ok {
		m = &sync.Mutex{}
		l.streams[key] = m
	}
	return m
}

// Append implements store.EventStore.
func (s *Store) Append(ctx context.Context, streamType, streamID string, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	if len(events) == 0 {
		return es.AppendResult{}, store.ErrNoEvents
	}
	if streamType == "" || streamID == "" {
		return es.AppendResult{}, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return es.AppendResult{}, err
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

	lock := s.locks.get(streamType, streamID)
	lock.Lock()
	defer lock.Unlock()

	currentVersion, err := s.streamHead(streamType, streamID)
	if err != nil {
		return es.AppendResult{}, err
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

	persisted := make([]es.PersistedEvent, len(events))
	for i := range events {
		persisted[i] = es.PersistedEvent{
			Event:   events[i],
			Version: currentVersion + int64(i) + 1,
		}
		persisted[i].StreamType = streamType
		persisted[i].StreamID = streamID
	}

	// Assign positions and commit under the position lock so the global
	// feed always extends in commit order.
	s.posMu.Lock()
	defer s.posMu.Unlock()

	// A batch whose event ids were already committed is a retried append;
	// reject it whole so the same logical event never appears twice.
	seen := make(map[uuid.UUID]struct{}, len(events))
	for i := range persisted {
		id := persisted[i].EventID
		if _, dup := seen[id]; dup {
			return es.AppendResult{}, store.ErrConcurrencyConflict
		}
		seen[id] = struct{}{}

		committed, err := s.eventIDCommitted(id)
		if err != nil {
			return es.AppendResult{}, err
		}
		if committed {
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "event id already committed",
					"stream_type", streamType,
					"stream_id", streamID,
					"event_id", id.String())
			}
			return es.AppendResult{}, store.ErrConcurrencyConflict
		}
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	positions := make([]int64, len(events))
	for i := range persisted {
		pos := s.lastPosition + uint64(i) + 1
		persisted[i].GlobalPosition = int64(pos)
		positions[i] = int64(pos)

		record, encErr := encodeRecord(persisted[i])
		if encErr != nil {
			return es.AppendResult{}, encErr
		}
		if err := batch.Set(keyGlobal(pos), record, nil); err != nil {
			return es.AppendResult{}, fmt.Errorf("%w: batch set: %v", store.ErrStorageUnavailable, err)
		}

		var posBuf [8]byte
		binary.BigEndian.PutUint64(posBuf[:], pos)
		if err := batch.Set(keyStreamEntry(streamType, streamID, uint64(persisted[i].Version)), posBuf[:], nil); err != nil {
			return es.AppendResult{}, fmt.Errorf("%w: batch set: %v", store.ErrStorageUnavailable, err)
		}
		if err := batch.Set(keyEventID(persisted[i].EventID), posBuf[:], nil); err != nil {
			return es.AppendResult{}, fmt.Errorf("%w: batch set: %v", store.ErrStorageUnavailable, err)
		}
	}

	newVersion := currentVersion + int64(len(events))
	var headBuf [8]byte
	binary.BigEndian.PutUint64(headBuf[:], uint64(newVersion))
	if err := batch.Set(keyStreamHead(streamType, streamID), headBuf[:], nil); err != nil {
		return es.AppendResult{}, fmt.Errorf("%w: batch set: %v", store.ErrStorageUnavailable, err)
	}

	if err := batch.Commit(s.writeOpts()); err != nil {
		return es.AppendResult{}, fmt.Errorf("%w: commit batch: %v", store.ErrStorageUnavailable, err)
	}
	s.lastPosition += uint64(len(events))

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"stream_type", streamType,
			"stream_id", streamID,
			"event_count", len(events),
			"new_version", newVersion,
			"positions", positions)
	}

	return es.AppendResult{
		NewVersion:      newVersion,
		GlobalPositions: positions,
		Events:          persisted,
	}, nil
}

func (s *Store) writeOpts() *pdb.WriteOptions {
	if s.config.SyncWrites {
		return pdb.Sync
	}
	return pdb.NoSync
}

// eventIDCommitted reports whether an event id is already in the store.
func (s *Store) eventIDCommitted(id uuid.UUID) (bool, error) {
	_, closer, err := s.db.Get(keyEventID(id))
	if err != nil {
		if errors.Is(err, pdb.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: check event id: %v", store.ErrStorageUnavailable, err)
	}
	closer.Close()
	return true, nil
}

// streamHead returns the stream's current version, 0 for an unknown stream.
func (s *Store) streamHead(streamType, streamID string) (int64, error) {
	val, closer, err := s.db.Get(keyStreamHead(streamType, streamID))
	if err != nil {
		if errors.Is(err, pdb.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: read stream head: %v", store.ErrStorageUnavailable, err)
	}
	defer closer.Close()
	if len(val) < 8 {
		return 0, fmt.Errorf("malformed stream head for %s/%s", streamType, streamID)
	}
	return int64(binary.BigEndian.Uint64(val[:8])), nil
}

// ReadStream implements store.StreamReader.
func (s *Store) ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]es.PersistedEvent, error) {
	if streamType == "" || streamID == "" {
		return nil, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hi := keyStreamEntry(streamType, streamID, ^uint64(0))
	iter, err := s.db.NewIter(&pdb.IterOptions{
		LowerBound: keyStreamEntry(streamType, streamID, uint64(fromVersion)),
		UpperBound: append(hi, 0x00),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: stream iterator: %v", store.ErrStorageUnavailable, err)
	}
	defer iter.Close()

	var events []es.PersistedEvent
	for iter.First(); iter.Valid() && (limit <= 0 || len(events) < limit); iter.Next() {
		val := iter.Value()
		if len(val) < 8 {
			return nil, fmt.Errorf("malformed stream index entry for %s/%s", streamType, streamID)
		}
		event, err := s.eventAt(binary.BigEndian.Uint64(val[:8]))
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// eventAt loads and decodes the record at a global position.
func (s *Store) eventAt(position uint64) (es.PersistedEvent, error) {
	val, closer, err := s.db.Get(keyGlobal(position))
	if err != nil {
		return es.PersistedEvent{}, fmt.Errorf("%w: read position %d: %v", store.ErrStorageUnavailable, position, err)
	}
	defer closer.Close()
	return decodeRecord(val)
}

// ReadGlobal implements store.EventReader.
func (s *Store) ReadGlobal(ctx context.Context, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	if fromPosition < 0 {
		return nil, fmt.Errorf("%w: from position must be non-negative", store.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hi := keyGlobal(^uint64(0))
	iter, err := s.db.NewIter(&pdb.IterOptions{
		LowerBound: keyGlobal(uint64(fromPosition) + 1),
		UpperBound: append(hi, 0x00),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: global iterator: %v", store.ErrStorageUnavailable, err)
	}
	defer iter.Close()

	var events []es.PersistedEvent
	for iter.First(); iter.Valid() && (limit <= 0 || len(events) < limit); iter.Next() {
		event, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// SaveSnapshot implements store.SnapshotStore.
// A snapshot older than the stored one is ignored so a late writer cannot
// regress the stream's cached state.
func (s *Store) SaveSnapshot(ctx context.Context, snapshot es.Snapshot) error {
	if snapshot.StreamType == "" || snapshot.StreamID == "" {
		return fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if snapshot.Version < 1 {
		return fmt.Errorf("%w: snapshot version must be positive", store.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	existing, err := s.LoadSnapshot(ctx, snapshot.StreamType, snapshot.StreamID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if err == nil && existing.Version >= snapshot.Version {
		return nil
	}

	record, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	if err := s.db.Set(keySnapshot(snapshot.StreamType, snapshot.StreamID), record, s.writeOpts()); err != nil {
		return fmt.Errorf("%w: save snapshot: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

// LoadSnapshot implements store.SnapshotStore.
func (s *Store) LoadSnapshot(ctx context.Context, streamType, streamID string) (es.Snapshot, error) {
	if streamType == "" || streamID == "" {
		return es.Snapshot{}, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return es.Snapshot{}, err
	}

	val, closer, err := s.db.Get(keySnapshot(streamType, streamID))
	if err != nil {
		if errors.Is(err, pdb.ErrNotFound) {
			return es.Snapshot{}, store.ErrNotFound
		}
		return es.Snapshot{}, fmt.Errorf("%w: load snapshot: %v", store.ErrStorageUnavailable, err)
	}
	defer closer.Close()
	return decodeSnapshot(val)
}

// GetCheckpoint implements store.CheckpointStore.
// An unknown subscription id reads as position 0.
func (s *Store) GetCheckpoint(ctx context.Context, subscriptionID string) (int64, error) {
	if subscriptionID == "" {
		return 0, fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	val, closer, err := s.db.Get(keyCheckpoint(subscriptionID))
	if err != nil {
		if errors.Is(err, pdb.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: read checkpoint: %v", store.ErrStorageUnavailable, err)
	}
	defer closer.Close()
	if len(val) < 8 {
		return 0, fmt.Errorf("malformed checkpoint for %s", subscriptionID)
	}
	return int64(binary.BigEndian.Uint64(val[:8])), nil
}

// CommitCheckpoint implements store.CheckpointStore as a compare-and-set.
func (s *Store) CommitCheckpoint(ctx context.Context, subscriptionID string, expectedLast, newLast int64) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}
	if newLast < expectedLast {
		return fmt.Errorf("%w: checkpoint cannot move backwards", store.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()

	current, err := s.GetCheckpoint(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if current != expectedLast {
		return store.ErrCheckpointConflict
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(newLast))
	if err := s.db.Set(keyCheckpoint(subscriptionID), buf[:], s.writeOpts()); err != nil {
		return fmt.Errorf("%w: commit checkpoint: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}

// DeleteCheckpoint implements store.CheckpointStore. Deleting an unknown
// subscription id is a no-op.
func (s *Store) DeleteCheckpoint(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()

	if err := s.db.Delete(keyCheckpoint(subscriptionID), s.writeOpts()); err != nil {
		return fmt.Errorf("%w: delete checkpoint: %v", store.ErrStorageUnavailable, err)
	}
	return nil
}
