// Package integration_test contains integration tests for the SQLite adapter.
// These tests require SQLite (which is embedded), so no external services.
//
// Run with: go test -tags=integration ./es/adapters/sqlite/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/adapters/sqlite"
	"github.com/getlode/lodestream/es/migrations"
	"github.com/getlode/lodestream/es/store"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbFile := fmt.Sprintf("%s/lodestream_test_%d.db", t.TempDir(), time.Now().UnixNano())
	t.Cleanup(func() {
		os.Remove(dbFile)
	})

	db, err := sql.Open("sqlite", dbFile)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec("PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;"); err != nil {
		t.Fatalf("Failed to configure database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping database: %v", err)
	}

	config := migrations.DefaultConfig()
	if _, err := db.Exec(migrations.GenerateSQLiteSQL(&config)); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}

	return db
}

func newBackend(t *testing.T) *sqlite.DB {
	t.Helper()
	return sqlite.NewDB(getTestDB(t), sqlite.DefaultStoreConfig())
}

func makeEvent(eventType string) es.Event {
	return es.Event{
		EventID:   uuid.New(),
		EventType: eventType,
		Payload:   []byte(`{"n":1}`),
		Metadata:  []byte(`{}`),
		CreatedAt: time.Now().UTC(),
	}
}

func TestAppendAssignsContiguousVersions(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	result, err := backend.Append(ctx, "order", "order-1", es.NoStream(), []es.Event{
		makeEvent("OrderPlaced"),
		makeEvent("OrderPaid"),
		makeEvent("OrderShipped"),
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if result.NewVersion != 3 {
		t.Errorf("expected new version 3, got %d", result.NewVersion)
	}
	for i, e := range result.Events {
		if e.Version != int64(i+1) {
			t.Errorf("event %d: expected version %d, got %d", i, i+1, e.Version)
		}
	}
	for i := 1; i < len(result.GlobalPositions); i++ {
		if result.GlobalPositions[i] <= result.GlobalPositions[i-1] {
			t.Errorf("global positions not strictly increasing: %v", result.GlobalPositions)
		}
	}

	// Continue with an exact version check
	result, err = backend.Append(ctx, "order", "order-1", es.Exact(3), []es.Event{
		makeEvent("OrderDelivered"),
	})
	if err != nil {
		t.Fatalf("Append with Exact(3) failed: %v", err)
	}
	if result.NewVersion != 4 {
		t.Errorf("expected new version 4, got %d", result.NewVersion)
	}
}

func TestAppendConcurrencyConflict(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	if _, err := backend.Append(ctx, "order", "order-1", es.NoStream(), []es.Event{makeEvent("OrderPlaced")}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Stale expectation: stream is at version 1, not 0
	_, err := backend.Append(ctx, "order", "order-1", es.Exact(0), []es.Event{makeEvent("OrderPlaced")})
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	// NoStream against an existing stream also conflicts
	_, err = backend.Append(ctx, "order", "order-1", es.NoStream(), []es.Event{makeEvent("OrderPlaced")})
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	// The failed appends must not have written anything
	events, err := backend.ReadStream(ctx, "order", "order-1", 1, 100)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event after rejected appends, got %d", len(events))
	}

	// A corrected retry succeeds
	if _, err := backend.Append(ctx, "order", "order-1", es.Exact(1), []es.Event{makeEvent("OrderPaid")}); err != nil {
		t.Fatalf("corrected retry failed: %v", err)
	}
}

func TestAppendAnySkipsVersionCheck(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := backend.Append(ctx, "order", "order-1", es.Any(), []es.Event{makeEvent("OrderUpdated")}); err != nil {
			t.Fatalf("Append %d with Any failed: %v", i, err)
		}
	}

	events, err := backend.ReadStream(ctx, "order", "order-1", 1, 100)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func TestAppendValidation(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	if _, err := backend.Append(ctx, "order", "order-1", es.Any(), nil); !errors.Is(err, store.ErrNoEvents) {
		t.Errorf("expected ErrNoEvents, got %v", err)
	}
	if _, err := backend.Append(ctx, "", "order-1", es.Any(), []es.Event{makeEvent("X")}); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty stream type, got %v", err)
	}
	if _, err := backend.Append(ctx, "order", "", es.Any(), []es.Event{makeEvent("X")}); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty stream id, got %v", err)
	}
}

func TestGlobalOrderAcrossStreams(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		streamID := fmt.Sprintf("order-%d", i%2)
		if _, err := backend.Append(ctx, "order", streamID, es.Any(), []es.Event{makeEvent("OrderUpdated")}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	events, err := backend.ReadGlobal(ctx, 0, 100)
	if err != nil {
		t.Fatalf("ReadGlobal failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].GlobalPosition <= events[i-1].GlobalPosition {
			t.Errorf("global feed out of order at index %d", i)
		}
	}

	// Exclusive from: reading after position N skips event N
	tail, err := backend.ReadGlobal(ctx, events[2].GlobalPosition, 100)
	if err != nil {
		t.Fatalf("ReadGlobal failed: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("expected 2 events after position %d, got %d", events[2].GlobalPosition, len(tail))
	}
}

func TestReadStreamWindow(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	var appended []es.Event
	for i := 0; i < 5; i++ {
		appended = append(appended, makeEvent(fmt.Sprintf("Event%d", i+1)))
	}
	if _, err := backend.Append(ctx, "order", "order-1", es.NoStream(), appended); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Inclusive from, limited
	events, err := backend.ReadStream(ctx, "order", "order-1", 2, 2)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if len(events) != 2 || events[0].Version != 2 || events[1].Version != 3 {
		t.Errorf("expected versions [2 3], got %v", events)
	}

	// Unknown stream reads empty
	events, err = backend.ReadStream(ctx, "order", "no-such-stream", 1, 10)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty result for unknown stream, got %d events", len(events))
	}
}

func TestEventRoundTrip(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	correlation := uuid.New()
	event := es.Event{
		EventID:       uuid.New(),
		EventType:     "OrderPlaced",
		Payload:       []byte(`{"item":"keyboard"}`),
		Metadata:      []byte(`{"actor":"alice"}`),
		CorrelationID: uuid.NullUUID{UUID: correlation, Valid: true},
		CreatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}
	if _, err := backend.Append(ctx, "order", "order-1", es.NoStream(), []es.Event{event}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	events, err := backend.ReadStream(ctx, "order", "order-1", 1, 1)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	got := events[0]
	if got.EventID != event.EventID {
		t.Errorf("event id mismatch: %s vs %s", got.EventID, event.EventID)
	}
	if string(got.Payload) != string(event.Payload) {
		t.Errorf("payload mismatch: %s", got.Payload)
	}
	if !got.CorrelationID.Valid || got.CorrelationID.UUID != correlation {
		t.Errorf("correlation id mismatch: %v", got.CorrelationID)
	}
	if got.CausationID.Valid {
		t.Errorf("expected null causation id, got %v", got.CausationID)
	}
	if !got.CreatedAt.Equal(event.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, event.CreatedAt)
	}
}

func TestSnapshotLifecycle(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	if _, err := backend.LoadSnapshot(ctx, "order", "order-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	snap := es.Snapshot{
		StreamType: "order",
		StreamID:   "order-1",
		Version:    5,
		Payload:    []byte(`{"total":3}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := backend.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	loaded, err := backend.LoadSnapshot(ctx, "order", "order-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if loaded.Version != 5 || string(loaded.Payload) != `{"total":3}` {
		t.Errorf("unexpected snapshot: %+v", loaded)
	}

	// A newer snapshot replaces the old one
	snap.Version = 8
	snap.Payload = []byte(`{"total":6}`)
	if err := backend.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	loaded, _ = backend.LoadSnapshot(ctx, "order", "order-1")
	if loaded.Version != 8 {
		t.Errorf("expected version 8, got %d", loaded.Version)
	}

	// A stale snapshot write is ignored
	snap.Version = 3
	snap.Payload = []byte(`{"total":1}`)
	if err := backend.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	loaded, _ = backend.LoadSnapshot(ctx, "order", "order-1")
	if loaded.Version != 8 {
		t.Errorf("stale snapshot regressed version to %d", loaded.Version)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	// Unknown subscription reads as 0
	pos, err := backend.GetCheckpoint(ctx, "projector")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if pos != 0 {
		t.Errorf("expected checkpoint 0, got %d", pos)
	}

	// First commit creates the row
	if err := backend.CommitCheckpoint(ctx, "projector", 0, 5); err != nil {
		t.Fatalf("CommitCheckpoint failed: %v", err)
	}
	pos, _ = backend.GetCheckpoint(ctx, "projector")
	if pos != 5 {
		t.Errorf("expected checkpoint 5, got %d", pos)
	}

	// Advancing with the right expectation succeeds
	if err := backend.CommitCheckpoint(ctx, "projector", 5, 9); err != nil {
		t.Fatalf("CommitCheckpoint failed: %v", err)
	}

	// A stale compare-and-set fails and leaves the checkpoint untouched
	err = backend.CommitCheckpoint(ctx, "projector", 5, 12)
	if !errors.Is(err, store.ErrCheckpointConflict) {
		t.Fatalf("expected ErrCheckpointConflict, got %v", err)
	}
	pos, _ = backend.GetCheckpoint(ctx, "projector")
	if pos != 9 {
		t.Errorf("expected checkpoint 9, got %d", pos)
	}

	// Deleting resets to 0; deleting again is a no-op
	if err := backend.DeleteCheckpoint(ctx, "projector"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	if err := backend.DeleteCheckpoint(ctx, "projector"); err != nil {
		t.Fatalf("repeated DeleteCheckpoint failed: %v", err)
	}
	pos, _ = backend.GetCheckpoint(ctx, "projector")
	if pos != 0 {
		t.Errorf("expected checkpoint 0 after delete, got %d", pos)
	}
}

func TestCheckpointsAreIndependent(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	if err := backend.CommitCheckpoint(ctx, "billing", 0, 3); err != nil {
		t.Fatalf("CommitCheckpoint failed: %v", err)
	}
	if err := backend.CommitCheckpoint(ctx, "search", 0, 7); err != nil {
		t.Fatalf("CommitCheckpoint failed: %v", err)
	}

	billing, _ := backend.GetCheckpoint(ctx, "billing")
	search, _ := backend.GetCheckpoint(ctx, "search")
	if billing != 3 || search != 7 {
		t.Errorf("expected 3 and 7, got %d and %d", billing, search)
	}
}

func TestDuplicateEventIDRejected(t *testing.T) {
	backend := newBackend(t)
	ctx := context.Background()

	event := makeEvent("OrderPlaced")
	if _, err := backend.Append(ctx, "order", "order-1", es.NoStream(), []es.Event{event}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Reusing the same event id in another stream hits the unique constraint
	_, err := backend.Append(ctx, "order", "order-2", es.NoStream(), []es.Event{event})
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict for reused event id, got %v", err)
	}
}
