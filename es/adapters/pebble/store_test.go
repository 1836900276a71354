package pebble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), NewStoreConfig(WithSyncWrites(false)))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func testEvent(eventType string) es.Event {
	return es.Event{
		EventID:   uuid.New(),
		EventType: eventType,
		Payload:   []byte(`{"test":"data"}`),
		Metadata:  []byte(`{}`),
		CreatedAt: time.Now().UTC(),
	}
}

func testEvents(n int) []es.Event {
	events := make([]es.Event, n)
	for i := range events {
		events[i] = testEvent("TestEvent")
	}
	return events
}

func TestAppendAssignsContiguousVersions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	result, err := s.Append(ctx, "Order", "order-1", es.Exact(0), testEvents(3))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if result.NewVersion != 3 {
		t.Errorf("expected new version 3, got %d", result.NewVersion)
	}
	for i, pos := range result.GlobalPositions {
		if pos != int64(i+1) {
			t.Errorf("expected position %d, got %d", i+1, pos)
		}
	}
	for i, e := range result.Events {
		if e.Version != int64(i+1) {
			t.Errorf("expected version %d, got %d", i+1, e.Version)
		}
	}

	// Second batch continues without gaps
	result, err = s.Append(ctx, "Order", "order-1", es.Exact(3), testEvents(2))
	if err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if result.NewVersion != 5 {
		t.Errorf("expected new version 5, got %d", result.NewVersion)
	}
	if result.Events[0].Version != 4 || result.Events[1].Version != 5 {
		t.Errorf("expected versions 4,5, got %d,%d", result.Events[0].Version, result.Events[1].Version)
	}
}

func TestAppendStaleExpectedVersionConflicts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "Order", "order-1", es.Exact(0), testEvents(3)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// Stale expectation: stream is at version 3, caller believes 0
	_, err := s.Append(ctx, "Order", "order-1", es.Exact(0), testEvents(1))
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	// Stream unchanged
	events, err := s.ReadStream(ctx, "Order", "order-1", 1, 100)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected stream unchanged at 3 events, got %d", len(events))
	}

	// Retried append with corrected version succeeds exactly once
	if _, err := s.Append(ctx, "Order", "order-1", es.Exact(3), testEvents(1)); err != nil {
		t.Fatalf("corrected append failed: %v", err)
	}
}

func TestAppendNoStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "Order", "order-1", es.NoStream(), testEvents(1)); err != nil {
		t.Fatalf("append to new stream failed: %v", err)
	}

	_, err := s.Append(ctx, "Order", "order-1", es.NoStream(), testEvents(1))
	if !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict for existing stream, got %v", err)
	}
}

func TestAppendAnySkipsCheck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Append(ctx, "Order", "order-1", es.Any(), testEvents(1)); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}

	events, err := s.ReadStream(ctx, "Order", "order-1", 1, 100)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func TestAppendValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "Order", "order-1", es.Any(), nil); !errors.Is(err, store.ErrNoEvents) {
		t.Errorf("expected ErrNoEvents, got %v", err)
	}
	if _, err := s.Append(ctx, "", "order-1", es.Any(), testEvents(1)); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty stream type, got %v", err)
	}
	if _, err := s.Append(ctx, "Order", "", es.Any(), testEvents(1)); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty stream id, got %v", err)
	}

	mismatch := testEvents(1)
	mismatch[0].StreamID = "other"
	if _, err := s.Append(ctx, "Order", "order-1", es.Any(), mismatch); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for stream mismatch, got %v", err)
	}
}

func TestGlobalOrderAcrossStreams(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Interleave appends across two streams
	if _, err := s.Append(ctx, "Order", "order-1", es.Exact(0), testEvents(2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := s.Append(ctx, "Order", "order-2", es.Exact(0), testEvents(1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := s.Append(ctx, "Order", "order-1", es.Exact(2), testEvents(1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, err := s.Append(ctx, "Order", "order-2", es.Exact(1), testEvents(1)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := s.ReadGlobal(ctx, 0, 10)
	if err != nil {
		t.Fatalf("read global failed: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, e := range events {
		if e.GlobalPosition != int64(i+1) {
			t.Errorf("expected position %d, got %d", i+1, e.GlobalPosition)
		}
	}
}

func TestReadGlobalExclusiveFrom(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "Order", "order-1", es.Any(), testEvents(5)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := s.ReadGlobal(ctx, 3, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after position 3, got %d", len(events))
	}
	if events[0].GlobalPosition != 4 {
		t.Errorf("expected first position 4, got %d", events[0].GlobalPosition)
	}
}

func TestReadStreamFromVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "Order", "order-1", es.Any(), testEvents(5)); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	events, err := s.ReadStream(ctx, "Order", "order-1", 3, 2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Version != 3 || events[1].Version != 4 {
		t.Errorf("expected versions 3,4, got %d,%d", events[0].Version, events[1].Version)
	}

	// Unknown stream reads empty, not an error
	events, err = s.ReadStream(ctx, "Order", "missing", 1, 10)
	if err != nil {
		t.Fatalf("read of unknown stream failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected empty result for unknown stream, got %d events", len(events))
	}
}

func TestConcurrentAppendsSameStream(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Two concurrent writers race from the same base version: exactly one
	// wins, the other observes a conflict.
	const writers = 8
	var wg sync.WaitGroup
	var conflicts, successes int32
	var mu sync.Mutex

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Append(ctx, "Order", "order-1", es.Exact(0), testEvents(1))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, store.ErrConcurrencyConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly 1 success, got %d", successes)
	}
	if conflicts != writers-1 {
		t.Errorf("expected %d conflicts, got %d", writers-1, conflicts)
	}

	events, err := s.ReadStream(ctx, "Order", "order-1", 1, 100)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 committed event, got %d", len(events))
	}
}

func TestConcurrentAppendsDifferentStreams(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const streams = 10
	const perStream = 5
	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "order-" + uuid.NewString()
			for j := 0; j < perStream; j++ {
				if _, err := s.Append(ctx, "Order", id, es.Exact(int64(j)), testEvents(1)); err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	events, err := s.ReadGlobal(ctx, 0, streams*perStream+1)
	if err != nil {
		t.Fatalf("read global failed: %v", err)
	}
	if len(events) != streams*perStream {
		t.Fatalf("expected %d events, got %d", streams*perStream, len(events))
	}
	for i, e := range events {
		if e.GlobalPosition != int64(i+1) {
			t.Errorf("position %d: expected %d, got %d (duplicate or gap)", i, i+1, e.GlobalPosition)
		}
	}
}

func TestPositionsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, NewStoreConfig(WithSyncWrites(false)))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := s.Append(ctx, "Order", "order-1", es.Any(), testEvents(3)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s, err = Open(dir, NewStoreConfig(WithSyncWrites(false)))
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	result, err := s.Append(ctx, "Order", "order-1", es.Exact(3), testEvents(1))
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if result.GlobalPositions[0] != 4 {
		t.Errorf("expected position 4 after reopen, got %d", result.GlobalPositions[0])
	}
	if result.NewVersion != 4 {
		t.Errorf("expected version 4 after reopen, got %d", result.NewVersion)
	}
}

func TestSnapshotSaveLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadSnapshot(ctx, "Order", "order-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing snapshot, got %v", err)
	}

	snap := es.Snapshot{
		StreamType: "Order",
		StreamID:   "order-1",
		Version:    5,
		Payload:    []byte(`{"state":"shipped"}`),
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := s.LoadSnapshot(ctx, "Order", "order-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Version != 5 {
		t.Errorf("expected version 5, got %d", loaded.Version)
	}
	if string(loaded.Payload) != `{"state":"shipped"}` {
		t.Errorf("payload mismatch: %q", loaded.Payload)
	}

	// Newer snapshot overwrites
	snap.Version = 8
	snap.Payload = []byte(`{"state":"delivered"}`)
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	loaded, err = s.LoadSnapshot(ctx, "Order", "order-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Version != 8 {
		t.Errorf("expected version 8, got %d", loaded.Version)
	}

	// Stale snapshot is ignored, not an error
	snap.Version = 2
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("stale save failed: %v", err)
	}
	loaded, _ = s.LoadSnapshot(ctx, "Order", "order-1")
	if loaded.Version != 8 {
		t.Errorf("stale snapshot regressed version to %d", loaded.Version)
	}
}

func TestCheckpointLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Unknown subscription reads as 0
	pos, err := s.GetCheckpoint(ctx, "proj-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if pos != 0 {
		t.Errorf("expected 0 for new subscription, got %d", pos)
	}

	if err := s.CommitCheckpoint(ctx, "proj-1", 0, 5); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	pos, _ = s.GetCheckpoint(ctx, "proj-1")
	if pos != 5 {
		t.Errorf("expected 5, got %d", pos)
	}

	// Stale compare-and-set loses
	if err := s.CommitCheckpoint(ctx, "proj-1", 0, 9); !errors.Is(err, store.ErrCheckpointConflict) {
		t.Fatalf("expected ErrCheckpointConflict, got %v", err)
	}
	pos, _ = s.GetCheckpoint(ctx, "proj-1")
	if pos != 5 {
		t.Errorf("conflicting commit moved checkpoint to %d", pos)
	}

	// Delete resets to 0
	if err := s.DeleteCheckpoint(ctx, "proj-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	pos, _ = s.GetCheckpoint(ctx, "proj-1")
	if pos != 0 {
		t.Errorf("expected 0 after delete, got %d", pos)
	}
}

func TestCheckpointsIndependent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CommitCheckpoint(ctx, "proj-1", 0, 3); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if err := s.CommitCheckpoint(ctx, "proj-2", 0, 7); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	p1, _ := s.GetCheckpoint(ctx, "proj-1")
	p2, _ := s.GetCheckpoint(ctx, "proj-2")
	if p1 != 3 || p2 != 7 {
		t.Errorf("checkpoints interfered: proj-1=%d proj-2=%d", p1, p2)
	}
}

func TestDuplicateEventIDRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := testEvents(2)
	if _, err := s.Append(ctx, "Order", "order-1", es.Any(), batch); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	// A retried append of the already-committed batch must be rejected
	// whole, even with no expectation on the stream version.
	if _, err := s.Append(ctx, "Order", "order-1", es.Any(), batch); !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict for retried batch, got %v", err)
	}

	// Reuse on a different stream is rejected too
	stray := testEvent("TestEvent")
	stray.EventID = batch[0].EventID
	if _, err := s.Append(ctx, "Order", "order-2", es.Any(), []es.Event{stray}); !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict for reused event id, got %v", err)
	}

	events, err := s.ReadStream(ctx, "Order", "order-1", 1, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after rejected retries, got %d", len(events))
	}
}

func TestDuplicateEventIDWithinBatchRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := testEvents(2)
	events[1].EventID = events[0].EventID
	if _, err := s.Append(ctx, "Order", "order-1", es.Any(), events); !errors.Is(err, store.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}

	got, err := s.ReadStream(ctx, "Order", "order-1", 1, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no events after rejected batch, got %d", len(got))
	}
}

func TestStreamIdentifiersWithSeparatorBytes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Identifiers that embed the keyspace's structural bytes must stay in
	// their own stream.
	victim := "a"
	attacker := "a\x00\x00\x00\x01e"
	if _, err := s.Append(ctx, "Order", victim, es.Any(), testEvents(1)); err != nil {
		t.Fatalf("append to victim failed: %v", err)
	}
	if _, err := s.Append(ctx, "Order", attacker, es.Any(), testEvents(3)); err != nil {
		t.Fatalf("append to attacker failed: %v", err)
	}
	if _, err := s.Append(ctx, "Order/a", "e/b", es.Any(), testEvents(2)); err != nil {
		t.Fatalf("append with slashed identifiers failed: %v", err)
	}

	events, err := s.ReadStream(ctx, "Order", victim, 1, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event in victim stream, got %d", len(events))
	}
	if events[0].StreamID != victim {
		t.Errorf("expected stream id %q, got %q", victim, events[0].StreamID)
	}

	events, err = s.ReadStream(ctx, "Order", attacker, 1, 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events in second stream, got %d", len(events))
	}

	// Snapshot slots must not collide either: ("Order/a","e/b") vs ("Order","a/e/b")
	snap := es.Snapshot{
		StreamType: "Order/a",
		StreamID:   "e/b",
		Version:    2,
		Payload:    []byte(`{"n":2}`),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot failed: %v", err)
	}
	if _, err := s.LoadSnapshot(ctx, "Order", "a/e/b"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for uncached stream, got %v", err)
	}
}
