package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
	"github.com/getlode/lodestream/es/subscription"
)

type memorySource struct {
	mu          sync.Mutex
	events      []es.PersistedEvent
	checkpoints map[string]int64
	commitErr   error
}

func newMemorySource(n int) *memorySource {
	events := make([]es.PersistedEvent, n)
	for i := 0; i < n; i++ {
		events[i] = es.PersistedEvent{
			Event: es.Event{
				EventID:    uuid.New(),
				StreamType: "order",
				StreamID:   "order-1",
				EventType:  "OrderPlaced",
				CreatedAt:  time.Now().UTC(),
			},
			Version:        int64(i + 1),
			GlobalPosition: int64(i + 1),
		}
	}
	return &memorySource{
		events:      events,
		checkpoints: make(map[string]int64),
	}
}

func (m *memorySource) ReadGlobal(_ context.Context, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []es.PersistedEvent
	for _, e := range m.events {
		if e.GlobalPosition > fromPosition {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memorySource) GetCheckpoint(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[id], nil
}

func (m *memorySource) CommitCheckpoint(_ context.Context, id string, expectedLast, newLast int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	if m.checkpoints[id] != expectedLast {
		return store.ErrCheckpointConflict
	}
	m.checkpoints[id] = newLast
	return nil
}

func (m *memorySource) DeleteCheckpoint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, id)
	return nil
}

type countingHandler struct {
	mu    sync.Mutex
	count int
}

func (h *countingHandler) Handle(context.Context, es.PersistedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	return nil
}

func (h *countingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func testConfig() subscription.Config {
	return subscription.NewConfig(
		subscription.WithBatchSize(10),
		subscription.WithPollInterval(5*time.Millisecond),
		subscription.WithBackoff(time.Millisecond, 5*time.Millisecond),
		subscription.WithMaxRetries(1),
		subscription.WithReducedInterval(time.Millisecond),
	)
}

func TestRunNoSubscribers(t *testing.T) {
	r := New()
	err := r.Run(context.Background(), nil)
	if !errors.Is(err, ErrNoSubscribers) {
		t.Errorf("expected ErrNoSubscribers, got %v", err)
	}
}

func TestRunNilSubscriber(t *testing.T) {
	r := New()
	err := r.Run(context.Background(), []*subscription.Subscriber{nil})
	if err == nil || !strings.Contains(err.Error(), "index 0 is nil") {
		t.Errorf("expected nil-subscriber error, got %v", err)
	}
}

func TestRunMultipleSubscribers(t *testing.T) {
	source := newMemorySource(5)
	h1 := &countingHandler{}
	h2 := &countingHandler{}

	sub1, err := subscription.New("billing", source, h1, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub2, err := subscription.New("search", source, h2, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := New()
	go func() { done <- r.Run(ctx, []*subscription.Subscriber{sub1, sub2}) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h1.total() == 5 && h2.total() == 5 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if h1.total() != 5 || h2.total() != 5 {
		t.Fatalf("expected both subscribers to see 5 events, got %d and %d", h1.total(), h2.total())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunFailFast(t *testing.T) {
	healthy := newMemorySource(3)
	broken := newMemorySource(3)
	broken.commitErr = store.ErrCheckpointConflict

	sub1, err := subscription.New("healthy", healthy, &countingHandler{}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub2, err := subscription.New("contested", broken, &countingHandler{}, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	r := New()
	runErr := r.Run(context.Background(), []*subscription.Subscriber{sub1, sub2})
	if !errors.Is(runErr, store.ErrCheckpointConflict) {
		t.Fatalf("expected ErrCheckpointConflict, got %v", runErr)
	}
	if !strings.Contains(runErr.Error(), `subscription "contested" failed`) {
		t.Errorf("expected error to name the failed subscription, got %v", runErr)
	}
}
