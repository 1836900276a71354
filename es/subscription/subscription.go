// Package subscription provides durable, checkpointed subscriptions over the
// global event feed.
//
// A Subscriber polls the store's global feed from its last acknowledged
// position, delivers events to a Handler in order, and advances a durable
// checkpoint only after the handler succeeds. Delivery is at-least-once:
// after a crash between delivery and checkpoint commit, the same events are
// delivered again.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
)

// Handler consumes events delivered by a Subscriber.
// Handle is called once per event, in global position order. Returning an
// error causes the whole batch to be redelivered; handlers must therefore
// tolerate seeing the same event more than once.
type Handler interface {
	Handle(ctx context.Context, event es.PersistedEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event es.PersistedEvent) error

// Handle calls f(ctx, event).
func (f HandlerFunc) Handle(ctx context.Context, event es.PersistedEvent) error {
	return f(ctx, event)
}

// Source is the slice of the backend a Subscriber needs: the global feed
// plus durable checkpoints.
type Source interface {
	store.EventReader
	store.CheckpointStore
}

// HandlerError wraps a consumer failure so it is distinguishable from store
// errors. It records the global position of the event that failed.
type HandlerError struct {
	SubscriptionID string
	Position       int64
	Err            error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("subscription %q: handler failed at position %d: %v", e.SubscriptionID, e.Position, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// State describes where a Subscriber is in its lifecycle.
type State int32

const (
	// StateCreated means Run has not been called yet.
	StateCreated State = iota
	// StateCatchingUp means the subscriber is working through a backlog.
	StateCatchingUp
	// StateLive means the subscriber has drained the feed and is polling
	// for new events.
	StateLive
	// StateStopped means Run has returned.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Config contains configuration for a Subscriber.
type Config struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled.
	Logger es.Logger

	// BatchSize is the maximum number of events read per poll.
	BatchSize int

	// PollInterval is how long to wait between polls once live.
	PollInterval time.Duration

	// InitialBackoff is the first delay after a failed delivery.
	// Subsequent retries double the delay up to MaxBackoff.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration

	// MaxRetries is how many delivery attempts are made with exponential
	// backoff before the failure is published on Errors(). The batch is
	// still never dropped; retries continue at ReducedInterval.
	MaxRetries int

	// ReducedInterval is the retry interval after MaxRetries is exhausted.
	ReducedInterval time.Duration
}

// checkpointCommitTimeout bounds the checkpoint commit that follows a
// delivered batch.
const checkpointCommitTimeout = 10 * time.Second

// DefaultConfig returns the default subscriber configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      30 * time.Second,
		MaxRetries:      5,
		ReducedInterval: 10 * time.Second,
		Logger:          nil,
	}
}

// Option is a functional option for configuring a Subscriber.
type Option func(*Config)

// WithLogger sets a logger for the subscriber.
func WithLogger(logger es.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithBatchSize sets the maximum number of events read per poll.
func WithBatchSize(n int) Option {
	return func(c *Config) {
		c.BatchSize = n
	}
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = d
	}
}

// WithBackoff sets the initial and maximum retry backoff.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Config) {
		c.InitialBackoff = initial
		c.MaxBackoff = max
	}
}

// WithMaxRetries sets how many backoff retries happen before the failure is
// published on Errors().
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.MaxRetries = n
	}
}

// WithReducedInterval sets the retry interval used after MaxRetries.
func WithReducedInterval(d time.Duration) Option {
	return func(c *Config) {
		c.ReducedInterval = d
	}
}

// NewConfig creates a subscriber configuration with functional options.
func NewConfig(opts ...Option) Config {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Subscriber is a single durable subscription identified by its id.
//
// Two pollers sharing an id will fight over the checkpoint: the loser's
// compare-and-set fails and its Run returns store.ErrCheckpointConflict.
type Subscriber struct {
	id      string
	source  Source
	handler Handler
	config  Config

	state  atomic.Int32
	errors chan error
}

// New creates a Subscriber. id identifies the durable checkpoint; a new id
// starts from the beginning of the global feed.
func New(id string, source Source, handler Handler, config Config) (*Subscriber, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}
	if source == nil {
		return nil, fmt.Errorf("%w: source is required", store.ErrInvalidArgument)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: handler is required", store.ErrInvalidArgument)
	}
	if config.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be positive", store.ErrInvalidArgument)
	}
	if config.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: poll interval must be positive", store.ErrInvalidArgument)
	}

	s := &Subscriber{
		id:      id,
		source:  source,
		handler: handler,
		config:  config,
		errors:  make(chan error, 1),
	}
	s.state.Store(int32(StateCreated))
	return s, nil
}

// ID returns the subscription id.
func (s *Subscriber) ID() string {
	return s.id
}

// State returns the subscriber's current lifecycle state.
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Errors returns a channel carrying delivery failures that exhausted their
// backoff retries. The subscriber keeps retrying the batch after publishing;
// the channel exists so operators can alert on a stuck subscription.
func (s *Subscriber) Errors() <-chan error {
	return s.errors
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
}

// Run polls the global feed and delivers events until the context is
// canceled or the checkpoint is lost to a competing poller.
//
// Cancellation is only observed between batches: a batch that has been
// delivered always gets its checkpoint committed before Run returns.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	last, err := s.source.GetCheckpoint(ctx, s.id)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "subscription starting",
			"subscription_id", s.id,
			"checkpoint", last,
			"batch_size", s.config.BatchSize)
	}

	for {
		select {
		case <-ctx.Done():
			if s.config.Logger != nil {
				s.config.Logger.Info(ctx, "subscription stopped",
					"subscription_id", s.id,
					"checkpoint", last,
					"reason", ctx.Err())
			}
			return ctx.Err()
		default:
		}

		events, err := s.source.ReadGlobal(ctx, last, s.config.BatchSize)
		if err != nil {
			if s.config.Logger != nil {
				s.config.Logger.Error(ctx, "failed to read global feed",
					"subscription_id", s.id,
					"checkpoint", last,
					"error", err)
			}
			if waitErr := s.sleep(ctx, s.config.PollInterval); waitErr != nil {
				return waitErr
			}
			continue
		}

		if len(events) == 0 {
			s.setState(StateLive)
			if waitErr := s.sleep(ctx, s.config.PollInterval); waitErr != nil {
				return waitErr
			}
			continue
		}

		s.setState(StateCatchingUp)

		if err := s.deliverBatch(ctx, events); err != nil {
			// Only cancellation escapes deliverBatch; the batch itself
			// is retried forever.
			return err
		}

		// The commit runs detached from the run context: a cancellation
		// arriving while the handler was processing must not lose a
		// delivered batch's progress.
		batchLast := events[len(events)-1].GlobalPosition
		commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointCommitTimeout)
		err = s.source.CommitCheckpoint(commitCtx, s.id, last, batchLast)
		commitCancel()
		if err != nil {
			if errors.Is(err, store.ErrCheckpointConflict) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "checkpoint lost to competing subscriber",
						"subscription_id", s.id,
						"expected", last,
						"attempted", batchLast)
				}
				return err
			}
			return fmt.Errorf("failed to commit checkpoint: %w", err)
		}

		if s.config.Logger != nil {
			s.config.Logger.Debug(ctx, "batch delivered",
				"subscription_id", s.id,
				"event_count", len(events),
				"checkpoint", batchLast)
		}
		last = batchLast
	}
}

// deliverBatch hands the batch to the handler, retrying on failure. It
// returns nil once every event in the batch has been handled, or the
// context error if canceled while backing off between attempts.
func (s *Subscriber) deliverBatch(ctx context.Context, events []es.PersistedEvent) error {
	backoff := s.config.InitialBackoff
	attempt := 0

	for {
		err := s.handleEvents(ctx, events)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "batch delivery failed",
				"subscription_id", s.id,
				"attempt", attempt,
				"error", err)
		}

		var wait time.Duration
		if attempt <= s.config.MaxRetries {
			wait = backoff
			backoff *= 2
			if backoff > s.config.MaxBackoff {
				backoff = s.config.MaxBackoff
			}
		} else {
			if attempt == s.config.MaxRetries+1 {
				// Non-blocking: a slow error consumer must not stall
				// delivery retries.
				select {
				case s.errors <- err:
				default:
				}
			}
			wait = s.config.ReducedInterval
		}

		if waitErr := s.sleep(ctx, wait); waitErr != nil {
			return waitErr
		}
	}
}

func (s *Subscriber) handleEvents(ctx context.Context, events []es.PersistedEvent) error {
	for i := range events {
		event := events[i]
		if err := s.handler.Handle(ctx, event); err != nil {
			return &HandlerError{
				SubscriptionID: s.id,
				Position:       event.GlobalPosition,
				Err:            err,
			}
		}
	}
	return nil
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Unsubscribe deletes the durable checkpoint for the given subscription id.
// A later subscriber with the same id starts again from the beginning of
// the feed. Unsubscribing an unknown id is a no-op.
func Unsubscribe(ctx context.Context, checkpoints store.CheckpointStore, subscriptionID string) error {
	return checkpoints.DeleteCheckpoint(ctx, subscriptionID)
}
