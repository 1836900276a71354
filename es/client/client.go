// Package client provides the high-level event store façade.
//
// Client validates arguments, fills in event defaults, and routes every
// operation to a store.Backend. It holds no business logic and no state
// beyond the backend it wraps, so it is safe for concurrent use.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getlode/lodestream/es"
	"github.com/getlode/lodestream/es/store"
	"github.com/getlode/lodestream/es/subscription"
)

// Client is the event store façade over a storage backend.
type Client struct {
	backend store.Backend
	logger  es.Logger
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithLogger sets a logger for the client.
func WithLogger(logger es.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client over the given backend.
func New(backend store.Backend, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", store.ErrInvalidArgument)
	}
	c := &Client{backend: backend}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Append appends events to a stream with optimistic concurrency control.
//
// Events with a zero EventID get a fresh UUID; events with a zero CreatedAt
// get the current UTC time. The input slice is not modified.
func (c *Client) Append(ctx context.Context, streamType, streamID string, expected es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	if streamType == "" || streamID == "" {
		return es.AppendResult{}, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if len(events) == 0 {
		return es.AppendResult{}, store.ErrNoEvents
	}

	prepared := make([]es.Event, len(events))
	copy(prepared, events)
	for i := range prepared {
		e := &prepared[i]
		if e.EventType == "" {
			return es.AppendResult{}, fmt.Errorf("%w: event %d: event type is required", store.ErrInvalidArgument, i)
		}
		if e.EventID == uuid.Nil {
			e.EventID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
	}

	result, err := c.backend.Append(ctx, streamType, streamID, expected, prepared)
	if err != nil {
		return es.AppendResult{}, err
	}

	if c.logger != nil {
		c.logger.Info(ctx, "events appended",
			"stream_type", streamType,
			"stream_id", streamID,
			"event_count", len(prepared),
			"new_version", result.NewVersion)
	}
	return result, nil
}

// ReadStream reads one stream's events in ascending version order, starting
// at fromVersion (inclusive). Pass fromVersion 1 to read from the start.
func (c *Client) ReadStream(ctx context.Context, streamType, streamID string, fromVersion int64, limit int) ([]es.PersistedEvent, error) {
	if streamType == "" || streamID == "" {
		return nil, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if fromVersion < 0 {
		return nil, fmt.Errorf("%w: from version must be non-negative", store.ErrInvalidArgument)
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be positive", store.ErrInvalidArgument)
	}
	return c.backend.ReadStream(ctx, streamType, streamID, fromVersion, limit)
}

// readAllPageSize is the page size ReadAll uses when draining a stream.
const readAllPageSize = 500

// ReadAll reads an entire stream from version 1, paging through the backend
// until the stream is exhausted. Handy for state rebuilds; for very long
// streams prefer ReadStream with an explicit window.
func (c *Client) ReadAll(ctx context.Context, streamType, streamID string) (es.Stream, error) {
	if streamType == "" || streamID == "" {
		return es.Stream{}, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}

	stream := es.Stream{StreamType: streamType, StreamID: streamID}
	fromVersion := int64(1)
	for {
		events, err := c.backend.ReadStream(ctx, streamType, streamID, fromVersion, readAllPageSize)
		if err != nil {
			return es.Stream{}, err
		}
		if len(events) == 0 {
			return stream, nil
		}
		stream.Events = append(stream.Events, events...)
		fromVersion = events[len(events)-1].Version + 1
	}
}

// ReadGlobal reads the global feed in ascending position order, starting
// strictly after fromPosition. Pass fromPosition 0 to read from the start.
func (c *Client) ReadGlobal(ctx context.Context, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	if fromPosition < 0 {
		return nil, fmt.Errorf("%w: from position must be non-negative", store.ErrInvalidArgument)
	}
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be positive", store.ErrInvalidArgument)
	}
	return c.backend.ReadGlobal(ctx, fromPosition, limit)
}

// SaveSnapshot stores a snapshot of a stream's state at a given version,
// replacing any older snapshot for that stream.
func (c *Client) SaveSnapshot(ctx context.Context, snapshot es.Snapshot) error {
	if snapshot.StreamType == "" || snapshot.StreamID == "" {
		return fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	if snapshot.Version < 1 {
		return fmt.Errorf("%w: snapshot version must be positive", store.ErrInvalidArgument)
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	return c.backend.SaveSnapshot(ctx, snapshot)
}

// LoadSnapshot returns the latest snapshot for a stream, or
// store.ErrNotFound when none exists. Callers fall back to replaying the
// stream from version 1.
func (c *Client) LoadSnapshot(ctx context.Context, streamType, streamID string) (es.Snapshot, error) {
	if streamType == "" || streamID == "" {
		return es.Snapshot{}, fmt.Errorf("%w: stream type and id are required", store.ErrInvalidArgument)
	}
	return c.backend.LoadSnapshot(ctx, streamType, streamID)
}

// Subscribe builds a durable subscriber over the backend. The subscriber
// resumes from its stored checkpoint; call Run on it to start delivery.
func (c *Client) Subscribe(subscriptionID string, handler subscription.Handler, opts ...subscription.Option) (*subscription.Subscriber, error) {
	config := subscription.DefaultConfig()
	if c.logger != nil {
		config.Logger = c.logger
	}
	for _, opt := range opts {
		opt(&config)
	}
	return subscription.New(subscriptionID, c.backend, handler, config)
}

// Unsubscribe discards the durable checkpoint for a subscription id. A
// later Subscribe with the same id starts from the beginning of the feed.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return fmt.Errorf("%w: subscription id is required", store.ErrInvalidArgument)
	}
	return c.backend.DeleteCheckpoint(ctx, subscriptionID)
}
