// Package runner provides optional tooling for running multiple subscriptions
// concurrently. It is explicit and CLI-friendly without imposing framework
// behavior or automatic scheduling.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/getlode/lodestream/es/subscription"
)

var (
	// ErrNoSubscribers indicates that no subscribers were provided to run.
	ErrNoSubscribers = errors.New("no subscribers provided")
)

// Runner orchestrates multiple subscribers concurrently.
//
// Example:
//
//	sub1, _ := subscription.New("billing", backend, billingHandler, subscription.DefaultConfig())
//	sub2, _ := subscription.New("search", backend, searchHandler, subscription.DefaultConfig())
//
//	runner := runner.New()
//	err := runner.Run(ctx, []*subscription.Subscriber{sub1, sub2})
type Runner struct{}

// New creates a new subscription runner.
func New() *Runner {
	return &Runner{}
}

// Run runs the given subscribers concurrently until the context is canceled.
// Each subscriber runs in its own goroutine.
//
// If a subscriber returns an error, all other subscribers are canceled and
// the error is returned. This ensures fail-fast behavior.
//
// Coordination across processes happens via each subscriber's durable
// checkpoint; the runner itself does not assume single-process ownership.
func (r *Runner) Run(ctx context.Context, subscribers []*subscription.Subscriber) error {
	if len(subscribers) == 0 {
		return ErrNoSubscribers
	}

	for i, sub := range subscribers {
		if sub == nil {
			return fmt.Errorf("subscriber at index %d is nil", i)
		}
	}

	// Create a context that we can cancel if any subscriber fails
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errChan := make(chan error, len(subscribers))

	for _, sub := range subscribers {
		wg.Add(1)
		go func(s *subscription.Subscriber) {
			defer wg.Done()

			err := s.Run(ctx)

			// Only report errors that aren't from context cancellation
			if err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("subscription %q failed: %w", s.ID(), err)
			}
		}(sub)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	// Return the first error, or nil if context was canceled
	select {
	case err := <-errChan:
		if err != nil {
			cancel() // Cancel all other subscribers
			return err
		}
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
