package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"concurrency conflict", ErrConcurrencyConflict, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"wrapped conflict", fmt.Errorf("append failed: %w", ErrConcurrencyConflict), true},
		{"wrapped storage fault", fmt.Errorf("%w: connection refused", ErrStorageUnavailable), true},
		{"invalid argument", ErrInvalidArgument, false},
		{"no events", ErrNoEvents, false},
		{"not found", ErrNotFound, false},
		{"checkpoint conflict", ErrCheckpointConflict, false},
		{"nil", nil, false},
		{"unrelated", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrConcurrencyConflict,
		ErrNoEvents,
		ErrInvalidArgument,
		ErrStorageUnavailable,
		ErrNotFound,
		ErrCheckpointConflict,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %v unexpectedly matches %v", a, b)
			}
		}
	}
}
