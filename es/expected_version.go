package es

import "fmt"

// ExpectedVersion declares the caller's expectation about a stream's current
// version for optimistic concurrency control. It is used in the Append
// operation; a mismatch fails the whole batch with a concurrency conflict.
type ExpectedVersion struct {
	value int64
}

const (
	// expectedVersionAny indicates no version check should be performed
	expectedVersionAny = -1
)

// Any returns an ExpectedVersion that skips version validation.
// Use this when you don't need optimistic concurrency control.
func Any() ExpectedVersion {
	return ExpectedVersion{value: expectedVersionAny}
}

// NoStream returns an ExpectedVersion that enforces the stream must be empty.
// A stream that has never been written to has current version 0, so this is
// equivalent to Exact(0). Use it when creating a new stream to ensure it
// doesn't already exist.
func NoStream() ExpectedVersion {
	return ExpectedVersion{value: 0}
}

// Exact returns an ExpectedVersion that enforces the stream must currently be
// at exactly the specified version. Exact(0) means the stream must be empty.
// The version must be non-negative.
func Exact(version int64) ExpectedVersion {
	if version < 0 {
		panic(fmt.Sprintf("exact version must be non-negative, got %d", version))
	}
	return ExpectedVersion{value: version}
}

// IsAny returns true if this is an "Any" expected version (no version check).
func (ev ExpectedVersion) IsAny() bool {
	return ev.value == expectedVersionAny
}

// IsExact returns true if this expected version requires the stream to be at
// a specific version (including 0 for an empty stream).
func (ev ExpectedVersion) IsExact() bool {
	return ev.value >= 0
}

// Value returns the exact version number. Returns 0 for Any.
func (ev ExpectedVersion) Value() int64 {
	if ev.value >= 0 {
		return ev.value
	}
	return 0
}

// String returns a string representation of the ExpectedVersion.
func (ev ExpectedVersion) String() string {
	if ev.IsAny() {
		return "Any"
	}
	return fmt.Sprintf("Exact(%d)", ev.value)
}
