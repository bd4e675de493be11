package models

import "errors"

var (
	// ErrNotFound is returned when a commitment, offer or round does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPolicyViolation marks a request the lifecycle rules decline.
	ErrPolicyViolation = errors.New("policy violation")
	// ErrConcurrencyConflict is an optimistic-lock or lock-acquisition failure.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrInvariantViolation is fatal to the call, e.g. mutating a terminal commitment.
	ErrInvariantViolation = errors.New("invariant violation")
)
