package store

import "errors"

// ErrNotFound is returned by single-entity lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrConflictRetry is returned when a mutation lost a compare-and-set race
// (most notably: a second cycle tried to acquire the single-flight
// execution lease for a stack that already has one running). Callers
// should treat this as "someone else is handling it", not as a failure.
var ErrConflictRetry = errors.New("store: conflict, retry or skip")

// ErrTimeout names a mutation that could not acquire the database within
// the configured busy timeout. No Store method returns it; busy-timeout
// failures surface as the driver's own wrapped error.
var ErrTimeout = errors.New("store: timed out waiting for database")
