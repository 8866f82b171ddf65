// Package storage defines the contracts for shared external stores used to
// coordinate rate counters and token revocations across security-plane
// instances. Backends are optional: every consumer degrades to bounded local
// state when a backend is absent, times out, or errors. A call into a backend
// must never block a request beyond the caller's context deadline.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned by backends when the underlying store cannot be
// reached. Consumers treat it as a signal to fall back to local behavior; it
// is never surfaced to clients.
var ErrUnavailable = errors.New("shared store unavailable")

// Counters is an atomic increment-with-expiry primitive, the minimal contract
// for fixed-window rate counting across instances.
type Counters interface {
	// Increment atomically increments the counter and returns the new value.
	// The first increment of a key creates it at 1.
	Increment(ctx context.Context, key string) (int64, error)

	// Expire sets the time-to-live for a counter key. Called once per window,
	// on the increment that created the key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Revocations is an atomic insert/lookup set with per-entry TTL, used to
// propagate token revocations across instances.
type Revocations interface {
	// Add inserts a revoked token identifier with the given time-to-live.
	Add(ctx context.Context, tokenID string, ttl time.Duration) error

	// Contains reports whether a token identifier is revoked.
	Contains(ctx context.Context, tokenID string) (bool, error)
}
