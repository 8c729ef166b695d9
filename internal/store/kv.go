package store

import (
	"context"
	"errors"
)

// ErrConflict is returned by Update when the optimistic write lost its race
// too many times in a row.
var ErrConflict = errors.New("store: update conflict")

// KV is the shared key-value store the timer and game-state services sit on.
// Implementations must make Update a serialized read-modify-write per key:
// the mutate function sees the latest committed value, and a concurrent
// writer forces a retry rather than a lost update.
type KV interface {
	// Get returns the raw value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes the value unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// SetTTL writes the value with an expiry in seconds.
	SetTTL(ctx context.Context, key string, value []byte, ttlSec int) error

	// Del removes the key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Update runs mutate against the current value under a per-key
	// compare-and-set. Returning (nil, nil) from mutate deletes the key;
	// returning the input unchanged is allowed and still commits.
	Update(ctx context.Context, key string, mutate func(old []byte, found bool) ([]byte, error)) error
}
