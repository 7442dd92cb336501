// Package store provides the shared key-value store backing the
// generation cache and the result store. The scheduler depends only on
// the KV interface; any capability provider (in-memory map for tests,
// Redis for production) can implement it.
package store

import (
	"context"
	"time"
)

// KV is a TTL-aware key-value store. Implementations must be safe for
// concurrent use from multiple goroutines.
type KV interface {
	// Get returns the value for key and whether it was present and
	// unexpired. A missing key is not an error.
	Get(ctx context.Context, key string) (string, bool, error)

	// SetTTL stores value under key, expiring after ttl.
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
}
