// Package cache keeps tokens for the lifetime of a test process so that each
// authentication journey runs once per distinct set of parameters.
//
// The layers are: Memory (bounded storage), Instrumented (metrics), Expiring
// (token expiry semantics) and Memoizer (lookup, fetch on miss, insert on
// success).
package cache

import (
	"context"
)

// TokenCache defines the interface for token caching implementations.
// The generic type T represents the token type being cached.
type TokenCache[T any] interface {
	// Get retrieves a token from the cache.
	// Returns the token, whether it was found, and any error.
	Get(ctx context.Context, key string) (T, bool, error)

	// Set stores a token in the cache.
	Set(ctx context.Context, key string, token T) error

	// Invalidate removes a token from the cache.
	Invalidate(ctx context.Context, key string) error
}
