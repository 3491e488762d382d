// Package kv provides the expiring key/value stores that back the
// credential store and the session layer. Every write carries an explicit
// TTL; nothing is refreshed on read.
package kv

import (
	"context"
	"time"
)

//go:generate mockgen -source=kv.go -destination=mock_store.go -package=kv

// Store is an expiring string key/value map shared by all broker
// instances. SetMany is atomic with respect to readers: a concurrent Get
// or MGet never observes part of a single SetMany call.
type Store interface {
	// Get returns the value for key and whether it was present and
	// unexpired.
	Get(ctx context.Context, key string) (string, bool, error)

	// MGet returns one value per key, in order. Missing or expired keys
	// yield "".
	MGet(ctx context.Context, keys ...string) ([]string, error)

	// SetMany writes all values with the same TTL. Last writer wins.
	SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error

	// Close releases the backend.
	Close() error
}

const (
	// cleanupInterval controls how often expired entries are reaped by
	// the in-process backends.
	cleanupInterval = 5 * time.Minute
)
