// Package store provides the atomic key-value primitives that the lock
// manager and the task registry are built on. Every backend guarantees that
// PutIfAbsent, CompareAndSwap and CompareAndDelete are atomic with respect
// to each other for the same key.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/pubsync/cfg"
)

var (
	ErrNotFound = errors.New("store: key not found")
	ErrClosed   = errors.New("store: closed")
)

// KV is the storage contract shared by all backends
type KV interface {
	// Get returns ErrNotFound when the key is absent
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only when key does not exist
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// CompareAndSwap replaces the value only when the current value equals old
	CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error)
	// Delete is a no-op for absent keys
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only when its value equals old
	CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error)
	// Scan calls fn for every key with the given prefix in key order.
	// A non-nil error from fn stops the scan and is returned.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// Open creates the backend selected by configuration
func Open(c cfg.StoreConfiguration, path string) (KV, error) {
	switch c.Backend {
	case cfg.StoreMemory:
		return NewMemory(), nil
	case cfg.StorePebble:
		return NewPebble(path, PebbleOptions{
			CacheSizeMB:    c.CacheSizeMB,
			MemTableSizeMB: c.MemTableSizeMB,
		})
	case cfg.StoreNats:
		return NewNats(context.Background(), NatsOptions{
			URL:      c.NatsURL,
			Bucket:   c.NatsBucket,
			Replicas: c.NatsReplicas,
		})
	default:
		return nil, fmt.Errorf("unknown store backend: %q", c.Backend)
	}
}
