package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/maxpert/pubsync/encoding"
	"github.com/rs/zerolog/log"
)

// keyLockShards is the number of mutex shards serializing read-modify-write
const keyLockShards = 256

// PebbleOptions configures the Pebble backend
type PebbleOptions struct {
	CacheSizeMB    int64
	MemTableSizeMB int64
}

// Pebble is a durable single-process KV. Conditional writes are serialized
// per key through a sharded mutex; values are framed and compressed when large.
type Pebble struct {
	db       *pebble.DB
	path     string
	keyLocks [keyLockShards]sync.Mutex
	closed   atomic.Bool
}

var _ KV = (*Pebble)(nil)

// pebbleLogger routes Pebble's internal logs through zerolog
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// NewPebble opens (or creates) a Pebble store at path
func NewPebble(path string, opts PebbleOptions) (*Pebble, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 32
	}
	if opts.MemTableSizeMB <= 0 {
		opts.MemTableSizeMB = 16
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MemTableSize: uint64(opts.MemTableSizeMB << 20),
		Logger:       &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &Pebble{db: db, path: path}, nil
}

func (s *Pebble) lockFor(key string) *sync.Mutex {
	return &s.keyLocks[xxhash.Sum64String(key)%keyLockShards]
}

// getValue reads and unframes a value; the result is safe to retain
func (s *Pebble) getValue(key string) ([]byte, error) {
	val, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return encoding.Unframe(val)
}

func (s *Pebble) set(key string, value []byte) error {
	return s.db.Set([]byte(key), encoding.Frame(value), pebble.Sync)
}

func (s *Pebble) Get(_ context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.getValue(key)
}

func (s *Pebble) Put(_ context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	return s.set(key, value)
}

func (s *Pebble) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if _, err := s.getValue(key); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if err := s.set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Pebble) CompareAndSwap(_ context.Context, key string, old, value []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.getValue(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(current, old) {
		return false, nil
	}

	if err := s.set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Pebble) Delete(_ context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	return s.db.Delete([]byte(key), pebble.Sync)
}

func (s *Pebble) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.getValue(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(current, old) {
		return false, nil
	}

	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Pebble) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(lower); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		value, err := encoding.Unframe(raw)
		if err != nil {
			return fmt.Errorf("corrupt value at %q: %w", iter.Key(), err)
		}
		if err := fn(string(iter.Key()), value); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Pebble) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
