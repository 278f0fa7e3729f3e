package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// Memory is a process-local KV. Atomic operations run inside xsync's
// per-bucket Compute so no global lock is taken.
type Memory struct {
	m      *xsync.MapOf[string, []byte]
	closed atomic.Bool
}

var _ KV = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{m: xsync.NewMapOf[string, []byte]()}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	v, ok := s.m.Load(key)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (s *Memory) Put(_ context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.m.Store(key, clone(value))
	return nil
}

func (s *Memory) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	_, loaded := s.m.LoadOrStore(key, clone(value))
	return !loaded, nil
}

func (s *Memory) CompareAndSwap(_ context.Context, key string, old, value []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	swapped := false
	s.m.Compute(key, func(current []byte, loaded bool) ([]byte, bool) {
		if !loaded {
			return nil, true
		}
		if !bytes.Equal(current, old) {
			return current, false
		}
		swapped = true
		return clone(value), false
	})
	return swapped, nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.m.Delete(key)
	return nil
}

func (s *Memory) CompareAndDelete(_ context.Context, key string, old []byte) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	deleted := false
	s.m.Compute(key, func(current []byte, loaded bool) ([]byte, bool) {
		if !loaded {
			return nil, true
		}
		if !bytes.Equal(current, old) {
			return current, false
		}
		deleted = true
		return nil, true
	})
	return deleted, nil
}

func (s *Memory) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if s.closed.Load() {
		return ErrClosed
	}

	type kv struct {
		key   string
		value []byte
	}
	var matches []kv
	s.m.Range(func(key string, value []byte) bool {
		if strings.HasPrefix(key, prefix) {
			matches = append(matches, kv{key, clone(value)})
		}
		return true
	})
	sort.Slice(matches, func(i, j int) bool { return matches[i].key < matches[j].key })

	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(m.key, m.value); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored keys
func (s *Memory) Len() int {
	return s.m.Size()
}

func (s *Memory) Close() error {
	s.closed.Store(true)
	return nil
}
