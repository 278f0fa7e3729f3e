// Package lock keeps the per-publication mutation lock. A held lock names
// the mutation kind that owns the publication and the token of the chain
// that must release it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/pubsync/encoding"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/store"
	"github.com/rs/zerolog/log"
)

const keyPrefix = "lock/"

var ErrHeld = errors.New("publication lock is held")

// Entry is the stored lock value
type Entry struct {
	Publication string           `json:"publication"`
	Kind        publication.Kind `json:"kind"`
	Token       string           `json:"token"`
	NodeID      uint64           `json:"node_id"`
	AcquiredAt  time.Time        `json:"acquired_at"`
}

// HeldError reports the entry that blocked an acquisition
type HeldError struct {
	Publication string
	Held        Entry
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock on %s held by %s (token %s, node %d)",
		e.Publication, e.Held.Kind, e.Held.Token, e.Held.NodeID)
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Manager reads and writes lock entries on an injected store
type Manager struct {
	kv     store.KV
	nodeID uint64
	now    func() time.Time
}

// NewManager creates a lock manager for this node
func NewManager(kv store.KV, nodeID uint64) *Manager {
	return &Manager{kv: kv, nodeID: nodeID, now: time.Now}
}

func key(pub publication.Publication) string {
	return keyPrefix + pub.Key()
}

func decode(raw []byte) (*Entry, error) {
	var e Entry
	if err := encoding.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("corrupt lock entry: %w", err)
	}
	return &e, nil
}

// TryLock acquires the lock if it is free. When it is held the returned
// error is a *HeldError wrapping ErrHeld.
func (m *Manager) TryLock(ctx context.Context, pub publication.Publication, kind publication.Kind, token string) error {
	entry := Entry{
		Publication: pub.Key(),
		Kind:        kind,
		Token:       token,
		NodeID:      m.nodeID,
		AcquiredAt:  m.now().UTC(),
	}
	raw, err := encoding.Marshal(entry)
	if err != nil {
		return err
	}

	ok, err := m.kv.PutIfAbsent(ctx, key(pub), raw)
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", pub.Key(), err)
	}
	if ok {
		log.Debug().
			Str("publication", pub.Key()).
			Str("kind", string(kind)).
			Str("token", token).
			Msg("Acquired publication lock")
		return nil
	}

	held, err := m.Get(ctx, pub)
	if err != nil {
		return err
	}
	if held == nil {
		// Released between our attempt and the read; report as held so the
		// caller goes through its normal retry path.
		return &HeldError{Publication: pub.Key()}
	}
	return &HeldError{Publication: pub.Key(), Held: *held}
}

// Get returns the current entry, or nil when the publication is unlocked
func (m *Manager) Get(ctx context.Context, pub publication.Publication) (*Entry, error) {
	raw, err := m.kv.Get(ctx, key(pub))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// Unlock releases the lock only if it is still owned by token. Returns
// whether this call removed it; a stale or already released token is not
// an error.
func (m *Manager) Unlock(ctx context.Context, pub publication.Publication, token string) (bool, error) {
	for {
		raw, err := m.kv.Get(ctx, key(pub))
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		held, err := decode(raw)
		if err != nil {
			return false, err
		}
		if held.Token != token {
			log.Debug().
				Str("publication", pub.Key()).
				Str("token", token).
				Str("held_token", held.Token).
				Msg("Skipping unlock, lock owned by a newer chain")
			return false, nil
		}

		ok, err := m.kv.CompareAndDelete(ctx, key(pub), raw)
		if err != nil {
			return false, err
		}
		if ok {
			log.Debug().Str("publication", pub.Key()).Str("token", token).Msg("Released publication lock")
			return true, nil
		}
		// Entry changed under us; re-read and decide again
	}
}

// ForceUnlock removes the lock regardless of owner
func (m *Manager) ForceUnlock(ctx context.Context, pub publication.Publication) error {
	log.Warn().Str("publication", pub.Key()).Msg("Force releasing publication lock")
	return m.kv.Delete(ctx, key(pub))
}

// Scan visits every held lock
func (m *Manager) Scan(ctx context.Context, fn func(pub publication.Publication, e Entry) error) error {
	return m.kv.Scan(ctx, keyPrefix, func(k string, raw []byte) error {
		pub, err := publication.ParseKey(strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			log.Warn().Err(err).Str("key", k).Msg("Skipping malformed lock key")
			return nil
		}
		e, err := decode(raw)
		if err != nil {
			return err
		}
		return fn(pub, *e)
	})
}

// CountLocks returns the number of held locks
func (m *Manager) CountLocks(ctx context.Context) (int, error) {
	n := 0
	err := m.kv.Scan(ctx, keyPrefix, func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}
