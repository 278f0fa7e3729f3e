package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pub(t *testing.T, name string) publication.Publication {
	t.Helper()
	p, err := publication.New("geo", publication.TypeLayer, name)
	require.NoError(t, err)
	return p
}

func TestTryLock_AcquireAndHeld(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), 7)
	p := pub(t, "rivers")

	require.NoError(t, m.TryLock(ctx, p, publication.KindPost, "tok-1"))

	err := m.TryLock(ctx, p, publication.KindPatch, "tok-2")
	require.ErrorIs(t, err, ErrHeld)

	var held *HeldError
	require.True(t, errors.As(err, &held))
	assert.Equal(t, publication.KindPost, held.Held.Kind)
	assert.Equal(t, "tok-1", held.Held.Token)
	assert.Equal(t, uint64(7), held.Held.NodeID)

	e, err := m.Get(ctx, p)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "geo/layer/rivers", e.Publication)
	assert.False(t, e.AcquiredAt.IsZero())
}

func TestGet_Unlocked(t *testing.T) {
	m := NewManager(store.NewMemory(), 1)
	e, err := m.Get(context.Background(), pub(t, "rivers"))
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestUnlock_RequiresMatchingToken(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), 1)
	p := pub(t, "rivers")
	require.NoError(t, m.TryLock(ctx, p, publication.KindPatch, "tok-1"))

	ok, err := m.Unlock(ctx, p, "stale")
	require.NoError(t, err)
	assert.False(t, ok)

	e, _ := m.Get(ctx, p)
	assert.NotNil(t, e, "stale token must not release the lock")

	ok, err = m.Unlock(ctx, p, "tok-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Unlock(ctx, p, "tok-1")
	require.NoError(t, err)
	assert.False(t, ok, "second unlock is a no-op")

	require.NoError(t, m.TryLock(ctx, p, publication.KindPatch, "tok-2"))
}

func TestForceUnlock(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), 1)
	p := pub(t, "rivers")
	require.NoError(t, m.TryLock(ctx, p, publication.KindDelete, "tok-1"))

	require.NoError(t, m.ForceUnlock(ctx, p))
	e, err := m.Get(ctx, p)
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	m := NewManager(kv, 1)
	require.NoError(t, m.TryLock(ctx, pub(t, "a"), publication.KindPost, "t1"))
	require.NoError(t, m.TryLock(ctx, pub(t, "b"), publication.KindPatch, "t2"))
	require.NoError(t, kv.Put(ctx, "lock/not-a-key", []byte("x")))

	seen := map[string]publication.Kind{}
	require.NoError(t, m.Scan(ctx, func(p publication.Publication, e Entry) error {
		seen[p.Key()] = e.Kind
		return nil
	}))
	assert.Equal(t, map[string]publication.Kind{
		"geo/layer/a": publication.KindPost,
		"geo/layer/b": publication.KindPatch,
	}, seen)
}

func TestTryLock_ConcurrentSingleOwner(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), 1)
	p := pub(t, "rivers")

	var owners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.TryLock(ctx, p, publication.KindPatch, "tok")
			if err == nil {
				owners.Add(1)
			} else if !errors.Is(err, ErrHeld) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), owners.Load())
}

func TestResolve(t *testing.T) {
	post, patch, del := publication.KindPost, publication.KindPatch, publication.KindDelete

	tests := []struct {
		held, requested publication.Kind
		want            Decision
	}{
		{post, post, Conflict},
		{post, patch, Conflict},
		{post, del, Supersede},
		{patch, post, Conflict},
		{patch, patch, Supersede},
		{patch, del, Supersede},
		{del, post, Conflict},
		{del, patch, Conflict},
		{del, del, Supersede},
	}

	for _, tt := range tests {
		t.Run(string(tt.held)+"_"+string(tt.requested), func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.held, tt.requested))
		})
	}

	assert.Equal(t, "supersede", Supersede.String())
	assert.Equal(t, "conflict", Conflict.String())
}
