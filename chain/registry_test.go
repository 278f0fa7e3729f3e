package chain

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maxpert/pubsync/hlc"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/queue"
	"github.com/maxpert/pubsync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPub(t *testing.T, name string) publication.Publication {
	t.Helper()
	p, err := publication.New("geo", publication.TypeLayer, name)
	require.NoError(t, err)
	return p
}

func testInfo(pub publication.Publication, id string, tasks ...string) *Info {
	byName := make(map[string]string, len(tasks))
	for i, task := range tasks {
		byName["src"+string(rune('a'+i))] = task
	}
	info := &Info{
		Publication: pub,
		ID:          id,
		ByOrder:     tasks,
		ByName:      byName,
		Kind:        publication.KindPatch,
		StartAt:     "srca",
		Options:     publication.Options{publication.OptTitle: "Rivers"},
		LockToken:   "tok-" + id,
		NodeID:      1,
	}
	if len(tasks) > 0 {
		info.Last = tasks[len(tasks)-1]
	}
	return info
}

func TestRecordAndGet(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())
	pub := testPub(t, "rivers")

	info, err := r.Get(ctx, pub)
	require.NoError(t, err)
	assert.Nil(t, info)

	require.NoError(t, r.Record(ctx, testInfo(pub, "c1", "t1", "t2")))

	got, err := r.Get(ctx, pub)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"t1", "t2"}, got.ByOrder)
	assert.Equal(t, "t2", got.ByName["srcb"])
	assert.Equal(t, "t2", got.Last)
	assert.False(t, got.Finished)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, pub.UUID, got.Publication.UUID)
	assert.Equal(t, "Rivers", got.Options.String(publication.OptTitle))
	assert.Equal(t, "srcb", got.SourceOf("t2"))
	assert.Equal(t, "", got.SourceOf("zz"))

	found, ok, err := r.LookupLast(ctx, "t2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pub.Key(), found.Key())

	_, ok, err = r.LookupLast(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok, "only the last task is indexed")
}

func TestRecord_ReplacesPreviousChain(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())
	pub := testPub(t, "rivers")

	require.NoError(t, r.Record(ctx, testInfo(pub, "c1", "t1", "t2")))
	require.NoError(t, r.Record(ctx, testInfo(pub, "c2", "t3")))

	got, err := r.Get(ctx, pub)
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ID)
	assert.Equal(t, []string{"t3"}, got.ByOrder)

	_, ok, err := r.LookupLast(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, ok, "previous reverse index entry is dropped")

	_, ok, err = r.LookupLast(ctx, "t3")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkFinished(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())
	pub := testPub(t, "rivers")
	clock := hlc.NewClock(1)

	require.NoError(t, r.Record(ctx, testInfo(pub, "c1", "t1", "t2")))

	ok, err := r.MarkFinished(ctx, pub, "other", Outcome{State: StateSucceeded})
	require.NoError(t, err)
	assert.False(t, ok, "a different chain id must not finish the record")

	at := clock.Now()
	ok, err = r.MarkFinished(ctx, pub, "c1", Outcome{State: StateFailed, FailedTask: "t1", Cause: "boom", At: at})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.MarkFinished(ctx, pub, "c1", Outcome{State: StateFinished})
	require.NoError(t, err)
	assert.False(t, ok, "second transition is a no-op")

	got, err := r.Get(ctx, pub)
	require.NoError(t, err)
	assert.True(t, got.Finished)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "t1", got.FailedTask)
	assert.Equal(t, "boom", got.Cause)
	assert.Equal(t, at, got.FinishedAt)

	_, found, err := r.LookupLast(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, found, "finishing drops the reverse index")

	ok, err = r.MarkFinished(ctx, testPub(t, "absent"), "c1", Outcome{State: StateFinished})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkFinished_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())
	pub := testPub(t, "rivers")
	require.NoError(t, r.Record(ctx, testInfo(pub, "c1", "t1")))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := StateSucceeded
			if i%2 == 0 {
				state = StateFinished
			}
			ok, err := r.MarkFinished(ctx, pub, "c1", Outcome{State: state})
			if err != nil {
				t.Errorf("MarkFinished: %v", err)
			}
			if ok {
				winners.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(store.NewMemory())
	pub := testPub(t, "rivers")
	require.NoError(t, r.Record(ctx, testInfo(pub, "c1", "t1")))

	require.NoError(t, r.Delete(ctx, pub))
	got, err := r.Get(ctx, pub)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, ok, _ := r.LookupLast(ctx, "t1")
	assert.False(t, ok)

	require.NoError(t, r.Delete(ctx, pub), "deleting twice is fine")
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	r := NewRegistry(kv)
	require.NoError(t, r.Record(ctx, testInfo(testPub(t, "a"), "c1", "t1")))
	require.NoError(t, r.Record(ctx, testInfo(testPub(t, "b"), "c2", "t2")))
	require.NoError(t, kv.Put(ctx, "chain/geo/layer/corrupt", []byte{0xc1}))

	var ids []string
	require.NoError(t, r.Scan(ctx, func(info *Info) error {
		ids = append(ids, info.ID)
		return nil
	}))
	assert.Equal(t, []string{"c1", "c2"}, ids)
}

type fakeStatuses map[string]queue.Status

func (f fakeStatuses) Status(id string) queue.Status {
	if s, ok := f[id]; ok {
		return s
	}
	return queue.StatusUnknown
}

func TestIsReady(t *testing.T) {
	pub := publication.Publication{Workspace: "geo", Type: publication.TypeLayer, Name: "x"}
	info := testInfo(pub, "c1", "t1", "t2", "t3")

	tests := []struct {
		name     string
		statuses fakeStatuses
		finished bool
		want     bool
	}{
		{"running", fakeStatuses{"t1": queue.StatusSucceeded, "t2": queue.StatusStarted, "t3": queue.StatusPending}, false, false},
		{"last succeeded", fakeStatuses{"t1": queue.StatusSucceeded, "t2": queue.StatusSucceeded, "t3": queue.StatusSucceeded}, false, true},
		{"middle failed", fakeStatuses{"t1": queue.StatusSucceeded, "t2": queue.StatusFailed, "t3": queue.StatusAborted}, false, true},
		{"finished flag", fakeStatuses{"t1": queue.StatusStarted}, true, true},
		{"aborted only", fakeStatuses{"t1": queue.StatusAborted, "t2": queue.StatusAborted, "t3": queue.StatusAborted}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := *info
			i.Finished = tt.finished
			assert.Equal(t, tt.want, IsReady(&i, tt.statuses))
		})
	}

	assert.True(t, IsReady(nil, fakeStatuses{}))
	assert.True(t, IsReady(testInfo(pub, "c0"), fakeStatuses{}), "empty chain is ready")
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateRunning.Terminal())
	assert.True(t, StateSucceeded.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateFinished.Terminal())
}
