package publisher

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(workspace, name, state string) ChainEvent {
	return ChainEvent{
		Type:      EventFinalized,
		Workspace: workspace,
		PubType:   "layer",
		Name:      name,
		ChainID:   "chain-" + name,
		Kind:      "post",
		State:     state,
		Sources:   []string{"layer.table", "layer.wfs"},
		Timestamp: 1700000000000,
		NodeID:    1,
	}
}

func TestNewPublishLog(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	assert.NotNil(t, pl.cursors)
	assert.Equal(t, uint64(0), pl.LastSeq())
}

func TestPublishLogAppendAndRead(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	events := []ChainEvent{
		testEvent("acme", "roads", "succeeded"),
		testEvent("acme", "rivers", "failed"),
	}
	events[1].FailedTask = "task-7"
	events[1].Cause = "wfs: connection refused"

	require.NoError(t, pl.Append(events))
	assert.Equal(t, uint64(1), events[0].SeqNum)
	assert.Equal(t, uint64(2), events[1].SeqNum)

	read, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	require.Len(t, read, 2)

	assert.Equal(t, "roads", read[0].Name)
	assert.Equal(t, []string{"layer.table", "layer.wfs"}, read[0].Sources)
	assert.Equal(t, "task-7", read[1].FailedTask)
	assert.Equal(t, "wfs: connection refused", read[1].Cause)
}

func TestPublishLogReadWithLimit(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	events := make([]ChainEvent, 10)
	for i := range events {
		events[i] = testEvent("acme", fmt.Sprintf("layer_%d", i), "succeeded")
	}
	require.NoError(t, pl.Append(events))

	read, err := pl.ReadFrom(0, 3)
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.Equal(t, uint64(3), read[2].SeqNum)

	read, err = pl.ReadFrom(8, 10)
	require.NoError(t, err)
	require.Len(t, read, 2)
	assert.Equal(t, uint64(9), read[0].SeqNum)
}

func TestPublishLogCursorPersistence(t *testing.T) {
	dir := t.TempDir()

	pl, err := NewPublishLog(dir)
	require.NoError(t, err)
	require.NoError(t, pl.Append([]ChainEvent{testEvent("acme", "a", "succeeded"), testEvent("acme", "b", "succeeded")}))
	require.NoError(t, pl.AdvanceCursor("kafka", 2))
	require.NoError(t, pl.Close())

	pl, err = NewPublishLog(dir)
	require.NoError(t, err)
	defer pl.Close()

	cursor, err := pl.GetCursor("kafka")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)
	assert.Equal(t, uint64(2), pl.LastSeq(), "sequence survives reopen")

	events := []ChainEvent{testEvent("acme", "c", "succeeded")}
	require.NoError(t, pl.Append(events))
	assert.Equal(t, uint64(3), events[0].SeqNum)
}

func TestPublishLogEmptyAppendAndRead(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	require.NoError(t, pl.Append(nil))
	read, err := pl.ReadFrom(0, 10)
	require.NoError(t, err)
	assert.Empty(t, read)

	cursor, err := pl.GetCursor("new-sink")
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestPublishLogCleanup(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	events := make([]ChainEvent, 128)
	for i := range events {
		events[i] = testEvent("acme", fmt.Sprintf("l%d", i), "succeeded")
	}
	require.NoError(t, pl.Append(events))

	require.NoError(t, pl.AdvanceCursor("fast", 128))
	require.NoError(t, pl.AdvanceCursor("slow", 64))
	pl.cleanupWg.Wait()
	pl.cleanup()

	read, err := pl.ReadFrom(0, 200)
	require.NoError(t, err)
	require.NotEmpty(t, read)
	assert.Equal(t, uint64(65), read[0].SeqNum, "entries consumed by every sink are trimmed")
}

func TestPublishLogConcurrentAppend(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	defer pl.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, pl.Append([]ChainEvent{testEvent("ws", fmt.Sprintf("%d_%d", i, j), "succeeded")}))
			}
		}(i)
	}
	wg.Wait()

	read, err := pl.ReadFrom(0, 200)
	require.NoError(t, err)
	require.Len(t, read, 80)
	for i, e := range read {
		assert.Equal(t, uint64(i+1), e.SeqNum, "sequences are dense and ordered")
	}
}

func TestPublishLogClosed(t *testing.T) {
	pl, err := NewPublishLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, pl.Close())

	assert.ErrorIs(t, pl.Append([]ChainEvent{testEvent("a", "b", "succeeded")}), ErrLogClosed)
	_, err = pl.ReadFrom(0, 1)
	assert.ErrorIs(t, err, ErrLogClosed)
	assert.ErrorIs(t, pl.Close(), ErrLogClosed)
}

func TestFormatPubLogKey(t *testing.T) {
	assert.Equal(t, "/publog/0000000000000001", formatPubLogKey(1))
	assert.Equal(t, "/publog/00000000000000ff", formatPubLogKey(255))
	assert.Less(t, formatPubLogKey(9), formatPubLogKey(10))
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/publog0"), prefixUpperBound([]byte("/publog/")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}

func BenchmarkPublishLogAppend(b *testing.B) {
	pl, err := NewPublishLog(b.TempDir())
	require.NoError(b, err)
	defer pl.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pl.Append([]ChainEvent{testEvent("bench", "layer", "succeeded")})
	}
}
