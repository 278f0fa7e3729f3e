package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/pubsync/encoding"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixPubLog    = "/publog/"    // /publog/{seq:016x} -> msgpack(ChainEvent)
	prefixPubCursor = "/pubcursor/" // /pubcursor/{sinkName} -> uint64
	prefixPubSeq    = "/pubseq"     // /pubseq -> uint64 (last assigned sequence)
)

const (
	defaultReadLimit    = 100
	cleanupIntervalMask = 0x3F // Cleanup every 64 sequences
)

var ErrLogClosed = errors.New("publish log is closed")

// PublishLog is a Pebble-backed append-only log of chain events with
// per-sink consumption cursors.
type PublishLog struct {
	db   *pebble.DB
	path string

	appendMu sync.Mutex
	nextSeq  atomic.Uint64

	cursors   map[string]uint64
	cursorsMu sync.RWMutex

	cleanupMu      sync.Mutex
	cleanupRunning atomic.Bool
	cleanupWg      sync.WaitGroup

	closed atomic.Bool
}

// NewPublishLog creates or opens a publish log at path
func NewPublishLog(path string) (*PublishLog, error) {
	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:                16 << 20,
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open publish log at %s: %w", path, err)
	}

	pl := &PublishLog{
		db:      db,
		path:    path,
		cursors: make(map[string]uint64),
	}

	if err := pl.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}
	if err := pl.loadCursors(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load cursors: %w", err)
	}

	return pl, nil
}

func (pl *PublishLog) loadNextSeq() error {
	val, closer, err := pl.db.Get([]byte(prefixPubSeq))
	if errors.Is(err, pebble.ErrNotFound) {
		pl.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}
	pl.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func (pl *PublishLog) loadCursors() error {
	prefix := []byte(prefixPubCursor)
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		sinkName := string(iter.Key()[len(prefixPubCursor):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted cursor for sink %s: invalid length %d", sinkName, len(val))
		}
		pl.cursors[sinkName] = binary.LittleEndian.Uint64(val)
	}
	if err := iter.Error(); err != nil {
		return err
	}

	if len(pl.cursors) > 0 {
		log.Info().Int("cursors", len(pl.cursors)).Msg("Loaded publish log cursors")
	}
	return nil
}

// Append assigns sequence numbers to events (in place) and persists them
// in one batch.
func (pl *PublishLog) Append(events []ChainEvent) error {
	if len(events) == 0 {
		return nil
	}
	if pl.closed.Load() {
		return ErrLogClosed
	}

	pl.appendMu.Lock()
	defer pl.appendMu.Unlock()

	seq := pl.nextSeq.Load()
	batch := pl.db.NewBatch()
	defer batch.Close()

	for i := range events {
		seq++
		events[i].SeqNum = seq

		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if err := batch.Set([]byte(formatPubLogKey(seq)), val, nil); err != nil {
			return fmt.Errorf("failed to write event: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(prefixPubSeq), seqBuf, nil); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	pl.nextSeq.Store(seq)
	return nil
}

// LastSeq returns the last assigned sequence number
func (pl *PublishLog) LastSeq() uint64 {
	return pl.nextSeq.Load()
}

// ReadFrom returns up to limit events after cursor
func (pl *PublishLog) ReadFrom(cursor uint64, limit int) ([]ChainEvent, error) {
	if pl.closed.Load() {
		return nil, ErrLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	startKey := []byte(formatPubLogKey(cursor + 1))
	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: startKey,
		UpperBound: prefixUpperBound([]byte(prefixPubLog)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]ChainEvent, 0, limit)
	for iter.SeekGE(startKey); iter.Valid() && len(events) < limit; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var event ChainEvent
		if err := encoding.Unmarshal(val, &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal chain event")
			continue
		}
		events = append(events, event)
	}

	return events, iter.Error()
}

// GetCursor returns the last sequence consumed by a sink, 0 for new sinks
func (pl *PublishLog) GetCursor(sinkName string) (uint64, error) {
	if pl.closed.Load() {
		return 0, ErrLogClosed
	}

	pl.cursorsMu.RLock()
	defer pl.cursorsMu.RUnlock()
	return pl.cursors[sinkName], nil
}

// AdvanceCursor persists a sink's progress and periodically trims entries
// every sink has consumed.
func (pl *PublishLog) AdvanceCursor(sinkName string, seq uint64) error {
	if pl.closed.Load() {
		return ErrLogClosed
	}

	pl.cursorsMu.Lock()
	pl.cursors[sinkName] = seq
	pl.cursorsMu.Unlock()

	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, seq)
	if err := pl.db.Set([]byte(prefixPubCursor+sinkName), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}

	if seq&cleanupIntervalMask == 0 && pl.cleanupRunning.CompareAndSwap(false, true) {
		pl.cleanupWg.Add(1)
		go func() {
			defer pl.cleanupWg.Done()
			defer pl.cleanupRunning.Store(false)
			pl.cleanup()
		}()
	}
	return nil
}

// cleanup deletes entries at or below the minimum cursor
func (pl *PublishLog) cleanup() {
	pl.cleanupMu.Lock()
	defer pl.cleanupMu.Unlock()

	if pl.closed.Load() {
		return
	}

	pl.cursorsMu.RLock()
	if len(pl.cursors) == 0 {
		pl.cursorsMu.RUnlock()
		return
	}
	minCursor := ^uint64(0)
	for _, c := range pl.cursors {
		if c < minCursor {
			minCursor = c
		}
	}
	pl.cursorsMu.RUnlock()

	if minCursor == 0 {
		return
	}

	start := []byte(prefixPubLog)
	end := []byte(formatPubLogKey(minCursor + 1))
	if err := pl.db.DeleteRange(start, end, pebble.Sync); err != nil {
		log.Warn().Err(err).Uint64("min_cursor", minCursor).Msg("Failed to clean up publish log")
		return
	}
	log.Debug().Uint64("min_cursor", minCursor).Msg("Cleaned up publish log entries")
}

// Close waits for in-flight cleanup and closes the database
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return ErrLogClosed
	}
	pl.cleanupWg.Wait()
	return pl.db.Close()
}

func formatPubLogKey(seq uint64) string {
	return fmt.Sprintf("%s%016x", prefixPubLog, seq)
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
