package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/pubsync/encoding"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/store"
	"github.com/rs/zerolog/log"
)

const (
	chainPrefix = "chain/"
	lastPrefix  = "last/"
)

// Registry persists chain records on an injected store
type Registry struct {
	kv store.KV
}

// NewRegistry creates a registry on kv
func NewRegistry(kv store.KV) *Registry {
	return &Registry{kv: kv}
}

func chainKey(pub publication.Publication) string {
	return chainPrefix + pub.Key()
}

func lastKey(taskID string) string {
	return lastPrefix + taskID
}

func decode(raw []byte) (*Info, error) {
	var info Info
	if err := encoding.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("corrupt chain record: %w", err)
	}
	return &info, nil
}

// Record registers info as the publication's chain, replacing any previous
// record and its reverse index entry.
func (r *Registry) Record(ctx context.Context, info *Info) error {
	info.Finished = false
	if info.State == "" {
		info.State = StateRunning
	}

	prev, err := r.Get(ctx, info.Publication)
	if err != nil {
		return err
	}

	raw, err := encoding.Marshal(info)
	if err != nil {
		return err
	}

	if info.Last != "" {
		if err := r.kv.Put(ctx, lastKey(info.Last), []byte(info.Publication.Key())); err != nil {
			return fmt.Errorf("failed to index last task: %w", err)
		}
	}
	if err := r.kv.Put(ctx, chainKey(info.Publication), raw); err != nil {
		return fmt.Errorf("failed to record chain for %s: %w", info.Publication.Key(), err)
	}

	if prev != nil && prev.Last != "" && prev.Last != info.Last {
		if err := r.kv.Delete(ctx, lastKey(prev.Last)); err != nil {
			log.Warn().Err(err).Str("task_id", prev.Last).Msg("Failed to drop stale last-task index")
		}
	}
	return nil
}

// Get returns the publication's chain record, nil when none is registered
func (r *Registry) Get(ctx context.Context, pub publication.Publication) (*Info, error) {
	info, _, err := r.getRaw(ctx, pub)
	return info, err
}

func (r *Registry) getRaw(ctx context.Context, pub publication.Publication) (*Info, []byte, error) {
	raw, err := r.kv.Get(ctx, chainKey(pub))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := decode(raw)
	if err != nil {
		return nil, nil, err
	}
	return info, raw, nil
}

// MarkFinished transitions the chain whose identity is chainID to a
// terminal outcome. Only the first caller wins; it returns false when the
// chain is already finished or a different chain has been recorded since.
func (r *Registry) MarkFinished(ctx context.Context, pub publication.Publication, chainID string, out Outcome) (bool, error) {
	for {
		info, raw, err := r.getRaw(ctx, pub)
		if err != nil {
			return false, err
		}
		if info == nil || info.ID != chainID || info.Finished {
			return false, nil
		}

		info.Finished = true
		info.State = out.State
		info.FailedTask = out.FailedTask
		info.Cause = out.Cause
		info.FinishedAt = out.At

		updated, err := encoding.Marshal(info)
		if err != nil {
			return false, err
		}
		ok, err := r.kv.CompareAndSwap(ctx, chainKey(pub), raw, updated)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}

		if info.Last != "" {
			if err := r.kv.Delete(ctx, lastKey(info.Last)); err != nil {
				log.Warn().Err(err).Str("task_id", info.Last).Msg("Failed to drop last-task index")
			}
		}
		return true, nil
	}
}

// LookupLast resolves the publication whose chain ends with taskID
func (r *Registry) LookupLast(ctx context.Context, taskID string) (publication.Publication, bool, error) {
	raw, err := r.kv.Get(ctx, lastKey(taskID))
	if errors.Is(err, store.ErrNotFound) {
		return publication.Publication{}, false, nil
	}
	if err != nil {
		return publication.Publication{}, false, err
	}
	pub, err := publication.ParseKey(string(raw))
	if err != nil {
		return publication.Publication{}, false, err
	}
	return pub, true, nil
}

// Delete removes the chain record and its reverse index
func (r *Registry) Delete(ctx context.Context, pub publication.Publication) error {
	info, err := r.Get(ctx, pub)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	if info.Last != "" {
		if err := r.kv.Delete(ctx, lastKey(info.Last)); err != nil {
			return err
		}
	}
	return r.kv.Delete(ctx, chainKey(pub))
}

// Scan visits every recorded chain
func (r *Registry) Scan(ctx context.Context, fn func(info *Info) error) error {
	return r.kv.Scan(ctx, chainPrefix, func(key string, raw []byte) error {
		info, err := decode(raw)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping corrupt chain record")
			return nil
		}
		return fn(info)
	})
}
