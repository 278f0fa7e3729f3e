package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// NatsOptions configures the JetStream KV backend
type NatsOptions struct {
	URL      string
	Bucket   string
	Replicas int
	Timeout  time.Duration
}

// Nats keeps keys in a JetStream KV bucket so several processes share locks
// and chain records. Conditional writes use the per-key revision.
// Keys are limited to the characters [-/_=.a-zA-Z0-9].
type Nats struct {
	nc      *nats.Conn
	kv      jetstream.KeyValue
	timeout time.Duration
}

var _ KV = (*Nats)(nil)

// NewNats connects and creates the bucket if needed
func NewNats(ctx context.Context, opts NatsOptions) (*Nats, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Replicas <= 0 {
		opts.Replicas = 1
	}

	nc, err := nats.Connect(opts.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:   opts.Bucket,
		Replicas: opts.Replicas,
		Storage:  jetstream.FileStorage,
		History:  1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure bucket %s: %w", opts.Bucket, err)
	}

	log.Info().Str("url", opts.URL).Str("bucket", opts.Bucket).Msg("Connected JetStream KV store")
	return NewNatsFromKeyValue(nc, kv, opts.Timeout), nil
}

// NewNatsFromKeyValue wraps an existing bucket; nc may be nil
func NewNatsFromKeyValue(nc *nats.Conn, kv jetstream.KeyValue, timeout time.Duration) *Nats {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Nats{nc: nc, kv: kv, timeout: timeout}
}

func (s *Nats) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// isRevisionMismatch reports a lost optimistic write
func isRevisionMismatch(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

func (s *Nats) entry(ctx context.Context, key string) (jetstream.KeyValueEntry, error) {
	e, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *Nats) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	e, err := s.entry(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.Value(), nil
}

func (s *Nats) Put(ctx context.Context, key string, value []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.kv.Put(ctx, key, value)
	return err
}

func (s *Nats) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.kv.Create(ctx, key, value)
	if isRevisionMismatch(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Nats) CompareAndSwap(ctx context.Context, key string, old, value []byte) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	e, err := s.entry(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(e.Value(), old) {
		return false, nil
	}

	_, err = s.kv.Update(ctx, key, value, e.Revision())
	if isRevisionMismatch(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Nats) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *Nats) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	e, err := s.entry(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(e.Value(), old) {
		return false, nil
	}

	err = s.kv.Delete(ctx, key, jetstream.LastRevision(e.Revision()))
	if isRevisionMismatch(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Nats) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	listCtx, cancel := s.withTimeout(ctx)
	lister, err := s.kv.ListKeys(listCtx)
	if err != nil {
		cancel()
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return err
	}

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	lister.Stop()
	cancel()
	sort.Strings(keys)

	for _, key := range keys {
		value, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Nats) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
