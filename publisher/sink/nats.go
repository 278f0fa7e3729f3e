package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/pubsync/cfg"
	"github.com/maxpert/pubsync/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	DefaultNatsPublishTimeout = 5 * time.Second
	DefaultNatsStreamMaxAge   = 24 * time.Hour
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes chain events to JetStream, one stream per subject root
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]bool
}

// NewNatsSink connects with unlimited reconnects
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("pubsync-events"),
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

	return &NatsSink{nc: nc, js: js, streams: make(map[string]bool)}, nil
}

// Publish sends one message; the publication key travels in the "key"
// header and doubles as part of the dedup id.
func (n *NatsSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultNatsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// ensureStream creates the stream covering topic's first token once
func (n *NatsSink) ensureStream(ctx context.Context, topic string) error {
	root := topic
	if i := strings.IndexByte(topic, '.'); i > 0 {
		root = topic[:i]
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.streams[root] {
		return nil
	}

	name := sanitizeStreamName(root)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{root, root + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    DefaultNatsStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.streams[root] = true
	return nil
}

// Close drains the connection
func (n *NatsSink) Close() error {
	if n.nc != nil {
		return n.nc.Drain()
	}
	return nil
}

// sanitizeStreamName maps characters JetStream forbids in stream names to "_"
func sanitizeStreamName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '/', '\\':
			return '_'
		}
		return r
	}, s)
}
