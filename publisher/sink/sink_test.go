package sink

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/maxpert/pubsync/cfg"
	"github.com/maxpert/pubsync/publisher"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKafkaConfig(t *testing.T) {
	c := DefaultKafkaConfig([]string{"localhost:9092"})
	assert.Equal(t, DefaultKafkaBatchSize, c.BatchSize)
	assert.Equal(t, int64(DefaultKafkaBatchBytes), c.BatchBytes)
	assert.Equal(t, kafka.RequireAll, c.RequiredAcks)
	assert.True(t, c.AutoCreateTopics)
}

func TestNewKafkaSink(t *testing.T) {
	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultKafkaBatchSize, s.writer.BatchSize, "zero values get defaults")
	assert.Equal(t, DefaultKafkaWriteTimeout, s.timeout)
	assert.IsType(t, &kafka.Hash{}, s.writer.Balancer)
	assert.NoError(t, s.Close())
}

func TestNewKafkaSinkEmptyBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)
}

func TestKafkaSinkCloseNilWriter(t *testing.T) {
	assert.NoError(t, (&KafkaSink{}).Close())
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "pubsync_events", sanitizeStreamName("pubsync.events"))
	assert.Equal(t, "a_b_c", sanitizeStreamName("a*b>c"))
	assert.Equal(t, "plain", sanitizeStreamName("plain"))
}

func TestLogSinkPublish(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(zerolog.New(&buf))

	require.NoError(t, s.Publish("pubsync.acme.layer", "acme/layer/roads", []byte(`{"state":"succeeded"}`)))
	require.NoError(t, s.Close())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "pubsync.acme.layer", line["topic"])
	assert.Equal(t, "acme/layer/roads", line["key"])
	assert.Equal(t, map[string]any{"state": "succeeded"}, line["event"])
}

func TestRegisteredFactories(t *testing.T) {
	_, err := publisher.NewRegistry(publisher.RegistryConfig{
		LogPath:     filepath.Join(t.TempDir(), "events"),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "bus", Type: "nats"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats_url")

	r, err := publisher.NewRegistry(publisher.RegistryConfig{
		LogPath:     filepath.Join(t.TempDir(), "events"),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "console", Type: "log", Format: "none"}},
	})
	require.Error(t, err, "no transformer is linked into this test binary for an unknown format")
	assert.Nil(t, r)
}
