package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/pubsync/cfg"
	"github.com/maxpert/pubsync/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 100
	DefaultKafkaBatchBytes   = 1 << 20 // 1MB
	DefaultKafkaBatchTimeout = 10 * time.Millisecond
	DefaultKafkaWriteTimeout = 10 * time.Second
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		kc := DefaultKafkaConfig(config.Brokers)
		if config.BatchSize > 0 {
			kc.BatchSize = config.BatchSize
		}
		return NewKafkaSink(kc)
	})
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string
	BatchSize        int
	BatchBytes       int64
	BatchTimeout     time.Duration
	WriteTimeout     time.Duration
	RequiredAcks     kafka.RequiredAcks
	AutoCreateTopics bool
}

// DefaultKafkaConfig requires acks from all replicas and creates topics on demand
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		BatchTimeout:     DefaultKafkaBatchTimeout,
		WriteTimeout:     DefaultKafkaWriteTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// KafkaSink writes chain events to Kafka, partitioned by publication key
type KafkaSink struct {
	writer  *kafka.Writer
	timeout time.Duration
}

// NewKafkaSink creates a synchronous Kafka writer
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultKafkaWriteTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer, timeout: config.WriteTimeout}, nil
}

// Publish writes one message; the worker owns retries
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()

	return k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kafka.Header{{Key: "content-type", Value: []byte("application/json")}},
	})
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
