package sink

import (
	"github.com/maxpert/pubsync/cfg"
	"github.com/maxpert/pubsync/publisher"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterSink("log", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewLogSink(log.Logger.With().Str("sink", config.Name).Logger()), nil
	})
}

// LogSink writes events to a zerolog logger; useful for local runs
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) Publish(topic, key string, value []byte) error {
	l.logger.Info().
		Str("topic", topic).
		Str("key", key).
		RawJSON("event", value).
		Msg("Chain event")
	return nil
}

func (l *LogSink) Close() error {
	return nil
}
