package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/pubsync/cfg"
	"github.com/rs/zerolog/log"
)

// DefaultFormat is used when a sink does not name one
const DefaultFormat = "json"

// RegistryConfig configures the event publisher registry
type RegistryConfig struct {
	LogPath     string
	SinkConfigs []cfg.SinkConfiguration
}

// Registry owns the publish log and one worker per sink
type Registry struct {
	log     *PublishLog
	workers []*Worker
	running atomic.Bool
	mu      sync.Mutex
}

// NewRegistry opens the publish log and creates a worker per sink
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.LogPath == "" {
		return nil, fmt.Errorf("publish log path is required")
	}

	pubLog, err := NewPublishLog(config.LogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish log: %w", err)
	}

	registry := &Registry{
		log:     pubLog,
		workers: make([]*Worker, 0, len(config.SinkConfigs)),
	}

	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			for _, worker := range registry.workers {
				worker.config.Sink.Close()
			}
			pubLog.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().Int("workers", len(registry.workers)).Msg("Event publisher registry initialized")
	return registry, nil
}

// AddSink creates a worker for a sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	format := config.Format
	if format == "" {
		format = DefaultFormat
	}
	trans, err := createTransformer(format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.FilterWorkspaces, config.FilterTypes)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	worker, err := NewWorker(WorkerConfig{
		Name:            config.Name,
		Log:             r.log,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		TopicPrefix:     config.TopicPrefix,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
	})
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)
	if r.running.Load() {
		worker.Start()
	}

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", format).
		Msg("Added event sink")
	return nil
}

// Start starts every worker
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}
	for _, worker := range r.workers {
		worker.Start()
	}
	r.running.Store(true)
	return nil
}

// Stop stops workers, closes sinks and the publish log
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return
	}

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}
	if err := r.log.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close publish log")
	}
	log.Info().Msg("Event publisher registry stopped")
}

// Append writes events to the publish log
func (r *Registry) Append(events ...ChainEvent) error {
	if !r.running.Load() {
		return fmt.Errorf("registry not running")
	}
	return r.log.Append(events)
}

// Cursors returns each sink's delivered sequence and the log head
func (r *Registry) Cursors() (map[string]uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]uint64, len(r.workers))
	for _, w := range r.workers {
		out[w.config.Name] = w.Cursor()
	}
	return out, r.log.LastSeq()
}

// SinkFactory creates a Sink from its configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}
	return factory(config)
}

func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}
	return factory(), nil
}
