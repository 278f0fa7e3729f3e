package publisher

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/pubsync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBatchSize       = 100
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultRetryInitial    = 100 * time.Millisecond
	DefaultRetryMax        = 30 * time.Second
	DefaultRetryMultiplier = 2.0
	DefaultMaxRetries      = 100
)

// WorkerConfig configures a sink worker
type WorkerConfig struct {
	Name            string        // Sink name, also the cursor name
	Log             *PublishLog   // Publish log to read from
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event encoder
	Filter          Filter        // Event filter
	TopicPrefix     string        // Topic prefix (e.g., "pubsync.events")
	BatchSize       int           // Events per poll cycle
	PollInterval    time.Duration // Idle poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Attempts before giving up on one event
}

// Worker tails the PublishLog and delivers events to one sink
type Worker struct {
	config      WorkerConfig
	cursor      uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config, fills defaults and positions the cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("publish log is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Log.GetCursor(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	// New sinks start at the oldest retained entry
	if cursor == 0 {
		cursor, err = findEarliestEntry(config.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to find earliest entry: %w", err)
		}
	}

	return &Worker{
		config: config,
		cursor: cursor,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

func findEarliestEntry(pubLog *PublishLog) (uint64, error) {
	events, err := pubLog.ReadFrom(0, 1)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[0].SeqNum - 1, nil
}

// Cursor returns the last delivered sequence
func (w *Worker) Cursor() uint64 {
	return atomic.LoadUint64(&w.cursor)
}

// Start launches the poll loop
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.Cursor()).
		Msg("Starting event sink worker")

	go w.pollLoop()
}

// Stop signals the poll loop and waits for it to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Event sink worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, err := w.config.Log.ReadFrom(w.Cursor(), w.config.BatchSize)
		if err != nil {
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("cursor", w.Cursor()).
				Msg("Failed to read from publish log")
			w.sleep(w.config.PollInterval)
			continue
		}

		if len(events) == 0 {
			w.sleep(w.config.PollInterval)
			continue
		}

		for _, event := range events {
			if err := w.processEvent(event); err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("seq", event.SeqNum).
					Msg("Failed to deliver event, worker halted")
				return
			}
			atomic.StoreUint64(&w.cursor, event.SeqNum)
		}
	}
}

// processEvent delivers at least once: publish first, then advance the
// cursor. Filtered events only advance the cursor.
func (w *Worker) processEvent(event ChainEvent) error {
	if !w.config.Filter.Match(event.Workspace, event.PubType) {
		if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
			log.Warn().
				Err(err).
				Str("worker", w.config.Name).
				Uint64("seq", event.SeqNum).
				Msg("Failed to advance cursor for filtered event")
		}
		return nil
	}

	data, err := w.config.Transformer.Transform(event)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}

	topic := w.buildTopic(event.Workspace, event.PubType)
	if err := w.publishWithRetry(topic, event.Key(), data); err != nil {
		return err
	}
	telemetry.EventsPublishedTotal.With(w.config.Name).Inc()

	if err := w.config.Log.AdvanceCursor(w.config.Name, event.SeqNum); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", event.SeqNum).
			Msg("Failed to advance cursor after publish, event may be redelivered")
	}
	return nil
}

func (w *Worker) buildTopic(workspace, pubType string) string {
	if w.config.TopicPrefix == "" {
		return fmt.Sprintf("%s.%s", workspace, pubType)
	}
	return fmt.Sprintf("%s.%s.%s", w.config.TopicPrefix, workspace, pubType)
}

// publishWithRetry retries with exponential backoff until success, the
// retry limit, or Stop.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		telemetry.EventPublishErrorsTotal.With(w.config.Name).Inc()

		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep returns false if the worker was stopped first
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
