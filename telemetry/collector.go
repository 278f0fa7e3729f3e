package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// QueueStatsProvider exposes task queue counters
type QueueStatsProvider interface {
	LiveTasks() int
	ReadyTasks() int
	RunningTasks() int64
}

// LockCounter counts held locks
type LockCounter interface {
	CountLocks(ctx context.Context) (int, error)
}

// MetricsCollector periodically samples queue and lock state into gauges
type MetricsCollector struct {
	queue    QueueStatsProvider
	locks    LockCounter
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector; either source may be nil
func NewMetricsCollector(queue QueueStatsProvider, locks LockCounter, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		queue:    queue,
		locks:    locks,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.queue != nil {
		LiveTasks.Set(float64(mc.queue.LiveTasks()))
		QueueDepth.Set(float64(mc.queue.ReadyTasks()))
		RunningTasks.Set(float64(mc.queue.RunningTasks()))
	}

	if mc.locks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
		defer cancel()
		n, err := mc.locks.CountLocks(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to count held locks")
			return
		}
		HeldLocks.Set(float64(n))
	}
}
