package telemetry

var (
	// TaskBuckets spans quick catalog writes up to long table imports
	TaskBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

	// WaitBuckets for abort waits on in-flight tasks
	WaitBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}
)

// Chain Metrics
var (
	// ChainsSubmittedTotal counts submitted chains by publication type and kind
	ChainsSubmittedTotal CounterVec = noopCounterVec{}

	// ChainsFinalizedTotal counts chain finalizations by type and terminal state
	ChainsFinalizedTotal CounterVec = noopCounterVec{}

	// ChainLength observes the number of tasks per submitted chain
	ChainLength Histogram = NoopStat{}
)

// Task Metrics
var (
	// TasksTotal counts terminal task transitions by source and status
	TasksTotal CounterVec = noopCounterVec{}

	// TaskDurationSeconds measures refresh duration by source
	TaskDurationSeconds HistogramVec = noopHistogramVec{}

	// LiveTasks tracks tasks in the live table
	LiveTasks Gauge = NoopStat{}

	// QueueDepth tracks tasks waiting for a worker
	QueueDepth Gauge = NoopStat{}

	// RunningTasks tracks tasks currently executing
	RunningTasks Gauge = NoopStat{}
)

// Lock and Abort Metrics
var (
	// AbortsTotal counts aborts by result (noop, aborted, foreign)
	AbortsTotal CounterVec = noopCounterVec{}

	// AbortWaitSeconds measures time blocked on in-flight tasks during abort
	AbortWaitSeconds Histogram = NoopStat{}

	// LockConflictsTotal counts rejected mutations by held and requested kind
	LockConflictsTotal CounterVec = noopCounterVec{}

	// LockSupersedesTotal counts mutations that aborted a running chain
	LockSupersedesTotal CounterVec = noopCounterVec{}

	// HeldLocks tracks locks held in the store
	HeldLocks Gauge = NoopStat{}
)

// Event Publishing Metrics
var (
	// EventsPublishedTotal counts events delivered per sink
	EventsPublishedTotal CounterVec = noopCounterVec{}

	// EventPublishErrorsTotal counts failed delivery attempts per sink
	EventPublishErrorsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all metrics; call after InitializeTelemetry
func InitMetrics() {
	ChainsSubmittedTotal = NewCounterVec(
		"chains_submitted_total",
		"Refresh chains submitted by publication type and mutation kind",
		[]string{"type", "kind"},
	)
	ChainsFinalizedTotal = NewCounterVec(
		"chains_finalized_total",
		"Refresh chains finalized by publication type and terminal state",
		[]string{"type", "state"},
	)
	ChainLength = NewHistogram(
		"chain_length",
		"Number of tasks per submitted chain",
		[]float64{0, 1, 2, 3, 4, 5, 6, 8, 10},
	)

	TasksTotal = NewCounterVec(
		"tasks_total",
		"Terminal task transitions by source and status",
		[]string{"source", "status"},
	)
	TaskDurationSeconds = NewHistogramVec(
		"task_duration_seconds",
		"Refresh duration in seconds by source",
		[]string{"source"},
		TaskBuckets,
	)
	LiveTasks = NewGauge("live_tasks", "Tasks in the live table")
	QueueDepth = NewGauge("queue_depth", "Tasks waiting for a worker")
	RunningTasks = NewGauge("running_tasks", "Tasks currently executing")

	AbortsTotal = NewCounterVec(
		"aborts_total",
		"Abort requests by result",
		[]string{"result"},
	)
	AbortWaitSeconds = NewHistogram(
		"abort_wait_seconds",
		"Time spent waiting for in-flight tasks during abort",
		WaitBuckets,
	)
	LockConflictsTotal = NewCounterVec(
		"lock_conflicts_total",
		"Mutations rejected by the lock policy",
		[]string{"held", "requested"},
	)
	LockSupersedesTotal = NewCounterVec(
		"lock_supersedes_total",
		"Mutations that aborted a running chain",
		[]string{"held", "requested"},
	)
	HeldLocks = NewGauge("held_locks", "Publication locks currently held")

	EventsPublishedTotal = NewCounterVec(
		"events_published_total",
		"Chain events delivered by sink",
		[]string{"sink"},
	)
	EventPublishErrorsTotal = NewCounterVec(
		"event_publish_errors_total",
		"Failed chain event deliveries by sink",
		[]string{"sink"},
	)
}
