// Package queue runs chains of tasks on a pool of workers. Within a chain a
// task is enqueued only after its predecessor succeeded and was not
// cancelled; a failure or cancellation aborts every successor that has not
// started. Terminal tasks are retired into a bounded history so their
// status stays observable.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/pubsync/hlc"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Options configures a Queue
type Options struct {
	Workers     int
	BufferSize  int
	HistorySize int
	Clock       *hlc.Clock
}

type chainRun struct {
	id        string
	tasks     []*task
	remaining atomic.Int32
	released  atomic.Bool
}

type task struct {
	mu        sync.Mutex
	info      TaskInfo
	run       func(ctx context.Context) error
	chain     *chainRun
	cancel    context.CancelFunc
	cancelled bool
	done      *future.Promise[Status]
}

func (t *task) snapshot() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Queue is a worker pool executing chained tasks
type Queue struct {
	opts    Options
	clock   *hlc.Clock
	live    *xsync.MapOf[string, *task]
	runs    *xsync.MapOf[string, *chainRun]
	history *lru.Cache[string, TaskInfo]
	ready   chan *task

	listenersMu sync.RWMutex
	listeners   []func(Completion)

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	wg         sync.WaitGroup
	running    atomic.Bool
	stopped    atomic.Bool
	inFlight   atomic.Int64
}

// New creates a queue; call Start to launch the workers
func New(opts Options) (*Queue, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.BufferSize < 1 {
		opts.BufferSize = 64
	}
	if opts.HistorySize < 1 {
		opts.HistorySize = 1024
	}
	if opts.Clock == nil {
		opts.Clock = hlc.NewClock(0)
	}

	history, err := lru.New[string, TaskInfo](opts.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("failed to create task history: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:       opts,
		clock:      opts.Clock,
		live:       xsync.NewMapOf[string, *task](),
		runs:       xsync.NewMapOf[string, *chainRun](),
		history:    history,
		ready:      make(chan *task, opts.BufferSize),
		baseCtx:    ctx,
		baseCancel: cancel,
		stopCh:     make(chan struct{}),
	}, nil
}

// OnComplete registers a callback invoked for every terminal transition.
// Callbacks run on the goroutine that performed the transition.
func (q *Queue) OnComplete(fn func(Completion)) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Start launches the workers
func (q *Queue) Start() {
	if q.running.Swap(true) {
		return
	}
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	log.Info().Int("workers", q.opts.Workers).Msg("Task queue started")
}

// Stop cancels running tasks and waits for the workers to exit. Tasks that
// never started stay pending.
func (q *Queue) Stop() {
	if q.stopped.Swap(true) {
		return
	}
	close(q.stopCh)
	q.baseCancel()
	q.wg.Wait()
	log.Info().Msg("Task queue stopped")
}

// Submit registers a chain and enqueues its first task. Task ids are
// supplied by the caller and must be unused.
func (q *Queue) Submit(chainID string, steps []Step) error {
	if err := q.Prepare(chainID, steps); err != nil {
		return err
	}
	if len(steps) == 0 {
		return nil
	}
	return q.Release(chainID)
}

// Prepare registers a chain with every task pending but runs nothing until
// Release. Prepared tasks are observable and cancellable.
func (q *Queue) Prepare(chainID string, steps []Step) error {
	if q.stopped.Load() {
		return ErrStopped
	}
	if len(steps) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.ID == "" || seen[s.ID] {
			return fmt.Errorf("%w: %q", ErrDuplicate, s.ID)
		}
		if _, ok := q.live.Load(s.ID); ok {
			return fmt.Errorf("%w: %q", ErrDuplicate, s.ID)
		}
		if q.history.Contains(s.ID) {
			return fmt.Errorf("%w: %q", ErrDuplicate, s.ID)
		}
		seen[s.ID] = true
	}

	run := &chainRun{id: chainID, tasks: make([]*task, len(steps))}
	run.remaining.Store(int32(len(steps)))
	now := time.Now()

	for i, s := range steps {
		t := &task{
			info: TaskInfo{
				ID:         s.ID,
				ChainID:    chainID,
				Name:       s.Name,
				Index:      i,
				Status:     StatusPending,
				EnqueuedAt: now,
			},
			run:   s.Run,
			chain: run,
			done:  future.NewPromise[Status](),
		}
		if i > 0 {
			t.info.Predecessor = steps[i-1].ID
		}
		run.tasks[i] = t
	}

	if _, loaded := q.runs.LoadOrStore(chainID, run); loaded {
		return fmt.Errorf("%w: chain %q", ErrDuplicate, chainID)
	}
	for _, t := range run.tasks {
		if _, loaded := q.live.LoadOrStore(t.info.ID, t); loaded {
			for _, added := range run.tasks {
				if added == t {
					break
				}
				q.live.Delete(added.info.ID)
			}
			q.runs.Delete(chainID)
			return fmt.Errorf("%w: %q", ErrDuplicate, t.info.ID)
		}
	}

	log.Debug().Str("chain_id", chainID).Int("tasks", len(steps)).Msg("Chain prepared")
	return nil
}

// Release enqueues the first task of a prepared chain. Releasing twice is a
// no-op. A chain whose tasks were all cancelled while held is already
// retired and reports ErrUnknownChain.
func (q *Queue) Release(chainID string) error {
	if q.stopped.Load() {
		return ErrStopped
	}
	run, ok := q.runs.Load(chainID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChain, chainID)
	}
	if run.released.Swap(true) {
		return nil
	}
	log.Debug().Str("chain_id", chainID).Msg("Chain released")
	q.enqueue(run.tasks[0])
	return nil
}

// Discard forgets a prepared chain that was never released. No completion
// is emitted for its tasks.
func (q *Queue) Discard(chainID string) bool {
	run, ok := q.runs.Load(chainID)
	if !ok || run.released.Swap(true) {
		return false
	}
	q.runs.Delete(chainID)
	for _, t := range run.tasks {
		q.live.Delete(t.info.ID)
	}
	log.Debug().Str("chain_id", chainID).Msg("Chain discarded")
	return true
}

// enqueue never blocks the caller; a full buffer hands off to a goroutine
func (q *Queue) enqueue(t *task) {
	select {
	case q.ready <- t:
		return
	default:
	}

	go func() {
		select {
		case q.ready <- t:
		case <-q.stopCh:
		}
	}()
}

func (q *Queue) worker(n int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case t := <-q.ready:
			q.execute(t)
		}
	}
}

func (q *Queue) execute(t *task) {
	t.mu.Lock()
	if t.info.Status != StatusPending {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(q.baseCtx)
	t.cancel = cancel
	t.info.Status = StatusStarted
	t.info.StartedAt = time.Now()
	t.mu.Unlock()

	q.inFlight.Add(1)
	err := runSafely(ctx, t)
	q.inFlight.Add(-1)
	cancel()

	t.mu.Lock()
	cancelled := t.cancelled || q.stopped.Load()
	var status Status
	switch {
	case err == nil:
		status = StatusSucceeded
	case cancelled && errors.Is(err, context.Canceled):
		status = StatusAborted
	default:
		status = StatusFailed
	}
	t.mu.Unlock()

	q.transition(t, status, err)

	if status == StatusSucceeded && !cancelled {
		if next := t.info.Index + 1; next < len(t.chain.tasks) {
			q.enqueue(t.chain.tasks[next])
		}
		return
	}
	q.abortFrom(t.chain, t.info.Index+1)
}

func runSafely(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.info.ID, r)
		}
	}()
	if t.run == nil {
		return nil
	}
	return t.run(ctx)
}

// transition moves t to a terminal status exactly once
func (q *Queue) transition(t *task, status Status, err error) bool {
	t.mu.Lock()
	if t.info.Status.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.info.Status = status
	t.info.FinishedAt = time.Now()
	t.info.Seq = q.clock.Now()
	if err != nil {
		t.info.Error = err.Error()
	}
	info := t.info
	t.mu.Unlock()

	t.done.Set(status, nil)

	var duration time.Duration
	if !info.StartedAt.IsZero() {
		duration = info.FinishedAt.Sub(info.StartedAt)
	}

	chainDone := t.chain.remaining.Add(-1) == 0
	if chainDone {
		q.retire(t.chain)
	}

	log.Debug().
		Str("task_id", info.ID).
		Str("chain_id", info.ChainID).
		Str("name", info.Name).
		Str("status", string(status)).
		Err(err).
		Msg("Task finished")

	q.emit(Completion{
		TaskID:     info.ID,
		ChainID:    info.ChainID,
		Name:       info.Name,
		Status:     status,
		Err:        err,
		Seq:        info.Seq,
		Duration:   duration,
		LastTaskID: t.chain.tasks[len(t.chain.tasks)-1].info.ID,
		ChainDone:  chainDone,
	})
	return true
}

// abortFrom marks every task from index on that has not started as aborted
func (q *Queue) abortFrom(run *chainRun, index int) {
	for i := index; i < len(run.tasks); i++ {
		t := run.tasks[i]
		t.mu.Lock()
		pending := t.info.Status == StatusPending
		if pending {
			t.cancelled = true
		}
		t.mu.Unlock()
		if pending {
			q.transition(t, StatusAborted, nil)
		}
	}
}

// retire moves a fully terminal chain from the live table into history
func (q *Queue) retire(run *chainRun) {
	for _, t := range run.tasks {
		q.history.Add(t.info.ID, t.snapshot())
	}
	for _, t := range run.tasks {
		q.live.Delete(t.info.ID)
	}
	q.runs.Delete(run.id)
}

func (q *Queue) emit(c Completion) {
	q.listenersMu.RLock()
	listeners := make([]func(Completion), len(q.listeners))
	copy(listeners, q.listeners)
	q.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
}

func (q *Queue) lookup(id string) (*task, TaskInfo, bool) {
	if t, ok := q.live.Load(id); ok {
		return t, t.snapshot(), true
	}
	if info, ok := q.history.Get(id); ok {
		return nil, info, true
	}
	return nil, TaskInfo{}, false
}

// Status returns the task status, StatusUnknown for ids never seen or
// evicted from history
func (q *Queue) Status(id string) Status {
	_, info, ok := q.lookup(id)
	if !ok {
		return StatusUnknown
	}
	return info.Status
}

// Info returns a snapshot of the task
func (q *Queue) Info(id string) (TaskInfo, error) {
	_, info, ok := q.lookup(id)
	if !ok {
		return TaskInfo{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return info, nil
}

// Cancel requests cancellation. A pending task and every pending task after
// it become aborted immediately. A started task has its context cancelled
// and StatusStarted is returned; use Await to wait for it. Cancelling a
// terminal task returns its status.
func (q *Queue) Cancel(id string) (Status, error) {
	t, info, ok := q.lookup(id)
	if !ok {
		return StatusUnknown, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t == nil {
		return info.Status, nil
	}

	t.mu.Lock()
	status := t.info.Status
	switch status {
	case StatusPending:
		t.cancelled = true
		t.mu.Unlock()
		q.abortFrom(t.chain, t.info.Index)
		return StatusAborted, nil
	case StatusStarted:
		t.cancelled = true
		if t.cancel != nil {
			t.cancel()
		}
		t.mu.Unlock()
		log.Debug().Str("task_id", id).Msg("Cancellation requested for started task")
		return StatusStarted, nil
	default:
		t.mu.Unlock()
		return status, nil
	}
}

// Await blocks until the task is terminal or ctx is done
func (q *Queue) Await(ctx context.Context, id string) (Status, error) {
	t, info, ok := q.lookup(id)
	if !ok {
		return StatusUnknown, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t == nil || info.Status.Terminal() {
		return info.Status, nil
	}

	// The callback runs once on the goroutine that finishes the task and
	// must not block, hence the buffered channel.
	result := make(chan Status, 1)
	t.done.Future().Subscribe(func(s Status, _ error) {
		result <- s
	})

	select {
	case s := <-result:
		return s, nil
	case <-ctx.Done():
		return q.Status(id), ctx.Err()
	}
}

// Stats is a point-in-time view for metrics
type Stats struct {
	Live     int
	Ready    int
	InFlight int64
}

// Stats returns queue counters
func (q *Queue) Stats() Stats {
	return Stats{
		Live:     q.live.Size(),
		Ready:    len(q.ready),
		InFlight: q.inFlight.Load(),
	}
}

// LiveTasks, ReadyTasks and RunningTasks feed the metrics collector

func (q *Queue) LiveTasks() int      { return q.live.Size() }
func (q *Queue) ReadyTasks() int     { return len(q.ready) }
func (q *Queue) RunningTasks() int64 { return q.inFlight.Load() }
