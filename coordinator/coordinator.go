// Package coordinator drives publication mutations: it takes the
// publication lock, builds and records the refresh chain, hands it to the
// task queue and finalizes it when the queue reports the chain done.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/pubsync/chain"
	"github.com/maxpert/pubsync/hlc"
	"github.com/maxpert/pubsync/id"
	"github.com/maxpert/pubsync/lock"
	"github.com/maxpert/pubsync/notify"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/publisher"
	"github.com/maxpert/pubsync/queue"
	"github.com/maxpert/pubsync/source"
	"github.com/maxpert/pubsync/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultSupersedeAttempts bounds lock retries after aborting a held chain
	DefaultSupersedeAttempts = 5

	supersedeBackoff    = 5 * time.Millisecond
	supersedeBackoffMax = 200 * time.Millisecond

	// finalizeTimeout bounds store writes made from the completion callback
	finalizeTimeout = 10 * time.Second
)

// Status is the coarse publication state reported to polling endpoints
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	// StatusFailed covers failed and forcibly finished chains: the
	// publication is incomplete and should be resubmitted
	StatusFailed Status = "failed"
)

// EventSink receives chain lifecycle events; *publisher.Registry implements it
type EventSink interface {
	Append(events ...publisher.ChainEvent) error
}

// Config wires a Coordinator to its collaborators
type Config struct {
	NodeID  uint64
	Sources *source.Registry
	Chains  *chain.Registry
	Locks   *lock.Manager
	Queue   *queue.Queue
	IDs     id.Generator
	Clock   *hlc.Clock
	Hub     *notify.Hub // Optional
	Events  EventSink   // Optional

	SupersedeAttempts int
}

// Coordinator is safe for concurrent use
type Coordinator struct {
	nodeID            uint64
	sources           *source.Registry
	chains            *chain.Registry
	locks             *lock.Manager
	queue             *queue.Queue
	ids               id.Generator
	clock             *hlc.Clock
	hub               *notify.Hub
	events            EventSink
	supersedeAttempts int
}

// Handle identifies a submitted chain
type Handle struct {
	Publication publication.Publication
	ChainID     string
	Kind        publication.Kind
	TaskIDs     []string
	Sources     []source.Name
}

// Empty reports whether the chain had nothing to refresh
func (h *Handle) Empty() bool {
	return len(h.TaskIDs) == 0
}

// New validates the wiring and subscribes to queue completions
func New(c Config) (*Coordinator, error) {
	if c.Sources == nil || c.Chains == nil || c.Locks == nil || c.Queue == nil {
		return nil, fmt.Errorf("coordinator requires sources, chains, locks and queue")
	}
	if c.IDs == nil {
		c.IDs = id.NewUUIDGenerator()
	}
	if c.Clock == nil {
		c.Clock = hlc.NewClock(c.NodeID)
	}
	if c.SupersedeAttempts <= 0 {
		c.SupersedeAttempts = DefaultSupersedeAttempts
	}

	co := &Coordinator{
		nodeID:            c.NodeID,
		sources:           c.Sources,
		chains:            c.Chains,
		locks:             c.Locks,
		queue:             c.Queue,
		ids:               c.IDs,
		clock:             c.Clock,
		hub:               c.Hub,
		events:            c.Events,
		supersedeAttempts: c.SupersedeAttempts,
	}
	c.Queue.OnComplete(co.OnTaskComplete)
	return co, nil
}

// Queue, Chains, Locks and Sources expose the underlying registries for read-only
// views such as the admin API.

func (c *Coordinator) Queue() *queue.Queue       { return c.queue }
func (c *Coordinator) Chains() *chain.Registry   { return c.chains }
func (c *Coordinator) Locks() *lock.Manager      { return c.locks }
func (c *Coordinator) Sources() *source.Registry { return c.sources }

// SubmitMutation locks pub for kind, builds the chain from startAt and
// submits it. A held lock is superseded or rejected per lock.Resolve; an
// empty chain is recorded as succeeded and the lock released immediately.
func (c *Coordinator) SubmitMutation(ctx context.Context, pub publication.Publication, startAt source.Name, opts publication.Options, kind publication.Kind) (*Handle, error) {
	if err := pub.Validate(); err != nil {
		return nil, err
	}
	if kind == publication.KindNone {
		return nil, fmt.Errorf("%w: empty", publication.ErrInvalidKind)
	}

	token := c.ids.NextID()
	if err := c.acquire(ctx, pub, kind, token); err != nil {
		return nil, err
	}

	opts = opts.With(publication.OptKind, string(kind))
	built, err := c.sources.BuildChain(ctx, pub, opts, startAt)
	if err != nil {
		c.release(ctx, pub, token)
		return nil, fmt.Errorf("build chain for %s: %w", pub.Key(), err)
	}

	info := &chain.Info{
		Publication: pub,
		ID:          c.ids.NextID(),
		ByOrder:     make([]string, 0, len(built)),
		ByName:      make(map[string]string, len(built)),
		State:       chain.StateRunning,
		Kind:        kind,
		StartAt:     startAt,
		Options:     opts,
		LockToken:   token,
		NodeID:      c.nodeID,
		SubmittedAt: c.clock.Now(),
	}

	steps := make([]queue.Step, 0, len(built))
	for _, s := range built {
		taskID := c.ids.NextID()
		info.ByOrder = append(info.ByOrder, taskID)
		info.ByName[s.Name()] = taskID
		steps = append(steps, queue.Step{
			ID:   taskID,
			Name: s.Name(),
			Run:  refresher(s, pub, opts),
		})
	}
	if len(steps) > 0 {
		info.Last = steps[len(steps)-1].ID
	}

	// Tasks are held in the queue before the chain becomes visible so a
	// supersede that reads the record always finds them to cancel.
	if err := c.queue.Prepare(info.ID, steps); err != nil {
		c.release(ctx, pub, token)
		return nil, fmt.Errorf("prepare chain for %s: %w", pub.Key(), err)
	}

	if err := c.chains.Record(ctx, info); err != nil {
		c.queue.Discard(info.ID)
		c.release(ctx, pub, token)
		return nil, fmt.Errorf("record chain for %s: %w", pub.Key(), err)
	}

	telemetry.ChainsSubmittedTotal.With(string(pub.Type), string(kind)).Inc()
	telemetry.ChainLength.Observe(float64(len(steps)))
	c.publish(publisher.FromChain(publisher.EventSubmitted, info))

	handle := &Handle{
		Publication: pub,
		ChainID:     info.ID,
		Kind:        kind,
		TaskIDs:     info.ByOrder,
		Sources:     built.Names(),
	}

	if len(steps) == 0 {
		c.complete(ctx, info, c.outcome(info))
		return handle, nil
	}

	if err := c.queue.Release(info.ID); err != nil {
		if errors.Is(err, queue.ErrUnknownChain) {
			log.Debug().Str("publication", pub.Key()).Str("chain_id", info.ID).Msg("Chain superseded before it started")
			return handle, nil
		}
		c.queue.Discard(info.ID)
		c.complete(ctx, info, chain.Outcome{
			State: chain.StateFailed,
			Cause: err.Error(),
			At:    c.clock.Now(),
		})
		return nil, fmt.Errorf("submit chain for %s: %w", pub.Key(), err)
	}

	log.Info().
		Str("publication", pub.Key()).
		Str("chain_id", info.ID).
		Str("kind", string(kind)).
		Strs("sources", handle.Sources).
		Msg("Submitted refresh chain")

	return handle, nil
}

func refresher(s source.Source, pub publication.Publication, opts publication.Options) func(context.Context) error {
	return func(ctx context.Context) error {
		return s.Refresh(ctx, pub, opts)
	}
}

// acquire takes the lock, aborting a supersedable holder and retrying with
// backoff up to the configured number of attempts.
func (c *Coordinator) acquire(ctx context.Context, pub publication.Publication, kind publication.Kind, token string) error {
	backoff := supersedeBackoff
	for attempt := 0; ; attempt++ {
		err := c.locks.TryLock(ctx, pub, kind, token)
		if err == nil {
			return nil
		}

		var held *lock.HeldError
		if !errors.As(err, &held) {
			return err
		}

		if held.Held.Token == "" {
			// Released between the attempt and the read
			if attempt >= c.supersedeAttempts {
				return fmt.Errorf("acquire %s after %d attempts: %w", pub.Key(), attempt, err)
			}
			continue
		}

		if lock.Resolve(held.Held.Kind, kind) == lock.Conflict {
			telemetry.LockConflictsTotal.With(string(held.Held.Kind), string(kind)).Inc()
			return &ConflictError{
				Publication: pub.Key(),
				Held:        held.Held.Kind,
				Requested:   kind,
				NodeID:      held.Held.NodeID,
			}
		}

		if attempt >= c.supersedeAttempts {
			return fmt.Errorf("supersede %s after %d attempts: %w", pub.Key(), attempt, err)
		}

		telemetry.LockSupersedesTotal.With(string(held.Held.Kind), string(kind)).Inc()
		log.Info().
			Str("publication", pub.Key()).
			Str("held", string(held.Held.Kind)).
			Str("requested", string(kind)).
			Msg("Superseding in-flight mutation")

		if err := c.Abort(ctx, pub); err != nil {
			return err
		}
		if err := c.settle(ctx, pub, held.Held.Token); err != nil {
			return err
		}
		if current, err := c.locks.Get(ctx, pub); err == nil && current == nil {
			continue
		}

		if err := sleepCtx(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > supersedeBackoffMax {
			backoff = supersedeBackoffMax
		}
	}
}

// settle finalizes a ready chain whose lock is still held by token, which
// happens when the completion callback is late or a previous process died
// between finishing a chain and releasing its lock.
func (c *Coordinator) settle(ctx context.Context, pub publication.Publication, token string) error {
	info, err := c.chains.Get(ctx, pub)
	if err != nil {
		return err
	}
	if info == nil || info.LockToken != token || info.NodeID != c.nodeID {
		return nil
	}
	if !chain.IsReady(info, c.queue) {
		return nil
	}
	if info.Finished {
		c.release(ctx, pub, token)
		return nil
	}
	c.complete(ctx, info, c.outcome(info))
	return nil
}

// GetStatus derives the polling status from the registered chain. No chain
// means nothing is pending.
func (c *Coordinator) GetStatus(ctx context.Context, pub publication.Publication) (Status, error) {
	info, err := c.chains.Get(ctx, pub)
	if err != nil {
		return "", err
	}
	return c.statusOf(info), nil
}

func (c *Coordinator) statusOf(info *chain.Info) Status {
	if info == nil {
		return StatusSucceeded
	}
	if !info.Finished {
		if !chain.IsReady(info, c.queue) {
			return StatusPending
		}
		if c.outcome(info).State == chain.StateSucceeded {
			return StatusSucceeded
		}
		return StatusFailed
	}
	if info.State == chain.StateSucceeded {
		return StatusSucceeded
	}
	return StatusFailed
}

// Abort cancels the registered chain of pub. Pending tasks are aborted at
// once; a started task is cancelled and awaited, bounded only by ctx. The
// chain is then marked finished and the lock released. A ready chain keeps
// its outcome but is finalized and unlocked if that has not happened yet.
func (c *Coordinator) Abort(ctx context.Context, pub publication.Publication) error {
	info, err := c.chains.Get(ctx, pub)
	if err != nil {
		return err
	}
	if info == nil {
		telemetry.AbortsTotal.With("noop").Inc()
		return nil
	}
	if chain.IsReady(info, c.queue) {
		// The completion callback may not have run yet; finish the chain
		// here so the lock is gone when Abort returns.
		if err := c.settle(ctx, pub, info.LockToken); err != nil {
			return err
		}
		telemetry.AbortsTotal.With("noop").Inc()
		return nil
	}
	if info.NodeID != c.nodeID {
		telemetry.AbortsTotal.With("foreign").Inc()
		return &ForeignChainError{Publication: pub.Key(), ChainID: info.ID, Owner: info.NodeID}
	}

	start := time.Now()
	for _, taskID := range info.ByOrder {
		if c.queue.Status(taskID).Terminal() {
			continue
		}

		status, err := c.queue.Cancel(taskID)
		if errors.Is(err, queue.ErrUnknownTask) {
			continue
		}
		if err != nil {
			return err
		}
		if status != queue.StatusStarted {
			continue
		}

		log.Debug().
			Str("publication", pub.Key()).
			Str("task_id", taskID).
			Msg("Waiting for started task to observe cancellation")

		if _, err := c.queue.Await(ctx, taskID); err != nil {
			telemetry.AbortsTotal.With("interrupted").Inc()
			return fmt.Errorf("abort %s: waiting on task %s: %w", pub.Key(), taskID, err)
		}
	}
	telemetry.AbortWaitSeconds.Observe(time.Since(start).Seconds())

	c.complete(ctx, info, chain.Outcome{State: chain.StateFinished, At: c.clock.Now()})
	telemetry.AbortsTotal.With("aborted").Inc()

	log.Info().
		Str("publication", pub.Key()).
		Str("chain_id", info.ID).
		Dur("took", time.Since(start)).
		Msg("Aborted refresh chain")
	return nil
}

// DeleteRegistryEntry forgets the chain registered for pub
func (c *Coordinator) DeleteRegistryEntry(ctx context.Context, pub publication.Publication) error {
	return c.chains.Delete(ctx, pub)
}

// DeletePublication takes a delete lock (superseding patch and post),
// removes every source facet in reverse declared order, drops the registry
// entry and releases the lock.
func (c *Coordinator) DeletePublication(ctx context.Context, pub publication.Publication) error {
	if err := pub.Validate(); err != nil {
		return err
	}
	sources, err := c.sources.Sources(pub.Type)
	if err != nil {
		return err
	}

	token := c.ids.NextID()
	if err := c.acquire(ctx, pub, publication.KindDelete, token); err != nil {
		return err
	}
	defer c.release(context.WithoutCancel(ctx), pub, token)

	for i := len(sources) - 1; i >= 0; i-- {
		remover, ok := sources[i].(source.Remover)
		if !ok {
			continue
		}
		if err := remover.Remove(ctx, pub); err != nil {
			return fmt.Errorf("remove %s from %s: %w", pub.Key(), sources[i].Name(), err)
		}
	}

	if err := c.chains.Delete(ctx, pub); err != nil {
		return err
	}

	now := c.clock.Now()
	c.publish(publisher.Deleted(pub, c.nodeID, now.WallTime/int64(time.Millisecond)))
	log.Info().Str("publication", pub.Key()).Msg("Deleted publication")
	return nil
}

// Resubmit runs the registered mutation again with its original start
// point, options and kind.
func (c *Coordinator) Resubmit(ctx context.Context, pub publication.Publication) (*Handle, error) {
	info, err := c.chains.Get(ctx, pub)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoChain, pub.Key())
	}
	return c.SubmitMutation(ctx, info.Publication, info.StartAt, info.Options, info.Kind)
}

// Wait blocks until pub is no longer pending or ctx is done
func (c *Coordinator) Wait(ctx context.Context, pub publication.Publication) (Status, error) {
	var signals <-chan notify.ChainSignal
	if c.hub != nil {
		ch, unsubscribe := c.hub.Subscribe(notify.Filter{PublicationKeys: []string{pub.Key()}})
		defer unsubscribe()
		signals = ch
	}

	// Signals can be dropped for slow subscribers, so poll as well
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := c.GetStatus(ctx, pub)
		if err != nil {
			return "", err
		}
		if status != StatusPending {
			if lockEntry, err := c.locks.Get(ctx, pub); err == nil && lockEntry == nil {
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-signals:
		case <-ticker.C:
		}
	}
}

// Recover finalizes chains this node owned in a previous run. Their tasks
// are unknown to the fresh queue, so they end as finished and their locks
// are released. Returns the number of chains recovered.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	var stale []*chain.Info
	err := c.chains.Scan(ctx, func(info *chain.Info) error {
		if info.NodeID == c.nodeID && !info.Finished {
			stale = append(stale, info)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, info := range stale {
		out := c.outcome(info)
		if out.State == chain.StateFinished {
			out.Cause = "interrupted by restart"
		}
		c.complete(ctx, info, out)
	}

	// Locks without a live chain behind them
	type orphan struct {
		pub   publication.Publication
		token string
	}
	var orphans []orphan
	err = c.locks.Scan(ctx, func(pub publication.Publication, e lock.Entry) error {
		if e.NodeID == c.nodeID {
			orphans = append(orphans, orphan{pub: pub, token: e.Token})
		}
		return nil
	})
	if err != nil {
		return len(stale), err
	}
	for _, o := range orphans {
		info, err := c.chains.Get(ctx, o.pub)
		if err != nil {
			return len(stale), err
		}
		if info != nil && info.LockToken == o.token && !info.Finished {
			continue
		}
		if released, _ := c.locks.Unlock(ctx, o.pub, o.token); released {
			log.Warn().Str("publication", o.pub.Key()).Msg("Released orphaned lock")
		}
	}

	if len(stale) > 0 {
		log.Info().Int("chains", len(stale)).Msg("Recovered interrupted chains")
	}
	return len(stale), nil
}

// OnTaskComplete records task metrics and finalizes the chain once every
// one of its tasks is terminal. Registered with the queue by New.
func (c *Coordinator) OnTaskComplete(comp queue.Completion) {
	telemetry.TasksTotal.With(comp.Name, string(comp.Status)).Inc()
	if comp.Duration > 0 {
		telemetry.TaskDurationSeconds.With(comp.Name).Observe(comp.Duration.Seconds())
	}

	if comp.Status == queue.StatusFailed {
		log.Warn().
			Err(comp.Err).
			Str("task_id", comp.TaskID).
			Str("source", comp.Name).
			Msg("Refresh task failed")
	}

	if !comp.ChainDone {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	pub, ok, err := c.chains.LookupLast(ctx, comp.LastTaskID)
	if err != nil {
		log.Error().Err(err).Str("task_id", comp.LastTaskID).Msg("Failed to resolve chain of last task")
		return
	}
	if !ok {
		// Already finalized by Abort, or replaced by a newer chain
		return
	}

	info, err := c.chains.Get(ctx, pub)
	if err != nil {
		log.Error().Err(err).Str("publication", pub.Key()).Msg("Failed to load chain")
		return
	}
	if info == nil || info.ID != comp.ChainID {
		return
	}
	c.complete(ctx, info, c.outcome(info))
}

// outcome computes the terminal state from task statuses: failed if any
// task failed (cause from the earliest failure by HLC), succeeded if the
// last task succeeded, finished otherwise.
func (c *Coordinator) outcome(info *chain.Info) chain.Outcome {
	out := chain.Outcome{At: c.clock.Now()}

	var firstSeq hlc.Timestamp
	for _, taskID := range info.ByOrder {
		ti, err := c.queue.Info(taskID)
		if err != nil || ti.Status != queue.StatusFailed {
			continue
		}
		if out.FailedTask == "" || hlc.Less(ti.Seq, firstSeq) {
			out.FailedTask = taskID
			out.Cause = ti.Error
			firstSeq = ti.Seq
		}
	}

	switch {
	case out.FailedTask != "":
		out.State = chain.StateFailed
	case len(info.ByOrder) == 0 || c.queue.Status(info.Last) == queue.StatusSucceeded:
		out.State = chain.StateSucceeded
	default:
		out.State = chain.StateFinished
	}
	return out
}

// complete marks the chain finished and releases its lock. Only the caller
// that wins MarkFinished emits the event and signal; every caller releases
// the lock so Abort never returns with it held.
func (c *Coordinator) complete(ctx context.Context, info *chain.Info, out chain.Outcome) {
	ctx = context.WithoutCancel(ctx)
	pub := info.Publication

	won, err := c.chains.MarkFinished(ctx, pub, info.ID, out)
	if err != nil {
		log.Error().Err(err).Str("publication", pub.Key()).Str("chain_id", info.ID).Msg("Failed to mark chain finished")
		return
	}

	if won {
		info.Finished = true
		info.State = out.State
		info.FailedTask = out.FailedTask
		info.Cause = out.Cause
		info.FinishedAt = out.At

		telemetry.ChainsFinalizedTotal.With(string(pub.Type), string(out.State)).Inc()
		c.publish(publisher.FromChain(publisher.EventFinalized, info))

		ev := log.Info()
		if out.State == chain.StateFailed {
			ev = log.Warn().Str("failed_task", out.FailedTask).Str("cause", out.Cause)
		}
		ev.Str("publication", pub.Key()).
			Str("chain_id", info.ID).
			Str("state", string(out.State)).
			Msg("Refresh chain finalized")
	}

	c.release(ctx, pub, info.LockToken)

	if won && c.hub != nil {
		c.hub.Signal(notify.ChainSignal{
			PublicationKey: pub.Key(),
			ChainID:        info.ID,
			State:          string(out.State),
			Seq:            out.At,
		})
	}
}

func (c *Coordinator) release(ctx context.Context, pub publication.Publication, token string) {
	if _, err := c.locks.Unlock(context.WithoutCancel(ctx), pub, token); err != nil {
		log.Error().Err(err).Str("publication", pub.Key()).Msg("Failed to release publication lock")
	}
}

func (c *Coordinator) publish(event publisher.ChainEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.Append(event); err != nil {
		log.Warn().Err(err).Str("publication", event.Key()).Str("event", event.Type).Msg("Failed to append chain event")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
