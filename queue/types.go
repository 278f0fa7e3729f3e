package queue

import (
	"context"
	"errors"
	"time"

	"github.com/maxpert/pubsync/hlc"
)

// Status is the observable state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarted   Status = "started"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
	// StatusUnknown is reported for ids the queue never saw or has forgotten
	StatusUnknown Status = "unknown"
)

// Terminal reports whether the task will never change status again.
// Unknown tasks count as terminal: nothing in this process can run them.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusUnknown:
		return true
	}
	return false
}

var (
	ErrUnknownTask  = errors.New("unknown task")
	ErrDuplicate    = errors.New("duplicate task id")
	ErrStopped      = errors.New("queue stopped")
	ErrUnknownChain = errors.New("unknown chain")
)

// Step is one unit of a chain as handed to Submit
type Step struct {
	ID   string
	Name string
	Run  func(ctx context.Context) error
}

// TaskInfo is a snapshot of a task
type TaskInfo struct {
	ID          string        `json:"id"`
	ChainID     string        `json:"chain_id"`
	Name        string        `json:"name"`
	Index       int           `json:"index"`
	Predecessor string        `json:"predecessor,omitempty"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
	Seq         hlc.Timestamp `json:"seq"`
}

// Completion is emitted once for every terminal transition
type Completion struct {
	TaskID   string
	ChainID  string
	Name     string
	Status   Status
	Err      error
	Seq      hlc.Timestamp
	Duration time.Duration
	// LastTaskID is the id of the chain's final task
	LastTaskID string
	// ChainDone is set on the one completion after which every task of the
	// chain is terminal
	ChainDone bool
}
