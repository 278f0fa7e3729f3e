// Package chain is the task registry: the durable record of which refresh
// chain is registered for each publication, with a reverse index from a
// chain's last task back to its publication.
package chain

import (
	"github.com/maxpert/pubsync/hlc"
	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/queue"
)

// State is the chain lifecycle state
type State string

const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateFinished  State = "finished" // Forced terminal by abort or recovery
)

// Terminal reports whether no task of the chain will run anymore
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateFinished
}

// Info is the stored chain record
type Info struct {
	Publication publication.Publication `json:"publication"`
	ID          string                  `json:"id"`
	ByOrder     []string                `json:"by_order"`
	ByName      map[string]string       `json:"by_name"`
	Last        string                  `json:"last,omitempty"`
	Finished    bool                    `json:"finished"`
	State       State                   `json:"state"`
	Kind        publication.Kind        `json:"kind"`
	StartAt     string                  `json:"start_at,omitempty"`
	Options     publication.Options     `json:"options,omitempty"`
	LockToken   string                  `json:"lock_token"`
	NodeID      uint64                  `json:"node_id"`
	FailedTask  string                  `json:"failed_task,omitempty"`
	Cause       string                  `json:"cause,omitempty"`
	SubmittedAt hlc.Timestamp           `json:"submitted_at"`
	FinishedAt  hlc.Timestamp           `json:"finished_at,omitempty"`
}

// SourceOf returns the source name a task refreshes
func (i *Info) SourceOf(taskID string) string {
	for name, id := range i.ByName {
		if id == taskID {
			return name
		}
	}
	return ""
}

// Outcome is what MarkFinished records
type Outcome struct {
	State      State
	FailedTask string
	Cause      string
	At         hlc.Timestamp
}

// StatusReader exposes task status; implemented by *queue.Queue
type StatusReader interface {
	Status(taskID string) queue.Status
}

// IsReady reports whether the chain no longer needs aborting: it is marked
// finished, has no tasks, its last task succeeded, or any task failed.
func IsReady(info *Info, statuses StatusReader) bool {
	if info == nil || info.Finished || len(info.ByOrder) == 0 {
		return true
	}
	if statuses.Status(info.Last) == queue.StatusSucceeded {
		return true
	}
	for _, id := range info.ByOrder {
		if statuses.Status(id) == queue.StatusFailed {
			return true
		}
	}
	return false
}
