// Package hlc implements a hybrid logical clock. Task transitions and chain
// finalization are stamped with it so that "which task failed first" has a
// total order even when two workers finish in the same nanosecond, and so
// that timestamps read back from a shared store never run backwards.
package hlc

import (
	"fmt"
	"sync"
	"time"
)

// Timestamp is a point on the hybrid clock
type Timestamp struct {
	WallTime int64  `json:"wall"`
	Logical  uint32 `json:"logical"`
	NodeID   uint64 `json:"node"`
}

// Clock hands out strictly increasing timestamps for one node
type Clock struct {
	mu       sync.Mutex
	nodeID   uint64
	wallTime int64
	logical  uint32
	now      func() int64
}

// NewClock creates a clock for the given node
func NewClock(nodeID uint64) *Clock {
	return &Clock{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixNano() },
	}
}

// NodeID returns the node this clock stamps with
func (c *Clock) NodeID() uint64 {
	return c.nodeID
}

// Now returns a timestamp strictly greater than every timestamp previously
// returned by Now or Observe on this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.now()
	if physical > c.wallTime {
		c.wallTime = physical
		c.logical = 0
	} else {
		c.logical++
	}

	return c.current()
}

// Observe merges a timestamp produced elsewhere (for example read back from
// a store shared with other nodes) and returns a timestamp after both.
func (c *Clock) Observe(remote Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.now()
	switch {
	case physical > c.wallTime && physical > remote.WallTime:
		c.wallTime = physical
		c.logical = 0
	case remote.WallTime > c.wallTime:
		c.wallTime = remote.WallTime
		c.logical = remote.Logical + 1
	case remote.WallTime == c.wallTime:
		if remote.Logical > c.logical {
			c.logical = remote.Logical
		}
		c.logical++
	default:
		c.logical++
	}

	return c.current()
}

func (c *Clock) current() Timestamp {
	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare returns -1 if a < b, 0 if a == b, 1 if a > b.
// Node id breaks ties between clocks that agree on wall and logical time.
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime != b.WallTime:
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	case a.Logical != b.Logical:
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	case a.NodeID != b.NodeID:
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// Less returns true if a happened before b
func Less(a, b Timestamp) bool {
	return Compare(a, b) < 0
}

// After returns true if a happened after b
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// IsZero reports whether t was never stamped
func (t Timestamp) IsZero() bool {
	return t.WallTime == 0 && t.Logical == 0
}

// Time returns the physical component
func (t Timestamp) Time() time.Time {
	return time.Unix(0, t.WallTime)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s/%d@%d", t.Time().UTC().Format(time.RFC3339Nano), t.Logical, t.NodeID)
}
