// Package notify fans out chain finalization signals to in-process waiters
// such as coordinator.Wait and admin long-polls.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/pubsync/hlc"
)

// defaultSignalBufferSize bounds each subscriber's backlog.
// Subscribers that can't keep up have signals dropped (non-blocking send).
const defaultSignalBufferSize = 16

// ChainSignal announces that a publication's chain reached a terminal state
type ChainSignal struct {
	PublicationKey string
	ChainID        string
	State          string
	Seq            hlc.Timestamp
}

// Filter selects signals by publication key; empty means all
type Filter struct {
	PublicationKeys []string
}

type subscription struct {
	id     uint64
	keys   map[string]struct{}
	ch     chan ChainSignal
	closed atomic.Bool
}

func (s *subscription) matches(key string) bool {
	if len(s.keys) == 0 {
		return true
	}
	_, ok := s.keys[key]
	return ok
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub for chain signals
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates a new notification hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal delivers to all matching subscribers without blocking
func (h *Hub) Signal(sig ChainSignal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(sig.PublicationKey) {
			continue
		}
		select {
		case sub.ch <- sig:
		default:
		}
	}
}

// Subscribe returns a buffered signal channel and an idempotent cancel
// function that closes it.
func (h *Hub) Subscribe(filter Filter) (<-chan ChainSignal, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan ChainSignal, defaultSignalBufferSize),
	}
	if len(filter.PublicationKeys) > 0 {
		sub.keys = make(map[string]struct{}, len(filter.PublicationKeys))
		for _, k := range filter.PublicationKeys {
			sub.keys[k] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Subscribers returns the number of active subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}
