package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator provides identities for tasks and lock tokens.
// IDs are unique across nodes and never reused.
type Generator interface {
	NextID() string
}

// UUIDGenerator produces time-ordered UUIDv7 strings, so task ids of one
// chain sort in creation order.
type UUIDGenerator struct{}

// NewUUIDGenerator creates the default generator
func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

// NextID generates a unique id, falling back to a random v4 UUID if the
// v7 generator cannot read the clock.
func (g *UUIDGenerator) NextID() string {
	u, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// SequenceGenerator yields prefix-1, prefix-2, ... for predictable ids in tests
type SequenceGenerator struct {
	prefix string
	next   atomic.Uint64
}

// NewSequenceGenerator creates a sequence starting at 1
func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{prefix: prefix}
}

// NextID returns the next id in sequence. Safe for concurrent use.
func (g *SequenceGenerator) NextID() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.next.Add(1))
}
