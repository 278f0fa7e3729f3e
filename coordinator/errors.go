package coordinator

import (
	"errors"
	"fmt"

	"github.com/maxpert/pubsync/publication"
)

var (
	// ErrForeignChain is returned when aborting a chain another node runs
	ErrForeignChain = errors.New("chain is owned by another node")

	// ErrNoChain is returned by Resubmit when nothing was ever submitted
	ErrNoChain = errors.New("no chain registered")
)

// ConflictError rejects a mutation because the held one must not be superseded
type ConflictError struct {
	Publication string
	Held        publication.Kind
	Requested   publication.Kind
	NodeID      uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s mutation on %s conflicts with in-flight %s (node %d)",
		e.Requested, e.Publication, e.Held, e.NodeID)
}

// ForeignChainError carries the owner of a chain this node cannot abort
type ForeignChainError struct {
	Publication string
	ChainID     string
	Owner       uint64
}

func (e *ForeignChainError) Error() string {
	return fmt.Sprintf("chain %s of %s is owned by node %d", e.ChainID, e.Publication, e.Owner)
}

func (e *ForeignChainError) Unwrap() error { return ErrForeignChain }
