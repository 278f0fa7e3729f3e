package lock

import "github.com/maxpert/pubsync/publication"

// Decision is the outcome of a lock collision
type Decision int

const (
	// Conflict rejects the incoming request
	Conflict Decision = iota
	// Supersede aborts the running chain and retries acquisition
	Supersede
)

func (d Decision) String() string {
	if d == Supersede {
		return "supersede"
	}
	return "conflict"
}

// Resolve decides what an incoming mutation does when another holds the lock.
// A create never replaces anything, a patch replaces only another patch and
// a delete replaces anything. A delete held by a delete has no chain to
// abort, so the newcomer waits for the holder to let go and removes again.
func Resolve(held, requested publication.Kind) Decision {
	switch {
	case requested == publication.KindDelete:
		return Supersede
	case held == publication.KindDelete:
		return Conflict
	case requested == publication.KindPatch && held == publication.KindPatch:
		return Supersede
	default:
		return Conflict
	}
}
