package source

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/pubsync/publication"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownType   = errors.New("unknown publication type")
	ErrUnknownSource = errors.New("unknown source")
	ErrDuplicate     = errors.New("duplicate source")
)

// Registry is the static per-type declaration of source pipelines
type Registry struct {
	mu      sync.RWMutex
	byType  map[publication.Type][]Source
	indexOf map[publication.Type]map[Name]int
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byType:  make(map[publication.Type][]Source),
		indexOf: make(map[publication.Type]map[Name]int),
	}
}

// Register appends sources to a type's pipeline in the given order.
// Names must be unique within the type.
func (r *Registry) Register(typ publication.Type, sources ...Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf[typ]
	if idx == nil {
		idx = make(map[Name]int)
	}

	pending := make(map[Name]bool, len(sources))
	for _, s := range sources {
		name := s.Name()
		if name == "" {
			return fmt.Errorf("%w: empty name for type %s", ErrDuplicate, typ)
		}
		if _, exists := idx[name]; exists || pending[name] {
			return fmt.Errorf("%w: %s/%s", ErrDuplicate, typ, name)
		}
		pending[name] = true
	}

	for _, s := range sources {
		idx[s.Name()] = len(r.byType[typ])
		r.byType[typ] = append(r.byType[typ], s)
	}
	r.indexOf[typ] = idx

	log.Debug().Str("type", string(typ)).Int("sources", len(r.byType[typ])).Msg("Registered sources")
	return nil
}

// MustRegister panics on registration errors; used for static tables
func (r *Registry) MustRegister(typ publication.Type, sources ...Source) {
	if err := r.Register(typ, sources...); err != nil {
		panic(err)
	}
}

// Sources returns the declared pipeline of a type
func (r *Registry) Sources(typ publication.Type) ([]Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list, ok := r.byType[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	out := make([]Source, len(list))
	copy(out, list)
	return out, nil
}

// Lookup finds a source by name within a type
func (r *Registry) Lookup(typ publication.Type, name Name) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.indexOf[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	i, ok := idx[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSource, typ, name)
	}
	return r.byType[typ][i], nil
}

// Types lists registered publication types
func (r *Registry) Types() []publication.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]publication.Type, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// Chain is the ordered list of sources to refresh for one mutation
type Chain []Source

// Names returns the source names in execution order
func (c Chain) Names() []Name {
	out := make([]Name, len(c))
	for i, s := range c {
		out[i] = s.Name()
	}
	return out
}

// BuildChain drops every source declared before startAt, then keeps each
// remaining source whose Needed predicate holds. Predicates are evaluated
// independently and in declared order. An empty startAt yields an empty chain.
func (r *Registry) BuildChain(ctx context.Context, pub publication.Publication, opts publication.Options, startAt Name) (Chain, error) {
	if startAt == "" {
		if _, err := r.Sources(pub.Type); err != nil {
			return nil, err
		}
		return Chain{}, nil
	}

	r.mu.RLock()
	list, ok := r.byType[pub.Type]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, pub.Type)
	}
	start, ok := r.indexOf[pub.Type][startAt]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownSource, pub.Type, startAt)
	}
	candidates := make([]Source, len(list)-start)
	copy(candidates, list[start:])
	r.mu.RUnlock()

	chain := make(Chain, 0, len(candidates))
	for _, s := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		needed, err := s.Needed(ctx, pub, opts)
		if err != nil {
			return nil, fmt.Errorf("needed check for %s failed: %w", s.Name(), err)
		}
		if needed {
			chain = append(chain, s)
		}
	}

	log.Debug().
		Str("publication", pub.Key()).
		Str("start_at", startAt).
		Strs("chain", chain.Names()).
		Msg("Built refresh chain")

	return chain, nil
}
