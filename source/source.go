// Package source declares, per publication type, the ordered pipeline of
// backing sources and builds the refresh chain for a mutation.
package source

import (
	"context"

	"github.com/google/uuid"
	"github.com/maxpert/pubsync/publication"
)

// Name identifies a source, unique within a publication type
type Name = string

// Source is one backing-system facet of a publication.
//
// Refresh must be idempotent. The context is the cancellation token: an
// implementation that observes cancellation undoes its own partial side
// effect and returns an error wrapping context.Canceled.
type Source interface {
	Name() Name
	Needed(ctx context.Context, pub publication.Publication, opts publication.Options) (bool, error)
	Refresh(ctx context.Context, pub publication.Publication, opts publication.Options) error
}

// Remover is implemented by sources that can delete their facet
type Remover interface {
	Remove(ctx context.Context, pub publication.Publication) error
}

// Cataloger is implemented by sources that keep the publication UUID
type Cataloger interface {
	StoredUUID(ctx context.Context, pub publication.Publication) (uuid.UUID, bool, error)
}

// Predicate decides whether a source must be refreshed
type Predicate func(ctx context.Context, pub publication.Publication, opts publication.Options) (bool, error)

// Funcs builds a Source from plain functions
type Funcs struct {
	SourceName  Name
	NeededFunc  Predicate
	RefreshFunc func(ctx context.Context, pub publication.Publication, opts publication.Options) error
	RemoveFunc  func(ctx context.Context, pub publication.Publication) error
}

var (
	_ Source  = (*Funcs)(nil)
	_ Remover = (*Funcs)(nil)
)

func (f *Funcs) Name() Name { return f.SourceName }

// Needed defaults to true when NeededFunc is nil
func (f *Funcs) Needed(ctx context.Context, pub publication.Publication, opts publication.Options) (bool, error) {
	if f.NeededFunc == nil {
		return true, nil
	}
	return f.NeededFunc(ctx, pub, opts)
}

func (f *Funcs) Refresh(ctx context.Context, pub publication.Publication, opts publication.Options) error {
	if f.RefreshFunc == nil {
		return nil
	}
	return f.RefreshFunc(ctx, pub, opts)
}

func (f *Funcs) Remove(ctx context.Context, pub publication.Publication) error {
	if f.RemoveFunc == nil {
		return nil
	}
	return f.RemoveFunc(ctx, pub)
}

// Always is a predicate that is always true
func Always(context.Context, publication.Publication, publication.Options) (bool, error) {
	return true, nil
}

// Never is a predicate that is always false
func Never(context.Context, publication.Publication, publication.Options) (bool, error) {
	return false, nil
}

// WhenAny is true on post, or when any of the given bool options is set
func WhenAny(keys ...string) Predicate {
	return func(_ context.Context, _ publication.Publication, opts publication.Options) (bool, error) {
		if opts.Kind() == publication.KindPost {
			return true, nil
		}
		for _, k := range keys {
			if opts.Bool(k) {
				return true, nil
			}
		}
		return false, nil
	}
}
