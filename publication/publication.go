// Package publication defines the managed geospatial resources that the
// synchronization pipeline keeps consistent across backing sources.
package publication

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Type is the kind of publication; each type has its own source pipeline
type Type string

const (
	TypeLayer Type = "layer"
	TypeMap   Type = "map"
)

// Kind is the mutation that currently owns a publication
type Kind string

const (
	KindNone   Kind = ""
	KindPost   Kind = "post"
	KindPatch  Kind = "patch"
	KindDelete Kind = "delete"
)

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

var (
	ErrInvalidName = errors.New("invalid publication name")
	ErrInvalidKind = errors.New("invalid mutation kind")
	ErrInvalidKey  = errors.New("invalid publication key")
)

// ParseKind parses a mutation kind name
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindPost, KindPatch, KindDelete:
		return k, nil
	}
	return KindNone, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// Publication is identified by workspace, type and name. UUID is assigned
// once at creation and never changes.
type Publication struct {
	Workspace string    `json:"workspace"`
	Type      Type      `json:"type"`
	Name      string    `json:"name"`
	UUID      uuid.UUID `json:"uuid"`
}

// New validates the identity and assigns a fresh UUID
func New(workspace string, typ Type, name string) (Publication, error) {
	p := Publication{Workspace: workspace, Type: typ, Name: name}
	if err := p.Validate(); err != nil {
		return Publication{}, err
	}
	p.UUID = uuid.New()
	return p, nil
}

// Ref builds an identity without a UUID, for lookups by key
func Ref(workspace string, typ Type, name string) (Publication, error) {
	p := Publication{Workspace: workspace, Type: typ, Name: name}
	return p, p.Validate()
}

// Validate checks workspace and name syntax
func (p Publication) Validate() error {
	if !nameRe.MatchString(p.Workspace) {
		return fmt.Errorf("%w: workspace %q", ErrInvalidName, p.Workspace)
	}
	if !nameRe.MatchString(p.Name) {
		return fmt.Errorf("%w: name %q", ErrInvalidName, p.Name)
	}
	if p.Type == "" || !nameRe.MatchString(string(p.Type)) {
		return fmt.Errorf("%w: type %q", ErrInvalidName, p.Type)
	}
	return nil
}

// Key is the registry key, workspace/type/name
func (p Publication) Key() string {
	return p.Workspace + "/" + string(p.Type) + "/" + p.Name
}

func (p Publication) String() string {
	return p.Key()
}

// ParseKey reverses Key
func ParseKey(key string) (Publication, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return Publication{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return Ref(parts[0], Type(parts[1]), parts[2])
}
