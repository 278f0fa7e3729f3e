package adapters

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/source"
	"github.com/rs/zerolog/log"
)

// RenderFunc produces the document stored for a publication
type RenderFunc func(pub publication.Publication, opts publication.Options) ([]byte, error)

// FileSource keeps one document per publication under dir
type FileSource struct {
	name   source.Name
	dir    string
	ext    string
	render RenderFunc
	needed source.Predicate
}

var (
	_ source.Source  = (*FileSource)(nil)
	_ source.Remover = (*FileSource)(nil)
)

// NewFileSource stores documents as {dir}/{workspace}/{type}/{name}{ext}
func NewFileSource(name source.Name, dir, ext string, render RenderFunc, needed source.Predicate) *FileSource {
	if render == nil {
		render = RenderDescriptor
	}
	if needed == nil {
		needed = source.Always
	}
	return &FileSource{name: name, dir: dir, ext: ext, render: render, needed: needed}
}

// RenderDescriptor writes the JSON descriptor
func RenderDescriptor(pub publication.Publication, opts publication.Options) ([]byte, error) {
	return Describe(pub, opts).encode()
}

// RenderStyle writes the style option, or a default style
func RenderStyle(pub publication.Publication, opts publication.Options) ([]byte, error) {
	if style := opts.String(publication.OptStyle); style != "" {
		return []byte(style), nil
	}
	return []byte(`{"version":8,"name":"` + pub.Name + `","layers":[]}`), nil
}

func (f *FileSource) Name() source.Name { return f.name }

func (f *FileSource) Needed(ctx context.Context, pub publication.Publication, opts publication.Options) (bool, error) {
	return f.needed(ctx, pub, opts)
}

// Path returns where the document of pub is stored
func (f *FileSource) Path(pub publication.Publication) string {
	return filepath.Join(f.dir, pub.Workspace, string(pub.Type), pub.Name+f.ext)
}

// Refresh writes the document atomically. On cancellation the previous
// content is restored, or the file removed if there was none.
func (f *FileSource) Refresh(ctx context.Context, pub publication.Publication, opts publication.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := f.Path(pub)
	prev, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	existed := err == nil

	data, err := f.render(pub, opts)
	if err != nil {
		return fmt.Errorf("%s: render: %w", f.name, err)
	}
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("%s: %w", f.name, err)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		var undoErr error
		if existed {
			undoErr = writeAtomic(path, prev)
		} else {
			undoErr = f.Remove(context.WithoutCancel(ctx), pub)
		}
		if undoErr != nil {
			log.Warn().Err(undoErr).Str("path", path).Msg("Failed to undo file refresh")
		}
		return fmt.Errorf("%s: %w", f.name, ctxErr)
	}
	return nil
}

// Remove deletes the document; a missing file is not an error
func (f *FileSource) Remove(_ context.Context, pub publication.Publication) error {
	if err := os.Remove(f.Path(pub)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
