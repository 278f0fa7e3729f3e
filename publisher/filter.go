package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter selects events by workspace and publication type patterns.
// An empty pattern list matches everything.
type GlobFilter struct {
	workspaceGlobs []glob.Glob
	typeGlobs      []glob.Glob
}

func compileAll(kind string, patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

// NewGlobFilter compiles the workspace and type patterns
func NewGlobFilter(workspacePatterns, typePatterns []string) (*GlobFilter, error) {
	ws, err := compileAll("workspace", workspacePatterns)
	if err != nil {
		return nil, err
	}
	types, err := compileAll("type", typePatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{workspaceGlobs: ws, typeGlobs: types}, nil
}

// Match returns true if both the workspace and the type match
func (f *GlobFilter) Match(workspace, pubType string) bool {
	return matchAny(f.workspaceGlobs, workspace) && matchAny(f.typeGlobs, pubType)
}
