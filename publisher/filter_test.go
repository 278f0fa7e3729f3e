package publisher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobFilterEmptyPatternsMatchAll(t *testing.T) {
	f, err := NewGlobFilter(nil, nil)
	require.NoError(t, err)
	assert.True(t, f.Match("acme", "layer"))
	assert.True(t, f.Match("", ""))
}

func TestGlobFilterPatterns(t *testing.T) {
	tests := []struct {
		name       string
		workspaces []string
		types      []string
		workspace  string
		pubType    string
		want       bool
	}{
		{"exact", []string{"acme"}, []string{"layer"}, "acme", "layer", true},
		{"workspace miss", []string{"acme"}, nil, "other", "layer", false},
		{"type miss", nil, []string{"map"}, "acme", "layer", false},
		{"wildcard", []string{"prod_*"}, nil, "prod_eu", "map", true},
		{"question mark", []string{"ws?"}, nil, "ws1", "layer", true},
		{"question mark too long", []string{"ws?"}, nil, "ws12", "layer", false},
		{"any of", []string{"a", "b"}, nil, "b", "layer", true},
		{"braces", nil, []string{"{layer,map}"}, "acme", "map", true},
		{"case sensitive", []string{"Acme"}, nil, "acme", "layer", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewGlobFilter(tt.workspaces, tt.types)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(tt.workspace, tt.pubType))
		})
	}
}

func TestGlobFilterInvalidPattern(t *testing.T) {
	_, err := NewGlobFilter([]string{"[unclosed"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workspace")

	_, err = NewGlobFilter(nil, []string{"[unclosed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "type")
}

func BenchmarkGlobFilterMatch(b *testing.B) {
	f, _ := NewGlobFilter([]string{"prod_*", "staging"}, []string{"layer"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Match("prod_eu", "layer")
	}
}
