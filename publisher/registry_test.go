package publisher

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/maxpert/pubsync/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var registrySinks = map[string]*mockSink{}

func init() {
	// Real sinks and transformers live in subpackages that import this one
	RegisterSink("mock", func(config cfg.SinkConfiguration) (Sink, error) {
		s := &mockSink{}
		registrySinks[config.Name] = s
		return s, nil
	})
	RegisterTransformer(DefaultFormat, func() Transformer {
		return &mockTransformer{}
	})
}

func TestNewRegistryRequiresPath(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{})
	assert.Error(t, err)
}

func TestNewRegistryRejectsUnknownSink(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		LogPath:     filepath.Join(t.TempDir(), "events"),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "carrier-pigeon"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sink type")
}

func TestRegistryUnknownFormat(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		LogPath:     filepath.Join(t.TempDir(), "events"),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "mock", Format: "avro"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestRegistryInvalidFilter(t *testing.T) {
	_, err := NewRegistry(RegistryConfig{
		LogPath:     filepath.Join(t.TempDir(), "events"),
		SinkConfigs: []cfg.SinkConfiguration{{Name: "x", Type: "mock", FilterWorkspaces: []string{"[bad"}}},
	})
	assert.Error(t, err)
}

func TestRegistryLifecycle(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{LogPath: filepath.Join(t.TempDir(), "events")})
	require.NoError(t, err)

	assert.Error(t, r.Append(testEvent("acme", "a", "succeeded")), "append before start")

	require.NoError(t, r.Start())
	assert.Error(t, r.Start(), "double start")

	require.NoError(t, r.Append(testEvent("acme", "a", "succeeded")))
	_, head := r.Cursors()
	assert.Equal(t, uint64(1), head)

	r.Stop()
	r.Stop()
}

func TestRegistryDeliversToEverySink(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{
		LogPath: filepath.Join(t.TempDir(), "events"),
		SinkConfigs: []cfg.SinkConfiguration{
			{Name: "all", Type: "mock", TopicPrefix: "pub", PollIntervalMS: 5},
			{Name: "maps", Type: "mock", FilterTypes: []string{"map"}, PollIntervalMS: 5},
		},
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	mapEvent := testEvent("acme", "overview", "succeeded")
	mapEvent.PubType = "map"
	require.NoError(t, r.Append(testEvent("acme", "roads", "succeeded"), mapEvent))

	waitForEvents(t, registrySinks["all"], 2, time.Second)
	waitForEvents(t, registrySinks["maps"], 1, time.Second)

	assert.Equal(t, "pub.acme.layer", registrySinks["all"].getEvents()[0].topic)
	assert.Equal(t, "acme.map", registrySinks["maps"].getEvents()[0].topic)

	assert.Eventually(t, func() bool {
		cursors, _ := r.Cursors()
		return cursors["all"] == 2 && cursors["maps"] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestRegistryAddSinkWhileRunning(t *testing.T) {
	r, err := NewRegistry(RegistryConfig{LogPath: filepath.Join(t.TempDir(), "events")})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.Append(testEvent("acme", "a", "succeeded")))
	require.NoError(t, r.AddSink(cfg.SinkConfiguration{Name: "late", Type: "mock", PollIntervalMS: 5}))

	waitForEvents(t, registrySinks["late"], 1, time.Second)
}
