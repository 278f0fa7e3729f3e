package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withConfig(t *testing.T, c *Configuration) {
	t.Helper()
	original := Config
	Config = c
	t.Cleanup(func() { Config = original })
}

func TestValidate_Defaults(t *testing.T) {
	withConfig(t, Default())
	require.NoError(t, Validate())
}

func TestValidate_UnknownStoreBackend(t *testing.T) {
	c := Default()
	c.Store.Backend = "etcd"
	withConfig(t, c)

	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestValidate_NatsStoreRequiresURL(t *testing.T) {
	c := Default()
	c.Store.Backend = StoreNats
	withConfig(t, c)
	require.Error(t, Validate())

	c.Store.NatsURL = "nats://localhost:4222"
	require.NoError(t, Validate())
}

func TestValidate_QueueLimits(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"zero workers", func(c *Configuration) { c.Queue.Workers = 0 }},
		{"zero buffer", func(c *Configuration) { c.Queue.BufferSize = 0 }},
		{"zero history", func(c *Configuration) { c.Queue.HistorySize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			withConfig(t, c)
			assert.Error(t, Validate())
		})
	}
}

func TestValidate_StorageDriver(t *testing.T) {
	c := Default()
	c.Storage.Driver = "postgres"
	withConfig(t, c)
	assert.Error(t, Validate())

	c.Storage.Driver = "mysql"
	assert.NoError(t, Validate())
}

func TestValidate_InvalidAdminPort(t *testing.T) {
	c := Default()
	c.Admin.Port = 70000
	withConfig(t, c)
	assert.Error(t, Validate())

	c.Admin.Enabled = false
	assert.NoError(t, Validate())
}

func TestValidate_EventSinks(t *testing.T) {
	c := Default()
	c.Events.Enabled = true
	c.Events.Sinks = []SinkConfiguration{
		{Name: "audit", Type: "kafka", Brokers: []string{"localhost:9092"}},
		{Name: "bus", Type: "nats", NatsURL: "nats://localhost:4222"},
	}
	withConfig(t, c)
	require.NoError(t, Validate())

	c.Events.Sinks = append(c.Events.Sinks, SinkConfiguration{Name: "audit", Type: "kafka", Brokers: []string{"b:9092"}})
	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	c.Events.Sinks = []SinkConfiguration{{Name: "x", Type: "redis"}}
	assert.Error(t, Validate())

	c.Events.Sinks = []SinkConfiguration{{Name: "x", Type: "nats"}}
	assert.Error(t, Validate())
}

func TestValidate_LoggingFormat(t *testing.T) {
	c := Default()
	c.Logging.Format = "xml"
	withConfig(t, c)
	assert.Error(t, Validate())
}

func TestLoad_NonExistentFile(t *testing.T) {
	c := Default()
	c.DataDir = filepath.Join(t.TempDir(), "data")
	withConfig(t, c)

	require.NoError(t, Load("non-existent-file.toml"))
	assert.NotZero(t, Config.NodeID, "node id should be auto-generated")
	assert.Equal(t, filepath.Join(c.DataDir, "publications.db"), Config.Storage.DSN)
	assert.Equal(t, filepath.Join(c.DataDir, "files"), Config.Files.Dir)

	_, err := os.Stat(c.DataDir)
	assert.NoError(t, err, "data directory should be created")
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
node_id = 42
data_dir = "` + filepath.ToSlash(filepath.Join(dir, "data")) + `"

[store]
backend = "memory"

[queue]
workers = 8

[storage]
driver = "mysql"
dsn = "user:pass@tcp(localhost:3306)/gis"

[[events.sinks]]
name = "audit"
type = "kafka"
brokers = ["localhost:9092"]
topic_prefix = "publications"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	withConfig(t, Default())
	require.NoError(t, Load(path))

	assert.Equal(t, uint64(42), Config.NodeID)
	assert.Equal(t, StoreMemory, Config.Store.Backend)
	assert.Equal(t, 8, Config.Queue.Workers)
	assert.Equal(t, 256, Config.Queue.BufferSize, "unset keys keep defaults")
	assert.Equal(t, "user:pass@tcp(localhost:3306)/gis", Config.Storage.DSN)
	require.Len(t, Config.Events.Sinks, 1)
	assert.Equal(t, "publications", Config.Events.Sinks[0].TopicPrefix)
}

func TestGenerateNodeID(t *testing.T) {
	id1, err := generateNodeID()
	if err != nil {
		t.Skipf("machine id unavailable: %v", err)
	}
	assert.NotZero(t, id1)

	id2, err := generateNodeID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "node id should be deterministic for same machine")
}

func TestPaths(t *testing.T) {
	c := Default()
	c.DataDir = "/var/lib/pubsync"
	withConfig(t, c)

	assert.Equal(t, "/var/lib/pubsync/registry", GetStorePath())
	assert.Equal(t, "/var/lib/pubsync/events", GetEventLogPath())
}
