package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreBackend selects where locks and chain records live
type StoreBackend string

const (
	StoreMemory StoreBackend = "memory" // Process-local, lost on restart
	StorePebble StoreBackend = "pebble" // Durable, single process
	StoreNats   StoreBackend = "nats"   // JetStream KV, shared between processes
)

// StoreConfiguration controls the key-value store behind locks and the task registry
type StoreConfiguration struct {
	Backend        StoreBackend `toml:"backend"`
	CacheSizeMB    int64        `toml:"cache_size_mb"`
	MemTableSizeMB int64        `toml:"memtable_size_mb"`
	NatsURL        string       `toml:"nats_url"`
	NatsBucket     string       `toml:"nats_bucket"`
	NatsReplicas   int          `toml:"nats_replicas"`
}

// QueueConfiguration controls the task worker pool
type QueueConfiguration struct {
	Workers     int `toml:"workers"`
	BufferSize  int `toml:"buffer_size"`  // Ready-task channel capacity
	HistorySize int `toml:"history_size"` // Retired task results kept for status polling
}

// StorageConfiguration is the relational store holding layer tables
type StorageConfiguration struct {
	Driver string `toml:"driver"` // "sqlite3" or "mysql"
	DSN    string `toml:"dsn"`
}

// FilesConfiguration is where style and map documents are written
type FilesConfiguration struct {
	Dir string `toml:"dir"`
}

// ServicesConfiguration points at the feature service, map service and metadata catalog
type ServicesConfiguration struct {
	FeatureURL string `toml:"feature_url"`
	MapURL     string `toml:"map_url"`
	CatalogURL string `toml:"catalog_url"`
	TimeoutMS  int    `toml:"timeout_ms"`

	RatePerSecond float64 `toml:"rate_per_second"` // Per service, 0 is unlimited
	Burst         int     `toml:"burst"`
}

// SinkConfiguration describes one chain event sink
type SinkConfiguration struct {
	Name             string   `toml:"name"`
	Type             string   `toml:"type"`   // "nats", "kafka" or "log"
	Format           string   `toml:"format"` // "json" or "envelope", default "json"
	NatsURL          string   `toml:"nats_url"`
	Brokers          []string `toml:"brokers"`
	TopicPrefix      string   `toml:"topic_prefix"`
	FilterWorkspaces []string `toml:"filter_workspaces"`
	FilterTypes      []string `toml:"filter_types"`
	BatchSize        int      `toml:"batch_size"`
	PollIntervalMS   int      `toml:"poll_interval_ms"`
	RetryInitialMS   int      `toml:"retry_initial_ms"`
	RetryMaxMS       int      `toml:"retry_max_ms"`
	RetryMultiplier  float64  `toml:"retry_multiplier"`
}

// EventsConfiguration controls chain event publishing
type EventsConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sinks"`
}

// AdminConfiguration for the admin HTTP API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	Secret  string `toml:"secret"` // Pre-shared key, empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Queue      QueueConfiguration      `toml:"queue"`
	Storage    StorageConfiguration    `toml:"storage"`
	Files      FilesConfiguration      `toml:"files"`
	Services   ServicesConfiguration   `toml:"services"`
	Events     EventsConfiguration     `toml:"events"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a fresh copy of the built-in defaults
func Default() *Configuration {
	return &Configuration{
		NodeID:  0, // Auto-generate
		DataDir: "./pubsync-data",

		Store: StoreConfiguration{
			Backend:        StorePebble,
			CacheSizeMB:    32,
			MemTableSizeMB: 16,
			NatsBucket:     "pubsync",
			NatsReplicas:   1,
		},

		Queue: QueueConfiguration{
			Workers:     4,
			BufferSize:  256,
			HistorySize: 4096,
		},

		Storage: StorageConfiguration{
			Driver: "sqlite3",
			DSN:    "", // Defaults to {data_dir}/publications.db
		},

		Files: FilesConfiguration{
			Dir: "", // Defaults to {data_dir}/files
		},

		Services: ServicesConfiguration{
			TimeoutMS: 10000,
		},

		Events: EventsConfiguration{
			Enabled: false,
		},

		Admin: AdminConfiguration{
			Enabled: true,
			Address: "0.0.0.0",
			Port:    8090,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if Config.Storage.DSN == "" && Config.Storage.Driver == "sqlite3" {
		Config.Storage.DSN = path.Join(Config.DataDir, "publications.db")
	}
	if Config.Files.Dir == "" {
		Config.Files.Dir = path.Join(Config.DataDir, "files")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("pubsync")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Backend {
	case StoreMemory, StorePebble:
	case StoreNats:
		if Config.Store.NatsURL == "" {
			return fmt.Errorf("nats store requires nats_url")
		}
		if Config.Store.NatsBucket == "" {
			return fmt.Errorf("nats store requires nats_bucket")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", Config.Store.Backend)
	}

	if Config.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be >= 1")
	}
	if Config.Queue.BufferSize < 1 {
		return fmt.Errorf("queue buffer size must be >= 1")
	}
	if Config.Queue.HistorySize < 1 {
		return fmt.Errorf("queue history size must be >= 1")
	}

	switch Config.Storage.Driver {
	case "sqlite3", "mysql":
	default:
		return fmt.Errorf("unknown storage driver: %q", Config.Storage.Driver)
	}

	if Config.Services.TimeoutMS < 1 {
		return fmt.Errorf("services timeout must be >= 1ms")
	}
	if Config.Services.RatePerSecond < 0 {
		return fmt.Errorf("services rate must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Events.Enabled {
		seen := make(map[string]bool, len(Config.Events.Sinks))
		for _, sink := range Config.Events.Sinks {
			if sink.Name == "" {
				return fmt.Errorf("event sink name is required")
			}
			if seen[sink.Name] {
				return fmt.Errorf("duplicate event sink name: %s", sink.Name)
			}
			seen[sink.Name] = true

			switch sink.Type {
			case "nats":
				if sink.NatsURL == "" {
					return fmt.Errorf("event sink %s: nats sink requires nats_url", sink.Name)
				}
			case "kafka":
				if len(sink.Brokers) == 0 {
					return fmt.Errorf("event sink %s: kafka sink requires brokers", sink.Name)
				}
			case "log":
			default:
				return fmt.Errorf("event sink %s: unknown type %q", sink.Name, sink.Type)
			}

			switch sink.Format {
			case "", "json", "envelope":
			default:
				return fmt.Errorf("event sink %s: unknown format %q", sink.Name, sink.Format)
			}
		}
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	return nil
}

// GetStorePath returns the directory of the Pebble store
func GetStorePath() string {
	return path.Join(Config.DataDir, "registry")
}

// GetEventLogPath returns the directory of the chain event log
func GetEventLogPath() string {
	return path.Join(Config.DataDir, "events")
}
