package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/pubsync/adapters"
	"github.com/maxpert/pubsync/admin"
	"github.com/maxpert/pubsync/cfg"
	"github.com/maxpert/pubsync/chain"
	"github.com/maxpert/pubsync/coordinator"
	"github.com/maxpert/pubsync/hlc"
	"github.com/maxpert/pubsync/id"
	"github.com/maxpert/pubsync/lock"
	"github.com/maxpert/pubsync/notify"
	"github.com/maxpert/pubsync/publisher"
	_ "github.com/maxpert/pubsync/publisher/sink"
	_ "github.com/maxpert/pubsync/publisher/transformer"
	"github.com/maxpert/pubsync/queue"
	"github.com/maxpert/pubsync/source"
	"github.com/maxpert/pubsync/store"
	"github.com/maxpert/pubsync/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("pubsync - publication synchronization")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("pubsync stopped with error")
	}
	log.Info().Msg("pubsync stopped")
}

func run(ctx context.Context) error {
	nodeID := cfg.Config.NodeID

	log.Info().Str("backend", string(cfg.Config.Store.Backend)).Msg("Opening registry store")
	kv, err := store.Open(cfg.Config.Store, cfg.GetStorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer kv.Close()

	db, err := adapters.OpenDB(cfg.Config.Storage.Driver, cfg.Config.Storage.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	sources := source.NewRegistry()
	if err := adapters.RegisterDefaults(ctx, sources, adapters.Deps{
		DB:       db,
		Driver:   cfg.Config.Storage.Driver,
		FilesDir: cfg.Config.Files.Dir,
		Feature:  serviceConfig(cfg.Config.Services.FeatureURL),
		Map:      serviceConfig(cfg.Config.Services.MapURL),
		Catalog:  serviceConfig(cfg.Config.Services.CatalogURL),
	}); err != nil {
		return fmt.Errorf("register sources: %w", err)
	}

	clock := hlc.NewClock(nodeID)
	q, err := queue.New(queue.Options{
		Workers:     cfg.Config.Queue.Workers,
		BufferSize:  cfg.Config.Queue.BufferSize,
		HistorySize: cfg.Config.Queue.HistorySize,
		Clock:       clock,
	})
	if err != nil {
		return err
	}

	coordCfg := coordinator.Config{
		NodeID:  nodeID,
		Sources: sources,
		Chains:  chain.NewRegistry(kv),
		Locks:   lock.NewManager(kv, nodeID),
		Queue:   q,
		IDs:     id.NewUUIDGenerator(),
		Clock:   clock,
		Hub:     notify.NewHub(),
	}

	if cfg.Config.Events.Enabled {
		log.Info().Int("sinks", len(cfg.Config.Events.Sinks)).Msg("Starting chain event publisher")
		events, err := publisher.NewRegistry(publisher.RegistryConfig{
			LogPath:     cfg.GetEventLogPath(),
			SinkConfigs: cfg.Config.Events.Sinks,
		})
		if err != nil {
			return fmt.Errorf("create event publisher: %w", err)
		}
		if err := events.Start(); err != nil {
			return fmt.Errorf("start event publisher: %w", err)
		}
		defer events.Stop()
		coordCfg.Events = events
	}

	coord, err := coordinator.New(coordCfg)
	if err != nil {
		return err
	}

	q.Start()
	defer q.Stop()

	recovered, err := coord.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover chains: %w", err)
	}
	if recovered > 0 {
		log.Info().Int("chains", recovered).Msg("Finalized chains interrupted by restart")
	}

	collector := telemetry.NewMetricsCollector(q, coord.Locks(), 10*time.Second)
	collector.Start()
	defer collector.Stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Config.Admin.Enabled {
		mux := http.NewServeMux()
		admin.RegisterRoutes(mux, admin.NewAdminHandlers(coord))
		server := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.Address, cfg.Config.Admin.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info().Str("address", server.Addr).Msg("Admin server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	log.Info().
		Uint64("node_id", nodeID).
		Str("data_dir", cfg.Config.DataDir).
		Int("workers", cfg.Config.Queue.Workers).
		Msg("Node is operational")

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

func serviceConfig(baseURL string) adapters.ServiceConfig {
	return adapters.ServiceConfig{
		BaseURL:       baseURL,
		Timeout:       time.Duration(cfg.Config.Services.TimeoutMS) * time.Millisecond,
		RatePerSecond: cfg.Config.Services.RatePerSecond,
		Burst:         cfg.Config.Services.Burst,
	}
}
