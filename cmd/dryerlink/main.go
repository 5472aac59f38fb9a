// dryerlink - device-state sync and pairing for rice-drying appliances.
//
// This is the client daemon. It mirrors the remote device tree into a local
// SQLite cache, forwards telemetry to InfluxDB, and serves the HTTP API used
// to pair devices, send commands and follow live state.
//
// The remote tree is reached over MQTT through a tree host (cmd/treehost),
// or held in-process when remote.backend is "memory".
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/dryerlink-core/internal/api"
	"github.com/nerrad567/dryerlink-core/internal/cache"
	"github.com/nerrad567/dryerlink-core/internal/command"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/config"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/database"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dryerlink-core/internal/pairing"
	"github.com/nerrad567/dryerlink-core/internal/remote"
	"github.com/nerrad567/dryerlink-core/internal/remote/memtree"
	"github.com/nerrad567/dryerlink-core/internal/remote/mqttstore"
	"github.com/nerrad567/dryerlink-core/internal/session"
	"github.com/nerrad567/dryerlink-core/internal/watch"
	"github.com/nerrad567/dryerlink-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting dryerlink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	localCache := cache.New(db.DB, cache.WithLogger(log.With("component", "cache")))

	store, checks, closeStore, err := connectRemote(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	checks["database"] = db

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	watchOpts := []watch.Option{
		watch.WithCache(localCache),
		watch.WithLogger(log.With("component", "watch")),
		watch.WithMaxWatches(cfg.Sync.MaxWatches),
		watch.WithHistoryLimit(cfg.Sync.HistoryLimit),
		watch.WithWriteQueue(cfg.Cache.WriteQueue),
	}
	watchMetrics := watch.NewMetrics()
	registry.MustRegister(watchMetrics)
	watchOpts = append(watchOpts, watch.WithMetrics(watchMetrics))

	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		watchOpts = append(watchOpts, watch.WithReadingSink(influxClient))
		checks["influxdb"] = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	watcher := watch.New(store, watchOpts...)
	defer watcher.Close()

	commands := command.New(store,
		command.WithLogger(log.With("component", "command")),
		command.WithBoundsCheck(),
	)

	pairingMetrics := pairing.NewMetrics()
	registry.MustRegister(pairingMetrics)
	coordinator := pairing.New(store,
		pairing.WithLogger(log.With("component", "pairing")),
		pairing.WithMetrics(pairingMetrics),
	)

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		localCache.RunRetention(gctx, cfg.CacheRetention(), cfg.PruneInterval())
		return nil
	})

	user := session.Static(cfg.Session.UserID)
	if user.Authenticated() {
		g.Go(func() error {
			return followFleet(gctx, watcher, user.UserID(), log)
		})
	} else {
		log.Info("no session user configured, fleet sync disabled")
	}

	if cfg.API.Enabled {
		apiMetrics := api.NewMetrics()
		registry.MustRegister(apiMetrics)
		server, apiErr := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Cache:    localCache,
			Watcher:  watcher,
			Commands: commands,
			Pairing:  coordinator,
			Gatherer: registry,
			Metrics:  apiMetrics,
			Checks:   checks,
			Version:  version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(gctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		g.Go(func() error {
			<-gctx.Done()
			return server.Close()
		})
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil {
		return err
	}

	// Deferred Close() calls run in reverse order: watcher, InfluxDB,
	// remote store, database.
	log.Info("dryerlink stopped")
	return nil
}

// connectRemote builds the remote store selected by remote.backend.
// The returned checks map always has an entry for the store.
func connectRemote(cfg *config.Config, log *logging.Logger) (remote.Store, map[string]api.HealthChecker, func(), error) {
	checks := make(map[string]api.HealthChecker)

	if cfg.Remote.Backend == config.RemoteBackendMemory {
		tree := memtree.New(memtree.WithLogger(log.With("component", "memtree")))
		log.Warn("using in-process remote tree; nothing is shared with devices")
		checks["remote"] = treeCheck{}
		return tree, checks, tree.Close, nil
	}

	topics := mqtt.Topics{Prefix: cfg.Remote.TopicPrefix}
	client, err := mqtt.Connect(cfg.MQTT, topics)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.With("component", "mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT connected")
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", client.ClientID(),
		"prefix", topics.Root(),
	)

	store, err := mqttstore.New(client,
		mqttstore.WithRequestTimeout(cfg.RequestTimeout()),
		mqttstore.WithLogger(log.With("component", "remote")),
	)
	if err != nil {
		client.Close() //nolint:errcheck // Already failing
		return nil, nil, nil, fmt.Errorf("starting remote store client: %w", err)
	}
	checks["remote"] = client

	closeFn := func() {
		log.Info("closing remote store")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing remote store", "error", closeErr)
		}
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}
	return store, checks, closeFn, nil
}

// treeCheck reports the in-process tree as always healthy.
type treeCheck struct{}

func (treeCheck) HealthCheck(context.Context) error { return nil }

// fleetRetryDelay is the pause before re-opening a fleet watch whose
// device index failed.
const fleetRetryDelay = 5 * time.Second

// followFleet keeps a watch on every device of userID so the cache and the
// telemetry sink stay current. A failed index watch is re-opened after
// fleetRetryDelay. It returns when ctx is cancelled.
func followFleet(ctx context.Context, watcher *watch.Watcher, userID string, log *logging.Logger) error {
	for {
		err := followFleetOnce(ctx, watcher, userID, log)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, watch.ErrWatcherClosed) {
			return nil
		}
		if err != nil {
			log.Warn("fleet watch failed, retrying", "user_id", userID, "error", err, "delay", fleetRetryDelay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(fleetRetryDelay):
		}
	}
}

func followFleetOnce(ctx context.Context, watcher *watch.Watcher, userID string, log *logging.Logger) error {
	fleet, err := watcher.WatchFleet(ctx, userID)
	if err != nil {
		return err
	}
	defer fleet.Close()
	log.Info("following device fleet", "user_id", userID)

	for ev := range fleet.Events() {
		switch {
		case ev.Err != nil && ev.DeviceID == "":
			return ev.Err
		case ev.Err != nil:
			log.Warn("device watch ended", "device_id", ev.DeviceID, "error", ev.Err)
		case ev.Removed:
			log.Info("device left fleet", "device_id", ev.DeviceID)
		default:
			log.Debug("device updated",
				"device_id", ev.DeviceID,
				"temperature", ev.Device.Status.Temperature,
				"humidity", ev.Device.Status.Humidity,
				"drying", ev.Device.Status.DryingActive,
			)
		}
	}
	return nil
}

// getConfigPath returns the configuration file path.
// Uses DRYERLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("DRYERLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
