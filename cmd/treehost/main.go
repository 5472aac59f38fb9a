// treehost - serves an in-memory device tree to dryerlink clients over MQTT.
//
// The host embeds an MQTT broker. Clients and devices connect to it and
// read, write and listen on the tree through the request/response topics
// under remote.topic_prefix. The tree can be seeded from a YAML or JSON
// file at start and is written back to a snapshot file on shutdown.
//
// Config files for the host usually set api.enabled to false; the API
// section belongs to the client daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/dryerlink-core/internal/infrastructure/config"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dryerlink-core/internal/pairing"
	"github.com/nerrad567/dryerlink-core/internal/remote"
	"github.com/nerrad567/dryerlink-core/internal/remote/memtree"
	"github.com/nerrad567/dryerlink-core/internal/treehost"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/treehost.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the host and blocks until ctx is cancelled.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting treehost",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath)

	tree := memtree.New(memtree.WithLogger(log.With("component", "memtree")))
	defer tree.Close()

	if cfg.Host.SeedFile != "" {
		if err := tree.LoadFile(cfg.Host.SeedFile); err != nil {
			return fmt.Errorf("seeding tree: %w", err)
		}
		log.Info("tree seeded", "file", cfg.Host.SeedFile)
	}

	if cfg.Host.IssuePairingCodes {
		ttl := time.Duration(cfg.Host.PairingCodeTTLMinutes) * time.Minute
		n, err := issuePairingCodes(ctx, tree, ttl, log.With("component", "pairing"))
		if err != nil {
			return fmt.Errorf("issuing pairing codes: %w", err)
		}
		log.Info("pairing codes issued", "count", n)
	}

	metrics := treehost.NewMetrics()
	host := treehost.New(tree, mqtt.Topics{Prefix: cfg.Remote.TopicPrefix},
		treehost.WithLogger(log.With("component", "treehost")),
		treehost.WithMetrics(metrics),
	)
	if err := host.Start(cfg.Host.Listen); err != nil {
		return fmt.Errorf("starting host: %w", err)
	}
	log.Info("tree host listening", "addr", host.Addr().String(), "prefix", cfg.Remote.TopicPrefix)

	var metricsServer *http.Server
	if cfg.Host.MetricsListen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{
			Addr:              cfg.Host.MetricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.Host.MetricsListen)
	}

	<-ctx.Done()
	log.Info("shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		//nolint:errcheck // Shutting down anyway
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}

	if err := host.Close(); err != nil {
		log.Error("error closing host", "error", err)
	}

	if cfg.Host.SnapshotFile != "" {
		if err := tree.SaveFile(cfg.Host.SnapshotFile); err != nil {
			return fmt.Errorf("writing snapshot: %w", err)
		}
		log.Info("tree snapshot written", "file", cfg.Host.SnapshotFile)
	}

	log.Info("treehost stopped")
	return nil
}

// issuePairingCodes stands in for the device display. Each device with no
// owner gets a fresh code, which is logged alongside its id.
func issuePairingCodes(ctx context.Context, store remote.Store, ttl time.Duration, log *logging.Logger) (int, error) {
	devices, err := store.Get(ctx, remote.DevicesRoot)
	if err != nil {
		return 0, err
	}

	coord := pairing.New(store, pairing.WithLogger(log))
	issued := 0
	for _, d := range devices.Children() {
		owner := d.Child(remote.NodeDeviceInfo + "/" + remote.NodePairedTo).String("")
		if owner != "" && owner != "null" {
			continue
		}
		code, err := coord.IssueCode(ctx, d.Key(), ttl)
		if err != nil {
			return issued, fmt.Errorf("device %s: %w", d.Key(), err)
		}
		log.Info("pairing code", "device_id", d.Key(), "code", code.Code, "expires_at", code.ExpiresAt)
		issued++
	}
	return issued, nil
}

// getConfigPath returns TREEHOST_CONFIG if set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("TREEHOST_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
