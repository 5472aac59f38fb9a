package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/dryerlink-core/internal/api"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/dryerlink-core/internal/remote/memtree"
	"github.com/nerrad567/dryerlink-core/internal/watch"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("DRYERLINK_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want loading config failure", err)
	}
}

// TestRun_MissingJWTSecret verifies the API refuses to start unsigned.
func TestRun_MissingJWTSecret(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DRYERLINK_CONFIG", writeConfig(t, `
database:
  path: "`+filepath.Join(dir, "test.db")+`"
remote:
  backend: memory
api:
  enabled: true
logging:
  level: error
`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail without a JWT secret")
	}
	if !strings.Contains(err.Error(), "security.jwt.secret") {
		t.Errorf("error = %v, want jwt secret validation failure", err)
	}
}

// TestRun_UnknownBackend verifies remote.backend is validated.
func TestRun_UnknownBackend(t *testing.T) {
	t.Setenv("DRYERLINK_CONFIG", writeConfig(t, `
remote:
  backend: carrier-pigeon
api:
  enabled: false
`))

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "remote.backend") {
		t.Fatalf("run() error = %v, want remote.backend validation failure", err)
	}
}

// TestRun_MemoryBackendShutdown starts the daemon against the in-process
// tree and checks it stops cleanly on cancellation.
func TestRun_MemoryBackendShutdown(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DRYERLINK_CONFIG", writeConfig(t, `
database:
  path: "`+filepath.Join(dir, "test.db")+`"
remote:
  backend: memory
session:
  user_id: user-1
api:
  enabled: true
  host: 127.0.0.1
  port: 38090
security:
  jwt:
    secret: "test-secret-for-development-only-0123456789"
logging:
  level: error
  format: text
`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v, want clean shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}

	if _, err := os.Stat(filepath.Join(dir, "test.db")); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("DRYERLINK_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("DRYERLINK_CONFIG", "/etc/dryerlink.yaml")
	if got := getConfigPath(); got != "/etc/dryerlink.yaml" {
		t.Errorf("getConfigPath() = %q, want /etc/dryerlink.yaml", got)
	}
}

type failingCheck struct{ err error }

func (f failingCheck) HealthCheck(context.Context) error { return f.err }

func TestHealthCheck(t *testing.T) {
	ctx := context.Background()

	if err := healthCheck(ctx, map[string]api.HealthChecker{"remote": treeCheck{}}); err != nil {
		t.Fatalf("healthCheck() error = %v", err)
	}

	boom := errors.New("boom")
	err := healthCheck(ctx, map[string]api.HealthChecker{
		"remote":   treeCheck{},
		"database": failingCheck{err: boom},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("healthCheck() error = %v, want wrapped boom", err)
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("error %q does not name the failing component", err)
	}
}

// TestFollowFleet_StopsOnCancel verifies the fleet loop exits quietly when
// its context ends, and when the watcher is closed underneath it.
func TestFollowFleet_StopsOnCancel(t *testing.T) {
	tree := memtree.New()
	defer tree.Close()

	ctx := context.Background()
	if err := tree.Set(ctx, "users/user-1/devices", map[string]any{"0": "dev-1"}); err != nil {
		t.Fatalf("seeding index: %v", err)
	}

	watcher := watch.New(tree)
	defer watcher.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- followFleet(runCtx, watcher, "user-1", logging.Discard()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("followFleet() error = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("followFleet() did not return after cancellation")
	}
}

func TestFollowFleet_WatcherClosed(t *testing.T) {
	tree := memtree.New()
	defer tree.Close()

	watcher := watch.New(tree)
	watcher.Close()

	err := followFleet(context.Background(), watcher, "user-1", logging.Discard())
	if err != nil {
		t.Fatalf("followFleet() error = %v, want nil for a closed watcher", err)
	}
}
