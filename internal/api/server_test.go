package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/dryerlink-core/internal/cache"
	"github.com/nerrad567/dryerlink-core/internal/command"
	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/config"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/database"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/dryerlink-core/internal/pairing"
	"github.com/nerrad567/dryerlink-core/internal/remote"
	"github.com/nerrad567/dryerlink-core/internal/remote/memtree"
	"github.com/nerrad567/dryerlink-core/internal/session"
	"github.com/nerrad567/dryerlink-core/internal/watch"
	"github.com/nerrad567/dryerlink-core/migrations"
)

const (
	testSecret = "test-secret-key-at-least-32-characters-long"
	waitFor    = 5 * time.Second
)

type testEnv struct {
	srv      *Server
	handler  http.Handler
	tree     *memtree.Tree
	cache    *cache.Cache
	registry *prometheus.Registry
}

type checkFunc func(context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// setupServer wires a server over an in-memory tree and an in-memory cache.
func setupServer(t *testing.T, checks map[string]HealthChecker) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx, migrations.FS))
	c := cache.New(db.DB)

	tree := memtree.New()
	watcher := watch.New(tree, watch.WithCache(c))
	t.Cleanup(func() {
		watcher.Close()
		tree.Close()
	})

	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics))

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:     config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret},
		},
		Logger:   logging.Discard(),
		Cache:    c,
		Watcher:  watcher,
		Commands: command.New(tree),
		Pairing:  pairing.New(tree),
		Gatherer: reg,
		Metrics:  metrics,
		Checks:   checks,
		Version:  "test",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return &testEnv{srv: srv, handler: srv.Handler(), tree: tree, cache: c, registry: reg}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := session.IssueToken(userID, testSecret, time.Minute)
	require.NoError(t, err)
	return tok
}

// do performs an authenticated request as userID. An empty userID sends no token.
func (e *testEnv) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func seed(t *testing.T, tree *memtree.Tree, path string, value any) {
	t.Helper()
	require.NoError(t, tree.Set(context.Background(), path, value))
}

// own marks deviceID as paired to userID in the tree.
func own(t *testing.T, env *testEnv, deviceID, userID string) {
	t.Helper()
	seed(t, env.tree, remote.PairedToPath(deviceID), userID)
}

func cachedDevice(id string, lastUpdate int64) device.Device {
	return device.Device{
		ID:     id,
		Info:   device.Info{Name: "Dryer " + id},
		Status: device.Status{Temperature: 35, Humidity: 20, LastUpdate: lastUpdate},
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := setupServer(t, map[string]HealthChecker{
		"cache": checkFunc(func(context.Context) error { return nil }),
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, map[string]any{"cache": "ok"}, body["components"])
}

func TestHealth_Degraded(t *testing.T) {
	env := setupServer(t, map[string]HealthChecker{
		"remote": checkFunc(func(context.Context) error { return errors.New("not connected") }),
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"remote": "not connected"}, body["components"])
}

func TestRequestID(t *testing.T) {
	env := setupServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-id-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "client-id-123", rec.Header().Get("X-Request-ID"))
}

func TestCORS_Preflight(t *testing.T) {
	env := setupServer(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuthRequired(t *testing.T) {
	env := setupServer(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/devices", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, ErrCodeUnauthorized, decode[Error](t, rec).Code)

	forged, err := session.IssueToken("u1", "some-other-secret", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNotFound(t *testing.T) {
	env := setupServer(t, nil)
	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "u1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDevices(t *testing.T) {
	env := setupServer(t, nil)
	ctx := context.Background()

	w := env.do(t, http.MethodGet, "/api/v1/devices", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	empty := decode[struct {
		Devices []cache.Summary `json:"devices"`
		Count   int             `json:"count"`
	}](t, w)
	assert.NotNil(t, empty.Devices)
	assert.Equal(t, 0, empty.Count)

	require.NoError(t, env.cache.UpsertDeviceSummary(ctx, cachedDevice("d1", 2000)))
	require.NoError(t, env.cache.UpsertDeviceSummary(ctx, cachedDevice("d2", 1000)))

	w = env.do(t, http.MethodPut, "/api/v1/devices/d2/favorite", "u1", `{"favorite":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/devices", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Devices []cache.Summary `json:"devices"`
	}](t, w)
	require.Len(t, list.Devices, 2)
	assert.Equal(t, "d2", list.Devices[0].DeviceID)
	assert.True(t, list.Devices[0].IsFavorite)
	assert.Equal(t, "d1", list.Devices[1].DeviceID)
}

func TestGetDevice(t *testing.T) {
	env := setupServer(t, nil)
	require.NoError(t, env.cache.UpsertDeviceSummary(context.Background(), cachedDevice("d1", 2000)))

	w := env.do(t, http.MethodGet, "/api/v1/devices/d1", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[cache.Summary](t, w)
	assert.Equal(t, "Dryer d1", got.Name)
	assert.Equal(t, 35.0, got.Temperature)

	w = env.do(t, http.MethodGet, "/api/v1/devices/nope", "u1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPut, "/api/v1/devices/nope/favorite", "u1", `{"favorite":true}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListReadings(t *testing.T) {
	env := setupServer(t, nil)
	ctx := context.Background()
	for _, ts := range []int64{1000, 2000, 3000, 4000} {
		require.NoError(t, env.cache.UpsertReading(ctx, "d1", device.Reading{Temperature: float64(ts / 100), Timestamp: ts}))
	}

	type readings struct {
		Readings []cache.CachedReading `json:"readings"`
		Count    int                   `json:"count"`
	}

	w := env.do(t, http.MethodGet, "/api/v1/devices/d1/readings?limit=3", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	latest := decode[readings](t, w)
	require.Equal(t, 3, latest.Count)
	assert.Equal(t, int64(4000), latest.Readings[0].Timestamp)
	assert.Equal(t, int64(2000), latest.Readings[2].Timestamp)

	w = env.do(t, http.MethodGet, "/api/v1/devices/d1/readings?from=2000&to=3000", "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	window := decode[readings](t, w)
	require.Equal(t, 2, window.Count)
	assert.Equal(t, int64(2000), window.Readings[0].Timestamp)
	assert.Equal(t, int64(3000), window.Readings[1].Timestamp)

	from := time.UnixMilli(1000).UTC().Format(time.RFC3339)
	to := time.UnixMilli(2000).UTC().Format(time.RFC3339)
	w = env.do(t, http.MethodGet, "/api/v1/devices/d1/readings?from="+from+"&to="+to, "u1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[readings](t, w).Count)

	w = env.do(t, http.MethodGet, "/api/v1/devices/d1/readings?from=yesterday&to=1000", "u1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/devices/d1/readings?from=3000&to=1000", "u1", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/devices/d1/readings?limit=abc", "u1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendCommand(t *testing.T) {
	env := setupServer(t, nil)
	own(t, env, "d1", "u1")

	w := env.do(t, http.MethodPost, "/api/v1/devices/d1/commands", "u1", `{"action":"SET_TEMP","value":45}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	snap, err := env.tree.Get(context.Background(), remote.CommandsPath("d1"))
	require.NoError(t, err)
	cmd := device.TranslateCommand(snap)
	assert.Equal(t, device.ActionSetTemp, cmd.Action)
	assert.Equal(t, 45.0, cmd.Value)
	assert.False(t, cmd.Processed)

	w = env.do(t, http.MethodPost, "/api/v1/devices/d1/commands", "u1", `{"action":"EXPLODE"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, ErrCodeValidation, decode[Error](t, w).Code)

	w = env.do(t, http.MethodPost, "/api/v1/devices/d1/commands", "u1", `{"action":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/devices/d1/commands", "u1", `{"action":"START","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRenameDevice(t *testing.T) {
	env := setupServer(t, nil)
	own(t, env, "d1", "u1")

	w := env.do(t, http.MethodPatch, "/api/v1/devices/d1", "u1", `{"name":"  Barn dryer "}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	snap, err := env.tree.Get(context.Background(), remote.DeviceNamePath("d1"))
	require.NoError(t, err)
	assert.Equal(t, "Barn dryer", snap.String(""))

	w = env.do(t, http.MethodPatch, "/api/v1/devices/d1", "u1", `{"name":"   "}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPairOutcomes(t *testing.T) {
	env := setupServer(t, nil)
	seed(t, env.tree, remote.DeviceInfoPath("d1"), map[string]any{"deviceName": "Rice Dryer"})
	seed(t, env.tree, remote.DeviceInfoPath("d2"), map[string]any{"deviceName": "Rice Dryer"})
	seed(t, env.tree, remote.PairingCodePath("111111"), map[string]any{"deviceId": "d1", "used": false})
	seed(t, env.tree, remote.PairingCodePath("222222"), map[string]any{"deviceId": "d2", "used": false, "expiresAt": 1})
	seed(t, env.tree, remote.PairingCodePath("333333"), map[string]any{"deviceId": "d9", "used": false})

	tests := []struct {
		name    string
		user    string
		body    string
		status  int
		outcome string
	}{
		{"success", "u1", `{"device_id":"d1","code":"111111"}`, http.StatusOK, "paired"},
		{"code reused by another user", "u2", `{"device_id":"d1","code":"111111"}`, http.StatusConflict, "code_already_used"},
		{"unknown code", "u1", `{"device_id":"d1","code":"999999"}`, http.StatusNotFound, "code_not_found"},
		{"expired code", "u1", `{"device_id":"d2","code":"222222"}`, http.StatusGone, "code_expired"},
		{"code for another device", "u1", `{"device_id":"d2","code":"333333"}`, http.StatusUnprocessableEntity, "code_device_mismatch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/pairing", tt.user, tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
			resp := decode[PairResponse](t, w)
			assert.Equal(t, tt.outcome, resp.Outcome)
			assert.NotEmpty(t, resp.Message)
			if tt.status == http.StatusOK {
				require.NotNil(t, resp.Device)
				assert.Equal(t, tt.user, resp.Device.PairedTo)
			} else {
				assert.Nil(t, resp.Device)
			}
		})
	}

	w := env.do(t, http.MethodPost, "/api/v1/pairing", "u1", `{"device_id":"d1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnpair(t *testing.T) {
	env := setupServer(t, nil)
	ctx := context.Background()
	seed(t, env.tree, remote.DeviceInfoPath("d1"), map[string]any{"deviceName": "Rice Dryer"})
	seed(t, env.tree, remote.PairingCodePath("111111"), map[string]any{"deviceId": "d1", "used": false})
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/v1/pairing", "u1", `{"device_id":"d1","code":"111111"}`).Code)
	require.NoError(t, env.cache.UpsertDeviceSummary(ctx, cachedDevice("d1", 2000)))

	w := env.do(t, http.MethodDelete, "/api/v1/devices/d1/pairing", "u2", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodDelete, "/api/v1/devices/d1/pairing", "u1", "")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	owner, err := env.tree.Get(ctx, remote.PairedToPath("d1"))
	require.NoError(t, err)
	assert.False(t, owner.Exists())
	index, err := env.tree.Get(ctx, remote.UserDevicesPath("u1"))
	require.NoError(t, err)
	assert.False(t, index.Exists())

	_, err = env.cache.GetDevice(ctx, "d1")
	assert.ErrorIs(t, err, cache.ErrDeviceNotFound)
}

// TestPairingCodeNotIssuedToUsers verifies a session token cannot mint a
// code for a device and then redeem it.
func TestPairingCodeNotIssuedToUsers(t *testing.T) {
	env := setupServer(t, nil)
	ctx := context.Background()
	seed(t, env.tree, remote.DeviceInfoPath("d1"), map[string]any{"deviceName": "Rice Dryer"})

	w := env.do(t, http.MethodPost, "/api/v1/devices/d1/pairing-code", "u1", `{"ttl_seconds":600}`)
	assert.Contains(t, []int{http.StatusNotFound, http.StatusMethodNotAllowed}, w.Code, w.Body.String())

	codes, err := env.tree.Get(ctx, remote.PairingRoot)
	require.NoError(t, err)
	assert.False(t, codes.Exists(), "no code may be written by a user request")

	w = env.do(t, http.MethodPost, "/api/v1/pairing", "u1", `{"device_id":"d1","code":"123456"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, pairing.OutcomeCodeNotFound.String(), decode[PairResponse](t, w).Outcome)

	owner, err := env.tree.Get(ctx, remote.PairedToPath("d1"))
	require.NoError(t, err)
	assert.False(t, owner.Exists())
}

// TestOwnerRequired verifies remote writes and live streams are refused for
// devices the caller does not own.
func TestOwnerRequired(t *testing.T) {
	env := setupServer(t, nil)
	ctx := context.Background()
	seed(t, env.tree, remote.DeviceInfoPath("d1"), map[string]any{"deviceName": "Rice Dryer"})
	own(t, env, "d1", "u1")
	seed(t, env.tree, remote.DeviceInfoPath("d2"), map[string]any{"deviceName": "Spare", "pairedTo": "null"})

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		body   string
	}{
		{name: "command by other user", method: http.MethodPost, path: "/api/v1/devices/d1/commands", user: "u2", body: `{"action":"START"}`},
		{name: "rename by other user", method: http.MethodPatch, path: "/api/v1/devices/d1", user: "u2", body: `{"name":"Mine now"}`},
		{name: "command to unpaired device", method: http.MethodPost, path: "/api/v1/devices/d2/commands", user: "u1", body: `{"action":"START"}`},
		{name: "command to unknown device", method: http.MethodPost, path: "/api/v1/devices/d9/commands", user: "u1", body: `{"action":"STOP"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.user, tt.body)
			assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
			assert.Equal(t, ErrCodeForbidden, decode[Error](t, w).Code)
		})
	}

	cmds, err := env.tree.Get(ctx, remote.CommandsPath("d1"))
	require.NoError(t, err)
	assert.False(t, cmds.Exists())
	name, err := env.tree.Get(ctx, remote.DeviceNamePath("d1"))
	require.NoError(t, err)
	assert.Equal(t, "Rice Dryer", name.String(""))

	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/devices/d1/live?access_token=" + token(t, "u2")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, env.tree.Listeners())

	w := env.do(t, http.MethodPost, "/api/v1/devices/d1/commands", "u1", `{"action":"START"}`)
	assert.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupServer(t, nil)
	env.do(t, http.MethodGet, "/api/v1/devices/d1/readings", "u1", "")

	w := env.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "dryerlink_api_requests_total")
	assert.Contains(t, body, `route="/api/v1/devices/{id}/readings"`)
}

func TestRecoveryMiddleware(t *testing.T) {
	env := setupServer(t, nil)
	h := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

// dialLive opens a live stream on an httptest server.
func dialLive(t *testing.T, env *testEnv, path, userID string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path + "?access_token=" + token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestDeviceLive(t *testing.T) {
	env := setupServer(t, nil)
	own(t, env, "d1", "u1")
	conn := dialLive(t, env, "/api/v1/devices/d1/live", "u1")

	first := readMessage(t, conn)
	assert.Equal(t, WSTypeDevice, first.Type)
	assert.Equal(t, "d1", first.DeviceID)

	seed(t, env.tree, remote.CurrentPath("d1"), map[string]any{"temperature": 42.5, "lastUpdate": 1760000000000})
	msg := readMessage(t, conn)
	require.Equal(t, WSTypeDevice, msg.Type)
	require.NotNil(t, msg.Device)
	assert.Equal(t, 42.5, msg.Device.Status.Temperature)

	require.NoError(t, conn.WriteJSON(WSMessage{Type: WSTypePing}))
	assert.Equal(t, WSTypePong, readMessage(t, conn).Type)

	env.tree.Revoke(remote.DevicePath("d1"), nil)
	closed := readMessage(t, conn)
	assert.Equal(t, WSTypeClosed, closed.Type)
	assert.NotEmpty(t, closed.Error)

	assert.Eventually(t, func() bool { return env.tree.Listeners() == 0 }, waitFor, 10*time.Millisecond)
}

func TestDeviceLive_InvalidID(t *testing.T) {
	env := setupServer(t, nil)
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/devices/bad.id/live?access_token=" + token(t, "u1")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestDeviceLive_ClientDisconnectReleasesWatch(t *testing.T) {
	env := setupServer(t, nil)
	own(t, env, "d1", "u1")
	conn := dialLive(t, env, "/api/v1/devices/d1/live", "u1")
	readMessage(t, conn)
	require.Equal(t, 1, env.tree.Listeners())

	conn.Close()
	assert.Eventually(t, func() bool {
		return env.tree.Listeners() == 0 && env.srv.hub.ClientCount() == 0
	}, waitFor, 10*time.Millisecond)
}

func TestFleetLive(t *testing.T) {
	env := setupServer(t, nil)
	seed(t, env.tree, remote.UserDevicesPath("u1"), []any{"d1"})
	seed(t, env.tree, remote.CurrentPath("d1"), map[string]any{"temperature": 30})

	conn := dialLive(t, env, "/api/v1/live", "u1")

	msg := readMessage(t, conn)
	require.Equal(t, WSTypeDevice, msg.Type)
	assert.Equal(t, "d1", msg.DeviceID)

	require.NoError(t, env.tree.Remove(context.Background(), remote.UserDevicesPath("u1")))
	for {
		msg = readMessage(t, conn)
		if msg.Type != WSTypeDevice {
			break
		}
	}
	assert.Equal(t, WSTypeRemoved, msg.Type)
	assert.Equal(t, "d1", msg.DeviceID)
}

func TestServerStartClose(t *testing.T) {
	env := setupServer(t, nil)
	require.NoError(t, env.srv.Start(context.Background()))
	require.NotNil(t, env.srv.Addr())
	require.NoError(t, env.srv.HealthCheck(context.Background()))

	resp, err := http.Get("http://" + env.srv.Addr().String() + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, env.srv.Close())
}
