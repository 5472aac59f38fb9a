package treehost

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/dryerlink-core/internal/infrastructure/config"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dryerlink-core/internal/remote"
	"github.com/nerrad567/dryerlink-core/internal/remote/memtree"
	"github.com/nerrad567/dryerlink-core/internal/remote/wire"
)

const waitFor = 5 * time.Second

var testTopics = mqtt.Topics{Prefix: "test/tree"}

func startHost(t *testing.T, opts ...Option) (*Host, *memtree.Tree) {
	t.Helper()
	tree := memtree.New()
	host := New(tree, testTopics, opts...)
	require.NoError(t, host.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		host.Close()
		tree.Close()
	})
	return host, tree
}

// rawClient speaks the wire protocol directly.
type rawClient struct {
	t         *testing.T
	client    *mqtt.Client
	responses chan wire.Response
	pushes    chan wire.Push
	seq       int
}

func dial(t *testing.T, host *Host, clientID string) *rawClient {
	t.Helper()
	port := host.Addr().(*net.TCPAddr).Port
	client, err := mqtt.Connect(config.MQTTConfig{
		Broker:    config.MQTTBrokerConfig{Host: "127.0.0.1", Port: port, ClientID: clientID},
		QoS:       1,
		Reconnect: config.MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 1},
	}, testTopics)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	rc := &rawClient{
		t:         t,
		client:    client,
		responses: make(chan wire.Response, 16),
		pushes:    make(chan wire.Push, 64),
	}
	require.NoError(t, client.Subscribe(testTopics.Response(clientID), 1, func(_ string, payload []byte) error {
		var resp wire.Response
		if err := wire.Decode(payload, &resp); err != nil {
			return err
		}
		rc.responses <- resp
		return nil
	}))
	require.NoError(t, client.Subscribe(testTopics.ClientWatches(clientID), 1, func(_ string, payload []byte) error {
		var p wire.Push
		if err := wire.Decode(payload, &p); err != nil {
			return err
		}
		rc.pushes <- p
		return nil
	}))
	return rc
}

func (rc *rawClient) send(req wire.Request) {
	rc.t.Helper()
	payload, err := wire.Encode(req)
	require.NoError(rc.t, err)
	require.NoError(rc.t, rc.client.Publish(testTopics.Request(rc.client.ClientID()), payload, 1, false))
}

func (rc *rawClient) do(req wire.Request) wire.Response {
	rc.t.Helper()
	rc.seq++
	req.ID = "r" + strconv.Itoa(rc.seq)
	rc.send(req)

	deadline := time.After(waitFor)
	for {
		select {
		case resp := <-rc.responses:
			if resp.ID == req.ID {
				return resp
			}
		case <-deadline:
			rc.t.Fatalf("no response to %s %s", req.Op, req.Path)
		}
	}
}

func (rc *rawClient) nextPush() wire.Push {
	rc.t.Helper()
	select {
	case p := <-rc.pushes:
		return p
	case <-time.After(waitFor):
		rc.t.Fatal("no push received")
		return wire.Push{}
	}
}

func TestRequests(t *testing.T) {
	host, tree := startHost(t)
	c := dial(t, host, "c1")

	resp := c.do(wire.Request{Op: wire.OpSet, Path: "devices/d1/current", Value: map[string]any{"temperature": 41.5, "lastUpdate": 1760000000123}})
	require.True(t, resp.OK, resp.Error)

	resp = c.do(wire.Request{Op: wire.OpUpdate, Path: "devices/d1", Value: map[string]any{
		"deviceInfo/name":     "Dryer",
		"current/temperature": nil,
	}})
	require.True(t, resp.OK, resp.Error)

	resp = c.do(wire.Request{Op: wire.OpGet, Path: "devices/d1"})
	require.True(t, resp.OK, resp.Error)
	got, err := remote.Normalize(resp.Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"current":    map[string]any{"lastUpdate": float64(1760000000123)},
		"deviceInfo": map[string]any{"name": "Dryer"},
	}, got)

	resp = c.do(wire.Request{Op: wire.OpCAS, Path: "devices/d1/deviceInfo/pairedTo", Expected: nil, Value: "u1"})
	require.True(t, resp.OK, resp.Error)
	assert.True(t, resp.Swapped)
	resp = c.do(wire.Request{Op: wire.OpCAS, Path: "devices/d1/deviceInfo/pairedTo", Expected: nil, Value: "u2"})
	require.True(t, resp.OK, resp.Error)
	assert.False(t, resp.Swapped)

	resp = c.do(wire.Request{Op: wire.OpRemove, Path: "devices/d1/current"})
	require.True(t, resp.OK, resp.Error)

	assert.Equal(t, map[string]any{
		"devices": map[string]any{"d1": map[string]any{"deviceInfo": map[string]any{"name": "Dryer", "pairedTo": "u1"}}},
	}, tree.Export())
}

func TestRequestErrors(t *testing.T) {
	host, _ := startHost(t)
	c := dial(t, host, "c1")

	tests := []struct {
		name string
		req  wire.Request
		code string
	}{
		{"invalid path", wire.Request{Op: wire.OpGet, Path: "a/b.c"}, remote.CodeInvalidPath},
		{"update needs object", wire.Request{Op: wire.OpUpdate, Path: "a", Value: "x"}, remote.CodeInvalidValue},
		{"unknown op", wire.Request{Op: "merge", Path: "a"}, remote.CodeInternal},
		{"listen without watch id", wire.Request{Op: wire.OpListen, Path: "a"}, remote.CodeInvalidPath},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := c.do(tt.req)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestGetWithLimit(t *testing.T) {
	host, tree := startHost(t)
	c := dial(t, host, "c1")

	require.NoError(t, tree.Set(context.Background(), "h", map[string]any{"1": 1, "2": 2, "10": 10}))

	resp := c.do(wire.Request{Op: wire.OpGet, Path: "h", Limit: 2})
	require.True(t, resp.OK)
	got, err := remote.Normalize(resp.Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"2": 2.0, "10": 10.0}, got)
}

func TestListenPushes(t *testing.T) {
	host, tree := startHost(t)
	c := dial(t, host, "c1")

	resp := c.do(wire.Request{Op: wire.OpListen, Path: "devices/d1/current", WatchID: "w1"})
	require.True(t, resp.OK, resp.Error)

	first := c.nextPush()
	assert.Equal(t, "w1", first.WatchID)
	assert.Nil(t, first.Value)
	assert.Equal(t, 1, host.Listeners())

	require.NoError(t, tree.Set(context.Background(), "devices/d1/current/temperature", 40))
	p := c.nextPush()
	got, err := remote.Normalize(p.Value)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"temperature": 40.0}, got)

	resp = c.do(wire.Request{Op: wire.OpUnlisten, WatchID: "w1"})
	require.True(t, resp.OK)
	assert.Equal(t, 0, host.Listeners())
	assert.Equal(t, 0, tree.Listeners())

	require.NoError(t, tree.Set(context.Background(), "devices/d1/current/temperature", 41))
	select {
	case p := <-c.pushes:
		t.Fatalf("push after unlisten: %+v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestListenReplacesWatchID(t *testing.T) {
	host, tree := startHost(t)
	c := dial(t, host, "c1")

	require.True(t, c.do(wire.Request{Op: wire.OpListen, Path: "a", WatchID: "w1"}).OK)
	require.True(t, c.do(wire.Request{Op: wire.OpListen, Path: "b", WatchID: "w1"}).OK)

	assert.Equal(t, 1, host.Listeners())
	assert.Equal(t, 1, tree.Listeners())
}

func TestRevokeCancelsListener(t *testing.T) {
	host, tree := startHost(t)
	c := dial(t, host, "c1")

	require.True(t, c.do(wire.Request{Op: wire.OpListen, Path: "users/u1/devices", WatchID: "w1"}).OK)
	c.nextPush()

	require.Equal(t, 1, tree.Revoke("users/u1", nil))

	p := c.nextPush()
	assert.True(t, p.Cancelled)
	assert.Equal(t, remote.CodePermissionDenied, p.Code)
	assert.Eventually(t, func() bool { return host.Listeners() == 0 }, waitFor, 10*time.Millisecond)
}

func TestDisconnectDropsListeners(t *testing.T) {
	host, tree := startHost(t)
	c := dial(t, host, "c1")
	other := dial(t, host, "c2")

	require.True(t, c.do(wire.Request{Op: wire.OpListen, Path: "a", WatchID: "w1"}).OK)
	require.True(t, c.do(wire.Request{Op: wire.OpListen, Path: "b", WatchID: "w2"}).OK)
	require.True(t, other.do(wire.Request{Op: wire.OpListen, Path: "a", WatchID: "w1"}).OK)
	require.Equal(t, 3, tree.Listeners())

	c.client.Close()

	assert.Eventually(t, func() bool {
		return tree.Listeners() == 1 && host.Listeners() == 1
	}, waitFor, 10*time.Millisecond)
}

func TestForeignRequestTopicRejected(t *testing.T) {
	host, tree := startHost(t)
	c := dial(t, host, "c1")

	payload, err := wire.Encode(wire.Request{ID: "r1", Op: wire.OpSet, Path: "a", Value: "x"})
	require.NoError(t, err)
	// The broker may refuse or drop the publish; either way nothing is written.
	_ = c.client.Publish(testTopics.Request("c2"), payload, 1, false)

	assert.Never(t, func() bool { return len(tree.Export()) > 0 }, 300*time.Millisecond, 20*time.Millisecond)
}

func TestMalformedRequestDropped(t *testing.T) {
	metrics := NewMetrics()
	host, _ := startHost(t, WithMetrics(metrics))
	c := dial(t, host, "c1")

	require.NoError(t, c.client.Publish(testTopics.Request("c1"), []byte("not json"), 1, false))
	require.True(t, c.do(wire.Request{Op: wire.OpGet, Path: "a"}).OK)

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics))
	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values["dryerlink_treehost_rejected_total"])
	assert.Equal(t, 1.0, values["dryerlink_treehost_requests_total"])
}

func TestStartAfterClose(t *testing.T) {
	host, _ := startHost(t)
	require.NoError(t, host.Close())
	assert.ErrorIs(t, host.Start("127.0.0.1:0"), ErrHostClosed)
}
