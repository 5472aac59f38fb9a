package mqtt

import (
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nerrad567/dryerlink-core/internal/infrastructure/config"
)

// testBroker is an in-process broker on a loopback port.
type testBroker struct {
	server *mochi.Server
	port   int
	once   sync.Once
}

func startBroker(t *testing.T) *testBroker {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	server := mochi.New(&mochi.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("AddHook() error = %v", err)
	}
	if err := server.AddListener(listeners.NewNet("test", ln)); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}
	if err := server.Serve(); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	b := &testBroker{server: server, port: ln.Addr().(*net.TCPAddr).Port}
	t.Cleanup(b.stop)
	return b
}

func (b *testBroker) stop() {
	b.once.Do(func() { _ = b.server.Close() })
}

func (b *testBroker) config(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     b.port,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func (b *testBroker) connect(t *testing.T, clientID string) *Client {
	t.Helper()
	client, err := Connect(b.config(clientID), Topics{Prefix: "test/tree"})
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", clientID, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
