package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/config"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/dryerlink-core/internal/session"
	"github.com/nerrad567/dryerlink-core/internal/watch"
)

// WebSocket message types.
const (
	WSTypeDevice  = "device"
	WSTypeRemoved = "removed"
	WSTypeClosed  = "closed"
	WSTypePing    = "ping"
	WSTypePong    = "pong"
	WSTypeError   = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 64
)

// Fallbacks for a zero WebSocketConfig.
const (
	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 8192
)

// WSMessage is a message sent to or received from a live stream client.
type WSMessage struct {
	Type      string         `json:"type"`
	DeviceID  string         `json:"device_id,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Device    *device.Device `json:"device,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Hub tracks live stream connections so they can be closed on shutdown.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	metrics *Metrics
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one live stream connection.
type WSClient struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger, metrics *Metrics) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		clients: make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.setStreams(n)
	h.logger.Debug("websocket client connected", "clients", n)
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.setStreams(n)
	h.logger.Debug("websocket client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()
	h.metrics.setStreams(0)

	for _, client := range clients {
		client.close()
	}
}

// handleDeviceLive streams the state of one device. The watch is opened
// before the upgrade so a bad id or an exhausted watch budget is reported
// as a plain HTTP error.
func (s *Server) handleDeviceLive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))

	sub, err := s.watcher.WatchDevice(ctx, id)
	if err != nil {
		cancel()
		s.writeDomainError(w, r, err)
		return
	}

	client := s.upgrade(w, r)
	if client == nil {
		sub.Close()
		cancel()
		return
	}

	go func() {
		defer cancel()
		defer sub.Close()
		for {
			select {
			case <-client.done:
				return
			case ev, ok := <-sub.Updates():
				if !ok {
					client.close()
					return
				}
				if ev.Err != nil {
					client.sendMessage(WSMessage{Type: WSTypeClosed, DeviceID: id, Error: ev.Err.Error()})
					client.closeAfterFlush()
					return
				}
				d := ev.Value
				client.sendMessage(WSMessage{Type: WSTypeDevice, DeviceID: id, Device: &d})
			}
		}
	}()
}

// handleFleetLive streams every device in the caller's index. Devices that
// leave the index produce a removed message.
func (s *Server) handleFleetLive(w http.ResponseWriter, r *http.Request) {
	userID, err := session.UserID(r.Context())
	if err != nil {
		writeUnauthorized(w, err.Error())
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))

	fleet, err := s.watcher.WatchFleet(ctx, userID)
	if err != nil {
		cancel()
		s.writeDomainError(w, r, err)
		return
	}

	client := s.upgrade(w, r)
	if client == nil {
		fleet.Close()
		cancel()
		return
	}

	go func() {
		defer cancel()
		defer fleet.Close()
		for {
			select {
			case <-client.done:
				return
			case ev, ok := <-fleet.Events():
				if !ok {
					client.close()
					return
				}
				client.sendMessage(fleetMessage(ev))
				if ev.Err != nil && ev.DeviceID == "" {
					// The index itself is gone; nothing more will arrive.
					client.closeAfterFlush()
					return
				}
			}
		}
	}()
}

func fleetMessage(ev watch.FleetEvent) WSMessage {
	switch {
	case ev.Err != nil:
		return WSMessage{Type: WSTypeClosed, DeviceID: ev.DeviceID, Error: ev.Err.Error()}
	case ev.Removed:
		return WSMessage{Type: WSTypeRemoved, DeviceID: ev.DeviceID}
	default:
		d := ev.Device
		return WSMessage{Type: WSTypeDevice, DeviceID: ev.DeviceID, Device: &d}
	}
}

// upgrade switches the connection to WebSocket and starts the pumps.
// It returns nil if the upgrade failed; the upgrader has already replied.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) *WSClient {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}

	client := &WSClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		done: make(chan struct{}),
	}
	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
	return client
}

func (h *Hub) timings() (ping, pong time.Duration, maxSize int64) {
	ping = time.Duration(h.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultPingInterval
	}
	pong = time.Duration(h.cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	maxSize = int64(h.cfg.MaxMessageSize)
	if maxSize <= 0 {
		maxSize = defaultMaxMessageSize
	}
	return ping, pong, maxSize
}

// readPump reads client messages until the connection fails.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
	}()

	pingInterval, pongWait, maxSize := c.hub.timings()
	c.conn.SetReadLimit(maxSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes queued messages and keepalive pings.
func (c *WSClient) writePump() {
	pingInterval, pongWait, _ := c.hub.timings()
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			//nolint:errcheck // Best-effort close message
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(pongWait))
			return
		case message := <-c.send:
			if message == nil {
				// Queued by closeAfterFlush
				c.close()
				continue
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// handleMessage processes an incoming client message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendMessage(WSMessage{Type: WSTypeError, Error: "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.sendMessage(WSMessage{Type: WSTypePong})
	default:
		c.sendMessage(WSMessage{Type: WSTypeError, Error: "unknown message type: " + msg.Type})
	}
}

// sendMessage queues msg for the client. A client that cannot keep up is
// disconnected rather than silently skipped, since it would otherwise keep
// showing a stale state.
func (c *WSClient) sendMessage(msg WSMessage) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.logger.Warn("websocket client too slow, disconnecting", "device_id", msg.DeviceID)
		c.close()
	}
}

// closeAfterFlush lets the writer drain queued messages, then closes.
func (c *WSClient) closeAfterFlush() {
	select {
	case <-c.done:
	case c.send <- nil:
	default:
		c.close()
	}
}

func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
