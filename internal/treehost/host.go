package treehost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nerrad567/dryerlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/dryerlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dryerlink-core/internal/remote"
	"github.com/nerrad567/dryerlink-core/internal/remote/memtree"
	"github.com/nerrad567/dryerlink-core/internal/remote/wire"
)

const (
	// DefaultQueueSize bounds the requests waiting for the worker. A full
	// queue stalls the publishing client's connection until there is room.
	DefaultQueueSize = 1024

	messageQoS = 1
	listenerID = "t1"
)

// ErrHostClosed is returned by Start after Close.
var ErrHostClosed = errors.New("treehost: closed")

// Host is an MQTT broker that serves a memtree to remote store clients.
type Host struct {
	tree    *memtree.Tree
	topics  mqtt.Topics
	logger  *logging.Logger
	metrics *Metrics

	server *mochi.Server
	addr   net.Addr

	jobs      chan job
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	started   bool

	mu      sync.Mutex
	watches map[string]map[string]remote.Registration
	total   int
}

type job struct {
	clientID   string
	payload    []byte
	disconnect bool
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger for the host and its broker.
func WithLogger(l *logging.Logger) Option {
	return func(h *Host) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMetrics records host metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.jobs = make(chan job, n)
		}
	}
}

// New creates a host for tree. The host does not own the tree: Close stops
// serving but leaves the tree open.
func New(tree *memtree.Tree, topics mqtt.Topics, opts ...Option) *Host {
	h := &Host{
		tree:    tree,
		topics:  topics,
		logger:  logging.Discard(),
		jobs:    make(chan job, DefaultQueueSize),
		done:    make(chan struct{}),
		watches: make(map[string]map[string]remote.Registration),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start listens on addr (host:port, port 0 picks a free one) and begins
// serving. It returns once the broker accepts connections.
func (h *Host) Start(addr string) error {
	select {
	case <-h.done:
		return ErrHostClosed
	default:
	}
	if h.started {
		return fmt.Errorf("treehost: already started on %s", h.addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       h.logger.With("component", "broker").Logger,
	})
	// The tree hook must come first: the broker asks only the first hook
	// that provides an ACL check.
	if err := server.AddHook(&hook{host: h}, nil); err != nil {
		ln.Close()
		return fmt.Errorf("adding tree hook: %w", err)
	}
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		ln.Close()
		return fmt.Errorf("adding auth hook: %w", err)
	}
	if err := server.AddListener(listeners.NewNet(listenerID, ln)); err != nil {
		ln.Close()
		return fmt.Errorf("adding listener: %w", err)
	}

	h.server = server
	h.addr = ln.Addr()
	h.started = true

	h.wg.Add(1)
	go h.work()

	if err := server.Serve(); err != nil {
		h.Close()
		return fmt.Errorf("starting broker: %w", err)
	}

	h.logger.Info("tree host listening", "address", h.addr.String(), "prefix", h.topics.Root())
	return nil
}

// Addr returns the listening address, or nil before Start.
func (h *Host) Addr() net.Addr {
	return h.addr
}

// Listeners returns the number of listeners held for connected clients.
func (h *Host) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

// Close stops the broker and the worker and removes every client listener.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		if h.server != nil {
			err = h.server.Close()
		}
		h.wg.Wait()

		h.mu.Lock()
		for clientID, regs := range h.watches {
			for _, reg := range regs {
				reg.Remove()
			}
			delete(h.watches, clientID)
		}
		h.total = 0
		h.mu.Unlock()
		h.metrics.setListeners(0)
	})
	return err
}

func (h *Host) enqueue(j job) {
	select {
	case h.jobs <- j:
	case <-h.done:
	}
}

func (h *Host) work() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case j := <-h.jobs:
			if j.disconnect {
				h.dropClient(j.clientID)
				continue
			}
			h.handle(j.clientID, j.payload)
		}
	}
}

func (h *Host) handle(clientID string, payload []byte) {
	var req wire.Request
	if err := wire.Decode(payload, &req); err != nil || req.ID == "" {
		h.metrics.reject()
		h.logger.Warn("malformed tree request dropped", "client_id", clientID, "error", err)
		return
	}

	resp := h.apply(clientID, req)
	resp.ID = req.ID
	code := "ok"
	if !resp.OK {
		code = resp.Code
	}
	h.metrics.request(req.Op, code)

	out, err := wire.Encode(resp)
	if err != nil {
		h.logger.Error("encoding tree response", "client_id", clientID, "request_id", req.ID, "error", err)
		out, _ = wire.Encode(wire.Response{ID: req.ID, Code: remote.CodeInternal, Error: err.Error()})
	}
	if err := h.server.Publish(h.topics.Response(clientID), out, false, messageQoS); err != nil {
		h.logger.Warn("publishing tree response", "client_id", clientID, "request_id", req.ID, "error", err)
	}
}

// apply runs one request against the tree.
func (h *Host) apply(clientID string, req wire.Request) wire.Response {
	ctx := context.Background()

	switch req.Op {
	case wire.OpGet:
		snap, err := h.tree.Get(ctx, req.Path)
		if err != nil {
			return failure(err)
		}
		return wire.Response{OK: true, Value: remote.Query{LimitToLast: req.Limit}.Apply(snap).Value()}

	case wire.OpSet:
		return result(h.tree.Set(ctx, req.Path, req.Value))

	case wire.OpUpdate:
		values, ok := req.Value.(map[string]any)
		if !ok {
			return failure(fmt.Errorf("%w: update needs an object", remote.ErrInvalidValue))
		}
		return result(h.tree.Update(ctx, req.Path, values))

	case wire.OpRemove:
		return result(h.tree.Remove(ctx, req.Path))

	case wire.OpCAS:
		swapped, err := h.tree.CompareAndSet(ctx, req.Path, req.Expected, req.Value)
		if err != nil {
			return failure(err)
		}
		return wire.Response{OK: true, Swapped: swapped}

	case wire.OpListen:
		return result(h.listen(ctx, clientID, req))

	case wire.OpUnlisten:
		h.unlisten(clientID, req.WatchID)
		return wire.Response{OK: true}
	}

	return wire.Response{Code: remote.CodeInternal, Error: fmt.Sprintf("unknown operation %q", req.Op)}
}

func result(err error) wire.Response {
	if err != nil {
		return failure(err)
	}
	return wire.Response{OK: true}
}

func failure(err error) wire.Response {
	return wire.Response{Code: remote.ErrorCode(err), Error: err.Error()}
}

// listen registers a listener that publishes to the client's watch topic.
// A watch id that is already in use is replaced.
func (h *Host) listen(ctx context.Context, clientID string, req wire.Request) error {
	if req.WatchID == "" || mqtt.ValidateClientID(req.WatchID) != nil {
		return fmt.Errorf("%w: watch id %q", remote.ErrInvalidPath, req.WatchID)
	}
	h.unlisten(clientID, req.WatchID)

	topic := h.topics.Watch(clientID, req.WatchID)
	var reg remote.Registration
	l := remote.ListenerFuncs{
		Change: func(snap remote.Snapshot) {
			h.push(topic, wire.Push{WatchID: req.WatchID, Value: snap.Value()})
		},
		Cancel: func(err error) {
			h.forget(clientID, req.WatchID, reg)
			h.push(topic, wire.Push{
				WatchID:   req.WatchID,
				Cancelled: true,
				Code:      remote.ErrorCode(err),
				Error:     err.Error(),
			})
		},
	}

	// The lock is held across registration so that a cancellation cannot
	// run forget before reg is recorded.
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := h.tree.ListenAs(ctx, clientID, req.Path, remote.Query{LimitToLast: req.Limit}, l)
	if err != nil {
		return err
	}
	reg = r

	regs := h.watches[clientID]
	if regs == nil {
		regs = make(map[string]remote.Registration)
		h.watches[clientID] = regs
	}
	regs[req.WatchID] = reg
	h.total++
	h.metrics.setListeners(h.total)

	h.logger.Debug("client listener registered", "client_id", clientID, "watch_id", req.WatchID, "path", req.Path)
	return nil
}

func (h *Host) unlisten(clientID, watchID string) {
	h.mu.Lock()
	reg, ok := h.watches[clientID][watchID]
	if ok {
		h.removeLocked(clientID, watchID)
	}
	h.mu.Unlock()
	if ok {
		reg.Remove()
	}
}

// forget drops a listener the tree cancelled, unless it was replaced.
func (h *Host) forget(clientID, watchID string, reg remote.Registration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.watches[clientID][watchID]; ok && cur == reg {
		h.removeLocked(clientID, watchID)
	}
}

func (h *Host) removeLocked(clientID, watchID string) {
	regs := h.watches[clientID]
	delete(regs, watchID)
	if len(regs) == 0 {
		delete(h.watches, clientID)
	}
	h.total--
	h.metrics.setListeners(h.total)
}

func (h *Host) dropClient(clientID string) {
	h.mu.Lock()
	n := len(h.watches[clientID])
	delete(h.watches, clientID)
	h.total -= n
	h.metrics.setListeners(h.total)
	h.mu.Unlock()

	removed := h.tree.RemoveOwner(clientID)
	if removed > 0 || n > 0 {
		h.logger.Info("client disconnected, listeners dropped", "client_id", clientID, "listeners", removed)
	}
}

func (h *Host) push(topic string, p wire.Push) {
	out, err := wire.Encode(p)
	if err != nil {
		h.logger.Error("encoding listener push", "topic", topic, "error", err)
		return
	}
	if err := h.server.Publish(topic, out, false, messageQoS); err != nil {
		h.logger.Warn("publishing listener push", "topic", topic, "error", err)
		return
	}
	h.metrics.pushed()
}
