// Package mqttstore implements remote.Store against a tree host reached
// over MQTT.
//
// Every request carries a fresh id and waits for the matching response on
// the client's response topic. Listener pushes arrive on the client's watch
// topics and are delivered by a single dispatcher goroutine. When the
// connection drops, the host forgets the client's listeners, so every live
// registration is cancelled with remote.ErrDisconnected and pending
// requests fail the same way.
package mqttstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/dryerlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/dryerlink-core/internal/remote"
	"github.com/nerrad567/dryerlink-core/internal/remote/wire"
)

// DefaultRequestTimeout bounds a request when the context has no earlier deadline.
const DefaultRequestTimeout = 10 * time.Second

// unlistenTimeout bounds the background unlisten sent by Registration.Remove.
const unlistenTimeout = 5 * time.Second

// ErrTimeout is returned when the host does not answer in time. It wraps
// remote.ErrDisconnected: an unanswered host is treated as unreachable.
var ErrTimeout = fmt.Errorf("mqttstore: request timed out: %w", remote.ErrDisconnected)

// Conn is the MQTT connection the store runs on. *mqtt.Client implements it.
// The store takes over the connection's disconnect callback.
type Conn interface {
	ClientID() string
	Topics() mqtt.Topics
	QoS() byte
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	SetOnDisconnect(callback func(err error))
}

// Logger is the logging interface used by the store.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Store is a remote.Store backed by a tree host.
type Store struct {
	conn    Conn
	topics  mqtt.Topics
	id      string
	timeout time.Duration
	logger  Logger

	dispatch *dispatcher
	bg       sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	pending map[string]chan wire.Response
	watches map[string]*watch
}

var _ remote.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New subscribes to the client's response and watch topics and returns a
// ready store. The connection must be up.
func New(conn Conn, opts ...Option) (*Store, error) {
	s := &Store{
		conn:    conn,
		topics:  conn.Topics(),
		id:      conn.ClientID(),
		timeout: DefaultRequestTimeout,
		logger:  noopLogger{},
		pending: make(map[string]chan wire.Response),
		watches: make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := conn.Subscribe(s.topics.Response(s.id), conn.QoS(), s.handleResponse); err != nil {
		return nil, fmt.Errorf("subscribing to responses: %w", err)
	}
	if err := conn.Subscribe(s.topics.ClientWatches(s.id), conn.QoS(), s.handlePush); err != nil {
		_ = conn.Unsubscribe(s.topics.Response(s.id))
		return nil, fmt.Errorf("subscribing to listener pushes: %w", err)
	}
	conn.SetOnDisconnect(s.disconnected)

	s.dispatch = newDispatcher()
	return s, nil
}

// Close cancels every registration with remote.ErrDisconnected, fails
// pending requests and unsubscribes. It does not close the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.conn.SetOnDisconnect(nil)
	s.failAll(remote.ErrDisconnected)
	s.bg.Wait()

	errRes := s.conn.Unsubscribe(s.topics.Response(s.id))
	errWatch := s.conn.Unsubscribe(s.topics.ClientWatches(s.id))
	s.dispatch.close()

	if err := errors.Join(errRes, errWatch); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		return fmt.Errorf("closing remote store: %w", err)
	}
	return nil
}

// Get implements remote.Store.
func (s *Store) Get(ctx context.Context, path string) (remote.Snapshot, error) {
	if err := remote.ValidatePath(path); err != nil {
		return remote.Snapshot{}, err
	}
	resp, err := s.call(ctx, wire.Request{Op: wire.OpGet, Path: path})
	if err != nil {
		return remote.Snapshot{}, err
	}
	return snapshot(path, resp.Value)
}

// Set implements remote.Store.
func (s *Store) Set(ctx context.Context, path string, value any) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	v, err := remote.Normalize(value)
	if err != nil {
		return err
	}
	_, err = s.call(ctx, wire.Request{Op: wire.OpSet, Path: path, Value: v})
	return err
}

// Update implements remote.Store.
func (s *Store) Update(ctx context.Context, path string, values map[string]any) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	// nil children mean delete and must survive encoding, so the map is
	// sent as is after checking each value.
	out := make(map[string]any, len(values))
	for rel, v := range values {
		if err := remote.ValidatePath(rel); err != nil {
			return err
		}
		n, err := remote.Normalize(v)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		out[rel] = n
	}
	if len(out) == 0 {
		return nil
	}
	_, err := s.call(ctx, wire.Request{Op: wire.OpUpdate, Path: path, Value: out})
	return err
}

// Remove implements remote.Store.
func (s *Store) Remove(ctx context.Context, path string) error {
	if err := remote.ValidatePath(path); err != nil {
		return err
	}
	_, err := s.call(ctx, wire.Request{Op: wire.OpRemove, Path: path})
	return err
}

// CompareAndSet implements remote.Store.
func (s *Store) CompareAndSet(ctx context.Context, path string, expected, value any) (bool, error) {
	if err := remote.ValidatePath(path); err != nil {
		return false, err
	}
	exp, err := remote.Normalize(expected)
	if err != nil {
		return false, err
	}
	v, err := remote.Normalize(value)
	if err != nil {
		return false, err
	}
	resp, err := s.call(ctx, wire.Request{Op: wire.OpCAS, Path: path, Expected: exp, Value: v})
	if err != nil {
		return false, err
	}
	return resp.Swapped, nil
}

// Listen implements remote.Store.
func (s *Store) Listen(ctx context.Context, path string, q remote.Query, l remote.Listener) (remote.Registration, error) {
	if err := remote.ValidatePath(path); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, errors.New("mqttstore: nil listener")
	}

	w := &watch{store: s, id: uuid.NewString(), path: path, l: l}

	// Pushes can overtake the listen response, so the watch is known
	// before the request goes out.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, remote.ErrDisconnected
	}
	s.watches[w.id] = w
	s.mu.Unlock()

	_, err := s.call(ctx, wire.Request{Op: wire.OpListen, Path: path, Limit: q.LimitToLast, WatchID: w.id})
	if err != nil {
		// The host may still register the watch after a timeout or a
		// cancelled context; unlisten is harmless when it did not.
		w.stopped.Store(true)
		s.forget(w)
		s.unlisten(w)
		return nil, err
	}

	s.logger.Debug("remote listener registered", "path", path, "watch_id", w.id)
	return w, nil
}

// call sends req and waits for its response.
func (s *Store) call(ctx context.Context, req wire.Request) (wire.Response, error) {
	if err := ctx.Err(); err != nil {
		return wire.Response{}, err
	}

	req.ID = uuid.NewString()
	ch := make(chan wire.Response, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return wire.Response{}, remote.ErrDisconnected
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	payload, err := wire.Encode(req)
	if err != nil {
		return wire.Response{}, fmt.Errorf("%w: %w", remote.ErrInvalidValue, err)
	}
	if err := s.conn.Publish(s.topics.Request(s.id), payload, s.conn.QoS(), false); err != nil {
		return wire.Response{}, fmt.Errorf("%w: %w", remote.ErrDisconnected, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, remote.ErrorFromCode(resp.Code, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	case <-timer.C:
		return wire.Response{}, fmt.Errorf("%s %s: %w", req.Op, req.Path, ErrTimeout)
	}
}

func (s *Store) handleResponse(_ string, payload []byte) error {
	var resp wire.Response
	if err := wire.Decode(payload, &resp); err != nil {
		return err
	}

	s.mu.Lock()
	ch, ok := s.pending[resp.ID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("response for unknown request", "request_id", resp.ID)
		return nil
	}
	select {
	case ch <- resp:
	default:
	}
	return nil
}

func (s *Store) handlePush(topic string, payload []byte) error {
	_, watchID, ok := s.topics.ParseWatch(topic)
	if !ok {
		return fmt.Errorf("unexpected push topic %q", topic)
	}
	var p wire.Push
	if err := wire.Decode(payload, &p); err != nil {
		return err
	}

	s.mu.Lock()
	w, ok := s.watches[watchID]
	if ok && p.Cancelled {
		delete(s.watches, watchID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if p.Cancelled {
		w.cancel(remote.ErrorFromCode(p.Code, p.Error))
		return nil
	}

	snap, err := snapshot(w.path, p.Value)
	if err != nil {
		return fmt.Errorf("push for %s: %w", w.path, err)
	}
	w.change(snap)
	return nil
}

func (s *Store) disconnected(err error) {
	s.logger.Warn("remote store connection lost", "error", err)
	cause := remote.ErrDisconnected
	if err != nil {
		cause = fmt.Errorf("%w: %w", remote.ErrDisconnected, err)
	}
	s.failAll(cause)
}

// failAll cancels every registration with err and fails pending requests.
func (s *Store) failAll(err error) {
	s.mu.Lock()
	watches := s.watches
	s.watches = make(map[string]*watch)
	for id, ch := range s.pending {
		select {
		case ch <- wire.Response{ID: id, Code: remote.CodeDisconnected, Error: err.Error()}:
		default:
		}
	}
	s.mu.Unlock()

	for _, w := range watches {
		w.cancel(err)
	}
}

func (s *Store) forget(w *watch) {
	s.mu.Lock()
	if s.watches[w.id] == w {
		delete(s.watches, w.id)
	}
	s.mu.Unlock()
}

// unlisten tells the host to drop a watch. It runs in the background
// because Remove may be called from a listener callback.
func (s *Store) unlisten(w *watch) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.bg.Add(1)
	}
	s.mu.Unlock()
	if closed {
		return
	}

	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), unlistenTimeout)
		defer cancel()
		if _, err := s.call(ctx, wire.Request{Op: wire.OpUnlisten, WatchID: w.id}); err != nil {
			s.logger.Debug("unlisten failed", "watch_id", w.id, "error", err)
		}
	}()
}

func snapshot(path string, raw any) (remote.Snapshot, error) {
	v, err := remote.Normalize(raw)
	if err != nil {
		return remote.Snapshot{}, err
	}
	segs := remote.Split(path)
	return remote.Wrap(segs[len(segs)-1], v), nil
}

// watch is one registration. Callbacks are queued on the store dispatcher
// and skipped once the watch has stopped.
type watch struct {
	store   *Store
	id      string
	path    string
	l       remote.Listener
	stopped atomic.Bool
}

func (w *watch) change(snap remote.Snapshot) {
	w.store.dispatch.push(func() {
		if !w.stopped.Load() {
			w.l.OnChange(snap)
		}
	})
}

func (w *watch) cancel(err error) {
	w.store.dispatch.push(func() {
		if !w.stopped.Swap(true) {
			w.l.OnCancel(err)
		}
	})
}

// Remove implements remote.Registration.
func (w *watch) Remove() {
	if w.stopped.Swap(true) {
		return
	}
	w.store.forget(w)
	w.store.unlisten(w)
}
