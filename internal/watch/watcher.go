package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nerrad567/dryerlink-core/internal/device"
	"github.com/nerrad567/dryerlink-core/internal/remote"
)

// Default limits.
const (
	DefaultMaxWatches   = 64
	DefaultHistoryLimit = 100
	DefaultWriteQueue   = 256
)

// Watch kinds, used as metric labels.
const (
	kindDevice      = "device"
	kindUserDevices = "user_devices"
	kindHistory     = "history"
)

// Logger is the logging interface used by the watcher.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Watcher turns remote listeners into subscriptions of canonical values
// and writes every successful update through to the local cache.
type Watcher struct {
	store        remote.Store
	cache        Cache
	sink         ReadingSink
	logger       Logger
	metrics      *Metrics
	maxWatches   int64
	historyLimit int
	queueSize    int

	slots  *semaphore.Weighted
	writer *cacheWriter

	mu     sync.Mutex
	closed bool
	live   map[closer]struct{}
}

type closer interface{ Close() }

// Option configures a Watcher.
type Option func(*Watcher)

// WithCache enables write-through to the local cache.
func WithCache(c Cache) Option {
	return func(w *Watcher) { w.cache = c }
}

// WithReadingSink mirrors every new device reading to s.
func WithReadingSink(s ReadingSink) Option {
	return func(w *Watcher) { w.sink = s }
}

// WithLogger sets the watcher logger.
func WithLogger(l Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records watcher metrics.
func WithMetrics(m *Metrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// WithMaxWatches bounds the number of concurrently open subscriptions.
func WithMaxWatches(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.maxWatches = int64(n)
		}
	}
}

// WithHistoryLimit sets the limit used when WatchHistory is called with
// a non-positive limit.
func WithHistoryLimit(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.historyLimit = n
		}
	}
}

// WithWriteQueue sets the capacity of the cache write queue.
func WithWriteQueue(n int) Option {
	return func(w *Watcher) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// New creates a watcher over store.
func New(store remote.Store, opts ...Option) *Watcher {
	w := &Watcher{
		store:        store,
		logger:       noopLogger{},
		maxWatches:   DefaultMaxWatches,
		historyLimit: DefaultHistoryLimit,
		queueSize:    DefaultWriteQueue,
		live:         make(map[closer]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.slots = semaphore.NewWeighted(w.maxWatches)
	if w.cache != nil {
		w.writer = newCacheWriter(w.cache, w.queueSize, w.logger, w.metrics)
	}
	return w
}

// Close closes every open subscription and flushes pending cache writes.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	live := make([]closer, 0, len(w.live))
	for c := range w.live {
		live = append(live, c)
	}
	w.mu.Unlock()

	for _, c := range live {
		c.Close()
	}
	if w.writer != nil {
		w.writer.close()
	}
}

// start reserves a watch slot, registers the listener and wires cleanup.
// listen is called with the subscription already tracked so that no
// notification can be lost.
func start[T any](ctx context.Context, w *Watcher, kind, path string, q remote.Query, l func(sub *Subscription[T]) remote.Listener) (*Subscription[T], error) {
	if !w.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyWatches, w.maxWatches)
	}

	sub := newSubscription[T]()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.slots.Release(1)
		return nil, ErrWatcherClosed
	}
	w.live[sub] = struct{}{}
	w.mu.Unlock()

	w.metrics.watchStarted(kind)
	sub.addCloser(func() {
		w.mu.Lock()
		delete(w.live, sub)
		w.mu.Unlock()
		w.slots.Release(1)
		w.metrics.watchStopped(kind)
	})

	reg, err := w.store.Listen(ctx, path, q, l(sub))
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	// Registered first so Close removes the listener before freeing the slot.
	sub.mu.Lock()
	sub.onClose = append([]func(){reg.Remove}, sub.onClose...)
	sub.mu.Unlock()

	// The subscription may have been closed while Listen was in flight.
	if errors.Is(sub.Err(), ErrClosed) {
		reg.Remove()
	}

	w.logger.Debug("watch started", "kind", kind, "path", path)
	return sub, nil
}

// terminate ends sub with a remote failure.
func terminate[T any](w *Watcher, sub *Subscription[T], kind, path string, err error) {
	if err == nil {
		err = remote.ErrListenerCancelled
	}
	w.metrics.watchTerminated(kind)
	w.logger.Warn("watch terminated by remote store", "kind", kind, "path", path, "error", err)
	sub.fail(fmt.Errorf("watching %s: %w", path, err))
}

// WatchDevice follows the full devices/{id} subtree.
//
// Every update is delivered as a translated device. A node that exists but
// is not an object is dropped and counted as malformed. Updates for a device
// that exists are also recorded in the cache (reading first, then summary)
// and, when the status carries a new timestamp, sent to the reading sink.
func (w *Watcher) WatchDevice(ctx context.Context, deviceID string) (*Subscription[device.Device], error) {
	if err := device.ValidateID(deviceID); err != nil {
		return nil, err
	}
	path := remote.DevicePath(deviceID)

	return start(ctx, w, kindDevice, path, remote.Query{}, func(sub *Subscription[device.Device]) remote.Listener {
		var lastReading int64
		return remote.ListenerFuncs{
			Change: func(snap remote.Snapshot) {
				if snap.Exists() && !snap.IsObject() {
					// Not a device record at all: keep the last good view.
					w.metrics.malformed(1)
					w.logger.Warn("dropping malformed device node", "device_id", deviceID, "path", path)
					return
				}
				d := device.TranslateDevice(deviceID, snap)
				w.metrics.delivered(kindDevice, sub.deliver(d))
				if !snap.Exists() {
					return
				}

				r := d.Status.Reading()
				if w.writer != nil {
					w.writer.enqueue(cacheJob{deviceID: deviceID, snapshot: &d, reading: r})
				}
				if w.sink != nil && r.Timestamp > 0 && r.Timestamp != lastReading {
					lastReading = r.Timestamp
					w.sink.WriteReading(deviceID, r)
				}
			},
			Cancel: func(err error) { terminate(w, sub, kindDevice, path, err) },
		}
	})
}

// WatchUserDevices follows users/{uid}/devices and delivers the device ids
// in index order with duplicates and non-string entries removed.
func (w *Watcher) WatchUserDevices(ctx context.Context, userID string) (*Subscription[[]string], error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", remote.ErrInvalidPath)
	}
	path := remote.UserDevicesPath(userID)

	return start(ctx, w, kindUserDevices, path, remote.Query{}, func(sub *Subscription[[]string]) remote.Listener {
		return remote.ListenerFuncs{
			Change: func(snap remote.Snapshot) {
				w.metrics.delivered(kindUserDevices, sub.deliver(DeviceIDs(snap)))
			},
			Cancel: func(err error) { terminate(w, sub, kindUserDevices, path, err) },
		}
	})
}

// DeviceIDs reads a user device index: ids in key order, de-duplicated,
// skipping entries that are not non-empty strings.
func DeviceIDs(snap remote.Snapshot) []string {
	children := snap.Children()
	ids := make([]string, 0, len(children))
	seen := make(map[string]struct{}, len(children))
	for _, c := range children {
		id := c.String("")
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// WatchHistory follows the last limit entries of devices/{id}/history.
//
// Each delivery is the valid entries sorted newest first and truncated to
// limit. Malformed entries are dropped and logged; they never fail the
// batch. A non-positive limit uses the configured default.
func (w *Watcher) WatchHistory(ctx context.Context, deviceID string, limit int) (*Subscription[[]device.Reading], error) {
	if err := device.ValidateID(deviceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = w.historyLimit
	}
	path := remote.HistoryPath(deviceID)

	return start(ctx, w, kindHistory, path, remote.Query{LimitToLast: limit}, func(sub *Subscription[[]device.Reading]) remote.Listener {
		return remote.ListenerFuncs{
			Change: func(snap remote.Snapshot) {
				readings, dropped := w.parseHistory(deviceID, snap, limit)
				w.metrics.malformed(dropped)
				w.metrics.delivered(kindHistory, sub.deliver(readings))
				if w.writer != nil && len(readings) > 0 {
					w.writer.enqueue(cacheJob{deviceID: deviceID, history: readings})
				}
			},
			Cancel: func(err error) { terminate(w, sub, kindHistory, path, err) },
		}
	})
}

func (w *Watcher) parseHistory(deviceID string, snap remote.Snapshot, limit int) ([]device.Reading, int) {
	children := snap.Children()
	readings := make([]device.Reading, 0, len(children))
	dropped := 0
	for _, c := range children {
		r, err := device.ReadingFromHistory(c.Key(), c)
		if err != nil {
			dropped++
			w.logger.Warn("dropping malformed history entry", "device_id", deviceID, "key", c.Key(), "error", err)
			continue
		}
		readings = append(readings, r)
	}

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp > readings[j].Timestamp
	})
	if len(readings) > limit {
		readings = readings[:limit]
	}
	return readings, dropped
}
