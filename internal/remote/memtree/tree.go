// Package memtree is an in-memory implementation of remote.Store.
//
// It backs the tree host, the memory backend of the daemon and every test
// that needs a remote store. Writes are applied copy-on-write, so the
// snapshots handed to listeners are never mutated afterwards.
//
// Listener callbacks run on one notification goroutine per tree, in the
// order the changes were committed. A listener is only notified when the
// (query restricted) value at its path actually changed.
package memtree

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/nerrad567/dryerlink-core/internal/remote"
)

// Logger is the logging interface used by the tree.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Tree is an in-memory device tree.
type Tree struct {
	mu        sync.Mutex
	root      map[string]any
	listeners map[uint64]*listener
	nextID    uint64
	closed    bool
	logger    Logger

	queue *notifyQueue
}

type listener struct {
	id    uint64
	path  string
	segs  []string
	query remote.Query
	l     remote.Listener
	owner string

	// last is the value most recently queued for delivery; guarded by Tree.mu.
	last any

	// done is set once the listener is removed or cancelled; guarded by the
	// queue lock so a removed listener receives nothing further.
	done bool
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the tree logger.
func WithLogger(l Logger) Option {
	return func(t *Tree) {
		if l != nil {
			t.logger = l
		}
	}
}

// New creates an empty tree and starts its notification goroutine.
func New(opts ...Option) *Tree {
	t := &Tree{
		root:      map[string]any{},
		listeners: make(map[uint64]*listener),
		logger:    noopLogger{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.queue = newNotifyQueue()
	go t.queue.run()
	return t
}

// Get implements remote.Store.
func (t *Tree) Get(ctx context.Context, path string) (remote.Snapshot, error) {
	if err := t.check(ctx, path); err != nil {
		return remote.Snapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(path), nil
}

// Set implements remote.Store.
func (t *Tree) Set(ctx context.Context, path string, value any) error {
	if err := t.check(ctx, path); err != nil {
		return err
	}
	normalized, err := remote.Normalize(value)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return remote.ErrDisconnected
	}
	t.setLocked(remote.Split(path), normalized)
	t.notifyLocked(path)
	return nil
}

// Update implements remote.Store.
func (t *Tree) Update(ctx context.Context, path string, values map[string]any) error {
	if err := t.check(ctx, path); err != nil {
		return err
	}

	type write struct {
		segs  []string
		value any
	}
	writes := make([]write, 0, len(values))
	for rel, v := range values {
		if err := remote.ValidatePath(rel); err != nil {
			return err
		}
		normalized, err := remote.Normalize(v)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}
		writes = append(writes, write{segs: remote.Split(remote.Join(path, rel)), value: normalized})
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return remote.ErrDisconnected
	}
	for _, w := range writes {
		t.setLocked(w.segs, w.value)
	}
	t.notifyLocked(path)
	return nil
}

// Remove implements remote.Store.
func (t *Tree) Remove(ctx context.Context, path string) error {
	return t.Set(ctx, path, nil)
}

// CompareAndSet implements remote.Store.
func (t *Tree) CompareAndSet(ctx context.Context, path string, expected, value any) (bool, error) {
	if err := t.check(ctx, path); err != nil {
		return false, err
	}
	normalizedExpected, err := remote.Normalize(expected)
	if err != nil {
		return false, err
	}
	normalized, err := remote.Normalize(value)
	if err != nil {
		return false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false, remote.ErrDisconnected
	}
	current := getIn(t.root, remote.Split(path))
	if !reflect.DeepEqual(current, normalizedExpected) {
		return false, nil
	}
	t.setLocked(remote.Split(path), normalized)
	t.notifyLocked(path)
	return true, nil
}

// Listen implements remote.Store.
func (t *Tree) Listen(ctx context.Context, path string, q remote.Query, l remote.Listener) (remote.Registration, error) {
	return t.ListenAs(ctx, "", path, q, l)
}

// ListenAs registers a listener tagged with an owner so that RemoveOwner can
// drop every listener of a departed client at once.
func (t *Tree) ListenAs(ctx context.Context, owner, path string, q remote.Query, l remote.Listener) (remote.Registration, error) {
	if err := t.check(ctx, path); err != nil {
		return nil, err
	}
	if l == nil {
		return nil, fmt.Errorf("memtree: nil listener")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, remote.ErrDisconnected
	}

	t.nextID++
	ln := &listener{
		id:    t.nextID,
		path:  path,
		segs:  remote.Split(path),
		query: q,
		l:     l,
		owner: owner,
	}
	t.listeners[ln.id] = ln

	snap := q.Apply(t.snapshotLocked(path))
	ln.last = snap.Value()
	t.queue.push(ln, func() { ln.l.OnChange(snap) })

	t.logger.Debug("listener registered", "path", path, "listener_id", ln.id, "owner", owner)
	return &registration{tree: t, ln: ln}, nil
}

type registration struct {
	tree *Tree
	ln   *listener
	once sync.Once
}

// Remove implements remote.Registration.
func (r *registration) Remove() {
	r.once.Do(func() {
		r.tree.mu.Lock()
		delete(r.tree.listeners, r.ln.id)
		r.tree.mu.Unlock()
		r.tree.queue.retire(r.ln)
	})
}

// Listeners returns the number of registered listeners.
func (t *Tree) Listeners() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners)
}

// Revoke cancels every listener at or below path with err, which defaults
// to remote.ErrPermissionDenied. It models access being withdrawn.
func (t *Tree) Revoke(path string, err error) int {
	if err == nil {
		err = remote.ErrPermissionDenied
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelLocked(func(ln *listener) bool { return remote.IsWithin(ln.path, path) }, err)
}

// RemoveOwner drops the listeners registered by owner without calling
// OnCancel; the owner is gone and nobody is left to tell.
func (t *Tree) RemoveOwner(owner string) int {
	t.mu.Lock()
	var gone []*listener
	for id, ln := range t.listeners {
		if ln.owner == owner {
			delete(t.listeners, id)
			gone = append(gone, ln)
		}
	}
	t.mu.Unlock()

	for _, ln := range gone {
		t.queue.retire(ln)
	}
	return len(gone)
}

// Close cancels every listener with remote.ErrDisconnected, waits for
// pending notifications to drain and rejects further operations.
func (t *Tree) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.cancelLocked(func(*listener) bool { return true }, remote.ErrDisconnected)
	t.mu.Unlock()

	t.queue.close()
}

func (t *Tree) cancelLocked(match func(*listener) bool, err error) int {
	n := 0
	for id, ln := range t.listeners {
		if !match(ln) {
			continue
		}
		delete(t.listeners, id)
		ln := ln
		t.queue.pushFinal(ln, func() { ln.l.OnCancel(err) })
		n++
	}
	return n
}

func (t *Tree) check(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return remote.ValidatePath(path)
}

func (t *Tree) snapshotLocked(path string) remote.Snapshot {
	segs := remote.Split(path)
	key := ""
	if len(segs) > 0 {
		key = segs[len(segs)-1]
	}
	return remote.Wrap(key, getIn(t.root, segs))
}

func (t *Tree) setLocked(segs []string, value any) {
	next, _ := setIn(t.root, segs, value).(map[string]any)
	if next == nil {
		next = map[string]any{}
	}
	t.root = next
}

// notifyLocked queues a notification for every listener whose observed
// value differs from what it last received. changed is the written path;
// only listeners on the same branch can be affected.
func (t *Tree) notifyLocked(changed string) {
	for _, ln := range t.listeners {
		if !remote.IsWithin(ln.path, changed) && !remote.IsWithin(changed, ln.path) {
			continue
		}
		snap := ln.query.Apply(t.snapshotLocked(ln.path))
		if reflect.DeepEqual(snap.Value(), ln.last) {
			continue
		}
		ln.last = snap.Value()
		ln := ln
		t.queue.push(ln, func() { ln.l.OnChange(snap) })
	}
}

func getIn(node any, segs []string) any {
	cur := node
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil
	}
	return cur
}

// setIn returns a copy of node with value stored at segs. Maps along the
// path are copied; untouched siblings are shared. Empty objects collapse.
func setIn(node any, segs []string, value any) any {
	if len(segs) == 0 {
		return value
	}
	m, _ := node.(map[string]any)
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	child := setIn(m[segs[0]], segs[1:], value)
	if child == nil {
		delete(out, segs[0])
	} else {
		out[segs[0]] = child
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
