package remote

import "context"

// Store is the client handle for the remote device tree.
//
// All methods are safe for concurrent use. Paths are slash-separated and
// validated with ValidatePath.
type Store interface {
	// Get reads the node at path. A missing node is not an error: the
	// returned snapshot simply does not exist.
	Get(ctx context.Context, path string) (Snapshot, error)

	// Set replaces the node at path. A nil value deletes it.
	Set(ctx context.Context, path string, value any) error

	// Update merges values into the node at path in one atomic step.
	// Keys may be relative multi-segment paths; nil values delete.
	Update(ctx context.Context, path string, values map[string]any) error

	// Remove deletes the node at path and its subtree.
	Remove(ctx context.Context, path string) error

	// CompareAndSet writes value only if the node currently equals expected
	// (nil meaning absent). It reports whether the write happened.
	CompareAndSet(ctx context.Context, path string, expected, value any) (bool, error)

	// Listen registers l for the node at path. l receives the full, query
	// restricted snapshot once on registration and again after every change,
	// until the registration is removed or the store cancels it.
	Listen(ctx context.Context, path string, q Query, l Listener) (Registration, error)
}

// Listener receives notifications for one registration. Callbacks run on
// the store's notification goroutine and must not block.
type Listener interface {
	// OnChange delivers the complete current snapshot of the listened path.
	OnChange(snap Snapshot)

	// OnCancel is called at most once when the store terminates the
	// registration. No OnChange follows it.
	OnCancel(err error)
}

// ListenerFuncs adapts a pair of functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Change func(Snapshot)
	Cancel func(error)
}

// OnChange implements Listener.
func (f ListenerFuncs) OnChange(snap Snapshot) {
	if f.Change != nil {
		f.Change(snap)
	}
}

// OnCancel implements Listener.
func (f ListenerFuncs) OnCancel(err error) {
	if f.Cancel != nil {
		f.Cancel(err)
	}
}

// Registration is a live listener. Remove deregisters it; it is idempotent
// and OnCancel is not called for a removal requested by the client.
type Registration interface {
	Remove()
}

// RequireExists returns ErrNotFound (with the path) when snap does not exist.
func RequireExists(path string, snap Snapshot) error {
	if snap.Exists() {
		return nil
	}
	return &NotFoundError{Path: path}
}

// NotFoundError identifies the missing path. It matches ErrNotFound.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "remote: not found: " + e.Path
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
