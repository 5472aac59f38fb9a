package watch

import (
	"context"
	"sync"
)

// Event is one delivery on a subscription. Err is set only on the final
// event, after which the subscription is finished.
type Event[T any] struct {
	Value T
	Err   error
}

// Subscription is a live, cancellable view of one remote path.
//
// Delivery conflates: if the consumer has not taken the pending value when
// a newer one arrives, the older one is replaced, so the notification path
// never blocks and the consumer always sees the latest full state. The
// terminal failure is never replaced or dropped.
//
// Close must be called to release the remote listener.
type Subscription[T any] struct {
	mu       sync.Mutex
	ch       chan Event[T]
	finished bool
	err      error

	closeOnce sync.Once
	onClose   []func()
}

func newSubscription[T any]() *Subscription[T] {
	return &Subscription[T]{ch: make(chan Event[T], 1)}
}

// Updates returns the event channel. It is closed after the terminal event
// or when the subscription is closed.
func (s *Subscription[T]) Updates() <-chan Event[T] {
	return s.ch
}

// Next blocks until the next value arrives. It returns the terminal error
// once the subscription has failed, or ErrClosed after Close.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return zero, s.Err()
		}
		if ev.Err != nil {
			return zero, ev.Err
		}
		return ev.Value, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Err returns the terminal error, ErrClosed after Close, or nil while live.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close deregisters the remote listener and releases the watch slot.
// It is idempotent.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if !s.finished {
			s.finished = true
			s.err = ErrClosed
			close(s.ch)
		}
		hooks := s.onClose
		s.onClose = nil
		s.mu.Unlock()

		for _, fn := range hooks {
			fn()
		}
	})
}

// addCloser registers cleanup run once by Close.
func (s *Subscription[T]) addCloser(fn func()) {
	s.mu.Lock()
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// deliver publishes v, replacing any value the consumer has not yet taken.
// It reports whether a pending value was replaced.
func (s *Subscription[T]) deliver(v T) (replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	select {
	case <-s.ch:
		replaced = true
	default:
	}
	s.ch <- Event[T]{Value: v}
	return replaced
}

// fail publishes the terminal error and closes the channel behind it.
// Any pending value is replaced.
func (s *Subscription[T]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	select {
	case <-s.ch:
	default:
	}
	s.ch <- Event[T]{Err: err}
	close(s.ch)
}
