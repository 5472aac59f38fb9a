package remote

import (
	"context"
	"errors"
	"fmt"
)

// MaxTransactAttempts bounds the read/compare-and-set loop of Transact.
const MaxTransactAttempts = 25

// TransactFunc computes the new value of a node from its current snapshot.
// Returning an error wrapping ErrAbortTransaction stops without writing.
type TransactFunc func(current Snapshot) (any, error)

// Transact runs an optimistic read-modify-write on one node.
//
// fn may be called several times; it must be free of side effects. On
// success the returned snapshot holds the committed value. When fn aborts,
// the snapshot it was given is returned together with its error.
func Transact(ctx context.Context, s Store, path string, fn TransactFunc) (Snapshot, error) {
	for attempt := 0; attempt < MaxTransactAttempts; attempt++ {
		current, err := s.Get(ctx, path)
		if err != nil {
			return Snapshot{}, err
		}

		next, err := fn(current)
		if err != nil {
			return current, err
		}

		normalized, err := Normalize(next)
		if err != nil {
			return current, err
		}

		swapped, err := s.CompareAndSet(ctx, path, current.Value(), normalized)
		if err != nil {
			return Snapshot{}, err
		}
		if swapped {
			return Wrap(current.Key(), normalized), nil
		}

		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
	}
	return Snapshot{}, fmt.Errorf("%w: %s after %d attempts", ErrTransactionContention, path, MaxTransactAttempts)
}

// IsAborted reports whether err came from a TransactFunc abort.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAbortTransaction)
}
