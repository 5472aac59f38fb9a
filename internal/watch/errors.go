package watch

import "errors"

var (
	// ErrTooManyWatches is returned when the configured number of concurrent
	// watches is already in use.
	ErrTooManyWatches = errors.New("watch: too many concurrent watches")

	// ErrClosed is returned by a subscription after Close.
	ErrClosed = errors.New("watch: subscription closed")

	// ErrWatcherClosed is returned by a watcher after Close.
	ErrWatcherClosed = errors.New("watch: watcher closed")
)
