package watch

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/dryerlink-core/internal/device"
)

// cacheWriteTimeout bounds a single cache write so a wedged database cannot
// hold the writer forever.
const cacheWriteTimeout = 10 * time.Second

// Cache is the subset of the local cache the watcher writes through to.
type Cache interface {
	RecordSnapshot(ctx context.Context, d device.Device, r device.Reading) error
	UpsertReadings(ctx context.Context, deviceID string, readings []device.Reading) error
}

// ReadingSink receives every new reading seen on a device watch, e.g. the
// InfluxDB mirror. Implementations must not block.
type ReadingSink interface {
	WriteReading(deviceID string, r device.Reading)
}

type cacheJob struct {
	deviceID string
	snapshot *device.Device
	reading  device.Reading
	history  []device.Reading
}

// cacheWriter applies cache writes on its own goroutine. The queue is
// bounded and a write that does not fit is dropped and logged.
type cacheWriter struct {
	cache   Cache
	logger  Logger
	metrics *Metrics

	mu     sync.Mutex
	closed bool
	jobs   chan cacheJob
	done   chan struct{}
}

func newCacheWriter(c Cache, size int, logger Logger, metrics *Metrics) *cacheWriter {
	w := &cacheWriter{
		cache:   c,
		logger:  logger,
		metrics: metrics,
		jobs:    make(chan cacheJob, size),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *cacheWriter) enqueue(job cacheJob) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.metrics.writeDropped()
		w.logger.Warn("cache write queue full, dropping write", "device_id", job.deviceID)
	}
}

// close stops accepting jobs, finishes the queued ones and waits.
func (w *cacheWriter) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	<-w.done
}

func (w *cacheWriter) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.apply(job)
	}
}

func (w *cacheWriter) apply(job cacheJob) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()

	var err error
	switch {
	case job.snapshot != nil:
		err = w.cache.RecordSnapshot(ctx, *job.snapshot, job.reading)
	case len(job.history) > 0:
		err = w.cache.UpsertReadings(ctx, job.deviceID, job.history)
	default:
		return
	}
	if err != nil {
		w.metrics.writeFailed()
		w.logger.Error("cache write failed", "device_id", job.deviceID, "error", err)
	}
}
