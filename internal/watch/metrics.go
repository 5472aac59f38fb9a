package watch

import "github.com/prometheus/client_golang/prometheus"

// Metrics collects watcher metrics. It implements prometheus.Collector and
// is registered by the caller; a nil *Metrics is valid and records nothing.
type Metrics struct {
	activeWatches    *prometheus.GaugeVec
	updates          *prometheus.CounterVec
	conflated        *prometheus.CounterVec
	droppedRecords   prometheus.Counter
	droppedWrites    prometheus.Counter
	cacheWriteErrors prometheus.Counter
	terminated       *prometheus.CounterVec
}

// NewMetrics creates the watcher metrics.
func NewMetrics() *Metrics {
	kind := []string{"kind"}
	return &Metrics{
		activeWatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dryerlink_watch_active",
			Help: "Number of live remote watches",
		}, kind),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dryerlink_watch_updates_total",
			Help: "Remote updates delivered to subscribers",
		}, kind),
		conflated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dryerlink_watch_conflated_total",
			Help: "Updates replaced before the subscriber read them",
		}, kind),
		droppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dryerlink_watch_malformed_records_total",
			Help: "Malformed device nodes and history entries dropped",
		}),
		droppedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dryerlink_watch_cache_writes_dropped_total",
			Help: "Cache writes dropped because the write queue was full",
		}),
		cacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dryerlink_watch_cache_write_errors_total",
			Help: "Cache writes that failed",
		}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dryerlink_watch_terminated_total",
			Help: "Watches terminated by the remote store",
		}, kind),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.activeWatches.Describe(ch)
	m.updates.Describe(ch)
	m.conflated.Describe(ch)
	m.droppedRecords.Describe(ch)
	m.droppedWrites.Describe(ch)
	m.cacheWriteErrors.Describe(ch)
	m.terminated.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.activeWatches.Collect(ch)
	m.updates.Collect(ch)
	m.conflated.Collect(ch)
	m.droppedRecords.Collect(ch)
	m.droppedWrites.Collect(ch)
	m.cacheWriteErrors.Collect(ch)
	m.terminated.Collect(ch)
}

func (m *Metrics) watchStarted(kind string) {
	if m != nil {
		m.activeWatches.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) watchStopped(kind string) {
	if m != nil {
		m.activeWatches.WithLabelValues(kind).Dec()
	}
}

func (m *Metrics) delivered(kind string, replaced bool) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(kind).Inc()
	if replaced {
		m.conflated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) malformed(n int) {
	if m != nil && n > 0 {
		m.droppedRecords.Add(float64(n))
	}
}

func (m *Metrics) writeDropped() {
	if m != nil {
		m.droppedWrites.Inc()
	}
}

func (m *Metrics) writeFailed() {
	if m != nil {
		m.cacheWriteErrors.Inc()
	}
}

func (m *Metrics) watchTerminated(kind string) {
	if m != nil {
		m.terminated.WithLabelValues(kind).Inc()
	}
}
