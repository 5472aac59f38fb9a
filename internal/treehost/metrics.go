package treehost

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts host activity. A nil *Metrics records nothing.
type Metrics struct {
	requests  *prometheus.CounterVec
	pushes    prometheus.Counter
	listeners prometheus.Gauge
	rejected  prometheus.Counter
}

// NewMetrics creates the host metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dryerlink_treehost_requests_total",
			Help: "Tree requests handled, by operation and result code",
		}, []string{"op", "code"}),
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dryerlink_treehost_pushes_total",
			Help: "Listener pushes published",
		}),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dryerlink_treehost_listeners",
			Help: "Listeners registered by connected clients",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dryerlink_treehost_rejected_total",
			Help: "Malformed or unauthorised requests dropped",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.requests.Describe(ch)
	m.pushes.Describe(ch)
	m.listeners.Describe(ch)
	m.rejected.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.requests.Collect(ch)
	m.pushes.Collect(ch)
	m.listeners.Collect(ch)
	m.rejected.Collect(ch)
}

func (m *Metrics) request(op, code string) {
	if m != nil {
		m.requests.WithLabelValues(op, code).Inc()
	}
}

func (m *Metrics) pushed() {
	if m != nil {
		m.pushes.Inc()
	}
}

func (m *Metrics) setListeners(n int) {
	if m != nil {
		m.listeners.Set(float64(n))
	}
}

func (m *Metrics) reject() {
	if m != nil {
		m.rejected.Inc()
	}
}
