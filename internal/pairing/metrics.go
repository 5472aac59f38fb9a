package pairing

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts pairing activity. A nil *Metrics records nothing.
type Metrics struct {
	outcomes *prometheus.CounterVec
	unpairs  prometheus.Counter
	issued   prometheus.Counter
}

// NewMetrics creates the pairing metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dryerlink_pairing_attempts_total",
			Help: "Pairing attempts by outcome",
		}, []string{"outcome"}),
		unpairs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dryerlink_pairing_unpairs_total",
			Help: "Devices unpaired",
		}),
		issued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dryerlink_pairing_codes_issued_total",
			Help: "Pairing codes issued",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.outcomes.Describe(ch)
	m.unpairs.Describe(ch)
	m.issued.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.outcomes.Collect(ch)
	m.unpairs.Collect(ch)
	m.issued.Collect(ch)
}

func (m *Metrics) outcome(o Outcome) {
	if m != nil {
		m.outcomes.WithLabelValues(o.String()).Inc()
	}
}

func (m *Metrics) unpaired() {
	if m != nil {
		m.unpairs.Inc()
	}
}

func (m *Metrics) codeIssued() {
	if m != nil {
		m.issued.Inc()
	}
}
