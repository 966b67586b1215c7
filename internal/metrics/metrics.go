package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agentdesk"

// Metrics exposes Prometheus collectors for the client's background loops.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	taskStarted      *prometheus.CounterVec
	taskSuperseded   *prometheus.CounterVec
	taskDiscarded    *prometheus.CounterVec
	taskOutcome      *prometheus.CounterVec
	connectionActive prometheus.Gauge
	probeFailures    prometheus.Counter
	streamChunks     prometheus.Counter
	transientItems   prometheus.Gauge
}

// New registers the collectors on reg. Registering twice on the same
// registry reuses the collectors already there.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		taskStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_started_total",
			Help:      "Attempts begun per slot.",
		}, []string{"slot"}),
		taskSuperseded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_superseded_total",
			Help:      "Attempts cancelled because a newer attempt began in the same slot.",
		}, []string{"slot"}),
		taskDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_discarded_total",
			Help:      "Results dropped because their attempt was no longer current.",
		}, []string{"slot"}),
		taskOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcome_total",
			Help:      "Committed attempt outcomes per slot.",
		}, []string{"slot", "outcome"}),
		connectionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connectivity_active",
			Help:      "1 while the backend is considered reachable.",
		}),
		probeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Failed health probes.",
		}),
		streamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Content chunks received from agent runs.",
		}),
		transientItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingestion_transient_items",
			Help:      "Knowledge items still pending or processing.",
		}),
	}

	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}
	for _, vec := range []**prometheus.CounterVec{&m.taskStarted, &m.taskSuperseded, &m.taskDiscarded, &m.taskOutcome} {
		c, err := register(*vec)
		if err != nil {
			return nil, err
		}
		*vec = c.(*prometheus.CounterVec)
	}
	for _, gauge := range []*prometheus.Gauge{&m.connectionActive, &m.transientItems} {
		c, err := register(*gauge)
		if err != nil {
			return nil, err
		}
		*gauge = c.(prometheus.Gauge)
	}
	for _, counter := range []*prometheus.Counter{&m.probeFailures, &m.streamChunks} {
		c, err := register(*counter)
		if err != nil {
			return nil, err
		}
		*counter = c.(prometheus.Counter)
	}
	return m, nil
}

func (m *Metrics) TaskStarted(slot string) {
	if m == nil {
		return
	}
	m.taskStarted.WithLabelValues(slot).Inc()
}

func (m *Metrics) TaskSuperseded(slot string) {
	if m == nil {
		return
	}
	m.taskSuperseded.WithLabelValues(slot).Inc()
}

func (m *Metrics) TaskDiscarded(slot string) {
	if m == nil {
		return
	}
	m.taskDiscarded.WithLabelValues(slot).Inc()
}

func (m *Metrics) TaskOutcome(slot, outcome string) {
	if m == nil {
		return
	}
	m.taskOutcome.WithLabelValues(slot, outcome).Inc()
}

func (m *Metrics) SetConnectionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.connectionActive.Set(1)
	} else {
		m.connectionActive.Set(0)
	}
}

func (m *Metrics) ProbeFailed() {
	if m == nil {
		return
	}
	m.probeFailures.Inc()
}

func (m *Metrics) StreamChunk() {
	if m == nil {
		return
	}
	m.streamChunks.Inc()
}

func (m *Metrics) SetTransientItems(n int) {
	if m == nil {
		return
	}
	m.transientItems.Set(float64(n))
}
