package peer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts where exchange reads were served from. A nil *Metrics is a no-op.
type Metrics struct {
	localHits   prometheus.Counter
	misses      prometheus.Counter
	peerFetches *prometheus.CounterVec
	peerErrors  *prometheus.CounterVec
}

// NewMetrics creates the exchange collectors and registers them with reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		localHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockservice",
			Subsystem: "exchange",
			Name:      "local_hits_total",
			Help:      "Blocks served from the local cache.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockservice",
			Subsystem: "exchange",
			Name:      "misses_total",
			Help:      "Blocks no source could provide.",
		}),
		peerFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockservice",
			Subsystem: "exchange",
			Name:      "peer_fetches_total",
			Help:      "Blocks fetched from a peer.",
		}, []string{"peer"}),
		peerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockservice",
			Subsystem: "exchange",
			Name:      "peer_errors_total",
			Help:      "Failed or rejected peer fetches.",
		}, []string{"peer"}),
	}
	if reg != nil {
		reg.MustRegister(m.localHits, m.misses, m.peerFetches, m.peerErrors)
	}
	return m
}

func (m *Metrics) localHit() {
	if m != nil {
		m.localHits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *Metrics) peerFetch(name string) {
	if m != nil {
		m.peerFetches.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) peerFailure(name string) {
	if m != nil {
		m.peerErrors.WithLabelValues(name).Inc()
	}
}
