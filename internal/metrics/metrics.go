package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "netplay"

// Metrics holds the counters of one process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	protocolErrors   prometheus.Counter
	desyncs          *prometheus.CounterVec
	fullSyncs        prometheus.Counter
	negotiations     *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
	peerTimeouts     prometheus.Counter
	peerConnected    prometheus.Gauge
	moveCount        prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages written to the peer, by type.",
		}, []string{"type"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages decoded from the peer, by type.",
		}, []string{"type"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed frames skipped by the receiver.",
		}),
		desyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "desyncs_total",
			Help:      "Detected state divergences, by cause.",
		}, []string{"reason"}),
		fullSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "full_state_syncs_applied_total",
			Help:      "Authoritative snapshots applied locally.",
		}),
		negotiations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiations_total",
			Help:      "Finished undo/restart negotiations, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound messages dropped by rate limits, by type.",
		}, []string{"type"}),
		peerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_timeouts_total",
			Help:      "Peers declared gone after too many idle reads.",
		}),
		peerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peer_connected",
			Help:      "1 while a peer is attached.",
		}),
		moveCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "move_count",
			Help:      "Moves made in the current game.",
		}),
	}
	m.Registry.MustRegister(
		m.messagesSent, m.messagesReceived, m.protocolErrors, m.desyncs, m.fullSyncs,
		m.negotiations, m.rateLimited, m.peerTimeouts, m.peerConnected, m.moveCount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		uptime(),
	)
	return m
}

func uptime() prometheus.GaugeFunc {
	start := time.Now()
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	}, func() float64 { return time.Since(start).Seconds() })
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

func (m *Metrics) Desync(reason string) {
	if m == nil {
		return
	}
	m.desyncs.WithLabelValues(reason).Inc()
}

func (m *Metrics) FullSyncApplied() {
	if m == nil {
		return
	}
	m.fullSyncs.Inc()
}

// Negotiation records a finished negotiation; outcome is accepted, rejected, timeout or aborted.
func (m *Metrics) Negotiation(kind, outcome string) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RateLimited(kind string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(kind).Inc()
}

func (m *Metrics) PeerTimeout() {
	if m == nil {
		return
	}
	m.peerTimeouts.Inc()
}

func (m *Metrics) SetPeerConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.peerConnected.Set(1)
	} else {
		m.peerConnected.Set(0)
	}
}

func (m *Metrics) SetMoveCount(n int) {
	if m == nil {
		return
	}
	m.moveCount.Set(float64(n))
}
