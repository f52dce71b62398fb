package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "minitoolqueue"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Queue      = "queue"
	Connection = "connection"
	DeadLetter = "dead_letter"
)

// Reject reasons for publish_rejected_total
const (
	ReasonCapacity = "capacity"
	ReasonFailed   = "destination_failed"
	ReasonStopped  = "stopped"
	ReasonAuth     = "auth"
)

// Metrics holds the broker's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	enqueued     *prometheus.CounterVec
	dequeued     *prometheus.CounterVec
	dispatched   *prometheus.CounterVec
	redelivered  *prometheus.CounterVec
	deadLettered *prometheus.CounterVec
	expired      *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	depth        *prometheus.GaugeVec

	connectionsActive prometheus.Gauge
	connections       *prometheus.CounterVec
	sessionsActive    *prometheus.GaugeVec
	receiveWait       prometheus.Histogram

	forwarded *prometheus.CounterVec
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "enqueued_total",
			Help:      "Messages accepted into a destination",
		}, []string{"destination"}),
		dequeued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "dequeued_total",
			Help:      "Messages acknowledged by consumers",
		}, []string{"destination"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "dispatched_total",
			Help:      "Messages handed to consumer sessions",
		}, []string{"destination"}),
		redelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "redelivered_total",
			Help:      "Messages returned to their destination for redelivery",
		}, []string{"destination"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "dead_lettered_total",
			Help:      "Messages moved to a dead-letter destination",
		}, []string{"destination"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "expired_total",
			Help:      "Messages dropped after their expiry time",
		}, []string{"destination"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "publish_rejected_total",
			Help:      "Publishes rejected by reason",
		}, []string{"destination", "reason"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "depth",
			Help:      "Messages owned by a destination, ready plus in flight",
		}, []string{"destination"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Connection,
			Name:      "active",
			Help:      "Connections currently open",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Connection,
			Name:      "handshakes_total",
			Help:      "Connection handshakes by status",
		}, []string{"status"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Connection,
			Name:      "sessions_active",
			Help:      "Attached sessions by role",
		}, []string{"role"}),
		receiveWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "receive_wait_seconds",
			Help:      "Time a consumer waited for a delivery",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: DeadLetter,
			Name:      "forwarded_total",
			Help:      "Dead-lettered messages forwarded to external sinks by status",
		}, []string{"sink", "status"}),
	}

	err := errors.Join(
		reg.Register(m.enqueued),
		reg.Register(m.dequeued),
		reg.Register(m.dispatched),
		reg.Register(m.redelivered),
		reg.Register(m.deadLettered),
		reg.Register(m.expired),
		reg.Register(m.rejected),
		reg.Register(m.depth),
		reg.Register(m.connectionsActive),
		reg.Register(m.connections),
		reg.Register(m.sessionsActive),
		reg.Register(m.receiveWait),
		reg.Register(m.forwarded),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Enqueued(destination string, depth int) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(destination).Inc()
	m.depth.WithLabelValues(destination).Set(float64(depth))
}

func (m *Metrics) Dequeued(destination string, depth int) {
	if m == nil {
		return
	}
	m.dequeued.WithLabelValues(destination).Inc()
	m.depth.WithLabelValues(destination).Set(float64(depth))
}

func (m *Metrics) Dispatched(destination string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(destination).Inc()
}

func (m *Metrics) Redelivered(destination string) {
	if m == nil {
		return
	}
	m.redelivered.WithLabelValues(destination).Inc()
}

func (m *Metrics) DeadLettered(destination string, depth int) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(destination).Inc()
	m.depth.WithLabelValues(destination).Set(float64(depth))
}

func (m *Metrics) Expired(destination string, count, depth int) {
	if m == nil {
		return
	}
	m.expired.WithLabelValues(destination).Add(float64(count))
	m.depth.WithLabelValues(destination).Set(float64(depth))
}

// SetDepth overwrites the depth gauge, used after recovery and purges.
func (m *Metrics) SetDepth(destination string, depth int) {
	if m == nil {
		return
	}
	m.depth.WithLabelValues(destination).Set(float64(depth))
}

func (m *Metrics) PublishRejected(destination, reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(destination, reason).Inc()
}

// ConnectionOpened records a handshake outcome; only successful ones count as active.
func (m *Metrics) ConnectionOpened(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.connections.WithLabelValues(StatusError).Inc()
		return
	}
	m.connections.WithLabelValues(StatusSuccess).Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) SessionAttached(role string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(role).Inc()
}

func (m *Metrics) SessionDetached(role string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(role).Dec()
}

func (m *Metrics) ObserveReceiveWait(seconds float64) {
	if m == nil {
		return
	}
	m.receiveWait.Observe(seconds)
}

func (m *Metrics) Forwarded(sink string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.forwarded.WithLabelValues(sink, status).Inc()
}
