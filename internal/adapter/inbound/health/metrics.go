package health

import (
	"time"

	"github.com/Bridge-Gate/Bridgegate/internal/port/outbound"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bridgegate"

// Direction label values for the relay counters.
const (
	directionIn  = "in"
	directionOut = "out"
)

// Metrics holds all Prometheus metrics for the gateway data path. It
// implements outbound.Meter so the relay core can count without seeing
// collector types.
type Metrics struct {
	reg prometheus.Registerer

	AdmissionDenials *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	ThrottledFrames  *prometheus.CounterVec
	BlockedPeers     *prometheus.CounterVec
	RelayFrames      *prometheus.CounterVec
	RelayFrameBytes  *prometheus.CounterVec
	RelayDuration    *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		reg: reg,
		AdmissionDenials: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denials_total",
				Help:      "Connections rejected at admission",
			},
			[]string{"listener", "reason"}, // reason=blocked/rate_limited
		),
		AuthFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Rejected authentication attempts",
			},
			[]string{"listener"},
		),
		ThrottledFrames: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttled_frames_total",
				Help:      "Frames discarded by the rate limiter",
			},
			[]string{"listener"},
		),
		BlockedPeers: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "blocked_peers_total",
				Help:      "Peers escalated to a temporary IP block",
			},
			[]string{"listener"},
		),
		RelayFrames: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_frames_total",
				Help:      "Frames relayed through the gateway",
			},
			[]string{"listener", "direction"},
		),
		RelayFrameBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_frame_bytes_total",
				Help:      "Frame payload bytes relayed through the gateway",
			},
			[]string{"listener", "direction"},
		),
		RelayDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Time from inbound frame to child hand-off",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"listener"},
		),
	}
}

// AdmissionDenied counts a connection rejected at accept time.
func (m *Metrics) AdmissionDenied(listener, reason string) {
	m.AdmissionDenials.WithLabelValues(listener, reason).Inc()
}

// AuthFailure counts a rejected token, handshake or in-band.
func (m *Metrics) AuthFailure(listener string) {
	m.AuthFailures.WithLabelValues(listener).Inc()
}

// Throttled counts a frame discarded by the sliding window.
func (m *Metrics) Throttled(listener string) {
	m.ThrottledFrames.WithLabelValues(listener).Inc()
}

// Blocked counts a peer escalated to a temporary block.
func (m *Metrics) Blocked(listener string) {
	m.BlockedPeers.WithLabelValues(listener).Inc()
}

// FrameFromPeer counts one inbound frame and its payload bytes.
func (m *Metrics) FrameFromPeer(listener string, bytes int) {
	m.RelayFrames.WithLabelValues(listener, directionIn).Inc()
	m.RelayFrameBytes.WithLabelValues(listener, directionIn).Add(float64(bytes))
}

// FrameToPeer counts one outbound frame and its payload bytes.
func (m *Metrics) FrameToPeer(listener string, bytes int) {
	m.RelayFrames.WithLabelValues(listener, directionOut).Inc()
	m.RelayFrameBytes.WithLabelValues(listener, directionOut).Add(float64(bytes))
}

// RelayLatency records the time between reading a peer frame and
// handing it to the child.
func (m *Metrics) RelayLatency(listener string, d time.Duration) {
	m.RelayDuration.WithLabelValues(listener).Observe(d.Seconds())
}

// RegisterSessionGauge exports a listener's live session count.
func (m *Metrics) RegisterSessionGauge(listener string, count func() int) {
	promauto.With(m.reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "active_sessions",
			Help:        "Number of active sessions",
			ConstLabels: prometheus.Labels{"listener": listener},
		},
		func() float64 { return float64(count()) },
	)
}

// RegisterChildRestarts exports the shared supervisor's respawn count.
func (m *Metrics) RegisterChildRestarts(restarts func() uint64) {
	promauto.With(m.reg).NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "child_restarts_total",
			Help:      "Respawns of the shared child process",
		},
		func() float64 { return float64(restarts()) },
	)
}

// RegisterAuditDrops exports the audit pipeline's dropped-event count.
func (m *Metrics) RegisterAuditDrops(drops func() int64) {
	promauto.With(m.reg).NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_drops_total",
			Help:      "Audit events dropped due to backpressure",
		},
		func() float64 { return float64(drops()) },
	)
}

// Compile-time check that Metrics implements the data-path meter.
var _ outbound.Meter = (*Metrics)(nil)
