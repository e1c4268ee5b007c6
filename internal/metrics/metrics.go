// Package metrics provides Prometheus metrics for the SOCKS5 proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "microsocks"

// Metrics contains all Prometheus metrics exported by the proxy.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter
	ConnectLatency    prometheus.Histogram

	UDPAssociationsActive prometheus.Gauge
	UDPAssociationsTotal  prometheus.Counter
	UDPDatagramsRelayed   *prometheus.CounterVec

	BytesUploaded   prometheus.Counter
	BytesDownloaded prometheus.Counter

	ReplyCodes *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered on the default registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance on a custom registerer,
// used by tests to avoid colliding with the global registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of active SOCKS5 control connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total SOCKS5 control connections accepted",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total failed authentication attempts",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of CONNECT dial latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active UDP ASSOCIATE sessions",
		}),
		UDPAssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total UDP ASSOCIATE sessions created",
		}),
		UDPDatagramsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_relayed_total",
			Help:      "Total UDP datagrams relayed by direction",
		}, []string{"direction"}),
		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_uploaded_total",
			Help:      "Total bytes read from clients and written to targets",
		}),
		BytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downloaded_total",
			Help:      "Total bytes read from targets and written to clients",
		}),
		ReplyCodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_codes_total",
			Help:      "Total SOCKS5 replies sent by reply code",
		}, []string{"code"}),
	}
}

// RecordConnect records a new control connection being accepted.
func (m *Metrics) RecordConnect() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordDisconnect records a control connection tearing down.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
}

// RecordUDPAssociationOpen records a new UDP ASSOCIATE session.
func (m *Metrics) RecordUDPAssociationOpen() {
	m.UDPAssociationsActive.Inc()
	m.UDPAssociationsTotal.Inc()
}

// RecordUDPAssociationClose records a UDP ASSOCIATE session tearing down.
func (m *Metrics) RecordUDPAssociationClose() {
	m.UDPAssociationsActive.Dec()
}

// TrafficUI is the injected, non-blocking reporting capability from spec
// §6: called after every accounting update while TrafficCounters' mutex is
// held, so implementations must not block.
type TrafficUI interface {
	ReportTraffic(uploadTotal, downloadTotal uint64)
}

// TrafficCounters tracks the process-wide monotonic upload/download byte
// totals described in spec §3, and forwards each update to an optional UI
// callback. It is safe for concurrent use by every relay goroutine.
type TrafficCounters struct {
	mu       sync.Mutex
	upload   uint64
	download uint64
	ui       TrafficUI
	m        *Metrics
}

// NewTrafficCounters creates a TrafficCounters that also feeds m (may be
// nil) and reports to ui (may be nil) on every update.
func NewTrafficCounters(m *Metrics, ui TrafficUI) *TrafficCounters {
	return &TrafficCounters{m: m, ui: ui}
}

// AddUpload credits n bytes read from the client and forwarded to the
// target, per spec §4.3.
func (t *TrafficCounters) AddUpload(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.upload += n
	if t.ui != nil {
		t.ui.ReportTraffic(t.upload, t.download)
	}

	if t.m != nil {
		t.m.BytesUploaded.Add(float64(n))
	}
}

// AddDownload credits n bytes read from the target and forwarded to the
// client, per spec §4.3.
func (t *TrafficCounters) AddDownload(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.download += n
	if t.ui != nil {
		t.ui.ReportTraffic(t.upload, t.download)
	}

	if t.m != nil {
		t.m.BytesDownloaded.Add(float64(n))
	}
}

// Totals returns the current (upload, download) byte totals.
func (t *TrafficCounters) Totals() (upload, download uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.upload, t.download
}
