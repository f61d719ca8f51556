package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fbspeed"

// Direction labels transfer metrics.
const (
	DirectionDownload = "download"
	DirectionUpload   = "upload"
)

// Metrics exposes server counters on a private registry.
type Metrics struct {
	handler http.Handler

	pings           prometheus.Counter
	transferBytes   *prometheus.CounterVec
	activeTransfers *prometheus.GaugeVec
	recorded        prometheus.Counter
	rejected        *prometheus.CounterVec
	liveClients     prometheus.Gauge
	resultPing      prometheus.Histogram
	resultMbps      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		pings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Ping requests answered.",
		}),
		transferBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Payload bytes moved by speed tests.",
		}, []string{"direction"}),
		activeTransfers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_transfers",
			Help:      "Download and upload streams in progress.",
		}, []string{"direction"}),
		recorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_recorded_total",
			Help:      "Speed-test results stored.",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_rejected_total",
			Help:      "Speed-test results rejected by validation.",
		}, []string{"field"}),
		liveClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_clients",
			Help:      "Connected live websocket clients.",
		}),
		resultPing: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_ping_ms",
			Help:      "Recorded ping results in milliseconds.",
			Buckets:   []float64{5, 10, 20, 40, 80, 160, 320, 640},
		}),
		resultMbps: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "result_throughput_mbps",
			Help:      "Recorded throughput results in Mbps.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"direction"}),
	}
}

func (m *Metrics) IncPings() {
	m.pings.Inc()
}

func (m *Metrics) AddBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	m.transferBytes.WithLabelValues(direction).Add(float64(n))
}

// TransferStarted marks a stream as active and returns the func that ends it.
func (m *Metrics) TransferStarted(direction string) func() {
	gauge := m.activeTransfers.WithLabelValues(direction)
	gauge.Inc()
	return gauge.Dec
}

func (m *Metrics) ObserveResult(ping, download, upload float64) {
	m.recorded.Inc()
	m.resultPing.Observe(ping)
	m.resultMbps.WithLabelValues(DirectionDownload).Observe(download)
	m.resultMbps.WithLabelValues(DirectionUpload).Observe(upload)
}

func (m *Metrics) IncRejected(field string) {
	m.rejected.WithLabelValues(field).Inc()
}

func (m *Metrics) SetLiveClients(n int) {
	m.liveClients.Set(float64(n))
}

func (m *Metrics) Handler(w http.ResponseWriter, r *http.Request) {
	m.handler.ServeHTTP(w, r)
}
