package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the terminal streaming server. Scraped at /metrics
// and visualized in Grafana.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "termstream_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termstream_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termstream_connections_rejected_total",
		Help: "Total connection rejections by reason",
	}, []string{"reason"})

	// Stream metrics
	streamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termstream_stream_events_total",
		Help: "Performance events emitted by the stream broker",
	}, []string{"event"})

	framesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "termstream_frames_ingested_total",
		Help: "Total terminal output frames appended to replay rings",
	})

	bytesIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "termstream_bytes_ingested_total",
		Help: "Total terminal output bytes appended to replay rings",
	})

	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "termstream_messages_sent_total",
		Help: "Total protocol messages written to clients",
	})

	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "termstream_bytes_sent_total",
		Help: "Total bytes written to clients",
	})

	gapsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "termstream_gaps_total",
		Help: "Gap notifications emitted to clients, by reason",
	}, []string{"reason"})

	attachmentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termstream_attachments_active",
		Help: "Current number of live terminal attachments",
	})

	terminalsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termstream_terminals_active",
		Help: "Current number of terminals with broker state",
	})

	// System metrics
	memoryRSSBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termstream_memory_rss_bytes",
		Help: "Resident set size of the server process",
	})

	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termstream_cpu_usage_percent",
		Help: "Process CPU usage percentage",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "termstream_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)

	prometheus.MustRegister(streamEvents)
	prometheus.MustRegister(framesIngested)
	prometheus.MustRegister(bytesIngested)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(bytesSent)
	prometheus.MustRegister(gapsEmitted)
	prometheus.MustRegister(attachmentsActive)
	prometheus.MustRegister(terminalsActive)

	prometheus.MustRegister(memoryRSSBytes)
	prometheus.MustRegister(cpuUsagePercent)
	prometheus.MustRegister(goroutinesActive)
}

// RecordConnectionOpened updates counters when a client connects.
func RecordConnectionOpened() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordConnectionClosed updates the active gauge when a client goes away.
func RecordConnectionClosed() {
	connectionsActive.Dec()
}

// RecordConnectionRejected tracks an admission rejection by reason.
func RecordConnectionRejected(reason string) {
	connectionsRejected.WithLabelValues(reason).Inc()
}

// RecordIngest tracks a frame appended to a replay ring.
func RecordIngest(bytes int) {
	framesIngested.Inc()
	bytesIngested.Add(float64(bytes))
}

// RecordSend tracks one protocol message written to a client.
func RecordSend(bytes int) {
	messagesSent.Inc()
	bytesSent.Add(float64(bytes))
}

// SetAttachmentsActive updates the live attachment gauge.
func SetAttachmentsActive(n int) {
	attachmentsActive.Set(float64(n))
}

// SetTerminalsActive updates the terminal state gauge.
func SetTerminalsActive(n int) {
	terminalsActive.Set(float64(n))
}

// HandleMetrics serves Prometheus metrics at the /metrics endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
