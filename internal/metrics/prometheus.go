package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lissahyacinth/audia/internal/capture"
)

// Metrics contains all Prometheus metrics for the capture relay
type Metrics struct {
	// Capture loop metrics
	LoopState      prometheus.Gauge
	Packets        prometheus.Counter
	Frames         prometheus.Counter
	Samples        prometheus.Counter
	EvictedSamples prometheus.Counter
	NoDataCycles   prometheus.Counter
	SinkFailures   prometheus.Counter

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsFailed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Prediction metrics
	Predictions        *prometheus.CounterVec
	PredictionDuration prometheus.Histogram

	// Archive metrics
	Uploads        *prometheus.CounterVec
	UploadDuration prometheus.Histogram
	UploadedBytes  prometheus.Counter

	// Websocket metrics
	WebsocketClients prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

var _ capture.Observer = (*Metrics)(nil)

// NewMetrics creates all metrics and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Capture loop metrics
		LoopState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audia_capture_state",
			Help: "Capture loop state (0 idle, 1 running, 2 stopping, 3 stopped)",
		}),
		Packets: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_capture_packets_total",
			Help: "Total number of packets drained from the capture source",
		}),
		Frames: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_capture_frames_total",
			Help: "Total number of frames captured",
		}),
		Samples: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_capture_samples_total",
			Help: "Total number of samples appended to the ring buffer",
		}),
		EvictedSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_buffer_evicted_samples_total",
			Help: "Total number of samples dropped from the front of the ring buffer",
		}),
		NoDataCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_capture_no_data_total",
			Help: "Total number of acquire attempts that found no data",
		}),
		SinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_sink_failures_total",
			Help: "Total number of failed sink writes",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audia_active_sessions",
			Help: "Current number of running capture sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_sessions_started_total",
			Help: "Total number of capture sessions started",
		}),
		SessionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_sessions_failed_total",
			Help: "Total number of capture sessions ended by a device failure",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audia_session_duration_seconds",
			Help:    "Duration of capture sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Prediction metrics
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audia_predictions_total",
			Help: "Total number of forwarded windows by outcome",
		}, []string{"outcome"}),
		PredictionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audia_prediction_duration_seconds",
			Help:    "Duration of prediction requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		// Archive metrics
		Uploads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audia_archive_uploads_total",
			Help: "Total number of recording uploads by outcome",
		}, []string{"outcome"}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "audia_archive_upload_duration_seconds",
			Help:    "Duration of recording uploads",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.5 minutes
		}),
		UploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "audia_archive_uploaded_bytes_total",
			Help: "Total number of recording bytes uploaded",
		}),

		// Websocket metrics
		WebsocketClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "audia_websocket_clients",
			Help: "Current number of connected websocket clients",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audia_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audia_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "audia_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// StateChanged records the capture loop state
func (m *Metrics) StateChanged(state capture.State) {
	m.LoopState.Set(float64(state))
}

// PacketCaptured records one drained packet
func (m *Metrics) PacketCaptured(frames, samples int) {
	m.Packets.Inc()
	m.Frames.Add(float64(frames))
	m.Samples.Add(float64(samples))
}

// SamplesEvicted records samples lost to ring buffer overflow
func (m *Metrics) SamplesEvicted(n int) {
	m.EvictedSamples.Add(float64(n))
}

// NoData records an empty acquire
func (m *Metrics) NoData() {
	m.NoDataCycles.Inc()
}

// SinkFailed records a failed sink write
func (m *Metrics) SinkFailed(error) {
	m.SinkFailures.Inc()
}

// RecordSessionStarted increments the session counters
func (m *Metrics) RecordSessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// RecordSessionEnded records a finished session and its duration
func (m *Metrics) RecordSessionEnded(duration time.Duration, failed bool) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(duration.Seconds())
	if failed {
		m.SessionsFailed.Inc()
	}
}

// RecordPrediction records the outcome of one forwarded window
func (m *Metrics) RecordPrediction(latency time.Duration, err error) {
	if err != nil {
		m.Predictions.WithLabelValues("failure").Inc()
	} else {
		m.Predictions.WithLabelValues("success").Inc()
	}
	m.PredictionDuration.Observe(latency.Seconds())
}

// RecordPredictionSkipped records windows that were never sent, by reason
func (m *Metrics) RecordPredictionSkipped(reason string, n uint64) {
	if n == 0 {
		return
	}
	m.Predictions.WithLabelValues(reason).Add(float64(n))
}

// RecordUpload records one recording upload
func (m *Metrics) RecordUpload(duration time.Duration, bytes int64, err error) {
	if err != nil {
		m.Uploads.WithLabelValues("failure").Inc()
		return
	}
	m.Uploads.WithLabelValues("success").Inc()
	m.UploadDuration.Observe(duration.Seconds())
	m.UploadedBytes.Add(float64(bytes))
}

// SetWebsocketClients sets the current number of websocket clients
func (m *Metrics) SetWebsocketClients(count int) {
	m.WebsocketClients.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
