package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_relay_active_sessions",
		Help: "Number of connected relay clients",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speech_relay_sessions_total",
		Help: "Total number of relay client sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_session_duration_seconds",
		Help:    "Duration of relay client sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Provider link metrics
	providerLinks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_provider_links_total",
		Help: "Provider link open attempts",
	}, []string{"status"})

	activeProviderLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "speech_relay_active_provider_links",
		Help: "Number of open provider links",
	})

	providerDialLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_relay_provider_dial_seconds",
		Help:    "Time to open a provider link and send the handshake",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Transcript metrics
	transcriptMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_transcript_messages_total",
		Help: "Transcript messages sent to clients",
	}, []string{"type"}) // type: "partial" or "final"

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speech_relay_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_audio_bytes_total",
		Help: "Audio bytes received from clients",
	}, []string{"outcome"}) // outcome: "forwarded" or "dropped"

	// Gemini metrics
	geminiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_relay_gemini_requests_total",
		Help: "Gemini requests by operation and status",
	}, []string{"operation", "status"})

	geminiLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speech_relay_gemini_request_seconds",
		Help:    "Gemini request latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
	}, []string{"operation"})
)

// Metrics tracks metrics for a single relay session.
// It is only touched from the session's own event loop.
type Metrics struct {
	sessionID   string
	startTime   time.Time
	dialStarted time.Time
	linkOpen    bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records a newly connected client
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a client session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordDialStart records the start of a provider link open
func (m *Metrics) RecordDialStart() {
	m.dialStarted = time.Now()
}

// RecordDialEnd records the outcome of a provider link open
func (m *Metrics) RecordDialEnd(success bool) {
	if !m.dialStarted.IsZero() {
		providerDialLatency.Observe(time.Since(m.dialStarted).Seconds())
		m.dialStarted = time.Time{}
	}

	status := "success"
	if !success {
		status = "error"
	}
	providerLinks.WithLabelValues(status).Inc()

	if success {
		m.linkOpen = true
		activeProviderLinks.Inc()
	}
}

// RecordLinkClosed records a provider link going away
func (m *Metrics) RecordLinkClosed() {
	if m.linkOpen {
		m.linkOpen = false
		activeProviderLinks.Dec()
	}
}

// RecordTranscript records a transcript message sent to the client
func (m *Metrics) RecordTranscript(kind string) {
	transcriptMessages.WithLabelValues(kind).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes received from the client
func (m *Metrics) RecordAudioBytes(forwarded bool, bytes int) {
	outcome := "forwarded"
	if !forwarded {
		outcome = "dropped"
	}
	audioBytesForwarded.WithLabelValues(outcome).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// RecordGeminiRequest records one transcribe or answer request
func RecordGeminiRequest(operation string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	geminiRequests.WithLabelValues(operation, status).Inc()
	geminiLatency.WithLabelValues(operation).Observe(duration.Seconds())
}
