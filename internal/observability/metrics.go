package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voxbridge_active_sessions",
		Help: "Number of active listening sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxbridge_sessions_total",
		Help: "Total number of sessions accepted",
	})

	// Ingestion metrics
	chunksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxbridge_audio_chunks_total",
		Help: "Total number of inbound audio chunks",
	})

	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxbridge_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" (container bytes) or "pcm" (decoded)

	framesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxbridge_frames_decoded_total",
		Help: "Total number of PCM frames extracted by the stream decoder",
	})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voxbridge_decode_errors_total",
		Help: "Total number of unrecoverable container decode errors (buffer resets)",
	})

	// Utterance metrics
	finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxbridge_finalizations_total",
		Help: "Total number of utterance finalizations by trigger reason",
	}, []string{"reason"})

	utteranceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voxbridge_utterance_duration_seconds",
		Help:    "Duration of finalized utterances in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 45, 60},
	})

	// Transcript metrics
	transcriptEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxbridge_transcript_events_total",
		Help: "Total number of transcript events relayed to clients",
	}, []string{"kind"}) // kind: "partial" or "final"

	// Client delivery metrics
	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxbridge_dropped_client_events_total",
		Help: "Client events dropped because the outbound queue was full",
	}, []string{"event"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxbridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voxbridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voxbridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordSessionStart records a new session
func RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records a session ending
func RecordSessionEnd() {
	activeSessions.Dec()
}

// RecordChunk records an inbound audio chunk
func RecordChunk(bytes int) {
	chunksReceived.Inc()
	audioBytes.WithLabelValues("in").Add(float64(bytes))
}

// RecordFrames records decoded PCM frames
func RecordFrames(count, pcmBytes int) {
	framesDecoded.Add(float64(count))
	audioBytes.WithLabelValues("pcm").Add(float64(pcmBytes))
}

// RecordDecodeError records an unrecoverable decode error
func RecordDecodeError() {
	decodeErrors.Inc()
}

// RecordFinalization records an utterance finalization
func RecordFinalization(reason string, duration time.Duration) {
	finalizations.WithLabelValues(reason).Inc()
	utteranceDuration.Observe(duration.Seconds())
}

// RecordTranscriptEvent records a relayed transcript event
func RecordTranscriptEvent(kind string) {
	transcriptEvents.WithLabelValues(kind).Inc()
}

// RecordDroppedEvent records a client event dropped on queue overflow
func RecordDroppedEvent(event string) {
	droppedEvents.WithLabelValues(event).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
