package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_engine_active_sessions",
		Help: "Number of live voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_sessions_total",
		Help: "Total number of sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_reconnects_total",
		Help: "Reconnect attempts scheduled after a transport failure",
	}, []string{"kind"}) // kind: "error" or "close"

	connectLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_engine_connect_latency_seconds",
		Help:    "Time from start to an open transport",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Audio metrics
	captureFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_capture_frames_total",
		Help: "Captured microphone frames by outcome",
	}, []string{"outcome"}) // outcome: "sent", "not_ready", "backlog", "send_error", "bad_length"

	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"

	malformedChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_malformed_chunks_total",
		Help: "Inbound audio chunks dropped as undecodable",
	})

	encodingOverflow = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_encoding_overflow_samples_total",
		Help: "Captured samples outside [-1, 1] saturated during encoding",
	})

	playbackInterrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_engine_playback_interrupts_total",
		Help: "Times agent playback was cut short",
	})

	// Transcript metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_turns_total",
		Help: "Completed conversation turns",
	}, []string{"role"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_engine_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})
)

// SessionMetrics tracks metrics for a single session. A nil
// *SessionMetrics records nothing.
type SessionMetrics struct {
	sessionID    string
	startTime    time.Time
	connectStart time.Time
	started      bool
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	m.started = false
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordConnectStart marks the beginning of a transport open
func (m *SessionMetrics) RecordConnectStart() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.connectStart = time.Now()
	m.mu.Unlock()
}

// RecordConnectEnd records how long the transport took to open
func (m *SessionMetrics) RecordConnectEnd() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connectStart.IsZero() {
		connectLatency.Observe(time.Since(m.connectStart).Seconds())
		m.connectStart = time.Time{}
	}
}

// RecordReconnect records a scheduled reconnect
func (m *SessionMetrics) RecordReconnect(kind string) {
	if m == nil {
		return
	}
	reconnects.WithLabelValues(kind).Inc()
}

// RecordCaptureFrame records the outcome of one captured frame
func (m *SessionMetrics) RecordCaptureFrame(outcome string) {
	if m == nil {
		return
	}
	captureFrames.WithLabelValues(outcome).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	if m == nil {
		return
	}
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordMalformedChunk records a dropped inbound chunk
func (m *SessionMetrics) RecordMalformedChunk() {
	if m == nil {
		return
	}
	malformedChunks.Inc()
}

// RecordEncodingOverflow records saturated samples
func (m *SessionMetrics) RecordEncodingOverflow(samples int) {
	if m == nil || samples == 0 {
		return
	}
	encodingOverflow.Add(float64(samples))
}

// RecordInterrupt records a playback interrupt
func (m *SessionMetrics) RecordInterrupt() {
	if m == nil {
		return
	}
	playbackInterrupts.Inc()
}

// RecordTurn records a completed turn
func (m *SessionMetrics) RecordTurn(role string) {
	if m == nil {
		return
	}
	turnsTotal.WithLabelValues(role).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	if m == nil {
		return
	}
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
