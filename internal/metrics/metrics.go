// Package metrics exposes Prometheus metrics for the voice chat loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Recognition metrics
	TranscriptsTotal  *prometheus.CounterVec
	RecognitionErrors *prometheus.CounterVec
	ListenersActive   prometheus.Gauge

	// Avatar metrics
	SpeakTotal    *prometheus.CounterVec
	SpeakDuration prometheus.Histogram

	// Feed metrics
	StateSubscribers prometheus.Gauge
}

// New creates a Metrics instance with all metrics registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "avatarchat"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active avatar sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of avatar session starts",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Avatar session duration in seconds",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	transcriptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_total",
			Help:      "Final transcripts by outcome",
		},
		[]string{"outcome"},
	)

	recognitionErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_errors_total",
			Help:      "Speech recognition errors by kind",
		},
		[]string{"kind"},
	)

	listenersActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_active",
			Help:      "Number of listeners with recognition running",
		},
	)

	speakTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speak_tasks_total",
			Help:      "Speech tasks sent to the avatar",
		},
		[]string{"status"},
	)

	speakDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "speak_task_duration_seconds",
			Help:      "Time for the avatar to accept a speech task",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	stateSubscribers := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_subscribers",
			Help:      "Number of connected state feed clients",
		},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		transcriptsTotal,
		recognitionErrors,
		listenersActive,
		speakTotal,
		speakDuration,
		stateSubscribers,
	)

	return &Metrics{
		registry:          registry,
		SessionsActive:    sessionsActive,
		SessionsTotal:     sessionsTotal,
		SessionDuration:   sessionDuration,
		TranscriptsTotal:  transcriptsTotal,
		RecognitionErrors: recognitionErrors,
		ListenersActive:   listenersActive,
		SpeakTotal:        speakTotal,
		SpeakDuration:     speakDuration,
		StateSubscribers:  stateSubscribers,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session start attempt.
func (m *Metrics) RecordSessionStart(ok bool) {
	if m == nil {
		return
	}
	if !ok {
		m.SessionsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SessionsTotal.WithLabelValues("ok").Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session ending after d.
func (m *Metrics) RecordSessionEnd(d time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

// RecordTranscript records a final transcript as accepted or rejected.
func (m *Metrics) RecordTranscript(accepted bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.TranscriptsTotal.WithLabelValues(outcome).Inc()
}

// RecordRecognitionError records a recognition failure of the given kind.
func (m *Metrics) RecordRecognitionError(kind string) {
	if m == nil {
		return
	}
	m.RecognitionErrors.WithLabelValues(kind).Inc()
}

// RecordListening adjusts the active listener gauge.
func (m *Metrics) RecordListening(started bool) {
	if m == nil {
		return
	}
	if started {
		m.ListenersActive.Inc()
	} else {
		m.ListenersActive.Dec()
	}
}

// RecordSpeak records a speech task sent to the avatar.
func (m *Metrics) RecordSpeak(err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SpeakTotal.WithLabelValues(status).Inc()
	m.SpeakDuration.Observe(d.Seconds())
}

// RecordSubscriber adjusts the state feed subscriber gauge.
func (m *Metrics) RecordSubscriber(delta int) {
	if m == nil {
		return
	}
	m.StateSubscribers.Add(float64(delta))
}
