package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's prometheus collectors. A nil *Metrics is a
// valid no-op sink.
type Metrics struct {
	framesWritten  *prometheus.CounterVec
	activeStreams  prometheus.Gauge
	phaseDuration  *prometheus.HistogramVec
	retrievalRetry *prometheus.CounterVec
	decodeFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		framesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitplan",
			Name:      "stream_frames_written_total",
			Help:      "Progress frames flushed to clients, by event kind.",
		}, []string{"kind"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fitplan",
			Name:      "active_streams",
			Help:      "Recommendation streams currently open.",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fitplan",
			Name:      "phase_duration_seconds",
			Help:      "Wall time of one orchestrator phase.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"phase", "outcome"}),
		retrievalRetry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fitplan",
			Name:      "retrieval_retries_total",
			Help:      "Failed retrieval attempts that were retried or fell back.",
		}, []string{"phase"}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fitplan",
			Name:      "frame_decode_failures_total",
			Help:      "Frames the consumer could not parse and skipped.",
		}),
	}
	for _, c := range []prometheus.Collector{m.framesWritten, m.activeStreams, m.phaseDuration, m.retrievalRetry, m.decodeFailures} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) FrameWritten(kind string) {
	if m == nil {
		return
	}
	m.framesWritten.WithLabelValues(kind).Inc()
}

// StreamOpened increments the active stream gauge and returns its release.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.activeStreams.Inc()
	return m.activeStreams.Dec
}

func (m *Metrics) ObservePhase(phase, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, outcome).Observe(d.Seconds())
}

func (m *Metrics) RetrievalRetry(phase string) {
	if m == nil {
		return
	}
	m.retrievalRetry.WithLabelValues(phase).Inc()
}

func (m *Metrics) DecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailures.Inc()
}
