// Package metrics exposes Prometheus instruments for the submission gate.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/questgate/server/internal/integrity"
)

const namespace = "questgate"

// Metrics holds every gate instrument.
type Metrics struct {
	// DecisionsTotal counts evaluated attempts. Labels: verdict
	DecisionsTotal *prometheus.CounterVec
	// AnomaliesTotal counts findings. Labels: type
	AnomaliesTotal *prometheus.CounterVec
	// RateLimitViolationsTotal counts individual cap violations.
	RateLimitViolationsTotal prometheus.Counter
	// AnomalyScore is the distribution of clamped scores.
	AnomalyScore prometheus.Histogram
	// CommitSeconds measures the commitment digest step.
	CommitSeconds prometheus.Histogram
	// CommitFailuresTotal counts commits that timed out or failed.
	CommitFailuresTotal prometheus.Counter
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "decisions_total",
			Help:      "Evaluated submission attempts by verdict",
		}, []string{"verdict"}),
		AnomaliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "anomalies_total",
			Help:      "Anomaly findings by type",
		}, []string{"type"}),
		RateLimitViolationsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "rate_limit_violations_total",
			Help:      "Velocity cap violations",
		}),
		AnomalyScore: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "anomaly_score",
			Help:      "Clamped anomaly score per attempt",
			Buckets:   []float64{0, 10, 20, 35, 50, 75, 100},
		}),
		CommitSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "duration_seconds",
			Help:      "Commitment digest latency",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		CommitFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commit",
			Name:      "failures_total",
			Help:      "Commitments that failed or timed out",
		}),
	}
}

// ObserveDecision records one evaluated attempt.
func (m *Metrics) ObserveDecision(d integrity.Decision) {
	m.DecisionsTotal.WithLabelValues(string(d.Verdict)).Inc()
	for _, a := range d.Anomalies {
		m.AnomaliesTotal.WithLabelValues(string(a.Type)).Inc()
	}
	m.RateLimitViolationsTotal.Add(float64(len(d.Violations)))
	m.AnomalyScore.Observe(float64(d.Score))
}

// ObserveCommit matches integrity.WithCommitObserver.
func (m *Metrics) ObserveCommit(elapsed time.Duration, err error) {
	m.CommitSeconds.Observe(elapsed.Seconds())
	if err != nil {
		m.CommitFailuresTotal.Inc()
	}
}
