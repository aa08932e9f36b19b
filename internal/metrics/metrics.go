// Package metrics exposes recovery activity as Prometheus instruments.
package metrics

import (
	"context"

	"salvage/internal/recovery"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's instruments.
type Metrics struct {
	// RecoverySteps counts controller transitions by step kind.
	RecoverySteps *prometheus.CounterVec

	// CompactionDuration tracks how long summarize calls take.
	CompactionDuration prometheus.Histogram

	// Events counts host events by type.
	Events *prometheus.CounterVec

	// ToastFailures counts toasts the host did not accept.
	ToastFailures prometheus.Counter

	factory promauto.Factory
}

// New registers the instruments with reg. A nil reg uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		RecoverySteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salvage_recovery_steps_total",
				Help: "Total number of recovery state machine steps",
			},
			[]string{"step"},
		),
		CompactionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "salvage_compaction_duration_seconds",
				Help:    "Summarize call latency in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
		),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "salvage_events_total",
				Help: "Total number of host events received",
			},
			[]string{"type"},
		),
		ToastFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "salvage_toast_failures_total",
				Help: "Total number of toasts that could not be delivered",
			},
		),
		factory: factory,
	}

	// Pre-create series so every step shows up at zero.
	for _, kind := range recovery.AllStepKinds() {
		m.RecoverySteps.WithLabelValues(string(kind))
	}
	return m
}

// TrackSessions registers the in-recovery gauge, sampled from count on scrape.
func (m *Metrics) TrackSessions(count func() int) {
	m.factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "salvage_sessions_in_recovery",
			Help: "Sessions currently in a non-idle recovery phase",
		},
		func() float64 { return float64(count()) },
	)
}

// Record implements recovery.Recorder.
func (m *Metrics) Record(_ context.Context, step recovery.Step) {
	m.RecoverySteps.WithLabelValues(string(step.Kind)).Inc()

	// Both outcomes of a summarize call carry its latency.
	switch step.Kind {
	case recovery.StepCompacted, recovery.StepRetryScheduled:
		if step.Duration > 0 {
			m.CompactionDuration.Observe(step.Duration.Seconds())
		}
	}
}

// ObserveEvent counts one host event.
func (m *Metrics) ObserveEvent(eventType string) {
	m.Events.WithLabelValues(eventType).Inc()
}

// Notifier wraps next so delivery failures are counted.
func (m *Metrics) Notifier(next recovery.Notifier) recovery.Notifier {
	return recovery.NotifierFunc(func(ctx context.Context, toast recovery.Toast) error {
		err := next.ShowToast(ctx, toast)
		if err != nil {
			m.ToastFailures.Inc()
		}
		return err
	})
}
