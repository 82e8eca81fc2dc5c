// internal/metrics/metrics.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "browserhost"

// Evaluation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
	OutcomeTimeout  = "timeout"
	OutcomeDropped  = "dropped"
	OutcomeDisabled = "disabled"
)

// Metrics holds the bridge collectors. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	// Pump metrics
	PumpCycles   prometheus.Counter
	PumpFailures prometheus.Counter
	PumpSkipped  *prometheus.CounterVec

	// Instance metrics
	BrowsersLive    prometheus.Gauge
	BrowsersCreated prometheus.Counter
	StaleCallbacks  prometheus.Counter
	Notifications   *prometheus.CounterVec

	// Script metrics
	Evaluations        *prometheus.CounterVec
	EvaluationDuration prometheus.Histogram
	FunctionCalls      *prometheus.CounterVec
}

// New registers the collectors with reg. Passing nil uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PumpCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_cycles_total",
			Help:      "Number of native message loop work calls",
		}),
		PumpFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_failures_total",
			Help:      "Number of native message loop work calls that reported failure",
		}),
		PumpSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pump_skipped_total",
			Help:      "Number of pump requests suppressed, by reason",
		}, []string{"reason"}),

		BrowsersLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browsers_live",
			Help:      "Number of native browsers currently alive",
		}),
		BrowsersCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "browsers_created_total",
			Help:      "Number of native browsers created",
		}),
		StaleCallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_callbacks_total",
			Help:      "Native callbacks dropped because their browser id was not registered",
		}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Native notifications routed to a bridge, by kind",
		}, []string{"kind"}),

		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Script evaluations, by outcome",
		}, []string{"outcome"}),
		EvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time from evaluate call to result delivery",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		FunctionCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Exposed function invocations from page scripts, by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) PumpCycle(ok bool) {
	if m == nil {
		return
	}
	m.PumpCycles.Inc()
	if !ok {
		m.PumpFailures.Inc()
	}
}

func (m *Metrics) PumpSkip(reason string) {
	if m == nil {
		return
	}
	m.PumpSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) BrowserCreated() {
	if m == nil {
		return
	}
	m.BrowsersCreated.Inc()
	m.BrowsersLive.Inc()
}

func (m *Metrics) BrowserClosed() {
	if m == nil {
		return
	}
	m.BrowsersLive.Dec()
}

func (m *Metrics) StaleCallback() {
	if m == nil {
		return
	}
	m.StaleCallbacks.Inc()
}

func (m *Metrics) Notification(kind string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(kind).Inc()
}

// Evaluation records one finished evaluate call.
func (m *Metrics) Evaluation(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
	m.EvaluationDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) FunctionCall(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.FunctionCalls.WithLabelValues(result).Inc()
}
