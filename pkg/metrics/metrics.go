package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pass outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
	OutcomeBusy     = "busy"
)

// Registry holds the reconciliation metrics. All methods are safe on a nil
// Registry, which records nothing.
type Registry struct {
	reg *prometheus.Registry

	PassesTotal    *prometheus.CounterVec
	ChangesTotal   *prometheus.CounterVec
	PassDuration   prometheus.Histogram
	CachedRules    prometheus.Gauge
	AcknowledgedID prometheus.Gauge
	TriggerSignals *prometheus.CounterVec
}

// New creates a Registry with its own prometheus registry, so multiple
// instances never collide.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		PassesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ezwatch_passes_total",
			Help: "Reconciliation passes by outcome",
		}, []string{"outcome"}),
		ChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ezwatch_changes_total",
			Help: "Change records emitted by kind",
		}, []string{"kind"}),
		PassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ezwatch_pass_duration_seconds",
			Help:    "Duration of completed reconciliation passes",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		CachedRules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ezwatch_cached_rules",
			Help: "Foreign rules held in the reconciliation cache",
		}),
		AcknowledgedID: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ezwatch_acknowledged_rules",
			Help: "Rule identifiers in the acknowledgment ledger",
		}),
		TriggerSignals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ezwatch_trigger_signals_total",
			Help: "Change notifications received by notifier",
		}, []string{"notifier"}),
	}
}

// ObservePass records one pass outcome. Duration is only observed for
// passes that ran to completion.
func (r *Registry) ObservePass(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.PassesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		r.PassDuration.Observe(d.Seconds())
	}
}

// AddChanges counts n change records of kind.
func (r *Registry) AddChanges(kind string, n int) {
	if r == nil || n == 0 {
		return
	}
	r.ChangesTotal.WithLabelValues(kind).Add(float64(n))
}

// SetCachedRules reports the reconciliation cache size.
func (r *Registry) SetCachedRules(n int) {
	if r == nil {
		return
	}
	r.CachedRules.Set(float64(n))
}

// SetAcknowledged reports the acknowledgment ledger size.
func (r *Registry) SetAcknowledged(n int) {
	if r == nil {
		return
	}
	r.AcknowledgedID.Set(float64(n))
}

// TriggerSignal counts a change notification from notifier.
func (r *Registry) TriggerSignal(notifier string) {
	if r == nil {
		return
	}
	r.TriggerSignals.WithLabelValues(notifier).Inc()
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
