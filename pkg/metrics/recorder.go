// Package metrics exposes the optimizer's own Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "idle_optimizer"

// Recorder owns a private registry. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry
	handler  http.Handler

	analyses        *prometheus.CounterVec
	recommendations *prometheus.CounterVec
	safetyFailures  *prometheus.CounterVec
	orchestrations  *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
	escalations     prometheus.Counter
	inFlight        prometheus.Gauge
	monitorSeconds  prometheus.Histogram
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Workload analyses by result",
		}, []string{"result"}),
		recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommendations_total",
			Help:      "Scaling recommendations by action",
		}, []string{"action"}),
		safetyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "safety_check_failures_total",
			Help:      "Recommendations blocked by a safety check",
		}, []string{"check"}),
		orchestrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestrations_total",
			Help:      "Scale-down orchestrations by terminal state",
		}, []string{"state"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollbacks by trigger",
		}, []string{"trigger"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_failures_total",
			Help:      "Rollbacks that could not restore the workload and need a human",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orchestrations_in_flight",
			Help:      "Orchestrations currently holding a workload",
		}),
		monitorSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitoring_duration_seconds",
			Help:      "Time spent watching for traffic after scaling to zero",
			Buckets:   []float64{1, 10, 30, 60, 120, 300, 600, 900},
		}),
	}

	r.registry.MustRegister(
		r.analyses,
		r.recommendations,
		r.safetyFailures,
		r.orchestrations,
		r.rollbacks,
		r.escalations,
		r.inFlight,
		r.monitorSeconds,
	)
	r.handler = promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return r
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return r.handler
}

// Registry is exposed for tests
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveAnalysis(result string) {
	if r == nil {
		return
	}
	r.analyses.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveRecommendation(action string) {
	if r == nil {
		return
	}
	r.recommendations.WithLabelValues(action).Inc()
}

func (r *Recorder) ObserveSafetyFailure(check string) {
	if r == nil {
		return
	}
	r.safetyFailures.WithLabelValues(check).Inc()
}

func (r *Recorder) ObserveOrchestration(state string) {
	if r == nil {
		return
	}
	r.orchestrations.WithLabelValues(state).Inc()
}

func (r *Recorder) ObserveRollback(trigger string) {
	if r == nil {
		return
	}
	r.rollbacks.WithLabelValues(trigger).Inc()
}

// Escalate counts a rollback failure
func (r *Recorder) Escalate() {
	if r == nil {
		return
	}
	r.escalations.Inc()
}

func (r *Recorder) OrchestrationStarted() {
	if r == nil {
		return
	}
	r.inFlight.Inc()
}

func (r *Recorder) OrchestrationFinished() {
	if r == nil {
		return
	}
	r.inFlight.Dec()
}

func (r *Recorder) ObserveMonitoring(seconds float64) {
	if r == nil {
		return
	}
	r.monitorSeconds.Observe(seconds)
}
