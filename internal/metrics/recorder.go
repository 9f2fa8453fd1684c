// Package metrics exposes session and retention counters to Prometheus.
//
// All Recorder methods are safe on a nil receiver so components can run
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "martec"

// Recorder holds the service's Prometheus collectors.
type Recorder struct {
	registry        *prom.Registry
	transitions     *prom.CounterVec
	buildDuration   *prom.HistogramVec
	evictions       *prom.CounterVec
	reclaimedBytes  prom.Counter
	sweepErrors     prom.Counter
	workspaceBytes  prom.Gauge
	sweepsCompleted prom.Counter
}

// NewRecorder constructs the collectors and registers them on reg. A nil reg
// gets a fresh private registry.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	r := &Recorder{
		registry: reg,
		transitions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of containerized builds by outcome",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}, []string{"outcome"}),
		evictions: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "workspace_evictions_total",
			Help:      "Workspaces deleted by the retention sweeper by rule",
		}, []string{"rule"}),
		reclaimedBytes: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "workspace_reclaimed_bytes_total",
			Help:      "Bytes reclaimed by the retention sweeper",
		}),
		sweepErrors: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Failed listings or deletions during sweep cycles",
		}),
		workspaceBytes: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "workspace_root_bytes",
			Help:      "Total size of the workspace root after the last sweep",
		}),
		sweepsCompleted: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Completed sweep cycles",
		}),
	}
	reg.MustRegister(r.transitions, r.buildDuration, r.evictions, r.reclaimedBytes,
		r.sweepErrors, r.workspaceBytes, r.sweepsCompleted)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (r *Recorder) IncTransition(state string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(state).Inc()
}

func (r *Recorder) ObserveBuild(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.buildDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncEviction counts one deleted workspace; rule is "age" or "size".
func (r *Recorder) IncEviction(rule string, bytes int64) {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(rule).Inc()
	if bytes > 0 {
		r.reclaimedBytes.Add(float64(bytes))
	}
}

func (r *Recorder) IncSweepError() {
	if r == nil {
		return
	}
	r.sweepErrors.Inc()
}

func (r *Recorder) SweepCompleted(rootBytes int64) {
	if r == nil {
		return
	}
	r.sweepsCompleted.Inc()
	r.workspaceBytes.Set(float64(rootBytes))
}
