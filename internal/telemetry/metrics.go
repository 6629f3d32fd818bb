package telemetry

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/appointment-scheduler/internal/internaltypes"
)

var (
	once sync.Once

	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "apptsched_jobs_started_total", Help: "Query runs started"})
	JobsFinished     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "apptsched_jobs_finished_total", Help: "Query runs finished by status"}, []string{"status"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "apptsched_jobs_inflight", Help: "Query runs currently executing"})
	JobStage         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "apptsched_job_stage_entered_total", Help: "Pipeline stage transitions"}, []string{"stage"})
	ItemChecks       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "apptsched_item_checks_total", Help: "Per-container appointment checks by outcome"}, []string{"outcome"})
	SessionRecovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "apptsched_session_recoveries_total", Help: "Session re-authentications after an invalid session"})
	SchedulerTicks   = prometheus.NewCounter(prometheus.CounterOpts{Name: "apptsched_scheduler_ticks_total", Help: "Periodic scheduler ticks fired"})
	RemoteCalls      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apptsched_remote_call_seconds",
		Help:    "Remote service call latency by operation and outcome",
		Buckets: []float64{0.5, 2, 10, 30, 60, 180, 600, 1800},
	}, []string{"op", "outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobsFinished,
			JobsInFlight,
			JobStage,
			ItemChecks,
			SessionRecovered,
			SchedulerTicks,
			RemoteCalls,
		)
	})
	return promhttp.Handler()
}

// ObserveRemoteCall records one remote call started at start.
func ObserveRemoteCall(op string, start time.Time, err error) {
	RemoteCalls.WithLabelValues(op, Outcome(err)).Observe(time.Since(start).Seconds())
}

// Outcome buckets an error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, internaltypes.ErrAuth):
		return "auth"
	case errors.Is(err, internaltypes.ErrSessionInvalid):
		return "session_invalid"
	case errors.Is(err, internaltypes.ErrRemoteUnavailable):
		return "unavailable"
	case errors.Is(err, internaltypes.ErrData):
		return "data"
	default:
		return "error"
	}
}
