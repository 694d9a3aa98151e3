// Package metrics provides Prometheus instrumentation for the safety
// pipeline: submissions, detected signals, alert decisions, per-channel
// dispatch outcomes and mandatory-report activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SubmissionsTotal counts inbound submissions by kind
	// ("prayer", "conversation").
	SubmissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_submissions_total",
		Help: "Total number of content submissions screened",
	}, []string{"kind"})

	// SignalsTotal counts classified events per matched category.
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_signals_total",
		Help: "Safety signals detected, by category",
	}, []string{"category"})

	// AlertDecisions counts dedup outcomes: "allowed", "suppressed",
	// "fail_open", "released".
	AlertDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_alert_decisions_total",
		Help: "Alert deduplication decisions",
	}, []string{"decision"})

	// DispatchTotal counts dispatch results per channel and outcome
	// ("ok", "retried_ok", "failed").
	DispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_dispatch_total",
		Help: "Notification dispatch results",
	}, []string{"channel", "outcome"})

	// DispatchDuration records wall time per dispatch job including retry.
	DispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "safety_dispatch_duration_seconds",
		Help:    "Notification dispatch duration in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"channel"})

	// MandatoryReports counts capture-flow actions: "begin", "submit",
	// "skip", "failed".
	MandatoryReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_mandatory_reports_total",
		Help: "Mandatory-report capture flow actions",
	}, []string{"action"})

	// LiveConnections tracks moderators connected to the live queue feed.
	LiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safety_live_connections",
		Help: "Current number of live moderation feed connections",
	})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_rate_limited_total",
		Help: "Requests rejected by a rate limit rule",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		SubmissionsTotal,
		SignalsTotal,
		AlertDecisions,
		DispatchTotal,
		DispatchDuration,
		MandatoryReports,
		LiveConnections,
		RateLimited,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
