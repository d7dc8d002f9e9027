// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Label values shared by the mail counters.
const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

// Trigger outcomes for TriggerAlerts.
const (
	OutcomeNotDue    = "not_due"
	OutcomeNoMatches = "no_matches"
	OutcomeSent      = "sent"
	OutcomeFailed    = "failed"
)

var (
	// TriggerAlerts counts per-alert evaluation outcomes.
	TriggerAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadsdb_trigger_alerts_total",
		Help: "Alerts evaluated by the trigger engine, by outcome.",
	}, []string{"outcome"})

	// AlertMail counts alert mail transmissions.
	AlertMail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadsdb_alert_mail_total",
		Help: "Alert emails handed to the mail transport, by result.",
	}, []string{"result"})

	// ConfirmationMail counts confirmation mail transmissions.
	ConfirmationMail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "leadsdb_confirmation_mail_total",
		Help: "Confirmation emails handed to the mail transport, by result.",
	}, []string{"result"})

	// TriggerRuns counts completed trigger runs.
	TriggerRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leadsdb_trigger_runs_total",
		Help: "Completed trigger engine runs.",
	})

	// TriggerRunSeconds observes trigger run durations.
	TriggerRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "leadsdb_trigger_run_seconds",
		Help:    "Wall time of trigger engine runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Registry holds every collector above plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		TriggerAlerts,
		AlertMail,
		ConfirmationMail,
		TriggerRuns,
		TriggerRunSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
