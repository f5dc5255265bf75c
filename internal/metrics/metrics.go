package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_created_total",
			Help: "Alerts created, by category",
		},
		[]string{"category"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_status_transitions_total",
			Help: "Accepted alert status transitions, by new status",
		},
		[]string{"status"},
	)

	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_escalations_total",
			Help: "Automatic escalations fired, by resulting tier",
		},
		[]string{"tier"},
	)

	UnresolvedCritical = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_unresolved_critical_total",
			Help: "Alerts that reached the maximum escalation tier unresolved",
		},
	)

	ZoneEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zone_events_total",
			Help: "Zone membership transitions, by event type",
		},
		[]string{"type"},
	)

	StaleSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "location_samples_stale_total",
			Help: "Location samples dropped for arriving out of order",
		},
	)

	CommandsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Commands accepted onto the bridge, by kind",
		},
		[]string{"kind"},
	)

	CommandsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_commands_rejected_total",
			Help: "Commands rejected because a lane queue was full",
		},
	)

	PersistenceRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persistence_retries_total",
			Help: "Durable write attempts that failed and were retried",
		},
	)
)
