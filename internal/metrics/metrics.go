package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "donations",
	Subsystem: "recurring",
	Name:      "status_transitions_total",
	Help:      "Number of persisted recurring donation status transitions",
}, []string{"from", "to", "actor"})

var RejectedStatusChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "donations",
	Subsystem: "recurring",
	Name:      "rejected_status_changes_total",
	Help:      "Number of status change requests rejected by the lifecycle rules",
}, []string{"reason"})

var ScheduleAdvances = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "donations",
	Subsystem: "recurring",
	Name:      "schedule_advances_total",
	Help:      "Number of next donation dates advanced after a successful charge",
})

var ExhaustedSchedules = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "donations",
	Subsystem: "recurring",
	Name:      "exhausted_schedules_total",
	Help:      "Number of recurring donations cancelled because their schedule ran past the end date",
})

var DueNoticesPublished = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "donations",
	Subsystem: "recurring",
	Name:      "due_notices_published_total",
	Help:      "Number of due donation notices published to the charging collaborator",
})
