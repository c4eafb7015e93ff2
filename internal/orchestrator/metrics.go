package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	executionsStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_orchestrator_executions_started_total",
			Help: "Total number of executions moved to running.",
		},
	)

	executionsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_orchestrator_executions_finished_total",
			Help: "Total number of executions that reached a terminal status.",
		},
		[]string{"status"},
	)

	stepsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_orchestrator_steps_dispatched_total",
			Help: "Total number of step commands sent to nodes.",
		},
		[]string{"command"},
	)

	stepFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_orchestrator_step_failures_total",
			Help: "Total number of failed steps by error code.",
		},
		[]string{"code"},
	)

	duplicateResultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hydra_orchestrator_ignored_results_total",
			Help: "Total number of command results ignored because the step was no longer running.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsStartedTotal)
	prometheus.MustRegister(executionsFinishedTotal)
	prometheus.MustRegister(stepsDispatchedTotal)
	prometheus.MustRegister(stepFailuresTotal)
	prometheus.MustRegister(duplicateResultsTotal)
}
