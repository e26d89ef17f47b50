// Package metrics exposes Prometheus counters for workload runs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stampede_fsm_transitions_total",
			Help: "Number of FSM state transitions executed, by workload.",
		},
		[]string{"workload"},
	)
	WorkerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stampede_worker_failures_total",
			Help: "Number of worker threads that terminated with a failure, by workload.",
		},
		[]string{"workload"},
	)
	TeardownFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stampede_teardown_failures_total",
			Help: "Number of workload teardowns that failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(TransitionsTotal, WorkerFailuresTotal, TeardownFailuresTotal)
}
