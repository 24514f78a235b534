// Package metrics provides Prometheus-based metrics recording for the
// engine: phases, workers, healing attempts, breaker trips, and orphan
// sweeps.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // promauto collectors are registered once per process
var (
	// PhasesTotal counts phase executions by phase and outcome status.
	PhasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_phases_total",
			Help: "Total number of phase executions by phase and status",
		},
		[]string{"phase", "status"},
	)

	// WorkersTotal counts workers run by role and verification outcome.
	WorkersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_workers_total",
			Help: "Total number of workers run by role and verification outcome",
		},
		[]string{"role", "verify"},
	)

	// TokensTotal accumulates tokens charged to projects.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tokens_total",
			Help: "Total number of tokens consumed per project",
		},
		[]string{"project_id"},
	)

	// CostTotal accumulates USD cost charged to projects.
	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_cost_usd_total",
			Help: "Total cost in USD per project",
		},
		[]string{"project_id"},
	)

	// BreakerTrips counts circuit breaker trips by triggering counter.
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_breaker_trips_total",
			Help: "Total circuit breaker trips by reason",
		},
		[]string{"reason"},
	)

	// HealingAttempts counts healing attempts by tier and outcome.
	HealingAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_healing_attempts_total",
			Help: "Total self-healing attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// OrphansKilled counts orphaned processes terminated by sweeps.
	OrphansKilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_orphans_killed_total",
			Help: "Total orphaned processes terminated by sweeps",
		},
		[]string{"kind"},
	)

	// LiveProcesses tracks currently registered processes.
	LiveProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_live_processes",
			Help: "Number of currently registered OS processes",
		},
	)
)
