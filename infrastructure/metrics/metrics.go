// Package metrics provides Prometheus metrics collection
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the engine
type Metrics struct {
	// Orchestration metrics
	AgentLaunchesTotal   *prometheus.CounterVec
	RateLimitSignals     prometheus.Counter
	ParallelThrottles    prometheus.Counter
	LaunchBudgetHolds    prometheus.Counter
	EffectiveParallelism prometheus.Gauge
	RunningSpecs         prometheus.Gauge

	// Pipeline metrics
	StageResultsTotal *prometheus.CounterVec

	// Studio metrics
	GateStepsTotal        *prometheus.CounterVec
	StageTransitionsTotal *prometheus.CounterVec

	// Errorbook metrics
	ErrorbookRecordsTotal *prometheus.CounterVec
}

// New creates a new Metrics instance registered against the default registerer
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		AgentLaunchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sce_agent_launches_total",
				Help: "Total number of agent launches",
			},
			[]string{"spec", "result"},
		),
		RateLimitSignals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sce_rate_limit_signals_total",
				Help: "Total number of upstream rate-limit signals observed",
			},
		),
		ParallelThrottles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sce_parallel_throttles_total",
				Help: "Times the effective parallelism was reduced",
			},
		),
		LaunchBudgetHolds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sce_launch_budget_holds_total",
				Help: "Times launches were held by the sliding launch budget",
			},
		),
		EffectiveParallelism: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sce_effective_parallelism",
				Help: "Current effective max parallel agents",
			},
		),
		RunningSpecs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sce_running_specs",
				Help: "Specs currently executing",
			},
		),
		StageResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sce_pipeline_stage_results_total",
				Help: "Pipeline stage results by stage and status",
			},
			[]string{"stage", "status"},
		),
		GateStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sce_gate_steps_total",
				Help: "Gate step executions by profile and status",
			},
			[]string{"profile", "status"},
		),
		StageTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sce_studio_stage_transitions_total",
				Help: "Studio stage transitions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		ErrorbookRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sce_errorbook_records_total",
				Help: "Errorbook record operations by kind (created|merged)",
			},
			[]string{"kind"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.AgentLaunchesTotal,
			m.RateLimitSignals,
			m.ParallelThrottles,
			m.LaunchBudgetHolds,
			m.EffectiveParallelism,
			m.RunningSpecs,
			m.StageResultsTotal,
			m.GateStepsTotal,
			m.StageTransitionsTotal,
			m.ErrorbookRecordsTotal,
		)
	}

	return m
}

// Nop returns an unregistered Metrics instance, safe to use in tests.
func Nop() *Metrics {
	return NewWithRegistry(nil)
}
