// Package observability provides the Prometheus metrics every agent
// process exposes at its task-processing and registry boundaries. Unlike
// the HTTP health server that serves them (an external collaborator, out
// of scope for this repository), the metrics themselves are wired
// throughout the core so operators can see task outcomes, processing
// latency, and fleet size without tailing logs.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors an agent updates while
// processing tasks. All collectors are registered on a caller-supplied
// *prometheus.Registry at construction time rather than the global
// default registry, so a process embedding multiple agents can keep
// their series separate and so tests never leak state into a shared
// global.
type Metrics struct {
	// TasksProcessed counts completed nine-step runs by outcome.
	// Labels: agent_id, outcome (complete|route|error)
	TasksProcessed *prometheus.CounterVec

	// ProcessingDuration measures nine-step wall-clock latency in seconds.
	// Labels: agent_id
	ProcessingDuration *prometheus.HistogramVec

	// RegistrySize is a gauge of the number of peers currently tracked in
	// an agent's registry, expired or not.
	// Labels: agent_id
	RegistrySize *prometheus.GaugeVec

	// ToolExecutions counts tool invocations by name and outcome.
	// Labels: agent_id, tool_name, outcome (success|error)
	ToolExecutions *prometheus.CounterVec

	// ReconnectCount tracks the transport's cumulative reconnect count.
	// Labels: agent_id
	ReconnectCount *prometheus.GaugeVec
}

// NewMetrics constructs and registers every collector on reg. Call once
// per agent process at startup; reg is typically a fresh
// prometheus.NewRegistry() rather than prometheus.DefaultRegisterer, so
// that no required process-global state is introduced (spec.md §9).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		TasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_tasks_processed_total",
				Help: "Total number of tasks processed by outcome",
			},
			[]string{"agent_id", "outcome"},
		),
		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentmesh_task_processing_duration_seconds",
				Help:    "Duration of the nine-step task pipeline in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"agent_id"},
		),
		RegistrySize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentmesh_registry_size",
				Help: "Number of peer agents currently tracked in the registry",
			},
			[]string{"agent_id"},
		),
		ToolExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentmesh_tool_executions_total",
				Help: "Total number of tool executions by tool name and outcome",
			},
			[]string{"agent_id", "tool_name", "outcome"},
		),
		ReconnectCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentmesh_transport_reconnects",
				Help: "Cumulative number of transport reconnects observed",
			},
			[]string{"agent_id"},
		),
	}

	reg.MustRegister(
		m.TasksProcessed,
		m.ProcessingDuration,
		m.RegistrySize,
		m.ToolExecutions,
		m.ReconnectCount,
	)
	return m
}

// RecordToolExecution records one tool invocation's outcome.
func (m *Metrics) RecordToolExecution(agentID, toolName, outcome string) {
	m.ToolExecutions.WithLabelValues(agentID, toolName, outcome).Inc()
}

// SetRegistrySize reports the current number of tracked peers.
func (m *Metrics) SetRegistrySize(agentID string, size int) {
	m.RegistrySize.WithLabelValues(agentID).Set(float64(size))
}

// SetReconnectCount reports the transport's cumulative reconnect count.
func (m *Metrics) SetReconnectCount(agentID string, count int) {
	m.ReconnectCount.WithLabelValues(agentID).Set(float64(count))
}
