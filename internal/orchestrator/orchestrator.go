// Package orchestrator owns the per-agent event loop: it pulls deliveries
// off the transport, runs them through the nine-step processor one at a
// time, and enforces the workflow iteration cap that keeps a routing cycle
// from looping forever.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/2389-research/agentmesh/internal/agent"
	"github.com/2389-research/agentmesh/internal/multiagent"
	"github.com/2389-research/agentmesh/internal/protocol"
)

// DefaultMaxIterations is the workflow-wide iteration cap (routing.max_iterations).
const DefaultMaxIterations = 10

// DefaultShutdownGrace bounds how long Shutdown waits for an in-flight task
// before giving up on it.
const DefaultShutdownGrace = 30 * time.Second

// Transport is the slice of the broker connection the orchestrator drives:
// a source of deliveries plus the agent.Publisher contract the processor
// already depends on.
type Transport interface {
	agent.Publisher
	Deliveries() <-chan agent.Delivery
}

// Config configures an Orchestrator.
type Config struct {
	AgentID      string
	Capabilities []string
	Description  string

	Transport Transport
	Processor *agent.Processor

	// MaxIterations bounds routing.max_iterations; a RouteTo decision on a
	// task whose incoming iteration_count has already reached this is
	// converted to Complete instead of forwarded. Defaults to 10.
	MaxIterations int

	ShutdownGrace time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Orchestrator runs one agent's event loop: one goroutine draining
// Transport.Deliveries, processing each task to completion before pulling
// the next (processing is serialized per agent, per the concurrency
// model), until Shutdown is called or the run context is cancelled.
type Orchestrator struct {
	cfg Config

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New constructs an Orchestrator, applying defaults for unset fields.
// cfg.Processor must already have been built with its DecisionGuard set to
// IterationGuard(cfg.MaxIterations) (agent.Config's DecisionGuard field is
// set at construction, not mutable afterward) so the iteration cap is
// enforced at step 9 of every processed task.
func New(cfg Config) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// IterationGuard returns an agent.DecisionGuard enforcing
// routing.max_iterations: a RouteTo decision is rewritten to Complete once
// the incoming task's iteration_count has already reached maxIterations,
// publishing the routed input as the final response instead of forwarding
// it for another hop. This is the orchestrator's loop-safety guarantee.
func IterationGuard(maxIterations int) agent.DecisionGuard {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return func(task *protocol.Envelope, d multiagent.Decision) multiagent.Decision {
		if d.Kind != multiagent.DecisionRouteTo {
			return d
		}
		if task.IterationCount() < maxIterations {
			return d
		}
		return multiagent.Decision{
			Kind:        multiagent.DecisionComplete,
			FinalOutput: d.Input,
			Reason:      "workflow iteration limit reached",
		}
	}
}

// Run publishes this agent's available status and processes deliveries
// until ctx is cancelled or Shutdown is called. It blocks until the loop
// exits.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	if err := o.publishAvailable(ctx); err != nil {
		o.cfg.Logger.Error("failed to publish available status", "agent_id", o.cfg.AgentID, "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.stop:
			return nil
		case d, ok := <-o.cfg.Transport.Deliveries():
			if !ok {
				return nil
			}
			o.processOne(ctx, d)
		}
	}
}

func (o *Orchestrator) processOne(ctx context.Context, d agent.Delivery) {
	if err := o.cfg.Processor.Process(ctx, d); err != nil {
		o.cfg.Logger.Warn("task processing returned an error", "agent_id", o.cfg.AgentID, "error", err)
	}
}

func (o *Orchestrator) publishAvailable(ctx context.Context) error {
	status := protocol.AgentStatus{
		AgentID:      o.cfg.AgentID,
		Status:       protocol.StatusAvailable,
		Timestamp:    o.cfg.Now(),
		Capabilities: o.cfg.Capabilities,
		Description:  o.cfg.Description,
		Health:       protocol.HealthOK,
	}
	return o.publishStatus(ctx, status)
}

func (o *Orchestrator) publishUnavailable(ctx context.Context) error {
	status := protocol.AgentStatus{
		AgentID:   o.cfg.AgentID,
		Status:    protocol.StatusUnavailable,
		Timestamp: o.cfg.Now(),
	}
	return o.publishStatus(ctx, status)
}

func (o *Orchestrator) publishStatus(ctx context.Context, status protocol.AgentStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return o.cfg.Transport.Publish(ctx, protocol.StatusTopic(o.cfg.AgentID), payload, true)
}

// Shutdown stops accepting new tasks, waits up to the configured grace
// period for Run to drain its current in-flight task, then publishes a
// final unavailable status. Disconnecting the transport itself is the
// caller's responsibility, since the orchestrator does not own the
// transport's lifecycle, only its delivery stream.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stop) })

	grace, cancel := context.WithTimeout(ctx, o.cfg.ShutdownGrace)
	defer cancel()

	select {
	case <-o.done:
	case <-grace.Done():
		o.cfg.Logger.Warn("shutdown grace period elapsed before the event loop drained", "agent_id", o.cfg.AgentID)
	}

	return o.publishUnavailable(ctx)
}
