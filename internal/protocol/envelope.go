package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MaxPipelineDepth is the maximum number of hops (including the current
// one) permitted in a task's next-chain.
const MaxPipelineDepth = 16

// WorkflowStep records one completed hop in a V2 workflow.
type WorkflowStep struct {
	AgentID   string    `json:"agent_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// RoutingTraceEntry is one append-only entry describing a routing decision.
type RoutingTraceEntry struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowContext carries the V2-only routing state of a task.
type WorkflowContext struct {
	OriginalQuery  string         `json:"original_query,omitempty"`
	StepsCompleted []WorkflowStep `json:"steps_completed,omitempty"`
	IterationCount int            `json:"iteration_count"`
}

// Envelope is a single task directing one agent to do one unit of work.
// It represents both the V1 (flat next-chain) and V2 (context +
// routing_trace) wire shapes; Version reports which one was decoded.
type Envelope struct {
	TaskID         string              `json:"task_id"`
	ConversationID string              `json:"conversation_id"`
	Topic          string              `json:"topic"`
	Instruction    string              `json:"instruction,omitempty"`
	Input          json.RawMessage     `json:"input,omitempty"`
	Next           *Envelope           `json:"next,omitempty"`

	// V2 fields. VersionTag is the literal wire field "version"; empty
	// means V1.
	VersionTag    string              `json:"version,omitempty"`
	Context       *WorkflowContext    `json:"context,omitempty"`
	RoutingTrace  []RoutingTraceEntry `json:"routing_trace,omitempty"`
}

// IsV2 reports whether this envelope carries the V2 wire shape.
func (e *Envelope) IsV2() bool {
	return e != nil && e.VersionTag == "2.0"
}

// Version returns "1.0" or "2.0".
func (e *Envelope) Version() string {
	if e.IsV2() {
		return "2.0"
	}
	return "1.0"
}

// Depth walks the next-chain, counting this hop and every successor.
func (e *Envelope) Depth() int {
	depth := 0
	for n := e; n != nil; n = n.Next {
		depth++
	}
	return depth
}

// IterationCount returns the V2 iteration count, or 0 for V1 envelopes.
func (e *Envelope) IterationCount() int {
	if e.Context == nil {
		return 0
	}
	return e.Context.IterationCount
}

// ValidateTaskID reports whether the envelope carries a non-empty task ID.
func (e *Envelope) ValidateTaskID() error {
	if e.TaskID == "" {
		return fmt.Errorf("task_id: must not be empty")
	}
	return nil
}

// Status values published to an agent's retained status topic.
type StatusValue string

const (
	StatusAvailable   StatusValue = "available"
	StatusUnavailable StatusValue = "unavailable"
)

// Health classes an agent may self-report.
type Health string

const (
	HealthOK    Health = "ok"
	HealthError Health = "error"
)

// AgentStatus is published retained to /control/agents/<id>/status.
type AgentStatus struct {
	AgentID      string      `json:"agent_id"`
	Status       StatusValue `json:"status"`
	Timestamp    time.Time   `json:"timestamp"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Description  string      `json:"description,omitempty"`
	Load         *float64    `json:"load,omitempty"`
	Health       Health      `json:"health,omitempty"`
}

// Response is published to /conversations/<conv_id>/<agent_id> on success.
type Response struct {
	TaskID   string `json:"task_id"`
	Response string `json:"response"`
}

// ErrorCode enumerates the taxonomy of §7.
type ErrorCode string

const (
	ErrInvalidInput       ErrorCode = "invalid_input"
	ErrValidationError    ErrorCode = "validation_error"
	ErrToolExecutionFailed ErrorCode = "tool_execution_failed"
	ErrRateLimited        ErrorCode = "rate_limited"
	ErrLLMError           ErrorCode = "llm_error"
	ErrInternalError      ErrorCode = "internal_error"
)

// ErrorDetail is the body of an Error message.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorMessage is published to the same topic namespace as Response.
type ErrorMessage struct {
	TaskID string      `json:"task_id"`
	Error  ErrorDetail `json:"error"`
}
