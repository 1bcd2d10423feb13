package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/2389-research/agentmesh/internal/llmprovider"
	"github.com/2389-research/agentmesh/internal/protocol"
)

// DecisionKind discriminates the three shapes a routing Decision can take.
type DecisionKind string

const (
	DecisionRouteTo  DecisionKind = "route"
	DecisionComplete DecisionKind = "complete"
	DecisionNoRoute  DecisionKind = "no_route"
)

// Decision is the router's verdict for one task: route to a peer, complete
// the workflow here, or decline to route (surfaced as an internal_error by
// the nine-step processor). Decision is a closed sum type: exactly one of
// the three kinds is meaningful for any given value, and the nine-step
// processor's step 9 switches on Kind exhaustively so a task can never
// produce both a Response and a forwarded task.
type Decision struct {
	Kind DecisionKind

	// RouteTo fields. TargetTopic, if set, is used verbatim (the static
	// strategy already knows the exact destination topic from the
	// next-chain); otherwise TargetAgentID is resolved to its input topic
	// with protocol.InputTopic.
	TargetAgentID string
	TargetTopic   string
	Instruction   string
	Input         json.RawMessage
	Reason        string

	// Complete field.
	FinalOutput json.RawMessage

	// NoRoute field.
	NoRouteReason string
}

// ConversationContext carries the V2 workflow state the LLM router's
// prompt is built from: the original query and the steps completed so far.
type ConversationContext struct {
	OriginalQuery  string
	StepsCompleted []protocol.WorkflowStep
}

// Router maps (task, work output, registry, conversation context) to a
// routing Decision. The two strategies named in the spec — static
// next-chain following and LLM-driven selection — both satisfy this
// contract.
type Router interface {
	Decide(ctx context.Context, task *protocol.Envelope, workOutput json.RawMessage, registry *Registry, convCtx ConversationContext) (Decision, error)
}

// StaticRouter implements the "static" strategy: follow task.Next exactly,
// completing once the chain is exhausted. It never consults the registry
// or the model.
type StaticRouter struct{}

// NewStaticRouter constructs a StaticRouter.
func NewStaticRouter() *StaticRouter { return &StaticRouter{} }

// Decide implements Router.
func (s *StaticRouter) Decide(_ context.Context, task *protocol.Envelope, workOutput json.RawMessage, _ *Registry, _ ConversationContext) (Decision, error) {
	if task.Next == nil {
		return Decision{Kind: DecisionComplete, FinalOutput: workOutput}, nil
	}

	next := task.Next
	input := next.Input
	if len(input) == 0 {
		input = workOutput
	}
	return Decision{
		Kind:        DecisionRouteTo,
		TargetTopic: protocol.Canonicalize(next.Topic),
		Instruction: next.Instruction,
		Input:       input,
		Reason:      "static next-chain hop",
	}, nil
}

// AgentDecision is the JSON shape the LLM router asks the model to emit.
type AgentDecision struct {
	Type        string          `json:"type"`
	Target      string          `json:"target,omitempty"`
	Instruction string          `json:"instruction,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// LLMRouter implements the "llm" strategy: ask the model to choose among
// currently selectable peers, described by their advertised capabilities.
type LLMRouter struct {
	Provider    llmprovider.Provider
	Model       string
	Temperature float64
}

// NewLLMRouter constructs an LLMRouter bound to provider/model.
func NewLLMRouter(provider llmprovider.Provider, model string, temperature float64) *LLMRouter {
	return &LLMRouter{Provider: provider, Model: model, Temperature: temperature}
}

// Decide implements Router. Any parse failure, or a target that does not
// name a currently selectable peer, collapses to NoRoute: the registry is
// the only source of truth for liveness, so a best-effort forward to a
// topic computed a priori is never attempted (see DESIGN.md's resolution
// of the spec's open question on strict selectability).
func (l *LLMRouter) Decide(ctx context.Context, task *protocol.Envelope, workOutput json.RawMessage, registry *Registry, convCtx ConversationContext) (Decision, error) {
	prompt := l.buildPrompt(task, workOutput, registry, convCtx)

	resp, err := l.Provider.Complete(ctx, llmprovider.Request{
		Model:       l.Model,
		Temperature: l.Temperature,
		Messages: []llmprovider.Message{
			{Role: llmprovider.RoleSystem, Content: routingSystemPrompt},
			{Role: llmprovider.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return Decision{}, fmt.Errorf("routing completion: %w", err)
	}

	var ad AgentDecision
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &ad); err != nil {
		return Decision{Kind: DecisionNoRoute, NoRouteReason: "router response did not parse as an AgentDecision: " + err.Error()}, nil
	}

	switch ad.Type {
	case "complete":
		final := ad.Input
		if len(final) == 0 {
			final = workOutput
		}
		return Decision{Kind: DecisionComplete, FinalOutput: final}, nil

	case "route":
		if ad.Target == "" {
			return Decision{Kind: DecisionNoRoute, NoRouteReason: "route decision named no target agent"}, nil
		}
		if _, ok := FindAgentByID(registry, ad.Target); !ok {
			return Decision{Kind: DecisionNoRoute, NoRouteReason: fmt.Sprintf("target %q is not a currently selectable agent", ad.Target)}, nil
		}
		input := ad.Input
		if len(input) == 0 {
			input = workOutput
		}
		return Decision{
			Kind:          DecisionRouteTo,
			TargetAgentID: ad.Target,
			Instruction:   ad.Instruction,
			Input:         input,
			Reason:        ad.Reason,
		}, nil

	default:
		return Decision{Kind: DecisionNoRoute, NoRouteReason: fmt.Sprintf("unrecognized decision type %q", ad.Type)}, nil
	}
}

const routingSystemPrompt = `You are the routing component of a multi-agent workflow. Given the ` +
	`original query, the steps already completed, and the latest work output, decide whether the ` +
	`workflow is done or which peer agent should handle the next step. Respond with exactly one ` +
	`JSON object: {"type":"route","target":"<agent_id>","instruction":"...","input":{...},"reason":"..."} ` +
	`or {"type":"complete","input":{...}}. Only route to an agent from the provided directory.`

func (l *LLMRouter) buildPrompt(task *protocol.Envelope, workOutput json.RawMessage, registry *Registry, convCtx ConversationContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n\n", convCtx.OriginalQuery)

	b.WriteString("Steps completed so far:\n")
	if len(convCtx.StepsCompleted) == 0 {
		b.WriteString("(none)\n")
	}
	for _, step := range convCtx.StepsCompleted {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", step.AgentID, step.Action, step.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}

	fmt.Fprintf(&b, "\nLatest work output:\n%s\n\n", string(workOutput))

	b.WriteString("Available agents:\n")
	for _, e := range registry.ListSelectable() {
		load := 0.0
		if e.Status.Load != nil {
			load = *e.Status.Load
		}
		fmt.Fprintf(&b, "- %s: capabilities=%v load=%.2f description=%q\n",
			e.Status.AgentID, e.Status.Capabilities, load, e.Status.Description)
	}

	return b.String()
}
