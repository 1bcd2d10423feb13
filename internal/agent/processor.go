// Package agent implements the nine-step task processor: the per-task
// pipeline that validates, executes, and routes one envelope delivered to
// one agent's input topic.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389-research/agentmesh/internal/llmprovider"
	"github.com/2389-research/agentmesh/internal/multiagent"
	"github.com/2389-research/agentmesh/internal/observability"
	"github.com/2389-research/agentmesh/internal/protocol"
	"github.com/2389-research/agentmesh/internal/tool"
)

// Budget bounds the inner tool-call loop of step 6.
type Budget struct {
	MaxToolCalls  int
	MaxIterations int
}

// DefaultBudget returns the spec-default budget: 15 tool calls, 8 inner
// iterations.
func DefaultBudget() Budget {
	return Budget{MaxToolCalls: 15, MaxIterations: 8}
}

// DecisionGuard lets an owning orchestrator rewrite a routing decision
// before it is acted on — in particular, to convert a RouteTo into a
// Complete once a workflow's iteration budget is exhausted. It is called
// immediately before step 9's emit.
type DecisionGuard func(task *protocol.Envelope, d multiagent.Decision) multiagent.Decision

// Config configures a Processor.
type Config struct {
	AgentID      string
	SystemPrompt string

	Provider    llmprovider.Provider
	Model       string
	Temperature float64

	Tools *tool.Registry

	// Router selects where a task goes next. A nil Router means the agent
	// runs the V1 static path: follow task.Next directly, with no registry
	// lookups and no model call for routing.
	Router   multiagent.Router
	Registry *multiagent.Registry

	Publisher   Publisher
	Idempotency *IdempotencyCache
	Budget      Budget

	DecisionGuard DecisionGuard

	// Metrics records task outcomes and processing latency. Nil disables
	// metrics recording entirely (tests routinely leave it unset).
	Metrics *observability.Metrics

	Now    func() time.Time
	Logger *slog.Logger
}

// Processor runs the nine-step pipeline for one agent.
type Processor struct {
	cfg        Config
	inputTopic string
}

// New constructs a Processor from cfg, applying spec defaults for any
// unset field. It returns ErrNoProvider if cfg.Provider is nil, since every
// one of the nine steps past context assembly depends on it.
func New(cfg Config) (*Processor, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	if cfg.Idempotency == nil {
		cfg.Idempotency = NewIdempotencyCache(DefaultIdempotencyCapacity)
	}
	if cfg.Budget.MaxToolCalls <= 0 {
		cfg.Budget.MaxToolCalls = DefaultBudget().MaxToolCalls
	}
	if cfg.Budget.MaxIterations <= 0 {
		cfg.Budget.MaxIterations = DefaultBudget().MaxIterations
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{cfg: cfg, inputTopic: protocol.InputTopic(cfg.AgentID)}, nil
}

// Process runs the nine-step pipeline against one delivered frame. A
// returned error has already been published to the task's conversation
// topic where the spec requires it (every stage but the silent
// retained-task drop, provided the frame yielded a conversation_id to
// publish under); the caller only needs it for logging and for
// deciding whether the failure is fatal to the agent (it never is, per
// §7 — a processing error is always scoped to one task).
func (p *Processor) Process(ctx context.Context, d Delivery) error {
	// Step 1: reject-retained.
	if d.Retained {
		return nil
	}

	start := p.cfg.Now()
	defer func() {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.ProcessingDuration.WithLabelValues(p.cfg.AgentID).Observe(p.cfg.Now().Sub(start).Seconds())
		}
	}()

	var task protocol.Envelope
	if err := json.Unmarshal(d.Payload, &task); err != nil {
		return p.fail(ctx, &task, protocol.ErrInvalidInput, fmt.Sprintf("parsing task envelope: %v", err))
	}

	if err := task.ValidateTaskID(); err != nil {
		return p.fail(ctx, &task, protocol.ErrInvalidInput, err.Error())
	}

	// Step 2: topic match.
	if protocol.Canonicalize(task.Topic) != p.inputTopic {
		return p.fail(ctx, &task, protocol.ErrInvalidInput, fmt.Sprintf("topic %q does not match this agent's input topic %q", task.Topic, p.inputTopic))
	}

	// Step 3: idempotency.
	if p.cfg.Idempotency.Seen(task.TaskID) {
		return p.fail(ctx, &task, protocol.ErrInvalidInput, "already processed")
	}

	// Step 4: depth check.
	if task.Depth() > protocol.MaxPipelineDepth {
		return p.fail(ctx, &task, protocol.ErrInvalidInput, "pipeline depth exceeded")
	}

	// Step 5: context assembly.
	messages := p.assembleMessages(&task)

	// Step 6: LLM call, possibly iterating over tool calls.
	content, err := p.runCompletionLoop(ctx, &task, messages)
	if err != nil {
		if pe, ok := protocol.AsProcessingError(err); ok {
			return p.fail(ctx, &task, pe.Code, pe.Message)
		}
		return p.fail(ctx, &task, protocol.ErrInternalError, err.Error())
	}

	// Step 7: produce work output.
	workOutput := workOutputOf(content)

	// Step 8: routing decision.
	decision, err := p.decide(ctx, &task, workOutput)
	if err != nil {
		return p.fail(ctx, &task, protocol.ErrInternalError, err.Error())
	}
	if p.cfg.DecisionGuard != nil {
		decision = p.cfg.DecisionGuard(&task, decision)
	}

	// Step 9: emit.
	return p.emit(ctx, &task, workOutput, decision)
}

// assembleMessages builds step 5's message list: system prompt, original
// query and prior steps for V2 tasks, the instruction, and the serialized
// input.
func (p *Processor) assembleMessages(task *protocol.Envelope) []llmprovider.Message {
	var messages []llmprovider.Message

	if p.cfg.SystemPrompt != "" {
		messages = append(messages, llmprovider.Message{Role: llmprovider.RoleSystem, Content: p.cfg.SystemPrompt})
	}

	if task.IsV2() && task.Context != nil {
		if task.Context.OriginalQuery != "" {
			messages = append(messages, llmprovider.Message{
				Role:    llmprovider.RoleUser,
				Content: "Original query: " + task.Context.OriginalQuery,
			})
		}
		if len(task.Context.StepsCompleted) > 0 {
			messages = append(messages, llmprovider.Message{
				Role:    llmprovider.RoleUser,
				Content: "Steps completed so far: " + formatStepsCompleted(task.Context.StepsCompleted),
			})
		}
	}

	if task.Instruction != "" {
		messages = append(messages, llmprovider.Message{Role: llmprovider.RoleUser, Content: task.Instruction})
	}

	input := string(task.Input)
	if input == "" {
		input = "{}"
	}
	messages = append(messages, llmprovider.Message{Role: llmprovider.RoleUser, Content: input})

	return messages
}

func formatStepsCompleted(steps []protocol.WorkflowStep) string {
	b, err := json.Marshal(steps)
	if err != nil {
		return "(unavailable)"
	}
	return string(b)
}

// runCompletionLoop implements step 6: call the model, execute any
// requested tool calls, and call again, bounded by the configured budget.
func (p *Processor) runCompletionLoop(ctx context.Context, task *protocol.Envelope, messages []llmprovider.Message) (string, error) {
	toolCallsUsed := 0
	var toolDecls []llmprovider.ToolDeclaration
	if p.cfg.Tools != nil {
		for _, d := range p.cfg.Tools.Descriptions() {
			toolDecls = append(toolDecls, llmprovider.ToolDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}

	for iteration := 0; iteration < p.cfg.Budget.MaxIterations; iteration++ {
		if ctx.Err() != nil {
			loopErr := &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: ErrContextCancelled}
			return "", protocol.Wrap(protocol.ErrInternalError, task.TaskID, loopErr)
		}

		resp, err := p.complete(ctx, messages, toolDecls)
		if err != nil {
			p.cfg.Logger.Warn("llm completion failed", "task_id", task.TaskID,
				"loop_error", (&LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}).Error())
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		if toolCallsUsed+len(resp.ToolCalls) > p.cfg.Budget.MaxToolCalls {
			loopErr := &LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Message: "tool-call budget exceeded", Cause: ErrMaxIterations}
			return "", protocol.Wrap(protocol.ErrLLMError, task.TaskID, loopErr)
		}
		toolCallsUsed += len(resp.ToolCalls)

		messages = append(messages, llmprovider.Message{
			Role:    llmprovider.RoleAssistant,
			Content: resp.Content,
		})

		for _, tc := range resp.ToolCalls {
			result, execErr := p.executeTool(ctx, tc)
			if execErr != nil {
				p.cfg.Logger.Warn("tool execution failed", "task_id", task.TaskID,
					"loop_error", (&LoopError{Phase: PhaseExecuteTools, Iteration: iteration, Cause: execErr}).Error())
				return "", execErr
			}
			messages = append(messages, llmprovider.Message{
				Role:       llmprovider.RoleTool,
				Content:    string(result),
				ToolCallID: tc.ID,
			})
		}
	}

	loopErr := &LoopError{Phase: PhaseContinue, Iteration: p.cfg.Budget.MaxIterations, Message: "iteration budget exceeded", Cause: ErrMaxIterations}
	return "", protocol.Wrap(protocol.ErrLLMError, task.TaskID, loopErr)
}

// complete calls the provider once, retrying exactly once more if the
// failure is a rate limit (the provider's own retry policy already covers
// transient 5xx failures; this is the processor-level retry the spec asks
// for specifically for rate limiting).
func (p *Processor) complete(ctx context.Context, messages []llmprovider.Message, tools []llmprovider.ToolDeclaration) (llmprovider.Response, error) {
	req := llmprovider.Request{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: p.cfg.Temperature,
		Tools:       tools,
	}

	resp, err := p.cfg.Provider.Complete(ctx, req)
	if err == nil {
		return resp, nil
	}

	pe, ok := llmprovider.AsProviderError(err)
	if !ok || pe.Kind != llmprovider.ErrRateLimited {
		return llmprovider.Response{}, classifyLLMError(err)
	}

	resp, err = p.cfg.Provider.Complete(ctx, req)
	if err != nil {
		return llmprovider.Response{}, classifyLLMError(err)
	}
	return resp, nil
}

func classifyLLMError(err error) *protocol.ProcessingError {
	if pe, ok := llmprovider.AsProviderError(err); ok && pe.Kind == llmprovider.ErrRateLimited {
		return protocol.NewProcessingError(protocol.ErrRateLimited, "", pe.Error())
	}
	return protocol.NewProcessingError(protocol.ErrLLMError, "", err.Error())
}

// executeTool validates and runs one requested tool call, mapping a schema
// failure to validation_error and any other failure to tool_execution_failed.
// A tool that panics never brings down the agent: the panic is recovered and
// reported as a tool_execution_failed result for this one task.
func (p *Processor) executeTool(ctx context.Context, tc llmprovider.ToolCall) (json.RawMessage, *protocol.ProcessingError) {
	if p.cfg.Tools == nil {
		return nil, protocol.NewProcessingError(protocol.ErrToolExecutionFailed, "", fmt.Sprintf("tool %q requested but no tool registry is configured", tc.Name))
	}

	result, err := p.runTool(ctx, tc)
	if err == nil {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordToolExecution(p.cfg.AgentID, tc.Name, "success")
		}
		return result, nil
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordToolExecution(p.cfg.AgentID, tc.Name, "error")
	}

	var verr *tool.ValidationError
	if asValidationError(err, &verr) {
		return nil, protocol.NewProcessingError(protocol.ErrValidationError, "", verr.Error())
	}
	return nil, protocol.NewProcessingError(protocol.ErrToolExecutionFailed, "", NewToolError(tc.Name, err).Error())
}

// runTool dispatches to the registry and recovers a panicking tool
// implementation, translating it into ErrToolPanic, and a context deadline
// reached during execution into ErrToolTimeout, so classifyToolError can
// tell these apart from an ordinary execution failure.
func (p *Processor) runTool(ctx context.Context, tc llmprovider.ToolCall) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %q: %w: %v", tc.Name, ErrToolPanic, r)
		}
	}()

	result, err = p.cfg.Tools.Execute(ctx, tc.Name, tc.Arguments)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("tool %q: %w", tc.Name, ErrToolTimeout)
	}
	return result, err
}

func asValidationError(err error, target **tool.ValidationError) bool {
	ve, ok := err.(*tool.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// workOutputOf implements step 7: parse content as JSON if possible,
// otherwise wrap it as {"response": content}.
func workOutputOf(content string) json.RawMessage {
	trimmed := []byte(content)
	var probe interface{}
	if len(trimmed) > 0 && json.Unmarshal(trimmed, &probe) == nil {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"response": content})
	return wrapped
}

// decide implements step 8.
func (p *Processor) decide(ctx context.Context, task *protocol.Envelope, workOutput json.RawMessage) (multiagent.Decision, error) {
	if p.cfg.Router != nil {
		convCtx := multiagent.ConversationContext{}
		if task.IsV2() && task.Context != nil {
			convCtx.OriginalQuery = task.Context.OriginalQuery
			convCtx.StepsCompleted = append(convCtx.StepsCompleted, task.Context.StepsCompleted...)
			convCtx.StepsCompleted = append(convCtx.StepsCompleted, protocol.WorkflowStep{
				AgentID:   p.cfg.AgentID,
				Action:    task.Instruction,
				Timestamp: p.cfg.Now(),
			})
		}
		return p.cfg.Router.Decide(ctx, task, workOutput, p.cfg.Registry, convCtx)
	}

	// V1 path: no router configured.
	if task.Next == nil {
		return multiagent.Decision{Kind: multiagent.DecisionComplete, FinalOutput: workOutput}, nil
	}
	input := task.Next.Input
	if len(input) == 0 {
		input = workOutput
	}
	return multiagent.Decision{
		Kind:        multiagent.DecisionRouteTo,
		TargetTopic: protocol.Canonicalize(task.Next.Topic),
		Instruction: task.Next.Instruction,
		Input:       input,
		Reason:      "v1 next-chain hop",
	}, nil
}

// emit implements step 9.
func (p *Processor) emit(ctx context.Context, task *protocol.Envelope, workOutput json.RawMessage, decision multiagent.Decision) error {
	switch decision.Kind {
	case multiagent.DecisionComplete:
		final := decision.FinalOutput
		if len(final) == 0 {
			final = workOutput
		}
		resp := protocol.Response{TaskID: task.TaskID, Response: string(final)}
		payload, err := json.Marshal(resp)
		if err != nil {
			return p.fail(ctx, task, protocol.ErrInternalError, err.Error())
		}
		if err := p.cfg.Publisher.Publish(ctx, protocol.ConversationTopic(task.ConversationID, p.cfg.AgentID), payload, false); err != nil {
			return p.fail(ctx, task, protocol.ErrInternalError, fmt.Sprintf("publishing response: %v", err))
		}
		p.cfg.Idempotency.Record(task.TaskID)
		p.countOutcome("complete")
		return nil

	case multiagent.DecisionRouteTo:
		forwarded, targetTopic, err := p.buildForward(task, workOutput, decision)
		if err != nil {
			return p.fail(ctx, task, protocol.ErrInternalError, err.Error())
		}
		payload, err := json.Marshal(forwarded)
		if err != nil {
			return p.fail(ctx, task, protocol.ErrInternalError, err.Error())
		}
		if err := p.cfg.Publisher.Publish(ctx, targetTopic, payload, false); err != nil {
			return p.fail(ctx, task, protocol.ErrInternalError, fmt.Sprintf("publishing forwarded task: %v", err))
		}
		p.cfg.Idempotency.Record(task.TaskID)
		p.countOutcome("route")
		return nil

	default: // multiagent.DecisionNoRoute
		reason := decision.NoRouteReason
		if reason == "" {
			reason = "router declined to route"
		}
		return p.fail(ctx, task, protocol.ErrInternalError, reason)
	}
}

// countOutcome increments the tasks-processed counter for a successful
// (non-error) outcome. fail handles the error outcome itself since every
// stage failure routes through it.
func (p *Processor) countOutcome(outcome string) {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.TasksProcessed.WithLabelValues(p.cfg.AgentID, outcome).Inc()
	}
}

// buildForward constructs the envelope to publish for a RouteTo decision:
// preserves task_id/conversation_id, advances the V1 next-chain by one hop
// or extends the V2 workflow context, per step 9.
func (p *Processor) buildForward(task *protocol.Envelope, workOutput json.RawMessage, decision multiagent.Decision) (*protocol.Envelope, string, error) {
	input := decision.Input
	if len(input) == 0 {
		input = workOutput
	}

	targetTopic := decision.TargetTopic
	if targetTopic == "" {
		if decision.TargetAgentID == "" {
			return nil, "", fmt.Errorf("routing decision named neither a target topic nor a target agent")
		}
		targetTopic = protocol.InputTopic(decision.TargetAgentID)
	}

	forwarded := &protocol.Envelope{
		TaskID:         task.TaskID,
		ConversationID: task.ConversationID,
		Topic:          targetTopic,
		Instruction:    decision.Instruction,
		Input:          input,
	}

	if task.IsV2() {
		ctx := &protocol.WorkflowContext{IterationCount: task.IterationCount() + 1}
		if task.Context != nil {
			ctx.OriginalQuery = task.Context.OriginalQuery
			ctx.StepsCompleted = append(ctx.StepsCompleted, task.Context.StepsCompleted...)
		}
		ctx.StepsCompleted = append(ctx.StepsCompleted, protocol.WorkflowStep{
			AgentID:   p.cfg.AgentID,
			Action:    task.Instruction,
			Timestamp: p.cfg.Now(),
		})

		forwarded.VersionTag = "2.0"
		forwarded.Context = ctx
		forwarded.RoutingTrace = append(append([]protocol.RoutingTraceEntry{}, task.RoutingTrace...), protocol.RoutingTraceEntry{
			From:      p.cfg.AgentID,
			To:        decision.TargetAgentID,
			Reason:    decision.Reason,
			Timestamp: p.cfg.Now(),
		})
		return forwarded, targetTopic, nil
	}

	// V1: drop the head of the next-chain.
	if task.Next != nil {
		forwarded.Next = task.Next.Next
	}
	return forwarded, targetTopic, nil
}

// fail publishes an Error message to the task's conversation topic and
// returns the corresponding ProcessingError, per §7: every stage failure
// but the silent retained-task drop is surfaced this way.
func (p *Processor) fail(ctx context.Context, task *protocol.Envelope, code protocol.ErrorCode, message string) error {
	pe := protocol.NewProcessingError(code, task.TaskID, message)

	if task.ConversationID != "" {
		errMsg := pe.ToErrorMessage()
		payload, err := json.Marshal(errMsg)
		if err == nil {
			topic := protocol.ConversationTopic(task.ConversationID, p.cfg.AgentID)
			if pubErr := p.cfg.Publisher.Publish(ctx, topic, payload, false); pubErr != nil {
				p.cfg.Logger.Error("failed to publish error message", "task_id", task.TaskID, "error", pubErr)
			}
		}
	}

	p.cfg.Logger.Warn("task processing failed", "task_id", task.TaskID, "code", code, "message", message)
	p.countOutcome("error")
	return pe
}
