package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/2389-research/agentmesh/internal/llmprovider"
	"github.com/2389-research/agentmesh/internal/multiagent"
	"github.com/2389-research/agentmesh/internal/protocol"
	"github.com/2389-research/agentmesh/internal/tool"
)

type fakePublisher struct {
	published []publishedMessage
}

type publishedMessage struct {
	Topic    string
	Payload  []byte
	Retained bool
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload []byte, retained bool) error {
	f.published = append(f.published, publishedMessage{Topic: topic, Payload: payload, Retained: retained})
	return nil
}

type fakeProvider struct {
	responses []llmprovider.Response
	errs      []error
	calls     int
}

func (f *fakeProvider) Complete(_ context.Context, _ llmprovider.Request) (llmprovider.Response, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return llmprovider.Response{}, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return f.responses[len(f.responses)-1], nil
}
func (f *fakeProvider) HealthCheck(context.Context) error { return nil }
func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) AvailableModels() []string          { return []string{"fake-model"} }

type echoTool struct{}

func (echoTool) Describe() tool.Description {
	return tool.Description{Name: "echo", Description: "echoes input", Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (echoTool) Initialize(context.Context, json.RawMessage) error { return nil }
func (echoTool) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}
func (echoTool) Shutdown(context.Context) error { return nil }

func newProcessor(t *testing.T, provider llmprovider.Provider, pub *fakePublisher, router multiagent.Router) *Processor {
	t.Helper()
	tools := tool.NewRegistry()
	if err := tools.Register(echoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	p, err := New(Config{
		AgentID:     "writer",
		Provider:    provider,
		Tools:       tools,
		Router:      router,
		Registry:    multiagent.NewRegistry(),
		Publisher:   pub,
		Idempotency: NewIdempotencyCache(10),
		Now:         func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func envelopeJSON(t *testing.T, e *protocol.Envelope) []byte {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return b
}

func TestProcessor_RetainedTaskDroppedSilently(t *testing.T) {
	pub := &fakePublisher{}
	p := newProcessor(t, &fakeProvider{responses: []llmprovider.Response{{Content: "ok"}}}, pub, nil)

	env := &protocol.Envelope{TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/writer/input"}
	err := p.Process(context.Background(), Delivery{Retained: true, Payload: envelopeJSON(t, env)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(pub.published) != 0 {
		t.Fatalf("expected no publishes for a retained task, got %d", len(pub.published))
	}
}

func TestProcessor_TopicMismatchRejected(t *testing.T) {
	pub := &fakePublisher{}
	p := newProcessor(t, &fakeProvider{responses: []llmprovider.Response{{Content: "ok"}}}, pub, nil)

	env := &protocol.Envelope{TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/someone-else/input"}
	err := p.Process(context.Background(), Delivery{Payload: envelopeJSON(t, env)})
	if err == nil {
		t.Fatal("expected an error for a topic mismatch")
	}
	pe, ok := protocol.AsProcessingError(err)
	if !ok || pe.Code != protocol.ErrInvalidInput {
		t.Fatalf("err = %v, want invalid_input", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one published error message, got %d", len(pub.published))
	}
}

func TestProcessor_DuplicateTaskIDRejected(t *testing.T) {
	pub := &fakePublisher{}
	p := newProcessor(t, &fakeProvider{responses: []llmprovider.Response{{Content: `{"done":true}`}}}, pub, nil)

	env := &protocol.Envelope{TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/writer/input"}
	payload := envelopeJSON(t, env)

	if err := p.Process(context.Background(), Delivery{Payload: payload}); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	err := p.Process(context.Background(), Delivery{Payload: payload})
	if err == nil {
		t.Fatal("expected the second delivery of the same task_id to be rejected")
	}
	pe, ok := protocol.AsProcessingError(err)
	if !ok || pe.Code != protocol.ErrInvalidInput {
		t.Fatalf("err = %v, want invalid_input", err)
	}
}

func TestProcessor_DepthExceededRejected(t *testing.T) {
	pub := &fakePublisher{}
	p := newProcessor(t, &fakeProvider{responses: []llmprovider.Response{{Content: "ok"}}}, pub, nil)

	chain := &protocol.Envelope{Topic: "/control/agents/writer/input"}
	cursor := chain
	for i := 0; i < 17; i++ {
		cursor.Next = &protocol.Envelope{Topic: "/control/agents/writer/input"}
		cursor = cursor.Next
	}
	chain.TaskID = "deep"
	chain.ConversationID = "c1"

	err := p.Process(context.Background(), Delivery{Payload: envelopeJSON(t, chain)})
	if err == nil {
		t.Fatal("expected depth-exceeded rejection")
	}
	pe, ok := protocol.AsProcessingError(err)
	if !ok || pe.Code != protocol.ErrInvalidInput {
		t.Fatalf("err = %v, want invalid_input", err)
	}
}

func TestProcessor_DepthAtLimitAccepted(t *testing.T) {
	pub := &fakePublisher{}
	p := newProcessor(t, &fakeProvider{responses: []llmprovider.Response{{Content: `{"ok":true}`}}}, pub, nil)

	chain := &protocol.Envelope{Topic: "/control/agents/writer/input"}
	cursor := chain
	for i := 0; i < 15; i++ {
		cursor.Next = &protocol.Envelope{Topic: "/control/agents/writer/input"}
		cursor = cursor.Next
	}
	chain.TaskID = "depth16"
	chain.ConversationID = "c1"
	if chain.Depth() != 16 {
		t.Fatalf("test setup: depth = %d, want 16", chain.Depth())
	}

	if err := p.Process(context.Background(), Delivery{Payload: envelopeJSON(t, chain)}); err != nil {
		t.Fatalf("expected depth-16 chain to be accepted, got %v", err)
	}
}

func TestProcessor_CompletesAndPublishesResponse(t *testing.T) {
	pub := &fakePublisher{}
	p := newProcessor(t, &fakeProvider{responses: []llmprovider.Response{{Content: `{"answer":42}`}}}, pub, nil)

	env := &protocol.Envelope{TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/writer/input", Instruction: "answer"}
	if err := p.Process(context.Background(), Delivery{Payload: envelopeJSON(t, env)}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected exactly one publish, got %d", len(pub.published))
	}
	if pub.published[0].Topic != "/conversations/c1/writer" {
		t.Errorf("published to %q", pub.published[0].Topic)
	}
	var resp protocol.Response
	if err := json.Unmarshal(pub.published[0].Payload, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.TaskID != "t1" {
		t.Errorf("TaskID = %q", resp.TaskID)
	}
}

func TestProcessor_V1StaticForwardingDropsHead(t *testing.T) {
	pub := &fakePublisher{}
	p := newProcessor(t, &fakeProvider{responses: []llmprovider.Response{{Content: `{"draft":"hi"}`}}}, pub, nil)

	env := &protocol.Envelope{
		TaskID:         "t1",
		ConversationID: "c1",
		Topic:          "/control/agents/writer/input",
		Next: &protocol.Envelope{
			Topic:       "/control/agents/editor/input",
			Instruction: "polish it",
			Next:        &protocol.Envelope{Topic: "/control/agents/publisher/input"},
		},
	}
	if err := p.Process(context.Background(), Delivery{Payload: envelopeJSON(t, env)}); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(pub.published) != 1 {
		t.Fatalf("expected exactly one publish (forward, no Response), got %d", len(pub.published))
	}
	if pub.published[0].Topic != "/control/agents/editor/input" {
		t.Fatalf("forwarded to %q, want editor's input topic", pub.published[0].Topic)
	}

	var forwarded protocol.Envelope
	if err := json.Unmarshal(pub.published[0].Payload, &forwarded); err != nil {
		t.Fatalf("unmarshal forwarded envelope: %v", err)
	}
	if forwarded.TaskID != "t1" || forwarded.ConversationID != "c1" {
		t.Errorf("forwarded task_id/conversation_id not preserved: %+v", forwarded)
	}
	if forwarded.Next == nil || forwarded.Next.Topic != "/control/agents/publisher/input" {
		t.Errorf("expected next-chain head dropped, got %+v", forwarded.Next)
	}
}

func TestProcessor_NoRouteEmitsInternalError(t *testing.T) {
	pub := &fakePublisher{}
	router := &noRouteRouter{}
	p := newProcessor(t, &fakeProvider{responses: []llmprovider.Response{{Content: `{"ok":true}`}}}, pub, router)

	env := &protocol.Envelope{TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/writer/input"}
	err := p.Process(context.Background(), Delivery{Payload: envelopeJSON(t, env)})
	if err == nil {
		t.Fatal("expected NoRoute to surface as an error")
	}
	pe, ok := protocol.AsProcessingError(err)
	if !ok || pe.Code != protocol.ErrInternalError {
		t.Fatalf("err = %v, want internal_error", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one published error message, got %d", len(pub.published))
	}
}

type noRouteRouter struct{}

func (noRouteRouter) Decide(context.Context, *protocol.Envelope, json.RawMessage, *multiagent.Registry, multiagent.ConversationContext) (multiagent.Decision, error) {
	return multiagent.Decision{Kind: multiagent.DecisionNoRoute, NoRouteReason: "no peers available"}, nil
}

func TestProcessor_ToolCallBudgetExceeded(t *testing.T) {
	pub := &fakePublisher{}
	toolCallResponse := llmprovider.Response{
		ToolCalls: []llmprovider.ToolCall{{ID: "1", Name: "echo", Arguments: []byte(`{}`)}},
	}
	// Every iteration requests one tool call; the budget allows one in total.
	provider := &fakeProvider{responses: []llmprovider.Response{toolCallResponse}}
	tools := tool.NewRegistry()
	if err := tools.Register(echoTool{}); err != nil {
		t.Fatalf("register tool: %v", err)
	}
	p, err := New(Config{
		AgentID:     "writer",
		Provider:    provider,
		Tools:       tools,
		Registry:    multiagent.NewRegistry(),
		Publisher:   pub,
		Idempotency: NewIdempotencyCache(10),
		Budget:      Budget{MaxToolCalls: 1, MaxIterations: 8},
		Now:         time.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	env := &protocol.Envelope{TaskID: "t1", ConversationID: "c1", Topic: "/control/agents/writer/input"}
	// First iteration consumes the single allowed tool call and calls again,
	// at which point the same response would exceed the budget.
	provider.responses = []llmprovider.Response{toolCallResponse, toolCallResponse}

	err = p.Process(context.Background(), Delivery{Payload: envelopeJSON(t, env)})
	if err == nil {
		t.Fatal("expected tool-call budget exhaustion to fail the task")
	}
	pe, ok := protocol.AsProcessingError(err)
	if !ok || pe.Code != protocol.ErrLLMError {
		t.Fatalf("err = %v, want llm_error", err)
	}
}
