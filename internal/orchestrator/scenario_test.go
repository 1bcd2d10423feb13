package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/2389-research/agentmesh/internal/agent"
	"github.com/2389-research/agentmesh/internal/llmprovider"
	"github.com/2389-research/agentmesh/internal/multiagent"
	"github.com/2389-research/agentmesh/internal/orchestrator"
	"github.com/2389-research/agentmesh/internal/protocol"
	"github.com/2389-research/agentmesh/internal/transport"
)

// These tests wire real Processor and Orchestrator instances together over
// a shared transport.Broker, with no network: the transport is the
// in-memory Fake, the LLM provider is faked, and the iteration-guard
// scenario uses a test router (bounceRouter). Each one exercises one of the
// end-to-end behaviors the nine-step pipeline and the orchestrator's
// iteration guard are responsible for as a group, not individually.

// echoProvider answers every completion with a fixed JSON body tagging
// which agent produced it, so a test can follow work output across hops.
type echoProvider struct {
	tag string
}

func (e *echoProvider) Complete(_ context.Context, _ llmprovider.Request) (llmprovider.Response, error) {
	return llmprovider.Response{Content: fmt.Sprintf(`{"stage":%q}`, e.tag)}, nil
}
func (e *echoProvider) HealthCheck(context.Context) error { return nil }
func (e *echoProvider) Name() string                      { return "echo-" + e.tag }
func (e *echoProvider) AvailableModels() []string         { return []string{"fake-model"} }

// bounceRouter alternates a V2 workflow between the two peers named in
// peers, ignoring the registry entirely (unlike LLMRouter, which treats
// registry selectability as the only source of routing truth). It exists
// to drive the iteration-guard scenario deterministically.
type bounceRouter struct {
	peers map[string]string
}

func (b *bounceRouter) Decide(_ context.Context, _ *protocol.Envelope, workOutput json.RawMessage, _ *multiagent.Registry, convCtx multiagent.ConversationContext) (multiagent.Decision, error) {
	current := ""
	if n := len(convCtx.StepsCompleted); n > 0 {
		current = convCtx.StepsCompleted[n-1].AgentID
	}
	target, ok := b.peers[current]
	if !ok {
		return multiagent.Decision{}, fmt.Errorf("bounceRouter: no peer configured for agent %q", current)
	}
	return multiagent.Decision{Kind: multiagent.DecisionRouteTo, TargetAgentID: target, Input: workOutput, Reason: "bounce"}, nil
}

// newTestAgent wires one Processor and Orchestrator pair bound to a fresh
// Fake transport registered with broker under its own input topic, and
// returns the orchestrator (not yet Run) and its Fake for assertions.
func newTestAgent(t *testing.T, broker *transport.Broker, agentID string, router multiagent.Router, provider llmprovider.Provider, maxIterations int) (*orchestrator.Orchestrator, *transport.Fake) {
	t.Helper()
	fake := transport.NewFake(16)
	broker.Register(fake, protocol.InputTopic(agentID))

	proc, err := agent.New(agent.Config{
		AgentID:       agentID,
		Provider:      provider,
		Model:         "fake-model",
		Router:        router,
		Publisher:     fake,
		Idempotency:   agent.NewIdempotencyCache(agent.DefaultIdempotencyCapacity),
		DecisionGuard: orchestrator.IterationGuard(maxIterations),
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		AgentID:       agentID,
		Transport:     fake,
		Processor:     proc,
		MaxIterations: maxIterations,
	})

	return orch, fake
}

// waitForPublish polls f.Published() until a message lands on topic or the
// deadline passes.
func waitForPublish(t *testing.T, f *transport.Fake, topic string) transport.FakePublished {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range f.Published() {
			if p.Topic == topic {
				return p
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a publish to %q", topic)
	return transport.FakePublished{}
}

// TestScenario_LinearThreeHopStaticChain runs a V1 next-chain task through
// three distinct agents wired with the static routing strategy and checks
// that the final response, published by the last hop, carries that hop's
// own work output.
func TestScenario_LinearThreeHopStaticChain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	broker := transport.NewBroker()
	router := multiagent.NewStaticRouter()

	orchA, _ := newTestAgent(t, broker, "agent-a", router, &echoProvider{tag: "a"}, 10)
	orchB, _ := newTestAgent(t, broker, "agent-b", router, &echoProvider{tag: "b"}, 10)
	orchC, fakeC := newTestAgent(t, broker, "agent-c", router, &echoProvider{tag: "c"}, 10)

	for _, o := range []*orchestrator.Orchestrator{orchA, orchB, orchC} {
		go o.Run(ctx)
	}

	kickoff := transport.NewFake(1)
	broker.Register(kickoff)

	task := &protocol.Envelope{
		TaskID:         "t-linear-1",
		ConversationID: "conv-linear",
		Topic:          protocol.InputTopic("agent-a"),
		Next: &protocol.Envelope{
			Topic: protocol.InputTopic("agent-b"),
			Next: &protocol.Envelope{
				Topic: protocol.InputTopic("agent-c"),
			},
		},
	}
	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshaling kickoff task: %v", err)
	}
	if err := kickoff.Publish(ctx, task.Topic, payload, false); err != nil {
		t.Fatalf("publishing kickoff task: %v", err)
	}

	published := waitForPublish(t, fakeC, protocol.ConversationTopic("conv-linear", "agent-c"))

	var resp protocol.Response
	if err := json.Unmarshal(published.Payload, &resp); err != nil {
		t.Fatalf("unmarshaling response: %v", err)
	}
	if resp.TaskID != "t-linear-1" {
		t.Errorf("task_id = %q, want t-linear-1", resp.TaskID)
	}
	if resp.Response != `{"stage":"c"}` {
		t.Errorf("response = %q, want the last hop's own work output", resp.Response)
	}
}

// TestScenario_IterationGuardEndsBounceAtCap drives a V2 workflow back and
// forth between two agents using a router that always wants to route, and
// checks that the orchestrator's IterationGuard converts the decision to
// Complete exactly once the incoming task's iteration_count reaches the
// configured cap, rather than looping forever.
func TestScenario_IterationGuardEndsBounceAtCap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	const maxIterations = 3

	broker := transport.NewBroker()
	router := &bounceRouter{peers: map[string]string{"alpha": "beta", "beta": "alpha"}}

	orchAlpha, _ := newTestAgent(t, broker, "alpha", router, &echoProvider{tag: "alpha"}, maxIterations)
	orchBeta, fakeBeta := newTestAgent(t, broker, "beta", router, &echoProvider{tag: "beta"}, maxIterations)

	go orchAlpha.Run(ctx)
	go orchBeta.Run(ctx)

	kickoff := transport.NewFake(1)
	broker.Register(kickoff)

	task := &protocol.Envelope{
		TaskID:         "t-bounce-1",
		ConversationID: "conv-bounce",
		Topic:          protocol.InputTopic("alpha"),
		VersionTag:     "2.0",
		Context:        &protocol.WorkflowContext{},
	}
	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshaling kickoff task: %v", err)
	}
	if err := kickoff.Publish(ctx, task.Topic, payload, false); err != nil {
		t.Fatalf("publishing kickoff task: %v", err)
	}

	published := waitForPublish(t, fakeBeta, protocol.ConversationTopic("conv-bounce", "beta"))

	var resp protocol.Response
	if err := json.Unmarshal(published.Payload, &resp); err != nil {
		t.Fatalf("unmarshaling response: %v", err)
	}
	if resp.TaskID != "t-bounce-1" {
		t.Errorf("task_id = %q, want t-bounce-1", resp.TaskID)
	}

	// The workflow must have bounced (alpha -> beta -> alpha -> beta) and
	// converged to Complete on the fourth hop (beta's second), not forwarded indefinitely:
	// beta must never have published a forwarded task back to alpha's input
	// topic once the cap was hit.
	for _, p := range fakeBeta.Published() {
		if p.Topic == protocol.InputTopic("alpha") {
			var forwarded protocol.Envelope
			if err := json.Unmarshal(p.Payload, &forwarded); err == nil && forwarded.IterationCount() >= maxIterations {
				t.Fatalf("beta forwarded a task at iteration_count=%d, past the cap of %d", forwarded.IterationCount(), maxIterations)
			}
		}
	}
}

// TestScenario_RetainedDeliveryNeverProcessed confirms that a delivery
// marked retained — the broker's own replay of a stale task on an agent's
// input topic — never produces a response or forwarded task, independent
// of whatever routing and provider the agent is configured with.
func TestScenario_RetainedDeliveryNeverProcessed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	broker := transport.NewBroker()
	orch, fake := newTestAgent(t, broker, "solo", multiagent.NewStaticRouter(), &echoProvider{tag: "solo"}, 10)
	go orch.Run(ctx)

	kickoff := transport.NewFake(1)
	broker.Register(kickoff)

	task := &protocol.Envelope{
		TaskID:         "t-stale-1",
		ConversationID: "conv-stale",
		Topic:          protocol.InputTopic("solo"),
	}
	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshaling task: %v", err)
	}
	if err := kickoff.Publish(ctx, task.Topic, payload, true); err != nil {
		t.Fatalf("publishing retained task: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	for _, p := range fake.Published() {
		if p.Topic == protocol.ConversationTopic("conv-stale", "solo") {
			t.Fatalf("retained delivery produced a response: %+v", p)
		}
	}
}
