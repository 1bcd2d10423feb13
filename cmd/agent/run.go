package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/2389-research/agentmesh/internal/agent"
	"github.com/2389-research/agentmesh/internal/config"
	"github.com/2389-research/agentmesh/internal/llmprovider"
	"github.com/2389-research/agentmesh/internal/multiagent"
	"github.com/2389-research/agentmesh/internal/observability"
	"github.com/2389-research/agentmesh/internal/orchestrator"
	"github.com/2389-research/agentmesh/internal/protocol"
	"github.com/2389-research/agentmesh/internal/tool"
	"github.com/2389-research/agentmesh/internal/tools"
	"github.com/2389-research/agentmesh/internal/transport"
)

// registrySweepInterval bounds how stale a peer's entry in the local
// registry can get before a sweep evicts it, independent of each entry's
// own TTL.
const registrySweepInterval = 5 * time.Second

// metricsSampleInterval bounds how often the registry-size and
// reconnect-count gauges are refreshed from their live sources.
const metricsSampleInterval = 5 * time.Second

func buildRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the broker and process tasks until shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to the agent's TOML configuration file")
	return cmd
}

func runAgent(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	apiKey, err := cfg.APIKey()
	if err != nil {
		return fmt.Errorf("resolving API key: %w", err)
	}

	provider, err := llmprovider.New(llmprovider.Config{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   apiKey,
	})
	if err != nil {
		return fmt.Errorf("constructing LLM provider: %w", err)
	}

	toolRegistry, err := buildToolRegistry(cfg.Tools)
	if err != nil {
		return fmt.Errorf("building tool registry: %w", err)
	}

	registry := multiagent.NewRegistry()
	sweepStop := make(chan struct{})
	defer close(sweepStop)
	registry.StartSweeper(registrySweepInterval, sweepStop)

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	router, err := buildRouter(cfg, provider)
	if err != nil {
		return fmt.Errorf("building router: %w", err)
	}

	client, err := transport.New(transport.Config{
		BrokerURL:         cfg.MQTT.BrokerURL,
		AgentID:           cfg.Agent.ID,
		HeartbeatInterval: time.Duration(cfg.MQTT.HeartbeatIntervalSecs) * time.Second,
		Logger:            slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("constructing transport: %w", err)
	}

	processor, err := agent.New(agent.Config{
		AgentID:      cfg.Agent.ID,
		SystemPrompt: cfg.LLM.SystemPrompt,
		Provider:     provider,
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		Tools:        toolRegistry,
		Router:       router,
		Registry:     registry,
		Publisher:    client,
		Idempotency:  agent.NewIdempotencyCache(agent.DefaultIdempotencyCapacity),
		Budget: agent.Budget{
			MaxToolCalls:  cfg.Budget.MaxToolCalls,
			MaxIterations: cfg.Budget.MaxIterations,
		},
		DecisionGuard: orchestrator.IterationGuard(cfg.Routing.MaxIterations),
		Metrics:       metrics,
		Logger:        slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("constructing processor: %w", err)
	}

	orch := orchestrator.New(orchestrator.Config{
		AgentID:       cfg.Agent.ID,
		Capabilities:  cfg.Agent.Capabilities,
		Transport:     client,
		Processor:     processor,
		MaxIterations: cfg.Routing.MaxIterations,
		Logger:        slog.Default(),
	})

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(runCtx, statusWildcardHandler(registry)); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- orch.Run(runCtx) }()
	go sampleMetrics(runCtx, cfg.Agent.ID, registry, client, metrics)

	slog.Info("agent started", "agent_id", cfg.Agent.ID, "broker_url", cfg.MQTT.BrokerURL, "routing_strategy", cfg.Routing.Strategy)

	<-runCtx.Done()
	slog.Info("shutdown signal received, draining in-flight work", "agent_id", cfg.Agent.ID)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), orchestrator.DefaultShutdownGrace)
	defer cancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("orchestrator shutdown returned an error", "agent_id", cfg.Agent.ID, "error", err)
	}
	<-runDone
	client.Close()

	slog.Info("agent stopped", "agent_id", cfg.Agent.ID)
	return nil
}

// sampleMetrics periodically refreshes the gauges that have no natural
// event to hook (registry size, transport reconnect count) until ctx is
// cancelled.
func sampleMetrics(ctx context.Context, agentID string, registry *multiagent.Registry, client *transport.Client, metrics *observability.Metrics) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetRegistrySize(agentID, registry.Size())
			metrics.SetReconnectCount(agentID, client.HealthSnapshot().ReconnectCount)
		}
	}
}

// statusWildcardHandler feeds every retained and live status message on
// /control/agents/+/status into the local peer registry.
func statusWildcardHandler(registry *multiagent.Registry) func(topic string, retained bool, payload []byte) {
	return func(topic string, retained bool, payload []byte) {
		var status protocol.AgentStatus
		if err := json.Unmarshal(payload, &status); err != nil {
			slog.Warn("discarding malformed status message", "topic", topic, "error", err)
			return
		}
		registry.RegisterOrRefresh(status)
	}
}

// buildToolRegistry registers only the builtins named in cfg, per the tool
// table's impl field. web_search has no builtin binding.
func buildToolRegistry(toolCfgs map[string]config.ToolConfig) (*tool.Registry, error) {
	registry := tool.NewRegistry()
	for name, tc := range toolCfgs {
		var t tool.Tool
		switch tc.Impl {
		case "file_read":
			t = tools.NewFileReadTool()
		case "file_write":
			t = tools.NewFileWriteTool()
		case "http_request":
			t = tools.NewHTTPRequestTool()
		default:
			return nil, fmt.Errorf("tools.%s: unknown impl %q", name, tc.Impl)
		}

		raw, err := json.Marshal(tc.Config)
		if err != nil {
			return nil, fmt.Errorf("tools.%s: marshaling config: %w", name, err)
		}
		if err := t.Initialize(context.Background(), raw); err != nil {
			return nil, fmt.Errorf("tools.%s: initializing: %w", name, err)
		}
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("tools.%s: registering: %w", name, err)
		}
	}
	return registry, nil
}

// buildRouter selects the static or LLM routing strategy named by
// routing.strategy, falling back to the agent's own LLM provider when
// routing.llm.provider is unset.
func buildRouter(cfg *config.Config, agentProvider llmprovider.Provider) (multiagent.Router, error) {
	if cfg.Routing.Strategy != "llm" {
		return multiagent.NewStaticRouter(), nil
	}

	routingProvider := agentProvider
	if cfg.Routing.LLM.Provider != "" && cfg.Routing.LLM.Provider != cfg.LLM.Provider {
		apiKey, err := cfg.APIKey()
		if err != nil {
			return nil, fmt.Errorf("resolving routing LLM API key: %w", err)
		}
		p, err := llmprovider.New(llmprovider.Config{
			Provider: cfg.Routing.LLM.Provider,
			Model:    cfg.Routing.LLM.Model,
			APIKey:   apiKey,
		})
		if err != nil {
			return nil, fmt.Errorf("constructing routing LLM provider: %w", err)
		}
		routingProvider = p
	}

	model := cfg.Routing.LLM.Model
	if model == "" {
		model = cfg.LLM.Model
	}
	return multiagent.NewLLMRouter(routingProvider, model, cfg.Routing.LLM.Temperature), nil
}
