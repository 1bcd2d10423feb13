// Package config loads and validates the TOML configuration file that
// drives one agent process: broker connection, LLM provider selection,
// tool-call and iteration budgets, routing strategy, and the builtin tool
// set to enable.
package config

import (
	"fmt"
	"os"
	"regexp"
)

var agentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// AgentConfig identifies this process and what it advertises to peers.
type AgentConfig struct {
	ID           string   `toml:"id"`
	Capabilities []string `toml:"capabilities"`
}

// MQTTConfig configures the broker connection.
type MQTTConfig struct {
	BrokerURL           string `toml:"broker_url"`
	HeartbeatIntervalSecs int  `toml:"heartbeat_interval_secs"`
}

// LLMConfig selects and configures the language-model provider used by the
// nine-step processor's own completions.
type LLMConfig struct {
	Provider     string  `toml:"provider"`
	Model        string  `toml:"model"`
	SystemPrompt string  `toml:"system_prompt"`
	APIKeyEnv    string  `toml:"api_key_env"`
	BaseURL      string  `toml:"base_url"`
	Temperature  float64 `toml:"temperature"`
}

// BudgetConfig bounds the inner tool-call loop of one task.
type BudgetConfig struct {
	MaxToolCalls  int `toml:"max_tool_calls"`
	MaxIterations int `toml:"max_iterations"`
}

// RoutingLLMConfig configures the (possibly distinct) LLM used by the
// router's "llm" strategy.
type RoutingLLMConfig struct {
	Provider    string  `toml:"provider"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
}

// RoutingConfig selects the routing strategy and bounds workflow iterations.
type RoutingConfig struct {
	Strategy      string           `toml:"strategy"`
	MaxIterations int              `toml:"max_iterations"`
	LLM           RoutingLLMConfig `toml:"llm"`
}

// ToolConfig is one entry of the tools.<name> table: a table with an
// impl/config pair, where impl names the builtin to bind (file_read,
// file_write or http_request; see cmd/agent's buildToolRegistry). A bare
// string entry such as "builtin" is not accepted: it does not decode into
// this struct, so Load fails.
type ToolConfig struct {
	Impl   string         `toml:"impl"`
	Config map[string]any `toml:"config"`
}

// Config is the fully parsed, defaulted configuration for one agent
// process, matching the schema of spec §6.
type Config struct {
	Agent   AgentConfig           `toml:"agent"`
	MQTT    MQTTConfig            `toml:"mqtt"`
	LLM     LLMConfig             `toml:"llm"`
	Budget  BudgetConfig          `toml:"budget"`
	Routing RoutingConfig         `toml:"routing"`
	Tools   map[string]ToolConfig `toml:"tools"`
}

// applyDefaults fills in every default named in spec §6.
func (c *Config) applyDefaults() {
	if c.MQTT.HeartbeatIntervalSecs <= 0 {
		c.MQTT.HeartbeatIntervalSecs = 900
	}
	if c.Budget.MaxToolCalls <= 0 {
		c.Budget.MaxToolCalls = 15
	}
	if c.Budget.MaxIterations <= 0 {
		c.Budget.MaxIterations = 8
	}
	if c.Routing.Strategy == "" {
		c.Routing.Strategy = "static"
	}
	if c.Routing.MaxIterations <= 0 {
		c.Routing.MaxIterations = 10
	}
}

// Validate checks required fields and well-formedness, independent of
// defaulting.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id: must not be empty")
	}
	if !agentIDPattern.MatchString(c.Agent.ID) {
		return fmt.Errorf("agent.id: %q must match [A-Za-z0-9._-]+", c.Agent.ID)
	}
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("mqtt.broker_url: must not be empty")
	}
	switch c.Routing.Strategy {
	case "static", "llm":
	default:
		return fmt.Errorf("routing.strategy: must be %q or %q, got %q", "static", "llm", c.Routing.Strategy)
	}
	if c.Routing.Strategy == "llm" {
		if c.LLM.Provider == "" && c.Routing.LLM.Provider == "" {
			return fmt.Errorf("routing.llm.provider: must not be empty when routing.strategy is %q", "llm")
		}
	}
	return nil
}

// APIKey resolves the LLM provider's API key from the environment variable
// named in llm.api_key_env. Only the variable name, never the value, is
// ever logged or echoed back (see cmd/agent's "config show").
func (c *Config) APIKey() (string, error) {
	if c.LLM.APIKeyEnv == "" {
		return "", fmt.Errorf("llm.api_key_env: must not be empty")
	}
	key := os.Getenv(c.LLM.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("environment variable %s (named by llm.api_key_env) is not set", c.LLM.APIKeyEnv)
	}
	return key, nil
}
