package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[agent]
id = "researcher"

[mqtt]
broker_url = "mqtt://localhost:1883"

[llm]
provider = "anthropic"
model = "claude-sonnet-4-20250514"
api_key_env = "ANTHROPIC_API_KEY"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.HeartbeatIntervalSecs != 900 {
		t.Errorf("heartbeat default = %d, want 900", cfg.MQTT.HeartbeatIntervalSecs)
	}
	if cfg.Budget.MaxToolCalls != 15 || cfg.Budget.MaxIterations != 8 {
		t.Errorf("budget defaults = %+v", cfg.Budget)
	}
	if cfg.Routing.Strategy != "static" || cfg.Routing.MaxIterations != 10 {
		t.Errorf("routing defaults = %+v", cfg.Routing)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_BROKER_HOST", "broker.internal")
	path := writeConfig(t, `
[agent]
id = "writer"

[mqtt]
broker_url = "mqtt://${TEST_BROKER_HOST}:1883"

[llm]
provider = "openai"
model = "gpt-4o"
api_key_env = "OPENAI_API_KEY"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.BrokerURL != "mqtt://broker.internal:1883" {
		t.Errorf("broker_url = %q, env var not expanded", cfg.MQTT.BrokerURL)
	}
}

func TestLoad_InvalidAgentID(t *testing.T) {
	path := writeConfig(t, `
[agent]
id = "has a space"

[mqtt]
broker_url = "mqtt://localhost:1883"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for invalid agent.id")
	}
}

func TestLoad_MissingBrokerURL(t *testing.T) {
	path := writeConfig(t, `
[agent]
id = "researcher"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for missing mqtt.broker_url")
	}
}

func TestLoad_RoutingLLMRequiresProvider(t *testing.T) {
	path := writeConfig(t, `
[agent]
id = "router-agent"

[mqtt]
broker_url = "mqtt://localhost:1883"

[routing]
strategy = "llm"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error: llm routing strategy needs a provider")
	}
}

func TestConfig_APIKey(t *testing.T) {
	t.Setenv("MY_KEY", "secret-value")
	cfg := &Config{LLM: LLMConfig{APIKeyEnv: "MY_KEY"}}

	key, err := cfg.APIKey()
	if err != nil {
		t.Fatalf("APIKey: %v", err)
	}
	if key != "secret-value" {
		t.Errorf("APIKey = %q, want %q", key, "secret-value")
	}
}

func TestConfig_APIKey_Unset(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{APIKeyEnv: "DEFINITELY_NOT_SET_XYZ"}}
	if _, err := cfg.APIKey(); err == nil {
		t.Fatal("expected error for unset env var")
	}
}
