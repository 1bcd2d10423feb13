// Command mqtt-monitor subscribes to the broker topics the protocol uses
// and prints every message it sees, with its topic and retained flag, for
// manual inspection during development. It is a dev tool: it never
// publishes anything and has no effect on the agents it observes.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"

	"github.com/2389-research/agentmesh/internal/protocol"
)

// mode selects which subset of the topic space to subscribe to.
type mode string

const (
	modeAll           mode = "all"
	modeAvailability  mode = "availability"
	modeConversations mode = "conversations"
	modeInputs        mode = "inputs"
	modeProgress      mode = "progress"
)

// format selects how a captured message is rendered to stdout.
type format string

const (
	formatPretty  format = "pretty"
	formatCompact format = "compact"
	formatJSON    format = "json"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mqtt-monitor: %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		modeFlag           string
		formatFlag         string
		brokerURL          string
		conversationFilter string
	)

	cmd := &cobra.Command{
		Use:   "mqtt-monitor",
		Short: "Monitor broker topics for agent communication",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(monitorArgs{
				mode:               mode(modeFlag),
				format:             format(formatFlag),
				brokerURL:          brokerURL,
				conversationFilter: conversationFilter,
			})
		},
	}

	cmd.Flags().StringVarP(&modeFlag, "mode", "m", string(modeAll), "monitoring mode: all, availability, conversations, inputs, progress")
	cmd.Flags().StringVarP(&formatFlag, "format", "f", string(formatPretty), "output format: pretty, compact, json")
	cmd.Flags().StringVar(&brokerURL, "broker-url", "tcp://localhost:1883", "MQTT broker URL")
	cmd.Flags().StringVar(&conversationFilter, "conversation-id", "", "restrict conversations mode to one conversation_id")

	return cmd
}

type monitorArgs struct {
	mode               mode
	format             format
	brokerURL          string
	conversationFilter string
}

// captured is one observed message, independent of rendering format.
type captured struct {
	Timestamp string `json:"timestamp"`
	Topic     string `json:"topic"`
	Retained  bool   `json:"retained"`
	Payload   any    `json:"payload"`
}

func runMonitor(a monitorArgs) error {
	topics, err := subscriptionsFor(a.mode)
	if err != nil {
		return err
	}

	fmt.Println("agentmesh mqtt-monitor")
	fmt.Printf("broker: %s\n", a.brokerURL)
	fmt.Printf("mode: %s  format: %s\n", a.mode, a.format)
	fmt.Println("subscriptions:")
	for _, t := range topics {
		fmt.Printf("  %s\n", t)
	}
	fmt.Println("press Ctrl+C to stop")
	fmt.Println()

	opts := mqtt.NewClientOptions().
		AddBroker(a.brokerURL).
		SetClientID(fmt.Sprintf("mqtt-monitor-%d", os.Getpid())).
		SetCleanSession(true).
		SetConnectTimeout(10 * time.Second)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		render(a, msg.Topic(), msg.Retained(), msg.Payload())
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("connecting to %s: %w", a.brokerURL, token.Error())
	}
	defer client.Disconnect(250)

	for _, t := range topics {
		if token := client.Subscribe(t, 1, handler); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
			return fmt.Errorf("subscribing to %q: %w", t, token.Error())
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\nshutting down monitor")
	return nil
}

// subscriptionsFor returns the topic filters a given mode subscribes to.
func subscriptionsFor(m mode) ([]string, error) {
	switch m {
	case modeAll:
		return []string{
			protocol.StatusWildcard,
			"/control/agents/+/input",
			"/control/agents/+/progress",
			"/control/agents/+/progress/tools",
			"/control/agents/+/progress/llm",
			"/conversations/+/+",
			protocol.BroadcastTopic,
		}, nil
	case modeAvailability:
		return []string{protocol.StatusWildcard, protocol.BroadcastTopic}, nil
	case modeConversations:
		return []string{"/conversations/+/+"}, nil
	case modeInputs:
		return []string{"/control/agents/+/input"}, nil
	case modeProgress:
		return []string{
			"/control/agents/+/progress",
			"/control/agents/+/progress/tools",
			"/control/agents/+/progress/llm",
		}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q (want all, availability, conversations, inputs, progress)", m)
	}
}

// render prints one captured message in the requested format, applying the
// conversation filter if set.
func render(a monitorArgs, topic string, retained bool, payload []byte) {
	if a.conversationFilter != "" && strings.HasPrefix(topic, "/conversations/") {
		parts := strings.Split(topic, "/")
		if len(parts) < 3 || parts[2] != a.conversationFilter {
			return
		}
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		decoded = string(payload)
	}

	c := captured{
		Timestamp: time.Now().Format("15:04:05"),
		Topic:     topic,
		Retained:  retained,
		Payload:   decoded,
	}

	switch a.format {
	case formatJSON:
		out, _ := json.Marshal(c)
		fmt.Println(string(out))
	case formatCompact:
		fmt.Printf("%s [%s]%s %s\n", c.Timestamp, label(topic), retainedTag(retained), compactPayload(decoded))
	default: // formatPretty
		pretty, _ := json.MarshalIndent(decoded, "", "  ")
		fmt.Printf("[%s]%s %s %s\n%s\n\n", label(topic), retainedTag(retained), c.Timestamp, topic, pretty)
	}
}

func retainedTag(retained bool) string {
	if retained {
		return "(retained)"
	}
	return ""
}

func compactPayload(v any) string {
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(out)
}

// label classifies a topic the same way the discovery protocol does, for
// display only.
func label(topic string) string {
	switch {
	case strings.HasPrefix(topic, "/control/agents/") && strings.HasSuffix(topic, "/status"):
		return "AGENT_STATUS"
	case strings.HasPrefix(topic, "/control/agents/") && strings.Contains(topic, "/progress"):
		return "PROGRESS"
	case strings.HasPrefix(topic, "/control/agents/") && strings.HasSuffix(topic, "/input"):
		return "INPUT"
	case strings.HasPrefix(topic, "/conversations/"):
		return "CONVERSATION"
	case topic == protocol.BroadcastTopic:
		return "BROADCAST"
	default:
		return "UNKNOWN"
	}
}
