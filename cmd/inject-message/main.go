// Command inject-message publishes a single task envelope to a running
// agent's input topic, for manual experimentation against a live broker
// without writing a throwaway client.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389-research/agentmesh/internal/protocol"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		agentID        string
		message        string
		conversationID string
		toolName       string
		toolParams     string
		nextAgent      string
		brokerURL      string
	)

	cmd := &cobra.Command{
		Use:   "inject-message",
		Short: "Inject a test task into a running agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if toolParams != "" && toolName == "" {
				return fmt.Errorf("--tool-params provided without --tool")
			}
			if toolParams != "" {
				var v any
				if err := json.Unmarshal([]byte(toolParams), &v); err != nil {
					return fmt.Errorf("invalid --tool-params JSON: %w", err)
				}
			}
			return injectMessage(injectArgs{
				agentID:        agentID,
				message:        message,
				conversationID: conversationID,
				toolName:       toolName,
				toolParams:     toolParams,
				nextAgent:      nextAgent,
				brokerURL:      brokerURL,
			})
		},
	}

	cmd.Flags().StringVar(&agentID, "agent-id", "", "target agent ID (required)")
	cmd.Flags().StringVar(&message, "message", "", "message to send to the agent (required)")
	cmd.Flags().StringVar(&conversationID, "conversation-id", "", "conversation ID (auto-generated if unset)")
	cmd.Flags().StringVar(&toolName, "tool", "", "tool name to request execution of")
	cmd.Flags().StringVar(&toolParams, "tool-params", "", "tool parameters as a JSON object")
	cmd.Flags().StringVar(&nextAgent, "next-agent", "", "comma-separated pipeline of next agent IDs")
	cmd.Flags().StringVar(&brokerURL, "broker-url", "tcp://localhost:1883", "MQTT broker URL")
	cmd.MarkFlagRequired("agent-id")
	cmd.MarkFlagRequired("message")

	return cmd
}

type injectArgs struct {
	agentID        string
	message        string
	conversationID string
	toolName       string
	toolParams     string
	nextAgent      string
	brokerURL      string
}

func injectMessage(a injectArgs) error {
	conversationID := a.conversationID
	if conversationID == "" {
		conversationID = fmt.Sprintf("experiment-%d", time.Now().Unix())
	}

	input := map[string]any{"message": a.message}
	if a.toolName != "" {
		params := json.RawMessage("{}")
		if a.toolParams != "" {
			params = json.RawMessage(a.toolParams)
		}
		input["tool_request"] = map[string]any{"name": a.toolName, "parameters": params}
	}
	inputBytes, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshaling input: %w", err)
	}

	envelope := &protocol.Envelope{
		TaskID:         uuid.NewString(),
		ConversationID: conversationID,
		Topic:          protocol.InputTopic(a.agentID),
		Instruction:    fmt.Sprintf("Process this message: %s", a.message),
		Input:          inputBytes,
		Next:           buildPipelineChain(a.nextAgent),
	}

	payload, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	client, err := connect(a.brokerURL, fmt.Sprintf("inject-message-%d", time.Now().Unix()))
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	fmt.Printf("\n📤 Injecting message to %s\n", envelope.Topic)
	fmt.Printf("   Conversation: %s\n", conversationID)
	fmt.Printf("   Task ID: %s\n", envelope.TaskID)
	if a.toolName != "" {
		fmt.Printf("   Tool: %s\n", a.toolName)
	}
	if a.nextAgent != "" {
		fmt.Printf("   Pipeline: %s → %s\n", a.agentID, strings.ReplaceAll(a.nextAgent, ",", " → "))
	}
	fmt.Printf("   Message: %s\n", a.message)

	token := client.Publish(envelope.Topic, 1, false, payload)
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("publishing task: %w", token.Error())
	}

	fmt.Println("✓ Message injected successfully")
	fmt.Println("\n💡 Monitor agent responses at:")
	fmt.Printf("   %s\n", protocol.ConversationTopic(conversationID, a.agentID))
	return nil
}

// buildPipelineChain turns a comma-separated agent-ID list into a nested
// Next chain, each hop instructing the next agent to continue processing.
func buildPipelineChain(nextAgent string) *protocol.Envelope {
	if nextAgent == "" {
		return nil
	}
	ids := strings.Split(nextAgent, ",")
	var chain *protocol.Envelope
	for i := len(ids) - 1; i >= 0; i-- {
		id := strings.TrimSpace(ids[i])
		if id == "" {
			continue
		}
		chain = &protocol.Envelope{
			Topic:       protocol.InputTopic(id),
			Instruction: fmt.Sprintf("Continue processing for %s", id),
			Next:        chain,
		}
	}
	return chain
}

func connect(brokerURL, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("connecting to %s: %w", brokerURL, token.Error())
	}
	return client, nil
}
