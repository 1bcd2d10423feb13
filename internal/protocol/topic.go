// Package protocol defines the wire types agents exchange over the broker:
// task envelopes (V1 and V2), agent status, responses, errors, and the
// topic canonicalization rules every published or subscribed topic passes
// through.
package protocol

import "strings"

// Canonicalize collapses runs of "/" to one, ensures exactly one leading
// "/", and strips any trailing "/" except for the root topic itself.
func Canonicalize(topic string) string {
	if topic == "" {
		return "/"
	}

	var b strings.Builder
	b.WriteByte('/')
	prevSlash := true // treat the synthesized leading slash as already written

	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
			b.WriteByte('/')
			continue
		}
		prevSlash = false
		b.WriteByte(c)
	}

	out := b.String()
	if len(out) > 1 && out[len(out)-1] == '/' {
		out = out[:len(out)-1]
	}
	if out == "" {
		return "/"
	}
	return out
}

// InputTopic returns the canonical task-delivery topic for an agent.
func InputTopic(agentID string) string {
	return Canonicalize("/control/agents/" + agentID + "/input")
}

// StatusTopic returns the canonical retained-status topic for an agent.
func StatusTopic(agentID string) string {
	return Canonicalize("/control/agents/" + agentID + "/status")
}

// StatusWildcard is the discovery subscription pattern for all agent status.
const StatusWildcard = "/control/agents/+/status"

// ConversationTopic returns the canonical response/error stream topic for
// one agent within one conversation.
func ConversationTopic(conversationID, agentID string) string {
	return Canonicalize("/conversations/" + conversationID + "/" + agentID)
}

// ProgressTopic, ProgressToolsTopic and ProgressLLMTopic return the
// informational telemetry topics for an agent.
func ProgressTopic(agentID string) string {
	return Canonicalize("/control/agents/" + agentID + "/progress")
}

func ProgressToolsTopic(agentID string) string {
	return Canonicalize("/control/agents/" + agentID + "/progress/tools")
}

func ProgressLLMTopic(agentID string) string {
	return Canonicalize("/control/agents/" + agentID + "/progress/llm")
}

// BroadcastTopic is reserved for future use.
const BroadcastTopic = "/control/broadcast"
