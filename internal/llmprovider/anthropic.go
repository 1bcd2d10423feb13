package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider wraps github.com/anthropics/anthropic-sdk-go to satisfy
// the Provider contract. Unlike the teacher's streaming binding, this
// provider drains one synchronous Messages.New response into one Response
// value: the spec's provider contract is synchronous chat-completion, not
// token-by-token delivery.
type AnthropicProvider struct {
	base
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
}

// NewAnthropicProvider constructs an AnthropicProvider. APIKey is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, &Error{Kind: ErrNotConfigured, Provider: "anthropic", Message: "API key is required"}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		base:         newBase("anthropic", cfg.MaxRetries),
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) AvailableModels() []string {
	return []string{
		"claude-opus-4-20250514",
		"claude-sonnet-4-20250514",
		"claude-3-5-sonnet-20241022",
		"claude-3-haiku-20240307",
	}
}

func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Complete(ctx, Request{
		Model:     p.model(""),
		MaxTokens: 1,
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
	})
	return err
}

func (p *AnthropicProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return p.retry(ctx, func(int) (Response, error) {
		return p.complete(ctx, req)
	})
}

func (p *AnthropicProvider) complete(ctx context.Context, req Request) (Response, error) {
	messages, system, err := p.convertMessages(req.Messages)
	if err != nil {
		return Response{}, &Error{Kind: ErrInvalidResponse, Provider: "anthropic", Model: req.Model, Message: err.Error()}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return Response{}, &Error{Kind: ErrInvalidResponse, Provider: "anthropic", Model: req.Model, Message: err.Error()}
		}
		params.Tools = tools
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, p.classifyError(err, req.Model)
	}

	return p.convertResponse(msg), nil
}

func (p *AnthropicProvider) convertMessages(messages []Message) ([]anthropic.MessageParam, string, error) {
	var system strings.Builder
	var out []anthropic.MessageParam

	for _, m := range messages {
		if m.Role == RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if m.Role == RoleTool {
			blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			out = append(out, anthropic.NewUserMessage(blocks...))
			continue
		}
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}

		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	return out, system.String(), nil
}

func (p *AnthropicProvider) convertTools(decls []ToolDeclaration) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(decls))
	for _, d := range decls {
		var schema map[string]any
		if len(d.Parameters) > 0 {
			if err := json.Unmarshal(d.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid parameters schema: %w", d.Name, err)
			}
		}
		out = append(out, anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
			Properties: schema["properties"],
		}, d.Name))
	}
	return out, nil
}

func (p *AnthropicProvider) convertResponse(msg *anthropic.Message) Response {
	resp := Response{
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(variant.Input)
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: variant.ID, Name: variant.Name, Arguments: args})
		}
	}
	resp.Content = text.String()

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		resp.FinishReason = FinishToolCall
	case anthropic.StopReasonMaxTokens:
		resp.FinishReason = FinishLength
	case anthropic.StopReasonStopSequence, anthropic.StopReasonEndTurn:
		resp.FinishReason = FinishStop
	default:
		resp.FinishReason = FinishStop
	}

	return resp
}

func (p *AnthropicProvider) classifyError(err error, model string) *Error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewError("anthropic", model, apiErr.StatusCode, err)
	}
	return &Error{Kind: ErrRequestFailed, Provider: "anthropic", Model: model, Cause: err, Message: err.Error()}
}
