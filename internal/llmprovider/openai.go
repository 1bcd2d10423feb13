package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider wraps github.com/sashabaranov/go-openai. As with
// AnthropicProvider, this binding is non-streaming: one CreateChatCompletion
// call drains into one Response.
type OpenAIProvider struct {
	base
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
}

// NewOpenAIProvider constructs an OpenAIProvider. APIKey is required.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, &Error{Kind: ErrNotConfigured, Provider: "openai", Message: "API key is required"}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		base:         newBase("openai", cfg.MaxRetries),
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) AvailableModels() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "o1", "o1-mini"}
}

func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.Complete(ctx, Request{
		Model:     p.model(""),
		MaxTokens: 1,
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
	})
	return err
}

func (p *OpenAIProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return p.retry(ctx, func(int) (Response, error) {
		return p.complete(ctx, req)
	})
}

func (p *OpenAIProvider) complete(ctx context.Context, req Request) (Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       p.model(req.Model),
		Messages:    p.convertMessages(req.Messages),
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.StopSequences) > 0 {
		chatReq.Stop = req.StopSequences
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return Response{}, &Error{Kind: ErrInvalidResponse, Provider: "openai", Model: req.Model, Message: err.Error()}
		}
		chatReq.Tools = tools
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return Response{}, p.classifyError(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return Response{}, &Error{Kind: ErrInvalidResponse, Provider: "openai", Model: req.Model, Message: "response carried no choices"}
	}

	return p.convertResponse(resp), nil
}

func (p *OpenAIProvider) convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

func (p *OpenAIProvider) convertTools(decls []ToolDeclaration) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(decls))
	for _, d := range decls {
		var schema map[string]any
		if len(d.Parameters) > 0 {
			if err := json.Unmarshal(d.Parameters, &schema); err != nil {
				return nil, err
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  schema,
			},
		})
	}
	return out, nil
}

func (p *OpenAIProvider) convertResponse(resp openai.ChatCompletionResponse) Response {
	choice := resp.Choices[0]

	out := Response{
		Content: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		out.FinishReason = FinishToolCall
	case openai.FinishReasonLength:
		out.FinishReason = FinishLength
	case openai.FinishReasonContentFilter:
		out.FinishReason = FinishContentFilter
	default:
		out.FinishReason = FinishStop
	}

	return out
}

func (p *OpenAIProvider) classifyError(err error, model string) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError("openai", model, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError("openai", model, reqErr.HTTPStatusCode, err)
	}
	return &Error{Kind: ErrRequestFailed, Provider: "openai", Model: model, Cause: err, Message: err.Error()}
}
