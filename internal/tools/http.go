package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389-research/agentmesh/internal/tool"
)

const defaultMaxResponseSize = 1 << 20 // 1MiB, per the resource cap on HTTP tool responses.

// HTTPRequestTool performs a bounded HTTP request and returns the response
// status, headers, and a size-capped body.
type HTTPRequestTool struct {
	client          *http.Client
	maxResponseSize int64
}

// NewHTTPRequestTool constructs an HTTPRequestTool with the default
// response size cap and a 30s default timeout.
func NewHTTPRequestTool() *HTTPRequestTool {
	return &HTTPRequestTool{
		client:          &http.Client{Timeout: 30 * time.Second},
		maxResponseSize: defaultMaxResponseSize,
	}
}

func (t *HTTPRequestTool) Describe() tool.Description {
	return tool.Description{
		Name:        "http_request",
		Description: "Perform an HTTP request",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"]},
				"url": {"type": "string"},
				"headers": {"type": "object", "additionalProperties": {"type": "string"}},
				"body": {"type": "string"},
				"timeout": {"type": "integer", "minimum": 1, "maximum": 300}
			},
			"required": ["method", "url"],
			"additionalProperties": false
		}`),
	}
}

func (t *HTTPRequestTool) Initialize(ctx context.Context, config json.RawMessage) error {
	var cfg struct {
		MaxResponseSize int64 `json:"max_response_size"`
	}
	if len(config) == 0 {
		return nil
	}
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("http_request: invalid config: %w", err)
	}
	if cfg.MaxResponseSize > 0 {
		t.maxResponseSize = cfg.MaxResponseSize
	}
	return nil
}

func (t *HTTPRequestTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Method  string            `json:"method"`
		URL     string            `json:"url"`
		Headers map[string]string `json:"headers"`
		Body    string            `json:"body"`
		Timeout int               `json:"timeout"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	reqCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(p.Timeout)*time.Second)
		defer cancel()
	}

	var body io.Reader
	if p.Body != "" {
		body = bytes.NewReader([]byte(p.Body))
	}

	req, err := http.NewRequestWithContext(reqCtx, p.Method, p.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, t.maxResponseSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	truncated := int64(len(data)) > t.maxResponseSize
	if truncated {
		data = data[:t.maxResponseSize]
	}

	return json.Marshal(map[string]interface{}{
		"status":    resp.StatusCode,
		"headers":   resp.Header,
		"body":      string(data),
		"truncated": truncated,
	})
}

func (t *HTTPRequestTool) Shutdown(ctx context.Context) error { return nil }
