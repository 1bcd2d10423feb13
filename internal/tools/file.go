// Package tools provides builtin tool.Tool implementations: file_read,
// file_write, and http_request.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/2389-research/agentmesh/internal/tool"
)

const defaultMaxFileSize = 1 << 20 // 1MiB

// FileReadTool reads a file's contents, bounded by a configurable size cap.
type FileReadTool struct {
	maxFileSize int64
}

// NewFileReadTool constructs a FileReadTool with the default size cap.
func NewFileReadTool() *FileReadTool {
	return &FileReadTool{maxFileSize: defaultMaxFileSize}
}

func (t *FileReadTool) Describe() tool.Description {
	return tool.Description{
		Name:        "file_read",
		Description: "Read file contents",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"],
			"additionalProperties": false
		}`),
	}
}

func (t *FileReadTool) Initialize(ctx context.Context, config json.RawMessage) error {
	var cfg struct {
		MaxFileSize int64 `json:"max_file_size"`
	}
	if len(config) == 0 {
		return nil
	}
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("file_read: invalid config: %w", err)
	}
	if cfg.MaxFileSize > 0 {
		t.maxFileSize = cfg.MaxFileSize
	}
	return nil
}

func (t *FileReadTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	info, err := os.Stat(p.Path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", p.Path)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is not a file: %s", p.Path)
	}
	if info.Size() > t.maxFileSize {
		return nil, fmt.Errorf("file too large: %d bytes (max: %d)", info.Size(), t.maxFileSize)
	}

	content, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"content": string(content),
		"size":    info.Size(),
	})
}

func (t *FileReadTool) Shutdown(ctx context.Context) error { return nil }

// FileWriteTool writes content to a file, creating parent directories as
// needed, bounded by a configurable size cap.
type FileWriteTool struct {
	maxFileSize int64
}

// NewFileWriteTool constructs a FileWriteTool with the default size cap.
func NewFileWriteTool() *FileWriteTool {
	return &FileWriteTool{maxFileSize: defaultMaxFileSize}
}

func (t *FileWriteTool) Describe() tool.Description {
	return tool.Description{
		Name:        "file_write",
		Description: "Write content to file",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string"},
				"content": {"type": "string"}
			},
			"required": ["path", "content"],
			"additionalProperties": false
		}`),
	}
}

func (t *FileWriteTool) Initialize(ctx context.Context, config json.RawMessage) error {
	var cfg struct {
		MaxFileSize int64 `json:"max_file_size"`
	}
	if len(config) == 0 {
		return nil
	}
	if err := json.Unmarshal(config, &cfg); err != nil {
		return fmt.Errorf("file_write: invalid config: %w", err)
	}
	if cfg.MaxFileSize > 0 {
		t.maxFileSize = cfg.MaxFileSize
	}
	return nil
}

func (t *FileWriteTool) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var p struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}

	if int64(len(p.Content)) > t.maxFileSize {
		return nil, fmt.Errorf("content too large: %d bytes (max: %d)", len(p.Content), t.maxFileSize)
	}

	if dir := filepath.Dir(p.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]interface{}{
		"path":          p.Path,
		"bytes_written": len(p.Content),
	})
}

func (t *FileWriteTool) Shutdown(ctx context.Context) error { return nil }
