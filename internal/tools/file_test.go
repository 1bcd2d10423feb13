package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "out.txt")

	w := NewFileWriteTool()
	params, _ := json.Marshal(map[string]string{"path": path, "content": "hello"})
	out, err := w.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	var writeResult struct {
		Path         string `json:"path"`
		BytesWritten int    `json:"bytes_written"`
	}
	if err := json.Unmarshal(out, &writeResult); err != nil {
		t.Fatalf("decode write result: %v", err)
	}
	if writeResult.BytesWritten != 5 {
		t.Fatalf("bytes_written = %d, want 5", writeResult.BytesWritten)
	}

	r := NewFileReadTool()
	readParams, _ := json.Marshal(map[string]string{"path": path})
	readOut, err := r.Execute(context.Background(), readParams)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var readResult struct {
		Content string `json:"content"`
		Size    int64  `json:"size"`
	}
	if err := json.Unmarshal(readOut, &readResult); err != nil {
		t.Fatalf("decode read result: %v", err)
	}
	if readResult.Content != "hello" {
		t.Fatalf("content = %q, want hello", readResult.Content)
	}
}

func TestFileReadMissing(t *testing.T) {
	r := NewFileReadTool()
	params, _ := json.Marshal(map[string]string{"path": filepath.Join(t.TempDir(), "nope.txt")})
	if _, err := r.Execute(context.Background(), params); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFileReadSizeCap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.txt")
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	r := &FileReadTool{maxFileSize: 10}
	params, _ := json.Marshal(map[string]string{"path": path})
	if _, err := r.Execute(context.Background(), params); err == nil {
		t.Fatalf("expected size cap error")
	}
}
