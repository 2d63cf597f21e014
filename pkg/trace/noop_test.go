//go:build !tracing

package trace

import (
	"context"
	"testing"
)

func TestNoopExporter(t *testing.T) {
	exporter, err := NewFileExporter("/nonexistent/path/traces.jsonl")
	if err != nil {
		t.Fatalf("Expected no-op constructor to succeed: %v", err)
	}
	if err := exporter.Export(context.Background(), &TraceRecord{Operation: "resolve"}); err != nil {
		t.Errorf("Export failed: %v", err)
	}
	if err := exporter.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
