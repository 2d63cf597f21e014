// Package trace exports operation traces for offline analysis. Tracing
// is compiled in with the "tracing" build tag; without it every exporter
// constructor returns a no-op.
package trace

import (
	"context"
	"time"
)

// Exporter writes operation traces to a destination. Implementations
// must be safe for concurrent use.
type Exporter interface {
	// Export writes one trace record.
	Export(ctx context.Context, record *TraceRecord) error

	// Close flushes buffered records and releases resources.
	Close() error
}

// TraceRecord is one completed operation. It carries identifiers and
// timings only, never entity payloads.
type TraceRecord struct {
	// Timestamp is the operation start time.
	Timestamp time.Time `json:"timestamp"`

	// OperationID correlates the record with logs.
	OperationID string `json:"operationId"`

	// Operation names the operation: "create_entity", "delete_entity",
	// "add_node", "move_subtree", "resolve", "handle_pressure",
	// "rebuild".
	Operation string `json:"operation"`

	// DurationMs is the total operation duration in milliseconds.
	DurationMs int64 `json:"durationMs"`

	// Status is "success" or "error".
	Status string `json:"status"`

	// Spans holds per-stage timing and status.
	Spans []SpanRecord `json:"spans"`

	// ErrorType classifies the failure when Status is "error":
	// not_found, already_exists, integrity, invalid_path, exhausted,
	// transient, unknown.
	ErrorType string `json:"errorType,omitempty"`

	// IDs holds operation-specific identifiers (entity ids, paths).
	IDs map[string]interface{} `json:"ids,omitempty"`
}

// SpanRecord is one stage within an operation.
type SpanRecord struct {
	// Name is the stage: "write-durable", "write-cache", "index",
	// "purge", "replay-seed", "assemble".
	Name string `json:"name"`

	// DurationMs is the stage duration in milliseconds.
	DurationMs int64 `json:"durationMs"`

	// OK indicates whether the stage succeeded.
	OK bool `json:"ok"`

	// ErrorType classifies the failure when OK is false.
	ErrorType string `json:"errorType,omitempty"`

	// Counters holds stage-specific counts (keysPurged, entitiesReplayed).
	Counters map[string]int64 `json:"counters,omitempty"`
}

// FileExporterOption configures a FileExporter. Present in both build
// variants so callers compile with or without the tracing tag.
type FileExporterOption func(interface{})

// Discard is an Exporter that drops every record. It exists in both
// build variants; use it as the default when no exporter is configured.
var Discard Exporter = discardExporter{}

type discardExporter struct{}

func (discardExporter) Export(ctx context.Context, record *TraceRecord) error { return nil }

func (discardExporter) Close() error { return nil }
