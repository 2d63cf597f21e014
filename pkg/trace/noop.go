//go:build !tracing

package trace

import "context"

// NoopExporter does nothing. It is the exporter for builds without the
// tracing tag.
type NoopExporter struct{}

// NewFileExporter returns a no-op exporter when tracing is disabled.
// The signature matches the tracing-enabled variant.
func NewFileExporter(filePath string, opts ...FileExporterOption) (Exporter, error) {
	return &NoopExporter{}, nil
}

// Export does nothing.
func (n *NoopExporter) Export(ctx context.Context, record *TraceRecord) error {
	return nil
}

// Close does nothing.
func (n *NoopExporter) Close() error {
	return nil
}
