//go:build tracing

package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileExporter appends trace records to a JSON Lines file and rotates
// it by size.
type FileExporter struct {
	filePath        string
	maxSizeBytes    int64
	maxRotatedFiles int
	file            *os.File
	encoder         *json.Encoder
	mu              sync.Mutex
	closed          bool
}

// WithMaxSize sets the rotation threshold (default 10 MiB).
func WithMaxSize(bytes int64) FileExporterOption {
	return func(iface interface{}) {
		if fe, ok := iface.(*FileExporter); ok {
			fe.maxSizeBytes = bytes
		}
	}
}

// WithMaxRotatedFiles sets how many rotated files to keep (default 5).
func WithMaxRotatedFiles(count int) FileExporterOption {
	return func(iface interface{}) {
		if fe, ok := iface.(*FileExporter); ok {
			fe.maxRotatedFiles = count
		}
	}
}

// NewFileExporter opens a file-based trace exporter. The file is opened
// for append immediately; rotation is checked on each Export.
func NewFileExporter(filePath string, opts ...FileExporterOption) (Exporter, error) {
	fe := &FileExporter{
		filePath:        filePath,
		maxSizeBytes:    10 * 1024 * 1024,
		maxRotatedFiles: 5,
	}
	for _, opt := range opts {
		opt(fe)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}

	fe.file = file
	fe.encoder = json.NewEncoder(file)
	return fe, nil
}

// Export writes one record as a JSON line, rotating afterwards if the
// file crossed the size threshold.
func (fe *FileExporter) Export(ctx context.Context, record *TraceRecord) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return fmt.Errorf("exporter closed")
	}
	if err := fe.encoder.Encode(record); err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	if err := fe.rotateIfNeeded(); err != nil {
		return fmt.Errorf("rotate trace file: %w", err)
	}
	return nil
}

// Close flushes and closes the trace file.
func (fe *FileExporter) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if fe.closed {
		return nil
	}
	fe.closed = true

	if fe.file != nil {
		if err := fe.file.Sync(); err != nil {
			fe.file.Close()
			return fmt.Errorf("sync trace file: %w", err)
		}
		return fe.file.Close()
	}
	return nil
}

// rotateIfNeeded rotates when the file crossed the size threshold.
// Caller holds the lock.
func (fe *FileExporter) rotateIfNeeded() error {
	info, err := fe.file.Stat()
	if err != nil {
		return fmt.Errorf("stat trace file: %w", err)
	}
	if info.Size() < fe.maxSizeBytes {
		return nil
	}

	if err := fe.file.Close(); err != nil {
		return fmt.Errorf("close trace file for rotation: %w", err)
	}
	if err := fe.shiftRotated(); err != nil {
		return err
	}

	file, err := os.OpenFile(fe.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("reopen trace file after rotation: %w", err)
	}
	fe.file = file
	fe.encoder = json.NewEncoder(file)
	return nil
}

// shiftRotated moves the current file to .1 after shifting .N-1 to .N,
// dropping the oldest when at the limit. Caller holds the lock.
func (fe *FileExporter) shiftRotated() error {
	oldest := fmt.Sprintf("%s.%d", fe.filePath, fe.maxRotatedFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("remove oldest rotated file: %w", err)
		}
	}

	for i := fe.maxRotatedFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", fe.filePath, i)
		to := fmt.Sprintf("%s.%d", fe.filePath, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("shift rotated file %s: %w", from, err)
			}
		}
	}

	if err := os.Rename(fe.filePath, fe.filePath+".1"); err != nil {
		return fmt.Errorf("rotate current file: %w", err)
	}
	return nil
}
