package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SpoolSink appends synced items as JSON lines, one file per stream,
// under a spool directory. The ingest pipeline tails these files.
type SpoolSink struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewSpoolSink creates the spool directory if needed.
func NewSpoolSink(dir string) (*SpoolSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &SpoolSink{dir: dir, files: make(map[string]*os.File)}, nil
}

// Publish appends one item to the stream's spool file.
func (s *SpoolSink) Publish(ctx context.Context, stream string, payload map[string]any) error {
	line, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode spool item: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[stream]
	if !ok {
		path := filepath.Join(s.dir, stream+".ndjson")
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open spool file: %w", err)
		}
		s.files[stream] = f
	}

	_, err = f.Write(append(line, '\n'))
	return err
}

// Close flushes and closes every open spool file.
func (s *SpoolSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for stream, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.files, stream)
	}
	return firstErr
}
