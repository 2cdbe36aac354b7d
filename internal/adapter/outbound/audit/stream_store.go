// Package audit provides the audit event sinks: JSON Lines to a
// process stream, rotated files, and SQLite.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
)

// StreamStore implements audit.Store writing one JSON line per event
// to a writer, stderr by default. Writes are serialized so events stay
// atomic per line.
type StreamStore struct {
	mu      sync.Mutex
	encoder *json.Encoder
	writer  io.Writer
}

// NewStreamStore creates an audit store writing to stderr.
func NewStreamStore() *StreamStore {
	return NewStreamStoreWithWriter(os.Stderr)
}

// NewStreamStoreWithWriter creates an audit store writing to w.
func NewStreamStoreWithWriter(w io.Writer) *StreamStore {
	return &StreamStore{
		encoder: json.NewEncoder(w),
		writer:  w,
	}
}

// Append writes events as JSON Lines.
func (s *StreamStore) Append(ctx context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if err := s.encoder.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the writer when it is a regular file; the process
// streams are left open.
func (s *StreamStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// Compile-time interface verification.
var _ audit.Store = (*StreamStore)(nil)
