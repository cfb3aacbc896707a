package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/MrWong99/turnkeeper/pkg/events"
)

// File appends events as JSON lines ([Record] per line) to a local file.
// Safe for concurrent use.
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

var _ events.Sink = (*File)(nil)

// NewFile opens path for appending, creating it if needed.
func NewFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: file: open %s: %w", path, err)
	}
	return &File{path: path, f: f}, nil
}

// Path returns the file path.
func (s *File) Path() string { return s.path }

// Emit implements [events.Sink].
func (s *File) Emit(ctx context.Context, ev events.Event) error {
	data, err := json.Marshal(newRecord(ctx, ev))
	if err != nil {
		return fmt.Errorf("sink: file: marshal: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("sink: file: write: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Further Emit calls return [ErrClosed].
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Sync()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f = nil
	return err
}
