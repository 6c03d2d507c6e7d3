// Package history accumulates the full sequence of per-tick records in
// memory and persists it once, on clean shutdown. The history is unbounded
// and is lost if the process dies before the flush.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/nvwatch/nvwatch/internal/sampler"
)

// Store is an append-only record sequence bound to an output path.
type Store struct {
	path string

	mu      sync.Mutex
	records []sampler.Status
}

// NewStore builds an empty Store that will flush to path.
func NewStore(path string) *Store {
	return &Store{
		path:    path,
		records: make([]sampler.Status, 0, 64),
	}
}

// Append adds one record to the history. Implements sampler.Recorder.
func (s *Store) Append(record sampler.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

// Len returns the number of accumulated records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a copy of the accumulated records in append order.
func (s *Store) Records() []sampler.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sampler.Status(nil), s.records...)
}

// Path returns the flush destination.
func (s *Store) Path() string {
	return s.path
}

// Flush writes the full history to the store's path as pretty-printed JSON
// with four-space indentation. An empty history writes an empty array.
func (s *Store) Flush() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.records, "", "    ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}
