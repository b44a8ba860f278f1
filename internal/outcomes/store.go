// Package outcomes is the append-only JSONL log of terminal-state
// summaries. Unlike the event log it is never pruned: it is the long-term
// memory that project lessons aggregate over.
package outcomes

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/joescharf/fleet/internal/models"
)

// Store appends and reads outcome records for one project.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store over the given outcomes.jsonl path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Append writes one outcome record.
func (s *Store) Append(o models.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open outcome log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// List returns all outcomes in file (append) order. Malformed lines are
// dropped silently.
func (s *Store) List() ([]models.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open outcome log: %w", err)
	}
	defer f.Close()

	var out []models.Outcome
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var o models.Outcome
		if err := json.Unmarshal(line, &o); err != nil {
			continue
		}
		out = append(out, o)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan outcome log: %w", err)
	}
	return out, nil
}

// Recent returns the most recent n outcomes, newest last.
func (s *Store) Recent(n int) ([]models.Outcome, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}
