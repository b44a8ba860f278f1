// Package events is the append-only JSONL event log. File order is append
// order; queries sort newest-first. The log is lazily pruned: once the line
// count reaches the configured maximum, the oldest entries are rewritten
// away before the next append, so the file never exceeds maxEvents lines.
package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/fleet/internal/models"
)

// DefaultMaxEvents bounds the event log length.
const DefaultMaxEvents = 500

// Store appends and queries events for one project.
type Store struct {
	mu        sync.Mutex
	path      string
	maxEvents int
	lineCount int // -1 until first load
}

// NewStore creates a store over the given events.jsonl path.
func NewStore(path string, maxEvents int) *Store {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Store{path: path, maxEvents: maxEvents, lineCount: -1}
}

// NewID generates a new ULID string.
func NewID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// New builds an event with a fresh id and timestamp. The priority is
// inferred from the type when not set by the caller.
func New(eventType, sessionID, projectID, message string, data map[string]any) models.Event {
	return models.Event{
		ID:        NewID(),
		Type:      eventType,
		Priority:  models.EventPriorityFor(eventType),
		SessionID: sessionID,
		ProjectID: projectID,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      data,
	}
}

// Append writes one event. When the log is full it is first rewritten
// retaining the most recent maxEvents-1 entries.
func (s *Store) Append(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lineCount < 0 {
		all, err := s.readAll()
		if err != nil {
			return err
		}
		s.lineCount = len(all)
	}

	if s.lineCount >= s.maxEvents {
		if err := s.prune(s.maxEvents - 1); err != nil {
			return err
		}
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.lineCount++
	return nil
}

// prune rewrites the file keeping only the most recent keep events.
func (s *Store) prune(keep int) error {
	all, err := s.readAll()
	if err != nil {
		return err
	}
	if len(all) > keep {
		all = all[len(all)-keep:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".events-*.jsonl")
	if err != nil {
		return fmt.Errorf("create temp event log: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, ev := range all {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flush temp event log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp event log: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace event log: %w", err)
	}
	s.lineCount = len(all)
	return nil
}

// readAll loads every parseable event in file order. Malformed lines are
// dropped silently.
func (s *Store) readAll() ([]models.Event, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []models.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return out, nil
}

// Filter selects events in a query. Zero fields match everything.
type Filter struct {
	ProjectID  string
	SessionID  string
	Types      []string
	Priorities []models.Priority
	Since      time.Time
	Offset     int
	Limit      int
}

func (f Filter) matches(ev models.Event) bool {
	if f.ProjectID != "" && ev.ProjectID != f.ProjectID {
		return false
	}
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Priorities) > 0 {
		found := false
		for _, p := range f.Priorities {
			if ev.Priority == p {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// Query returns matching events sorted newest-first, then offset/limited.
func (s *Store) Query(f Filter) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}

	var matched []models.Event
	for _, ev := range all {
		if f.matches(ev) {
			matched = append(matched, ev)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}
