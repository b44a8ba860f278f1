// Package metadata persists session records as flat key=value files.
// The format is the cross-version data contract: one key=value pair per
// line, UTF-8, keys matching [a-zA-Z0-9_]+, values opaque. Unknown keys are
// preserved across read/write cycles.
package metadata

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/fleet/internal/fleeterr"
)

// Reserved keys written by the core. Any other key round-trips untouched.
const (
	KeyProject        = "project"
	KeyWorktree       = "worktree"
	KeyBranch         = "branch"
	KeyStatus         = "status"
	KeyPR             = "pr"
	KeyIssue          = "issue"
	KeySummary        = "summary"
	KeyCost           = "cost"
	KeyAgent          = "agent"
	KeyCreatedAt      = "createdAt"
	KeyLastActivityAt = "lastActivityAt"
	KeyRuntimeHandle  = "runtimeHandle"
	KeyPlanID         = "planId"
	KeyReviewAttempts = "reviewAttempts"
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

const reserveAttempts = 25

// Store reads and writes session metadata under a sessions directory.
type Store struct {
	dir        string
	archiveDir string
}

// NewStore creates a store over the given sessions directory. The directory
// and its archive subdirectory must already exist (paths.Layout.Ensure).
func NewStore(sessionsDir string) *Store {
	return &Store{
		dir:        sessionsDir,
		archiveDir: filepath.Join(sessionsDir, "archive"),
	}
}

func (s *Store) path(id string) string { return filepath.Join(s.dir, id) }

// Read parses the metadata file for a session. Lines without '=' or with
// invalid keys are dropped.
func (s *Store) Read(id string) (map[string]string, error) {
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", fleeterr.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	meta := make(map[string]string)
	for line := range strings.SplitSeq(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || !keyPattern.MatchString(key) {
			continue
		}
		meta[key] = value
	}
	return meta, nil
}

// Write persists the metadata map atomically: the content is written to a
// temp file in the same directory and renamed over the target.
func (s *Store) Write(id string, meta map[string]string) error {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if !keyPattern.MatchString(k) {
			return fmt.Errorf("invalid metadata key %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(meta[k])
		b.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(s.dir, "."+id+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp metadata: %w", err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// Set updates a single key in place (read-modify-write).
func (s *Store) Set(id, key, value string) error {
	meta, err := s.Read(id)
	if err != nil {
		return err
	}
	meta[key] = value
	return s.Write(id, meta)
}

// Exists reports whether a live (non-archived) metadata file exists.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// List returns the ids of all live sessions, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// ReserveID atomically reserves the next session id for a prefix. The
// exclusive create of the metadata file is the only serialization point:
// concurrent reservations collide on O_EXCL and retry with the next
// ordinal.
func (s *Store) ReserveID(prefix string) (string, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		next, err := s.nextOrdinal(prefix)
		if err != nil {
			return "", err
		}
		id := fmt.Sprintf("%s-%d", prefix, next)
		f, err := os.OpenFile(s.path(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", fmt.Errorf("reserve id: %w", err)
		}
		f.Close()
		return id, nil
	}
	return "", fmt.Errorf("%w: prefix %s", fleeterr.ErrIDCollision, prefix)
}

// nextOrdinal scans live and archived sessions for the highest ordinal used
// with the prefix. Archived ids still count so a restarted fleet never
// reissues an id.
func (s *Store) nextOrdinal(prefix string) (int, error) {
	max := 0
	scan := func(dir string, trimArchiveSuffix bool) error {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if trimArchiveSuffix {
				// archive entries are <id>_<unix-ts>
				if i := strings.LastIndex(name, "_"); i > 0 {
					name = name[:i]
				}
			}
			rest, ok := strings.CutPrefix(name, prefix+"-")
			if !ok {
				continue
			}
			if n, err := strconv.Atoi(rest); err == nil && n > max {
				max = n
			}
		}
		return nil
	}
	if err := scan(s.dir, false); err != nil {
		return 0, err
	}
	if err := scan(s.archiveDir, true); err != nil {
		return 0, err
	}
	return max + 1, nil
}

// Archive moves a session's metadata under the archive directory,
// preserving the original id in the file name.
func (s *Store) Archive(id string) error {
	dst := filepath.Join(s.archiveDir, fmt.Sprintf("%s_%d", id, time.Now().Unix()))
	if err := os.Rename(s.path(id), dst); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}
