package metadata

import (
	"time"

	"github.com/joescharf/fleet/internal/models"
)

// EncodeSession maps a session onto metadata keys, merging over any
// existing map so unknown keys survive.
func EncodeSession(s *models.Session, existing map[string]string) map[string]string {
	meta := make(map[string]string, len(existing)+12)
	for k, v := range existing {
		meta[k] = v
	}

	meta[KeyProject] = s.ProjectID
	meta[KeyStatus] = string(s.Status)
	meta[KeyBranch] = s.Branch
	meta[KeyWorktree] = s.WorktreePath
	meta[KeyCreatedAt] = s.CreatedAt.UTC().Format(time.RFC3339)

	setOrDelete := func(key, value string) {
		if value == "" {
			delete(meta, key)
			return
		}
		meta[key] = value
	}
	setOrDelete(KeyIssue, s.Issue)
	setOrDelete(KeyPR, s.PR)
	setOrDelete(KeySummary, s.AgentSummary)
	setOrDelete(KeyCost, s.AgentCost)
	setOrDelete(KeyRuntimeHandle, s.RuntimeHandle)
	setOrDelete(KeyPlanID, s.PlanID)
	if !s.LastActivityAt.IsZero() {
		meta[KeyLastActivityAt] = s.LastActivityAt.UTC().Format(time.RFC3339)
	}
	return meta
}

// DecodeSession reconstructs a session from its metadata map. The full map
// is retained on the session so callers can write it back without losing
// unknown keys.
func DecodeSession(id string, meta map[string]string) *models.Session {
	s := &models.Session{
		ID:            id,
		ProjectID:     meta[KeyProject],
		Status:        models.Status(meta[KeyStatus]),
		Branch:        meta[KeyBranch],
		Issue:         meta[KeyIssue],
		PR:            meta[KeyPR],
		WorktreePath:  meta[KeyWorktree],
		RuntimeHandle: meta[KeyRuntimeHandle],
		AgentSummary:  meta[KeySummary],
		AgentCost:     meta[KeyCost],
		PlanID:        meta[KeyPlanID],
		Meta:          meta,
	}
	if t, err := time.Parse(time.RFC3339, meta[KeyCreatedAt]); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, meta[KeyLastActivityAt]); err == nil {
		s.LastActivityAt = t
	}
	return s
}
