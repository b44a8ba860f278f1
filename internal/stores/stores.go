// Package stores bundles the per-project persistence (metadata, events,
// outcomes) behind one lazily-initialized accessor. Every service resolves
// its stores through a Set so the directory layout is ensured exactly once
// per project.
package stores

import (
	"sync"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/metadata"
	"github.com/joescharf/fleet/internal/outcomes"
	"github.com/joescharf/fleet/internal/paths"
)

// Project is one project's persistence handles.
type Project struct {
	Layout   *paths.Layout
	Meta     *metadata.Store
	Events   *events.Store
	Outcomes *outcomes.Store
}

// Set resolves Project bundles by project id.
type Set struct {
	cfg *config.Config

	mu        sync.Mutex
	byProject map[string]*Project
}

// NewSet creates a store set for the loaded configuration.
func NewSet(cfg *config.Config) *Set {
	return &Set{cfg: cfg, byProject: make(map[string]*Project)}
}

// For returns (creating on first use) the stores for a project. The
// caller is expected to have validated the project id against the
// configuration.
func (s *Set) For(projectID string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.byProject[projectID]; ok {
		return p, nil
	}

	layout := paths.NewLayout(s.cfg.DataDir, s.cfg.ConfigPath, projectID)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}

	p := &Project{
		Layout:   layout,
		Meta:     metadata.NewStore(layout.SessionsDir()),
		Events:   events.NewStore(layout.EventsFile(), s.cfg.MaxEvents),
		Outcomes: outcomes.NewStore(layout.OutcomesFile()),
	}
	s.byProject[projectID] = p
	return p, nil
}
