// Package sessions issues session identity, composes plugins, and exposes
// the session lifecycle operations: spawn, restore, kill, send, list.
package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/joescharf/fleet/internal/config"
	"github.com/joescharf/fleet/internal/events"
	"github.com/joescharf/fleet/internal/fleeterr"
	"github.com/joescharf/fleet/internal/metadata"
	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/paths"
	"github.com/joescharf/fleet/internal/plugin"
	"github.com/joescharf/fleet/internal/stores"
)

// SendTimeout bounds a single message delivery to a runtime.
const SendTimeout = 15 * time.Second

// PromptBuilder produces the initial prompt for a spawned agent. Prompt
// text generation lives with the host; the manager only threads context
// through.
type PromptBuilder interface {
	Build(ctx context.Context, in PromptInput) (string, error)
}

// PromptInput is everything the host's prompt builder sees.
type PromptInput struct {
	Session *models.Session
	Project plugin.ProjectRef
	Issue   *plugin.Issue
	Request string // ad-hoc request text when no issue is bound
	Extra   string // pre-rendered enrichment sections (lessons, plan context)
}

// StaticPromptBuilder returns its input request joined with the extra
// sections. Useful for hosts that render prompts elsewhere and for tests.
type StaticPromptBuilder struct{}

// Build implements PromptBuilder.
func (StaticPromptBuilder) Build(_ context.Context, in PromptInput) (string, error) {
	parts := []string{}
	if in.Issue != nil {
		parts = append(parts, fmt.Sprintf("Work on issue #%d: %s\n\n%s", in.Issue.Number, in.Issue.Title, in.Issue.Body))
	}
	if in.Request != "" {
		parts = append(parts, in.Request)
	}
	if in.Extra != "" {
		parts = append(parts, in.Extra)
	}
	return strings.Join(parts, "\n\n"), nil
}

// Manager owns session identity and metadata.
type Manager struct {
	cfg     *config.Config
	reg     *plugin.Registry
	stores  *stores.Set
	prompts PromptBuilder
	log     *slog.Logger
	hash    string
}

// NewManager creates a session manager.
func NewManager(cfg *config.Config, reg *plugin.Registry, set *stores.Set, prompts PromptBuilder, log *slog.Logger) *Manager {
	if prompts == nil {
		prompts = StaticPromptBuilder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		reg:     reg,
		stores:  set,
		prompts: prompts,
		log:     log,
		hash:    paths.ConfigHash(cfg.ConfigPath),
	}
}

// SpawnOptions configures a spawn.
type SpawnOptions struct {
	ProjectID string
	IssueID   string // tracker issue to bind (optional)
	Branch    string // explicit branch override
	Request   string // ad-hoc request when no issue is bound
	PlanID    string
	Extra     string            // pre-rendered prompt enrichment
	Meta      map[string]string // extra metadata keys (preserved verbatim)
}

// Spawn creates a session end to end. It is all-or-nothing: any failure
// after ID reservation rolls back the workspace and runtime and archives
// the metadata skeleton so the id is never reissued.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*models.Session, error) {
	proj, err := m.cfg.Project(opts.ProjectID)
	if err != nil {
		return nil, err
	}
	ref, err := m.cfg.Ref(opts.ProjectID)
	if err != nil {
		return nil, err
	}

	runtime, ok := m.reg.Runtime(m.cfg.RuntimeName(proj))
	if !ok {
		return nil, fmt.Errorf("%w: runtime %s", fleeterr.ErrPluginUnavailable, m.cfg.RuntimeName(proj))
	}
	workspace, ok := m.reg.Workspace(m.cfg.WorkspaceName(proj))
	if !ok {
		return nil, fmt.Errorf("%w: workspace %s", fleeterr.ErrPluginUnavailable, m.cfg.WorkspaceName(proj))
	}

	var issue *plugin.Issue
	if opts.IssueID != "" {
		tracker, ok := m.reg.Tracker(proj.Tracker)
		if !ok {
			return nil, fmt.Errorf("%w: tracker %s", fleeterr.ErrPluginUnavailable, proj.Tracker)
		}
		issue, err = tracker.Issue(ctx, opts.IssueID, ref)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", fleeterr.ErrIssueUnreachable, opts.IssueID, err)
		}
	}

	st, err := m.stores.For(opts.ProjectID)
	if err != nil {
		return nil, err
	}

	id, err := st.Meta.ReserveID(proj.SessionPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &models.Session{
		ID:        id,
		ProjectID: opts.ProjectID,
		Status:    models.StatusSpawning,
		Branch:    branchFor(opts, issue, id),
		PlanID:    opts.PlanID,
		CreatedAt: now,
	}
	if issue != nil {
		session.Issue = issue.URL
	}

	rollback := func() {
		if session.WorktreePath != "" {
			if derr := workspace.Destroy(ctx, session.WorktreePath); derr != nil {
				m.log.Warn("spawn rollback: destroy workspace", "session", id, "error", derr)
			}
		}
		// Archive the skeleton so the ordinal is burned, never reissued.
		if aerr := st.Meta.Archive(id); aerr != nil {
			m.log.Warn("spawn rollback: archive skeleton", "session", id, "error", aerr)
		}
	}

	wtPath, err := workspace.Create(ctx, session, ref)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("%w: %v", fleeterr.ErrWorkspaceCreate, err)
	}
	session.WorktreePath = wtPath

	promptText, err := m.prompts.Build(ctx, PromptInput{
		Session: session,
		Project: ref,
		Issue:   issue,
		Request: opts.Request,
		Extra:   opts.Extra,
	})
	if err != nil {
		rollback()
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	handle, err := runtime.Create(ctx, plugin.CreateContext{
		Key:       m.hash + "-" + id,
		WorkDir:   wtPath,
		Prompt:    promptText,
		AgentName: m.cfg.AgentName(proj),
		ProjectID: opts.ProjectID,
	})
	if err != nil {
		rollback()
		return nil, fmt.Errorf("%w: %v", fleeterr.ErrRuntimeCreate, err)
	}

	encoded, err := handle.Encode()
	if err != nil {
		if derr := runtime.Destroy(ctx, handle); derr != nil {
			m.log.Warn("spawn rollback: destroy runtime", "session", id, "error", derr)
		}
		rollback()
		return nil, err
	}
	session.RuntimeHandle = encoded

	meta := metadata.EncodeSession(session, opts.Meta)
	meta[metadata.KeyAgent] = m.cfg.AgentName(proj)
	if err := st.Meta.Write(id, meta); err != nil {
		if derr := runtime.Destroy(ctx, handle); derr != nil {
			m.log.Warn("spawn rollback: destroy runtime", "session", id, "error", derr)
		}
		rollback()
		return nil, err
	}
	session.Meta = meta

	m.appendEvent(st, events.New(models.EventSessionSpawned, id, opts.ProjectID,
		fmt.Sprintf("spawned %s on %s", id, session.Branch), map[string]any{"branch": session.Branch}))

	return session, nil
}

var branchUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

// branchFor picks the branch name: explicit override, then tracker-derived,
// then ad-hoc keyed by session id.
func branchFor(opts SpawnOptions, issue *plugin.Issue, sessionID string) string {
	if opts.Branch != "" {
		return opts.Branch
	}
	if issue != nil {
		slug := strings.ToLower(strings.TrimSpace(issue.Title))
		slug = branchUnsafe.ReplaceAllString(strings.ReplaceAll(slug, " ", "-"), "")
		if len(slug) > 40 {
			slug = slug[:40]
		}
		slug = strings.Trim(slug, "-")
		if slug == "" {
			return fmt.Sprintf("issue-%d", issue.Number)
		}
		return fmt.Sprintf("issue-%d-%s", issue.Number, slug)
	}
	return "fleet/" + sessionID
}

// Get loads one session.
func (m *Manager) Get(projectID, id string) (*models.Session, error) {
	st, err := m.stores.For(projectID)
	if err != nil {
		return nil, err
	}
	meta, err := st.Meta.Read(id)
	if err != nil {
		return nil, err
	}
	return metadata.DecodeSession(id, meta), nil
}

// List returns all live sessions for a project. Any non-terminal session
// whose runtime no longer reports alive is marked killed in place; the
// check is cheap and idempotent.
func (m *Manager) List(ctx context.Context, projectID string) ([]*models.Session, error) {
	proj, err := m.cfg.Project(projectID)
	if err != nil {
		return nil, err
	}
	st, err := m.stores.For(projectID)
	if err != nil {
		return nil, err
	}
	ids, err := st.Meta.List()
	if err != nil {
		return nil, err
	}

	runtime, haveRuntime := m.reg.Runtime(m.cfg.RuntimeName(proj))

	var out []*models.Session
	for _, id := range ids {
		meta, err := st.Meta.Read(id)
		if err != nil {
			continue
		}
		s := metadata.DecodeSession(id, meta)

		if haveRuntime && !s.Status.Terminal() && s.RuntimeHandle != "" {
			if handle, derr := plugin.DecodeHandle(s.RuntimeHandle); derr == nil {
				if !runtime.IsAlive(ctx, handle) {
					s.Status = models.StatusKilled
					meta[metadata.KeyStatus] = string(models.StatusKilled)
					if werr := st.Meta.Write(id, meta); werr != nil {
						m.log.Warn("mark dead session", "session", id, "error", werr)
					}
				}
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// sanitize strips control characters from outgoing messages; newlines and
// tabs survive.
func sanitize(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, text)
}

// Send delivers a message to a session's agent. The call is bounded by
// SendTimeout; delivery mechanics for long messages (paste-buffer vs
// keystrokes) are the runtime's concern.
func (m *Manager) Send(ctx context.Context, projectID, id, text string) error {
	proj, err := m.cfg.Project(projectID)
	if err != nil {
		return err
	}
	s, err := m.Get(projectID, id)
	if err != nil {
		return err
	}
	if s.RuntimeHandle == "" {
		return fmt.Errorf("session %s has no runtime", id)
	}
	handle, err := plugin.DecodeHandle(s.RuntimeHandle)
	if err != nil {
		return err
	}
	runtime, ok := m.reg.Runtime(m.cfg.RuntimeName(proj))
	if !ok {
		return fmt.Errorf("%w: runtime %s", fleeterr.ErrPluginUnavailable, m.cfg.RuntimeName(proj))
	}

	sendCtx, cancel := context.WithTimeout(ctx, SendTimeout)
	defer cancel()
	if err := runtime.SendMessage(sendCtx, handle, sanitize(text)); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

// Kill destroys the session's runtime and workspace and archives its
// metadata, preserving the original id in the archive name.
func (m *Manager) Kill(ctx context.Context, projectID, id string) error {
	proj, err := m.cfg.Project(projectID)
	if err != nil {
		return err
	}
	st, err := m.stores.For(projectID)
	if err != nil {
		return err
	}
	s, err := m.Get(projectID, id)
	if err != nil {
		return err
	}

	if s.RuntimeHandle != "" {
		if handle, derr := plugin.DecodeHandle(s.RuntimeHandle); derr == nil {
			if runtime, ok := m.reg.Runtime(m.cfg.RuntimeName(proj)); ok {
				if err := runtime.Destroy(ctx, handle); err != nil {
					m.log.Warn("kill: destroy runtime", "session", id, "error", err)
				}
			}
		}
	}
	if s.WorktreePath != "" {
		if workspace, ok := m.reg.Workspace(m.cfg.WorkspaceName(proj)); ok {
			if err := workspace.Destroy(ctx, s.WorktreePath); err != nil {
				m.log.Warn("kill: destroy workspace", "session", id, "error", err)
			}
		}
	}

	if s.Status != models.StatusKilled {
		if err := st.Meta.Set(id, metadata.KeyStatus, string(models.StatusKilled)); err != nil {
			return err
		}
		m.appendEvent(st, events.New(models.EventSessionKilled, id, projectID, "session killed", nil))
	}
	return st.Meta.Archive(id)
}

// Restore re-creates a runtime on the existing workspace from the
// persisted handle. The session re-enters spawning.
func (m *Manager) Restore(ctx context.Context, projectID, id string) (*models.Session, error) {
	proj, err := m.cfg.Project(projectID)
	if err != nil {
		return nil, err
	}
	st, err := m.stores.For(projectID)
	if err != nil {
		return nil, err
	}
	s, err := m.Get(projectID, id)
	if err != nil {
		return nil, err
	}
	runtime, ok := m.reg.Runtime(m.cfg.RuntimeName(proj))
	if !ok {
		return nil, fmt.Errorf("%w: runtime %s", fleeterr.ErrPluginUnavailable, m.cfg.RuntimeName(proj))
	}

	handle, err := runtime.Create(ctx, plugin.CreateContext{
		Key:       m.hash + "-" + id,
		WorkDir:   s.WorktreePath,
		AgentName: m.cfg.AgentName(proj),
		ProjectID: projectID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fleeterr.ErrRuntimeCreate, err)
	}
	encoded, err := handle.Encode()
	if err != nil {
		return nil, err
	}

	s.RuntimeHandle = encoded
	s.Status = models.StatusSpawning
	meta := metadata.EncodeSession(s, s.Meta)
	if err := st.Meta.Write(id, meta); err != nil {
		return nil, err
	}
	s.Meta = meta

	m.appendEvent(st, events.New(models.EventSessionRestored, id, projectID, "session restored", nil))
	return s, nil
}

func (m *Manager) appendEvent(st *stores.Project, ev models.Event) {
	if err := st.Events.Append(ev); err != nil {
		m.log.Warn("append event", "type", ev.Type, "session", ev.SessionID, "error", err)
	}
}
