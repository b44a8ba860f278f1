// Package plugintest provides configurable in-memory plugin fakes for
// tests of the services that compose plugins.
package plugintest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joescharf/fleet/internal/models"
	"github.com/joescharf/fleet/internal/plugin"
)

// Runtime is an in-memory plugin.Runtime. Handles are keyed by the create
// key.
type Runtime struct {
	mu        sync.Mutex
	CreateErr error
	SendErr   error

	alive     map[string]bool
	outputs   map[string]string
	sent      map[string][]string
	destroyed []string
}

func NewRuntime() *Runtime {
	return &Runtime{
		alive:   make(map[string]bool),
		outputs: make(map[string]string),
		sent:    make(map[string][]string),
	}
}

func (r *Runtime) Create(_ context.Context, cc plugin.CreateContext) (plugin.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CreateErr != nil {
		return plugin.Handle{}, r.CreateErr
	}
	r.alive[cc.Key] = true
	return plugin.Handle{ID: cc.Key, Runtime: "fake"}, nil
}

func (r *Runtime) Destroy(_ context.Context, h plugin.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[h.ID] = false
	r.destroyed = append(r.destroyed, h.ID)
	return nil
}

func (r *Runtime) SendMessage(_ context.Context, h plugin.Handle, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.SendErr != nil {
		return r.SendErr
	}
	r.sent[h.ID] = append(r.sent[h.ID], text)
	return nil
}

func (r *Runtime) Output(_ context.Context, h plugin.Handle, _ int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outputs[h.ID], nil
}

func (r *Runtime) IsAlive(_ context.Context, h plugin.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[h.ID]
}

// SetAlive overrides liveness for a handle id.
func (r *Runtime) SetAlive(id string, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[id] = alive
}

// SetOutput sets the terminal output returned for a handle id.
func (r *Runtime) SetOutput(id, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[id] = output
}

// Sent returns the messages delivered to a handle id.
func (r *Runtime) Sent(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent[id]...)
}

// Destroyed returns the destroyed handle ids in order.
func (r *Runtime) Destroyed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.destroyed...)
}

// Agent is a configurable plugin.Agent.
type Agent struct {
	mu       sync.Mutex
	Activity models.Activity
	Running  bool
	StateErr error
}

func NewAgent() *Agent {
	return &Agent{Activity: models.ActivityActive, Running: true}
}

func (a *Agent) DetectActivity(string) models.Activity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Activity
}

func (a *Agent) IsProcessRunning(context.Context, plugin.Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Running
}

func (a *Agent) ActivityState(context.Context, *models.Session) (plugin.ActivityInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.StateErr != nil {
		return plugin.ActivityInfo{}, a.StateErr
	}
	return plugin.ActivityInfo{State: a.Activity}, nil
}

// Set atomically updates the agent's reported state.
func (a *Agent) Set(activity models.Activity, running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Activity = activity
	a.Running = running
}

// Workspace creates real directories under a test temp dir.
type Workspace struct {
	mu        sync.Mutex
	Base      string
	CreateErr error
	destroyed []string
}

func NewWorkspace(base string) *Workspace {
	return &Workspace{Base: base}
}

func (w *Workspace) Create(_ context.Context, s *models.Session, _ plugin.ProjectRef) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.CreateErr != nil {
		return "", w.CreateErr
	}
	path := filepath.Join(w.Base, s.ID)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

func (w *Workspace) Destroy(_ context.Context, path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = append(w.destroyed, path)
	return os.RemoveAll(path)
}

// Destroyed returns destroyed workspace paths in order.
func (w *Workspace) Destroyed() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.destroyed...)
}

// Tracker serves issues from a map and mints new ones on request.
type Tracker struct {
	mu        sync.Mutex
	Issues    map[string]*plugin.Issue
	CreateErr error
	FailFor   map[string]bool // issue titles whose creation fails
	nextIssue int
	created   []plugin.IssueRequest
}

func NewTracker() *Tracker {
	return &Tracker{Issues: make(map[string]*plugin.Issue), nextIssue: 100}
}

func (t *Tracker) Issue(_ context.Context, id string, _ plugin.ProjectRef) (*plugin.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.Issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	return issue, nil
}

func (t *Tracker) CreateIssue(_ context.Context, req plugin.IssueRequest, _ plugin.ProjectRef) (*plugin.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CreateErr != nil {
		return nil, t.CreateErr
	}
	if t.FailFor[req.Title] {
		return nil, fmt.Errorf("issue creation refused for %q", req.Title)
	}
	t.nextIssue++
	t.created = append(t.created, req)
	return &plugin.Issue{
		Number: t.nextIssue,
		URL:    fmt.Sprintf("https://example.com/issues/%d", t.nextIssue),
		Title:  req.Title,
		Body:   req.Body,
	}, nil
}

// Created returns the issue requests received in order.
func (t *Tracker) Created() []plugin.IssueRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]plugin.IssueRequest(nil), t.created...)
}

// SCM serves PR state from maps keyed by PR URL (and detection keyed by
// session id).
type SCM struct {
	mu sync.Mutex

	DetectedPRs map[string]*plugin.PR // session id → PR
	States      map[string]plugin.PRState
	CIs         map[string]plugin.CISummary
	Checks      map[string][]plugin.CICheck
	Decisions   map[string]plugin.ReviewDecision
	ReviewLists map[string][]plugin.Review
	Comments    map[string][]plugin.Comment
	Mergeable   map[string]bool
	Sizes       map[string]plugin.PRSummary
	Err         error // global probe failure when set
}

func NewSCM() *SCM {
	return &SCM{
		DetectedPRs: make(map[string]*plugin.PR),
		States:      make(map[string]plugin.PRState),
		CIs:         make(map[string]plugin.CISummary),
		Checks:      make(map[string][]plugin.CICheck),
		Decisions:   make(map[string]plugin.ReviewDecision),
		ReviewLists: make(map[string][]plugin.Review),
		Comments:    make(map[string][]plugin.Comment),
		Mergeable:   make(map[string]bool),
		Sizes:       make(map[string]plugin.PRSummary),
	}
}

// Lock runs fn while holding the fake's lock, for atomic reconfiguration.
func (s *SCM) Lock(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func (s *SCM) DetectPR(_ context.Context, sess *models.Session, _ plugin.ProjectRef) (*plugin.PR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.DetectedPRs[sess.ID], nil
}

func (s *SCM) PRState(_ context.Context, pr *plugin.PR) (plugin.PRState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	if st, ok := s.States[pr.URL]; ok {
		return st, nil
	}
	return plugin.PRStateOpen, nil
}

func (s *SCM) CISummary(_ context.Context, pr *plugin.PR) (plugin.CISummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	if ci, ok := s.CIs[pr.URL]; ok {
		return ci, nil
	}
	return plugin.CINone, nil
}

func (s *SCM) CIChecks(_ context.Context, pr *plugin.PR) ([]plugin.CICheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Checks[pr.URL], nil
}

func (s *SCM) ReviewDecision(_ context.Context, pr *plugin.PR) (plugin.ReviewDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return "", s.Err
	}
	if d, ok := s.Decisions[pr.URL]; ok {
		return d, nil
	}
	return plugin.ReviewNone, nil
}

func (s *SCM) Reviews(_ context.Context, pr *plugin.PR) ([]plugin.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReviewLists[pr.URL], nil
}

func (s *SCM) PendingComments(_ context.Context, pr *plugin.PR) ([]plugin.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Comments[pr.URL], nil
}

func (s *SCM) Mergeability(_ context.Context, pr *plugin.PR) (plugin.Mergeability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return plugin.Mergeability{Mergeable: s.Mergeable[pr.URL]}, nil
}

func (s *SCM) ListOpenPRs(_ context.Context, _ plugin.ProjectRef) ([]plugin.PR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []plugin.PR
	for _, pr := range s.DetectedPRs {
		if pr != nil {
			out = append(out, *pr)
		}
	}
	return out, nil
}

func (s *SCM) PRSummary(_ context.Context, pr *plugin.PR) (plugin.PRSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Sizes[pr.URL], nil
}

// Notifier records notified events.
type Notifier struct {
	mu     sync.Mutex
	events []models.Event
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(_ context.Context, ev models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

// Events returns the notified events in order.
func (n *Notifier) Events() []models.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.Event(nil), n.events...)
}
