// Package plugin defines the interface contracts the core consumes and the
// registry the host populates at startup. All implementations are external
// collaborators: the core never shells out or talks to an API directly.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joescharf/fleet/internal/models"
)

// Handle identifies where an agent is executing. It is opaque to the core
// and serializable so it round-trips through session metadata across
// process restarts.
type Handle struct {
	ID      string            `json:"id"`
	Runtime string            `json:"runtimeName"`
	Data    map[string]string `json:"data,omitempty"`
}

// Encode serializes the handle for metadata storage.
func (h Handle) Encode() (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode handle: %w", err)
	}
	return string(b), nil
}

// DecodeHandle parses a handle previously produced by Encode.
func DecodeHandle(s string) (Handle, error) {
	var h Handle
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return Handle{}, fmt.Errorf("decode handle: %w", err)
	}
	return h, nil
}

// CreateContext carries everything a runtime needs to start an agent.
type CreateContext struct {
	Key          string // globally unique: <config-hash>-<session-id>
	WorkDir      string
	Prompt       string
	AgentName    string
	ProjectID    string
	InitialInput string
}

// Runtime hosts agent processes (a terminal multiplexer driver in
// practice).
type Runtime interface {
	Create(ctx context.Context, cc CreateContext) (Handle, error)
	Destroy(ctx context.Context, h Handle) error
	SendMessage(ctx context.Context, h Handle, text string) error
	Output(ctx context.Context, h Handle, lines int) (string, error)
	IsAlive(ctx context.Context, h Handle) bool
}

// ActivityInfo is the agent probe's richer answer alongside the activity
// value.
type ActivityInfo struct {
	State   models.Activity
	Summary string
	Cost    string
}

// Agent probes a running agent's state from its terminal output and
// process table.
type Agent interface {
	DetectActivity(terminalOutput string) models.Activity
	IsProcessRunning(ctx context.Context, h Handle) bool
	ActivityState(ctx context.Context, s *models.Session) (ActivityInfo, error)
}

// ProjectRef is the subset of project configuration plugins need.
type ProjectRef struct {
	ID            string
	Name          string
	Repo          string
	Path          string
	DefaultBranch string
}

// Workspace provisions isolated working directories (git worktrees in
// practice).
type Workspace interface {
	Create(ctx context.Context, s *models.Session, p ProjectRef) (string, error)
	Destroy(ctx context.Context, path string) error
}

// Issue is a tracked work item.
type Issue struct {
	Number int
	URL    string
	Title  string
	Body   string
	Labels []string
}

// IssueRequest describes an issue to create.
type IssueRequest struct {
	Title  string
	Body   string
	Labels []string
}

// Tracker resolves and creates issues.
type Tracker interface {
	Issue(ctx context.Context, id string, p ProjectRef) (*Issue, error)
	CreateIssue(ctx context.Context, req IssueRequest, p ProjectRef) (*Issue, error)
}

// PR identifies a pull request.
type PR struct {
	Number int
	URL    string
	Branch string
	Title  string
}

// PRState is the coarse pull-request state.
type PRState string

const (
	PRStateOpen   PRState = "open"
	PRStateMerged PRState = "merged"
	PRStateClosed PRState = "closed"
)

// CISummary is the rolled-up CI state of a PR.
type CISummary string

const (
	CIPassing CISummary = "passing"
	CIFailing CISummary = "failing"
	CIPending CISummary = "pending"
	CINone    CISummary = "none"
)

// CICheck is one named CI check.
type CICheck struct {
	Name   string
	Status string
	URL    string
}

// ReviewDecision is the rolled-up review state of a PR.
type ReviewDecision string

const (
	ReviewApproved         ReviewDecision = "approved"
	ReviewChangesRequested ReviewDecision = "changes_requested"
	ReviewPending          ReviewDecision = "pending"
	ReviewNone             ReviewDecision = "none"
)

// Review is one submitted review.
type Review struct {
	State       string
	Body        string
	SubmittedAt time.Time
}

// Comment is one pending review comment.
type Comment struct {
	Path string
	Line int
	Body string
}

// Mergeability reports whether a PR can merge cleanly.
type Mergeability struct {
	Mergeable bool
	Reason    string
}

// PRSummary carries diff statistics for a PR.
type PRSummary struct {
	Additions int
	Deletions int
}

// SCM is the source-control-hosting probe surface (a provider API client in
// practice). All methods are read-only.
type SCM interface {
	DetectPR(ctx context.Context, s *models.Session, p ProjectRef) (*PR, error)
	PRState(ctx context.Context, pr *PR) (PRState, error)
	CISummary(ctx context.Context, pr *PR) (CISummary, error)
	CIChecks(ctx context.Context, pr *PR) ([]CICheck, error)
	ReviewDecision(ctx context.Context, pr *PR) (ReviewDecision, error)
	Reviews(ctx context.Context, pr *PR) ([]Review, error)
	PendingComments(ctx context.Context, pr *PR) ([]Comment, error)
	Mergeability(ctx context.Context, pr *PR) (Mergeability, error)
	ListOpenPRs(ctx context.Context, p ProjectRef) ([]PR, error)
	PRSummary(ctx context.Context, pr *PR) (PRSummary, error)
}

// Notifier fans events out to humans.
type Notifier interface {
	Notify(ctx context.Context, ev models.Event) error
}
