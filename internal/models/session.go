package models

import "time"

// Status is the primary lifecycle status of a supervised session.
type Status string

const (
	StatusSpawning         Status = "spawning"
	StatusWorking          Status = "working"
	StatusPROpen           Status = "pr_open"
	StatusCIFailed         Status = "ci_failed"
	StatusReviewPending    Status = "review_pending"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMergeable        Status = "mergeable"
	StatusMerged           Status = "merged"
	StatusNeedsInput       Status = "needs_input"
	StatusStuck            Status = "stuck"
	StatusErrored          Status = "errored"
	StatusKilled           Status = "killed"
	StatusDone             Status = "done"
)

// Terminal reports whether the status ends the session's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusMerged, StatusKilled, StatusDone:
		return true
	}
	return false
}

// Activity is the derived activity state of the agent process. It is never
// canonical: empty means unknown and is never coerced to a concrete value.
type Activity string

const (
	ActivityActive       Activity = "active"
	ActivityReady        Activity = "ready"
	ActivityIdle         Activity = "idle"
	ActivityWaitingInput Activity = "waiting_input"
	ActivityBlocked      Activity = "blocked"
	ActivityExited       Activity = "exited"
)

// Session is one supervised agent run bound to an issue (or ad-hoc prompt),
// a branch, and a workspace.
type Session struct {
	ID             string
	ProjectID      string
	Status         Status
	Activity       Activity
	Branch         string
	Issue          string
	PR             string
	WorktreePath   string
	RuntimeHandle  string // serialized plugin handle, opaque to the core
	AgentSummary   string
	AgentCost      string
	PlanID         string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Meta           map[string]string
}
