package models

import (
	"strings"
	"time"
)

// Priority is the notification priority attached to an event.
type Priority string

const (
	PriorityUrgent  Priority = "urgent"
	PriorityAction  Priority = "action"
	PriorityWarning Priority = "warning"
	PriorityInfo    Priority = "info"
)

// Event is one append-only record of a transition or reaction.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Priority  Priority       `json:"priority"`
	SessionID string         `json:"sessionId"`
	ProjectID string         `json:"projectId"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Event types form a closed set. Everything the lifecycle manager appends is
// one of these.
const (
	EventSessionSpawned    = "session.spawned"
	EventSessionRestored   = "session.restored"
	EventSessionWorking    = "session.working"
	EventSessionNeedsInput = "session.needs_input"
	EventSessionStuck      = "session.stuck"
	EventSessionErrored    = "session.errored"
	EventSessionKilled     = "session.killed"
	EventSessionDone       = "session.done"

	EventPRCreated   = "pr.created"
	EventPRMergeable = "pr.mergeable"
	EventPRMerged    = "pr.merged"
	EventPRClosed    = "pr.closed"

	EventCIFailing   = "ci.failing"
	EventCIPassing   = "ci.passing"
	EventCIFixSent   = "ci.fix_sent"
	EventCIFixFailed = "ci.fix_failed"

	EventReviewPending          = "review.pending"
	EventReviewApproved         = "review.approved"
	EventReviewChangesRequested = "review.changes_requested"
	EventReviewFeedbackSent     = "review.feedback_sent"
	EventReviewSpawned          = "review.spawned"

	EventReactionTriggered = "reaction.triggered"
	EventReactionEscalated = "reaction.escalated"

	EventPlanCreated     = "plan.created"
	EventPlanReady       = "plan.ready"
	EventPlanApproved    = "plan.approved"
	EventPlanFailed      = "plan.failed"
	EventPlanCompleted   = "plan.completed"
	EventPlanTaskSpawned = "plan.task_spawned"
	EventPlanRebaseSent  = "plan.rebase_sent"

	EventRetroSpawned = "retro.spawned"

	EventSummaryAllComplete = "summary.all_complete"
)

// statusEvents maps a newly-entered status to the event type recorded for
// the transition. Statuses without a mapping produce no event.
var statusEvents = map[Status]string{
	StatusSpawning:         EventSessionSpawned,
	StatusWorking:          EventSessionWorking,
	StatusPROpen:           EventPRCreated,
	StatusCIFailed:         EventCIFailing,
	StatusReviewPending:    EventReviewPending,
	StatusChangesRequested: EventReviewChangesRequested,
	StatusApproved:         EventReviewApproved,
	StatusMergeable:        EventPRMergeable,
	StatusMerged:           EventPRMerged,
	StatusNeedsInput:       EventSessionNeedsInput,
	StatusStuck:            EventSessionStuck,
	StatusErrored:          EventSessionErrored,
	StatusKilled:           EventSessionKilled,
	StatusDone:             EventSessionDone,
}

// StatusEventType returns the event type recorded when a session enters
// status s, or "" when the transition is not event-worthy.
func StatusEventType(s Status) string {
	return statusEvents[s]
}

// EventPriorityFor infers the notification priority from the event type
// name. The rules are keyword-based so new event types inherit sensible
// priorities.
func EventPriorityFor(eventType string) Priority {
	switch {
	case strings.Contains(eventType, "stuck"),
		strings.Contains(eventType, "needs_input"),
		strings.Contains(eventType, "errored"):
		return PriorityUrgent
	case strings.Contains(eventType, "approved"),
		strings.Contains(eventType, "ready"),
		strings.Contains(eventType, "merged"),
		strings.Contains(eventType, "mergeable"),
		strings.Contains(eventType, "completed"):
		return PriorityAction
	case strings.Contains(eventType, "fail"),
		strings.Contains(eventType, "changes_requested"),
		strings.Contains(eventType, "conflicts"):
		return PriorityWarning
	case strings.HasPrefix(eventType, "summary."):
		return PriorityInfo
	}
	return PriorityInfo
}

// reactionKeys maps event types to the reaction configuration key consulted
// when the event fires. Events without a key fall through to plain
// notification when their priority warrants it.
var reactionKeys = map[string]string{
	EventCIFailing:              "ci-failed",
	EventReviewChangesRequested: "changes-requested",
	EventPRCreated:              "pr-created",
	EventPRMergeable:            "mergeable",
	EventSessionNeedsInput:      "needs-input",
	EventSessionStuck:           "stuck",
	EventSessionErrored:         "session-failed",
	EventPlanCompleted:          "plan-complete",
}

// ReactionKeyFor returns the reaction key for an event type, or "".
func ReactionKeyFor(eventType string) string {
	return reactionKeys[eventType]
}
