package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/joescharf/fleet/internal/models"
)

// Reaction actions dispatched by the lifecycle manager.
const (
	ActionSendToAgent         = "send-to-agent"
	ActionNotify              = "notify"
	ActionAutoMerge           = "auto-merge"
	ActionSpawnReview         = "spawn-review"
	ActionReviewGate          = "review-gate"
	ActionSpawnReconciliation = "spawn-reconciliation"
	ActionSpawnRetrospective  = "spawn-retrospective"
)

// ReactionConfig is one reaction rule. EscalateAfter is a duration string
// of the form <n>{s|m|h}; bare integers are rejected at load time.
type ReactionConfig struct {
	Action        string          `yaml:"action"`
	Message       string          `yaml:"message"`
	Retries       *int            `yaml:"retries"`
	EscalateAfter string          `yaml:"escalate_after"`
	Priority      models.Priority `yaml:"priority"`
	Auto          *bool           `yaml:"auto"`
}

var durationPattern = regexp.MustCompile(`^(\d+)([smh])$`)

// ParseEscalateAfter parses a <n>{s|m|h} duration string. An empty string
// means no time-based escalation.
func ParseEscalateAfter(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q: want <n>s, <n>m, or <n>h", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	default:
		return time.Duration(n) * time.Hour, nil
	}
}

func (r ReactionConfig) validate() error {
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	switch r.Action {
	case ActionSendToAgent, ActionNotify, ActionAutoMerge, ActionSpawnReview,
		ActionReviewGate, ActionSpawnReconciliation, ActionSpawnRetrospective:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	if _, err := ParseEscalateAfter(r.EscalateAfter); err != nil {
		return err
	}
	return nil
}

// MaxRetries returns the configured retry budget (default 3).
func (r ReactionConfig) MaxRetries() int {
	if r.Retries != nil {
		return *r.Retries
	}
	return 3
}

// IsAuto reports whether the reaction runs without human confirmation.
// Notify reactions always run; others default to auto unless auto: false.
func (r ReactionConfig) IsAuto() bool {
	if r.Action == ActionNotify {
		return true
	}
	return r.Auto == nil || *r.Auto
}

// EscalatePriority is the priority used for escalation notifications.
func (r ReactionConfig) EscalatePriority() models.Priority {
	if r.Priority != "" {
		return r.Priority
	}
	return models.PriorityUrgent
}

// overlay applies the non-zero fields of o over r.
func (r ReactionConfig) overlay(o ReactionConfig) ReactionConfig {
	out := r
	if o.Action != "" {
		out.Action = o.Action
	}
	if o.Message != "" {
		out.Message = o.Message
	}
	if o.Retries != nil {
		out.Retries = o.Retries
	}
	if o.EscalateAfter != "" {
		out.EscalateAfter = o.EscalateAfter
	}
	if o.Priority != "" {
		out.Priority = o.Priority
	}
	if o.Auto != nil {
		out.Auto = o.Auto
	}
	return out
}
