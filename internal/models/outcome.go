package models

import "time"

// Outcome summarizes one terminal-state transition. One record is appended
// per session reaching a terminal status; the file is never pruned.
type Outcome struct {
	SessionID     string    `json:"sessionId"`
	ProjectID     string    `json:"projectId"`
	Outcome       string    `json:"outcome"` // merged | killed | stuck | errored
	DurationMS    int64     `json:"durationMs"`
	CIRetries     int       `json:"ciRetries"`
	ReviewRounds  int       `json:"reviewRounds"`
	Cost          string    `json:"cost,omitempty"`
	FailingChecks []string  `json:"failingChecks,omitempty"`
	PlanID        string    `json:"planId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
