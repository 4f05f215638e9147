package model

import "time"

// RunStatus represents the state of a single source fetch within a cycle.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped" // missing credentials, not a failure
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusSkipped
}

// SourceRun records one source's fetch-and-merge attempt. The dashboard
// reads these rows to render per-source sync badges.
type SourceRun struct {
	ID             int64      `json:"id"`
	SourceName     string     `json:"source_name"`
	Status         RunStatus  `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	RecordsFound   int        `json:"records_found"`
	RecordsAdded   int        `json:"records_added"`
	RecordsUpdated int        `json:"records_updated"`
	LastError      string     `json:"last_error,omitempty"`
}

// MergeStats tallies the outcome of merging one source's fetch.
type MergeStats struct {
	Found   int `json:"found"`
	Added   int `json:"added"`
	Updated int `json:"updated"`
}
