package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/codeloop/pkg/schema"
)

// Run is the persisted record of one orchestrated prompt.
type Run struct {
	ID          string           `json:"id"`
	Prompt      string           `json:"prompt"`
	Status      schema.RunStatus `json:"status"`
	ActionState string           `json:"action_state,omitempty"`
	Attempts    int              `json:"attempts"`
	State       json.RawMessage  `json:"state,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	JobID       string           `json:"job_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// RunUpdate specifies the mutable fields of a run. Zero values are left alone.
type RunUpdate struct {
	Status      schema.RunStatus `json:"status,omitempty"`
	ActionState string           `json:"action_state,omitempty"`
	Attempts    *int             `json:"attempts,omitempty"`
	State       json.RawMessage  `json:"state,omitempty"`
	Error       json.RawMessage  `json:"error,omitempty"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
}

// RunFilter specifies criteria for listing runs. Results are newest first.
type RunFilter struct {
	Status schema.RunStatus `json:"status,omitempty"`
	JobID  string           `json:"job_id,omitempty"`
	Since  *time.Time       `json:"since,omitempty"`
	Limit  int              `json:"limit,omitempty"`
}

// Event is an immutable entry in a run's step log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	Phase     string          `json:"phase,omitempty"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID string     `json:"run_id,omitempty"`
	Step  string     `json:"step,omitempty"`
	Since *time.Time `json:"since,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

// StepSummary is the replayed view of one step across a run. Steps inside
// the retry loop execute several times; Runs counts every invocation.
type StepSummary struct {
	Phase      string          `json:"phase"`
	Step       string          `json:"step"`
	Status     string          `json:"status"`
	Runs       int             `json:"runs"`
	Retries    int             `json:"retries"`
	Failures   int             `json:"failures"`
	DurationMs int64           `json:"duration_ms"`
	LastError  json.RawMessage `json:"last_error,omitempty"`
}

// Step status values used by StepSummary.
const (
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepRetrying  = "retrying"
	StepDeferred  = "deferred"
)

// ScheduledJob is a cron-triggered non-interactive run.
type ScheduledJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	Prompt         string     `json:"prompt"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	LastRunID      string     `json:"last_run_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
