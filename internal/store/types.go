package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stagehand/pkg/schema"
)

// Agent is a registered agent identity available to collaboration sessions.
type Agent struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Role      string          `json:"role"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Event is an immutable entry in the per-session event log.
type Event struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	StepIndex *int            `json:"step_index,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledRun is a cron-triggered recurring workflow session start.
type ScheduledRun struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	CollabSessionID string     `json:"collaboration_session_id"`
	CronExpression  string     `json:"cron_expression"`
	AutoExecute     bool       `json:"auto_execute"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	IsPublic *bool `json:"is_public,omitempty"`
	Limit    int   `json:"limit,omitempty"`
	Offset   int   `json:"offset,omitempty"`
}

// SessionUpdate specifies mutable fields of a workflow session.
// Results, when non-nil, replaces the stored result map wholesale.
type SessionUpdate struct {
	Status      *schema.SessionStatus     `json:"status,omitempty"`
	CurrentStep *int                      `json:"current_step,omitempty"`
	Results     map[int]schema.StepResult `json:"results,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	CollabSessionID string `json:"collaboration_session_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}
