package schema

import "time"

// SessionStatus represents the lifecycle state of a workflow session.
type SessionStatus string

const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// StepRunState is the derived per-step execution eligibility of a step
// within a session, computed from dependency completion.
type StepRunState string

const (
	StepStateNotStarted StepRunState = "not_started"
	StepStateReady      StepRunState = "ready"
	StepStateBlocked    StepRunState = "blocked"
	StepStateCompleted  StepRunState = "completed"
)

// WorkflowSession is one execution attempt of a workflow against a
// collaboration session. CurrentStep is the index of the next step to
// attempt; it equals len(steps) exactly when the session is completed.
type WorkflowSession struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflow_id"`
	CollabSessionID string                `json:"collaboration_session_id"`
	Status          SessionStatus         `json:"status"`
	CurrentStep     int                   `json:"current_step"`
	Results         map[int]StepResult    `json:"results,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ResultMetaVersion is the current StepResult metadata schema version.
const ResultMetaVersion = 1

// StepResult records the outcome of one executed step.
type StepResult struct {
	AgentName string     `json:"agent_name"`
	AgentRole string     `json:"agent_role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
	Meta      ResultMeta `json:"meta"`
}

// ResultMeta carries versioned execution metadata so stored results can
// evolve without silent shape drift.
type ResultMeta struct {
	Version int    `json:"version"`
	AgentID string `json:"agent_id,omitempty"`
}

// CopyResults returns a shallow copy of the session's result map.
// Callers must never mutate session state they do not own.
func (s *WorkflowSession) CopyResults() map[int]StepResult {
	if s.Results == nil {
		return nil
	}
	cp := make(map[int]StepResult, len(s.Results))
	for k, v := range s.Results {
		cp[k] = v
	}
	return cp
}
