package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stagehand/internal/logging"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/internal/validation"
	"github.com/rendis/stagehand/pkg/schema"
)

// DefaultAutoExecuteDelay is the pause between automatic step executions.
const DefaultAutoExecuteDelay = 3 * time.Second

// ControllerConfig tunes the session controller.
type ControllerConfig struct {
	// AutoExecuteDelay is the re-arm delay of the auto-execute driver.
	// Zero means DefaultAutoExecuteDelay.
	AutoExecuteDelay time.Duration
}

// StepOutcome is what one successful ExecuteNext call produced.
type StepOutcome struct {
	SessionID   string               `json:"session_id"`
	StepIndex   int                  `json:"step_index"`
	Status      schema.SessionStatus `json:"status"`
	CurrentStep int                  `json:"current_step"`
	TotalSteps  int                  `json:"total_steps"`
	Result      *schema.StepResult   `json:"result"`
}

// StepReport is the derived state of one step, for status reporting.
type StepReport struct {
	Index int                 `json:"index"`
	Name  string              `json:"name"`
	State schema.StepRunState `json:"state"`
}

// SessionReport is a read-only snapshot of a session and its per-step states.
type SessionReport struct {
	Session *schema.WorkflowSession `json:"session"`
	Steps   []StepReport            `json:"steps"`
	Auto    bool                    `json:"auto_execute"`
}

// Controller owns workflow and session lifecycles. It serializes step
// execution per session, persists every state change before reporting it,
// and drives armed sessions forward on a fixed delay.
type Controller struct {
	store     store.Store
	executor  *StepExecutor
	fsm       *SessionFSM
	validator *validation.DefinitionValidator
	logger    *slog.Logger
	delay     time.Duration

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	runners map[string]*autoRunner
}

// NewController creates a Controller. It fails only if the embedded workflow
// definition schema does not compile.
func NewController(s store.Store, exec *StepExecutor, logger *slog.Logger, cfg ControllerConfig) (*Controller, error) {
	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.AutoExecuteDelay
	if delay <= 0 {
		delay = DefaultAutoExecuteDelay
	}
	return &Controller{
		store:     s,
		executor:  exec,
		fsm:       NewSessionFSM(s),
		validator: validator,
		logger:    logger,
		delay:     delay,
		locks:     make(map[string]*sync.Mutex),
		runners:   make(map[string]*autoRunner),
	}, nil
}

// Close stops every auto-execute driver and waits for them to exit.
func (c *Controller) Close() {
	c.mu.Lock()
	runners := make([]*autoRunner, 0, len(c.runners))
	for _, r := range c.runners {
		runners = append(runners, r)
	}
	c.mu.Unlock()

	for _, r := range runners {
		r.cancel()
		<-r.done
	}
}

// --- Workflows ---

// CreateWorkflow validates and persists a workflow definition.
// Definitions are immutable once created.
func (c *Controller) CreateWorkflow(ctx context.Context, wf *schema.Workflow) (*schema.Workflow, error) {
	if err := validation.Validate(wf); err != nil {
		return nil, err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	if err := c.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "workflow created", "workflow_id", wf.ID, "name", wf.Name, "steps", len(wf.Steps))
	return wf, nil
}

// CreateWorkflowJSON validates a raw JSON definition against the workflow
// schema, then semantically, and persists it.
func (c *Controller) CreateWorkflowJSON(ctx context.Context, raw json.RawMessage) (*schema.Workflow, error) {
	wf, err := c.validator.ValidateJSON(raw)
	if err != nil {
		return nil, err
	}
	return c.CreateWorkflow(ctx, wf)
}

// GetWorkflow returns a workflow definition by ID.
func (c *Controller) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	return c.store.GetWorkflow(ctx, id)
}

// ListWorkflows returns workflow definitions matching the filter.
func (c *Controller) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	return c.store.ListWorkflows(ctx, filter)
}

// DeleteWorkflow removes a workflow definition. Existing sessions keep
// running against the copy of the definition they were started from only
// if the caller retains it; sessions of a deleted workflow fail their next
// execution with NOT_FOUND.
func (c *Controller) DeleteWorkflow(ctx context.Context, id string) error {
	if err := c.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "workflow deleted", "workflow_id", id)
	return nil
}

// --- Sessions ---

// Start creates a pending session of the given workflow bound to a
// collaboration session. No step runs until ExecuteNext is called or
// auto-execute is armed.
func (c *Controller) Start(ctx context.Context, workflowID, collabSessionID string) (*schema.WorkflowSession, error) {
	wf, err := c.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	session := &schema.WorkflowSession{
		ID:              uuid.NewString(),
		WorkflowID:      wf.ID,
		CollabSessionID: collabSessionID,
		Status:          schema.SessionStatusPending,
		CurrentStep:     0,
		Results:         make(map[int]schema.StepResult),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	c.appendEvent(ctx, session.ID, schema.EventSessionStarted, nil, "", map[string]any{
		"workflow_id":   wf.ID,
		"workflow_name": wf.Name,
		"total_steps":   len(wf.Steps),
	})
	c.logger.InfoContext(ctx, "session started", "session_id", session.ID, "workflow_id", wf.ID)
	return session, nil
}

// ExecuteNext runs the session's current step and advances it on success.
// Concurrent calls for the same session do not queue: the loser returns
// SESSION_BUSY immediately. A failure marks the session failed at the
// current step; failed sessions stay failed.
func (c *Controller) ExecuteNext(ctx context.Context, sessionID string) (*StepOutcome, error) {
	lock := c.sessionLock(sessionID)
	if !lock.TryLock() {
		return nil, schema.NewErrorf(schema.ErrCodeSessionBusy,
			"session %s is already executing a step", sessionID)
	}
	defer lock.Unlock()

	ctx = logging.WithSessionID(ctx, sessionID)

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeSessionTerminal,
			"session %s is %s and cannot execute further steps", sessionID, session.Status).
			WithDetails(map[string]any{"status": string(session.Status)})
	}

	wf, err := c.store.GetWorkflow(ctx, session.WorkflowID)
	if err != nil {
		return nil, err
	}

	idx := session.CurrentStep
	if idx >= len(wf.Steps) {
		// A non-terminal session always points at a real step; this is a
		// persisted-state inconsistency.
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"session %s points past the last step (%d of %d)", sessionID, idx, len(wf.Steps))
	}

	state, err := StepState(wf, session, idx)
	if err != nil {
		return nil, err
	}
	if state == schema.StepStateBlocked {
		return nil, schema.NewErrorf(schema.ErrCodeStepBlocked,
			"step %d (%s) has unsatisfied dependencies", idx, wf.Steps[idx].Name).
			WithStep(idx).
			WithDetails(map[string]any{"depends_on": wf.Steps[idx].DependsOn})
	}

	ctx = logging.WithStepIndex(ctx, idx)
	c.appendEvent(ctx, sessionID, schema.EventStepStarted, &idx, "", map[string]any{
		"step_name": wf.Steps[idx].Name,
	})

	result, err := c.executor.Execute(ctx, wf, session, idx)
	if err != nil {
		return nil, c.failSession(ctx, session, idx, err)
	}

	results := session.CopyResults()
	if results == nil {
		results = make(map[int]schema.StepResult, 1)
	}
	results[idx] = *result

	next := idx + 1
	newStatus := schema.SessionStatusInProgress
	if next >= len(wf.Steps) {
		newStatus = schema.SessionStatusCompleted
	}

	c.appendEvent(ctx, sessionID, schema.EventStepCompleted, &idx, result.Meta.AgentID, result)

	if newStatus != session.Status {
		if err := c.fsm.Transition(ctx, sessionID, session.Status, newStatus); err != nil {
			return nil, err
		}
	}
	if err := c.store.UpdateSession(ctx, sessionID, store.SessionUpdate{
		Status:      &newStatus,
		CurrentStep: &next,
		Results:     results,
	}); err != nil {
		return nil, err
	}

	if newStatus.Terminal() {
		c.dropLock(sessionID)
	}

	c.logger.InfoContext(ctx, "step completed",
		"session_id", sessionID,
		"step_index", idx,
		"agent_id", result.Meta.AgentID,
		"status", string(newStatus))

	return &StepOutcome{
		SessionID:   sessionID,
		StepIndex:   idx,
		Status:      newStatus,
		CurrentStep: next,
		TotalSteps:  len(wf.Steps),
		Result:      result,
	}, nil
}

// failSession marks the session failed at stepIndex and returns the original error.
// CurrentStep is left pointing at the failed step.
func (c *Controller) failSession(ctx context.Context, session *schema.WorkflowSession, stepIndex int, cause error) error {
	c.appendEvent(ctx, session.ID, schema.EventStepFailed, &stepIndex, "", map[string]any{
		"error": cause.Error(),
		"code":  schema.CodeOf(cause),
	})

	failed := schema.SessionStatusFailed
	if err := c.fsm.Transition(ctx, session.ID, session.Status, failed); err != nil {
		c.logger.ErrorContext(ctx, "session failure transition rejected",
			"session_id", session.ID, "error", err)
	}
	if err := c.store.UpdateSession(ctx, session.ID, store.SessionUpdate{Status: &failed}); err != nil {
		c.logger.ErrorContext(ctx, "persisting failed session state",
			"session_id", session.ID, "error", err)
	}

	c.dropLock(session.ID)

	c.logger.WarnContext(ctx, "step failed",
		"session_id", session.ID,
		"step_index", stepIndex,
		"code", schema.CodeOf(cause),
		"error", cause)
	return cause
}

// Resume re-attaches the auto-execute driver to an interrupted session.
// Completed and failed sessions cannot be resumed.
func (c *Controller) Resume(ctx context.Context, sessionID string) (*schema.WorkflowSession, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeSessionTerminal,
			"session %s is %s and cannot be resumed", sessionID, session.Status).
			WithDetails(map[string]any{"status": string(session.Status)})
	}

	c.appendEvent(ctx, sessionID, schema.EventSessionResumed, nil, "", nil)
	c.armAuto(ctx, sessionID)
	return session, nil
}

// EnableAutoExecute arms the auto-execute driver on a session. Arming an
// already armed session is a no-op.
func (c *Controller) EnableAutoExecute(ctx context.Context, sessionID string) error {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeSessionTerminal,
			"session %s is %s; nothing to execute", sessionID, session.Status).
			WithDetails(map[string]any{"status": string(session.Status)})
	}
	c.armAuto(ctx, sessionID)
	return nil
}

// Cancel disarms the session's auto-execute driver. The session itself keeps
// its status and can still be stepped manually or resumed later.
func (c *Controller) Cancel(ctx context.Context, sessionID string) error {
	if _, err := c.store.GetSession(ctx, sessionID); err != nil {
		return err
	}
	c.stopAuto(sessionID)
	return nil
}

// SessionStatus returns a read-only snapshot of the session with the derived
// state of every step. Safe to call at any time, including on terminal sessions.
func (c *Controller) SessionStatus(ctx context.Context, sessionID string) (*SessionReport, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wf, err := c.store.GetWorkflow(ctx, session.WorkflowID)
	if err != nil {
		return nil, err
	}
	states, err := StepStates(wf, session)
	if err != nil {
		return nil, err
	}

	steps := make([]StepReport, len(states))
	for i, state := range states {
		steps[i] = StepReport{Index: i, Name: wf.Steps[i].Name, State: state}
	}
	return &SessionReport{
		Session: session,
		Steps:   steps,
		Auto:    c.autoArmed(sessionID),
	}, nil
}

// ListSessions returns every workflow session bound to a collaboration session.
func (c *Controller) ListSessions(ctx context.Context, collabSessionID string) ([]*schema.WorkflowSession, error) {
	return c.store.ListSessions(ctx, collabSessionID)
}

// Events returns the session's event log from the given sequence onward.
func (c *Controller) Events(ctx context.Context, sessionID string, since int64) ([]*store.Event, error) {
	return c.store.GetEvents(ctx, sessionID, since)
}

// sessionLock returns the per-session execution mutex, creating it on first use.
func (c *Controller) sessionLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[sessionID] = lock
	}
	return lock
}

// dropLock discards a terminal session's execution mutex so the map does not
// grow with every session ever executed. The caller may still hold the mutex;
// a racer that grabbed the same one just sees SESSION_TERMINAL.
func (c *Controller) dropLock(sessionID string) {
	c.mu.Lock()
	delete(c.locks, sessionID)
	c.mu.Unlock()
}

// appendEvent records a session event. The log is advisory for observers, so
// append failures are logged and swallowed; lifecycle transitions that must
// not be lost go through the FSM instead.
func (c *Controller) appendEvent(ctx context.Context, sessionID, eventType string, stepIndex *int, agentID string, payload any) {
	event := &store.Event{
		SessionID: sessionID,
		StepIndex: stepIndex,
		Type:      eventType,
		AgentID:   agentID,
	}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			event.Payload = b
		}
	}
	if err := c.store.AppendEvent(ctx, event); err != nil {
		c.logger.WarnContext(ctx, "append event failed",
			"session_id", sessionID, "event_type", eventType, "error", err)
	}
}
