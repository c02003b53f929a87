package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/internal/directory"
	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/invoke"
	"github.com/rendis/stagehand/internal/scheduler"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	mu            sync.Mutex
	workflows     map[string]*schema.Workflow
	sessions      map[string]*schema.WorkflowSession
	agents        map[string]*store.Agent
	sessionAgents map[string][]string
	events        []*store.Event
	runs          map[string]*store.ScheduledRun
	seq           map[string]int64
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:     make(map[string]*schema.Workflow),
		sessions:      make(map[string]*schema.WorkflowSession),
		agents:        make(map[string]*store.Agent),
		sessionAgents: make(map[string][]string),
		runs:          make(map[string]*store.ScheduledRun),
		seq:           make(map[string]int64),
	}
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *schema.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "workflow not found")
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*schema.Workflow, 0)
	for _, wf := range m.workflows {
		if filter.IsPublic != nil && wf.IsPublic != *filter.IsPublic {
			continue
		}
		cp := *wf
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return schema.NewError(schema.ErrCodeNotFound, "workflow not found")
	}
	delete(m.workflows, id)
	return nil
}

func (m *mockStore) CreateSession(_ context.Context, session *schema.WorkflowSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *session
	cp.Results = session.CopyResults()
	m.sessions[session.ID] = &cp
	return nil
}

func (m *mockStore) GetSession(_ context.Context, id string) (*schema.WorkflowSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "session not found")
	}
	cp := *s
	cp.Results = s.CopyResults()
	return &cp, nil
}

func (m *mockStore) UpdateSession(_ context.Context, id string, update store.SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "session not found")
	}
	if update.Status != nil {
		s.Status = *update.Status
	}
	if update.CurrentStep != nil {
		s.CurrentStep = *update.CurrentStep
	}
	if update.Results != nil {
		s.Results = update.Results
	}
	return nil
}

func (m *mockStore) ListSessions(_ context.Context, collabSessionID string) ([]*schema.WorkflowSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*schema.WorkflowSession, 0)
	for _, s := range m.sessions {
		if s.CollabSessionID == collabSessionID {
			cp := *s
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) RegisterAgent(_ context.Context, agent *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "agent not found")
	}
	cp := *a
	return &cp, nil
}

func (m *mockStore) AddSessionAgent(_ context.Context, collabSessionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionAgents[collabSessionID] = append(m.sessionAgents[collabSessionID], agentID)
	return nil
}

func (m *mockStore) ListSessionAgents(_ context.Context, collabSessionID string) ([]*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]string(nil), m.sessionAgents[collabSessionID]...)
	sort.Strings(ids)
	result := make([]*store.Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.agents[id]; ok {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.SessionID]++
	cp := *event
	cp.Sequence = m.seq[event.SessionID]
	cp.Timestamp = time.Now().UTC()
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, sessionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.SessionID == sessionID && e.Sequence > since {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *mockStore) CreateScheduledRun(_ context.Context, run *store.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *mockStore) ListScheduledRuns(_ context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*store.ScheduledRun, 0)
	for _, r := range m.runs {
		if filter.CollabSessionID != "" && r.CollabSessionID != filter.CollabSessionID {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *mockStore) DeleteScheduledRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return schema.NewError(schema.ErrCodeNotFound, "scheduled run not found")
	}
	delete(m.runs, id)
	return nil
}

// --- Mock Invoker ---

type stubInvoker struct{}

func (stubInvoker) Invoke(_ context.Context, agentID, _ string) (*invoke.Result, error) {
	return &invoke.Result{Content: "done by " + agentID}, nil
}

// --- Helpers ---

func newTestServer(t *testing.T) (*StagehandServer, *mockStore) {
	t.Helper()
	ms := newMockStore()
	exec := engine.NewStepExecutor(stubInvoker{}, directory.NewStoreDirectory(ms), nil)
	ctrl, err := engine.NewController(ms, exec, nil, engine.ControllerConfig{AutoExecuteDelay: time.Hour})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	sched := scheduler.NewScheduler(ms, ctrl, nil)

	s := NewStagehandServer(StagehandServerDeps{
		Controller: ctrl,
		Scheduler:  sched,
		Store:      ms,
	})
	return s, ms
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

func createTestWorkflow(t *testing.T, s *StagehandServer) schema.Workflow {
	t.Helper()
	req := buildRequest("stagehand.create_workflow", map[string]any{
		"workflow": map[string]any{
			"name": "pipeline",
			"steps": []any{
				map[string]any{"name": "research", "instructions": "find sources"},
				map[string]any{
					"name":         "write",
					"instructions": "write using ${{steps.0.output}}",
					"depends_on":   []any{float64(0)},
				},
			},
		},
	})
	result, err := s.handleCreateWorkflow(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var wf schema.Workflow
	unmarshalResult(t, result, &wf)
	return wf
}

func registerTestAgent(t *testing.T, s *StagehandServer, collabID, agentID, name, role string) {
	t.Helper()
	req := buildRequest("stagehand.register_agent", map[string]any{
		"agent_id":                 agentID,
		"name":                     name,
		"role":                     role,
		"collaboration_session_id": collabID,
	})
	result, err := s.handleRegisterAgent(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
}

// --- Tests ---

func TestCreateWorkflowTool(t *testing.T) {
	s, ms := newTestServer(t)

	wf := createTestWorkflow(t, s)
	assert.NotEmpty(t, wf.ID)
	assert.Len(t, wf.Steps, 2)
	assert.Contains(t, ms.workflows, wf.ID)
}

func TestCreateWorkflowToolRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)

	req := buildRequest("stagehand.create_workflow", map[string]any{
		"workflow": map[string]any{
			"name": "bad",
			"steps": []any{
				map[string]any{
					"name":         "a",
					"instructions": "x",
					"depends_on":   []any{float64(2)},
				},
			},
		},
	})
	result, err := s.handleCreateWorkflow(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeValidation)
}

func TestCreateWorkflowToolMissingParam(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleCreateWorkflow(context.Background(), buildRequest("stagehand.create_workflow", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetWorkflowTool(t *testing.T) {
	s, _ := newTestServer(t)
	wf := createTestWorkflow(t, s)

	result, err := s.handleGetWorkflow(context.Background(), buildRequest("stagehand.get_workflow", map[string]any{
		"workflow_id": wf.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var got schema.Workflow
	unmarshalResult(t, result, &got)
	assert.Equal(t, wf.ID, got.ID)

	result, err = s.handleGetWorkflow(context.Background(), buildRequest("stagehand.get_workflow", map[string]any{
		"workflow_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)
}

func TestListAndDeleteWorkflowTools(t *testing.T) {
	s, _ := newTestServer(t)
	wf := createTestWorkflow(t, s)
	ctx := context.Background()

	result, err := s.handleListWorkflows(ctx, buildRequest("stagehand.list_workflows", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var listed struct {
		Workflows []schema.Workflow `json:"workflows"`
	}
	unmarshalResult(t, result, &listed)
	assert.Len(t, listed.Workflows, 1)

	result, err = s.handleDeleteWorkflow(ctx, buildRequest("stagehand.delete_workflow", map[string]any{
		"workflow_id": wf.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = s.handleListWorkflows(ctx, buildRequest("stagehand.list_workflows", map[string]any{}))
	require.NoError(t, err)
	unmarshalResult(t, result, &listed)
	assert.Empty(t, listed.Workflows)
}

func TestStartAndExecuteNextTools(t *testing.T) {
	s, _ := newTestServer(t)
	wf := createTestWorkflow(t, s)
	registerTestAgent(t, s, "collab-1", "agent-1", "Ada", "researcher")
	ctx := context.Background()

	result, err := s.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
		"workflow_id":              wf.ID,
		"collaboration_session_id": "collab-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var session schema.WorkflowSession
	unmarshalResult(t, result, &session)
	assert.Equal(t, schema.SessionStatusPending, session.Status)

	result, err = s.handleExecuteNext(ctx, buildRequest("stagehand.execute_next", map[string]any{
		"session_id": session.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var outcome engine.StepOutcome
	unmarshalResult(t, result, &outcome)
	assert.Equal(t, 0, outcome.StepIndex)
	assert.Equal(t, schema.SessionStatusInProgress, outcome.Status)
	assert.Equal(t, "done by agent-1", outcome.Result.Content)
}

func TestStatusToolWithEvents(t *testing.T) {
	s, _ := newTestServer(t)
	wf := createTestWorkflow(t, s)
	registerTestAgent(t, s, "collab-1", "agent-1", "Ada", "researcher")
	ctx := context.Background()

	result, err := s.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
		"workflow_id":              wf.ID,
		"collaboration_session_id": "collab-1",
	}))
	require.NoError(t, err)
	var session schema.WorkflowSession
	unmarshalResult(t, result, &session)

	result, err = s.handleStatus(ctx, buildRequest("stagehand.status", map[string]any{
		"session_id": session.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var report engine.SessionReport
	unmarshalResult(t, result, &report)
	require.Len(t, report.Steps, 2)
	assert.Equal(t, schema.StepStateReady, report.Steps[0].State)
	assert.Equal(t, schema.StepStateNotStarted, report.Steps[1].State)

	result, err = s.handleStatus(ctx, buildRequest("stagehand.status", map[string]any{
		"session_id":     session.ID,
		"include_events": "true",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var withEvents struct {
		Events []store.Event `json:"events"`
	}
	unmarshalResult(t, result, &withEvents)
	require.NotEmpty(t, withEvents.Events)
	assert.Equal(t, schema.EventSessionStarted, withEvents.Events[0].Type)
}

func TestCancelAndResumeTools(t *testing.T) {
	s, _ := newTestServer(t)
	wf := createTestWorkflow(t, s)
	registerTestAgent(t, s, "collab-1", "agent-1", "Ada", "researcher")
	ctx := context.Background()

	result, err := s.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
		"workflow_id":              wf.ID,
		"collaboration_session_id": "collab-1",
		"auto_execute":             "true",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var session schema.WorkflowSession
	unmarshalResult(t, result, &session)

	result, err = s.handleCancel(ctx, buildRequest("stagehand.cancel", map[string]any{
		"session_id": session.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = s.handleResume(ctx, buildRequest("stagehand.resume", map[string]any{
		"session_id": session.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

func TestListSessionsTool(t *testing.T) {
	s, _ := newTestServer(t)
	wf := createTestWorkflow(t, s)
	registerTestAgent(t, s, "collab-1", "agent-1", "Ada", "researcher")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := s.handleStart(ctx, buildRequest("stagehand.start", map[string]any{
			"workflow_id":              wf.ID,
			"collaboration_session_id": "collab-1",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
	}

	result, err := s.handleListSessions(ctx, buildRequest("stagehand.list_sessions", map[string]any{
		"collaboration_session_id": "collab-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var listed struct {
		Sessions []schema.WorkflowSession `json:"sessions"`
	}
	unmarshalResult(t, result, &listed)
	assert.Len(t, listed.Sessions, 2)
}

func TestScheduleTool(t *testing.T) {
	s, _ := newTestServer(t)
	wf := createTestWorkflow(t, s)
	ctx := context.Background()

	result, err := s.handleSchedule(ctx, buildRequest("stagehand.schedule", map[string]any{
		"action":                   "create",
		"workflow_id":              wf.ID,
		"collaboration_session_id": "collab-1",
		"cron":                     "0 6 * * *",
		"auto_execute":             "true",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var run store.ScheduledRun
	unmarshalResult(t, result, &run)
	assert.NotEmpty(t, run.ID)
	assert.True(t, run.AutoExecute)

	result, err = s.handleSchedule(ctx, buildRequest("stagehand.schedule", map[string]any{
		"action": "list",
	}))
	require.NoError(t, err)
	var listed struct {
		ScheduledRuns []store.ScheduledRun `json:"scheduled_runs"`
	}
	unmarshalResult(t, result, &listed)
	assert.Len(t, listed.ScheduledRuns, 1)

	result, err = s.handleSchedule(ctx, buildRequest("stagehand.schedule", map[string]any{
		"action": "delete",
		"run_id": run.ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = s.handleSchedule(ctx, buildRequest("stagehand.schedule", map[string]any{
		"action": "explode",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
