package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stagehand/internal/invoke"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

// --- Mock implementations ---

// mockStore is a minimal in-memory Store for testing.
type mockStore struct {
	mu            sync.Mutex
	workflows     map[string]*schema.Workflow
	sessions      map[string]*schema.WorkflowSession
	agents        map[string]*store.Agent
	sessionAgents map[string][]string // collab session id -> agent ids
	events        []*store.Event
	scheduledRuns map[string]*store.ScheduledRun
	seq           map[string]int64
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:     make(map[string]*schema.Workflow),
		sessions:      make(map[string]*schema.WorkflowSession),
		agents:        make(map[string]*store.Agent),
		sessionAgents: make(map[string][]string),
		scheduledRuns: make(map[string]*store.ScheduledRun),
		seq:           make(map[string]int64),
	}
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s not found: %s", kind, id)
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
		return nil, notFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*schema.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return notFound("workflow", id)
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
		return nil, notFound("session", id)
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
		return notFound("session", id)
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
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockStore) ListSessions(_ context.Context, collabSessionID string) ([]*schema.WorkflowSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowSession
	for _, s := range m.sessions {
		if s.CollabSessionID == collabSessionID {
			cp := *s
			cp.Results = s.CopyResults()
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
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
		return nil, notFound("agent", id)
	}
	cp := *a
	return &cp, nil
}

func (m *mockStore) AddSessionAgent(_ context.Context, collabSessionID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return notFound("agent", agentID)
	}
	m.sessionAgents[collabSessionID] = append(m.sessionAgents[collabSessionID], agentID)
	return nil
}

func (m *mockStore) ListSessionAgents(_ context.Context, collabSessionID string) ([]*store.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]string(nil), m.sessionAgents[collabSessionID]...)
	sort.Strings(ids)
	out := make([]*store.Agent, 0, len(ids))
	for _, id := range ids {
		if a, ok := m.agents[id]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.SessionID]++
	cp := *event
	cp.ID = int64(len(m.events) + 1)
	cp.Sequence = m.seq[event.SessionID]
	cp.Timestamp = time.Now().UTC()
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, sessionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.SessionID == sessionID && e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// eventTypes returns the type sequence of a session's events, for assertions.
func (m *mockStore) eventTypes(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.SessionID == sessionID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (m *mockStore) CreateScheduledRun(_ context.Context, run *store.ScheduledRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.scheduledRuns[run.ID] = &cp
	return nil
}

func (m *mockStore) GetScheduledRun(_ context.Context, id string) (*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.scheduledRuns[id]
	if !ok {
		return nil, notFound("scheduled run", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) UpdateScheduledRun(_ context.Context, id string, update store.ScheduledRunUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.scheduledRuns[id]
	if !ok {
		return notFound("scheduled run", id)
	}
	if update.Enabled != nil {
		r.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		r.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		r.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		r.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockStore) ListScheduledRuns(_ context.Context, filter store.ScheduledRunFilter) ([]*store.ScheduledRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledRun
	for _, r := range m.scheduledRuns {
		if filter.Enabled != nil && r.Enabled != *filter.Enabled {
			continue
		}
		if filter.CollabSessionID != "" && r.CollabSessionID != filter.CollabSessionID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) DeleteScheduledRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scheduledRuns[id]; !ok {
		return notFound("scheduled run", id)
	}
	delete(m.scheduledRuns, id)
	return nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Close() error                    { return nil }

// mockInvoker answers invocations through a configurable hook. ctxFn takes
// precedence over fn for tests that need to observe the invocation context.
type mockInvoker struct {
	mu    sync.Mutex
	calls []invokeCall
	fn    func(agentID, instructions string) (*invoke.Result, error)
	ctxFn func(ctx context.Context, agentID, instructions string) (*invoke.Result, error)
}

type invokeCall struct {
	AgentID      string
	Instructions string
}

// echoInvoker returns "output of <agentID> #<n>" for the n-th call.
func echoInvoker() *mockInvoker {
	m := &mockInvoker{}
	n := 0
	m.fn = func(agentID, _ string) (*invoke.Result, error) {
		n++
		return &invoke.Result{Content: fmt.Sprintf("output of %s #%d", agentID, n)}, nil
	}
	return m
}

func (m *mockInvoker) Invoke(ctx context.Context, agentID, instructions string) (*invoke.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, invokeCall{AgentID: agentID, Instructions: instructions})
	fn, ctxFn := m.fn, m.ctxFn
	m.mu.Unlock()
	if ctxFn != nil {
		return ctxFn(ctx, agentID, instructions)
	}
	return fn(agentID, instructions)
}

func (m *mockInvoker) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockInvoker) call(i int) invokeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}
