package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stagehand/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, description, steps, is_public, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, nullStr(wf.Description), string(steps), wf.IsPublic,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var desc sql.NullString
	var stepsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, steps, is_public, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &desc, &stepsJSON, &wf.IsPublic, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.IsPublic != nil {
		where = append(where, "is_public = ?")
		args = append(args, *filter.IsPublic)
	}

	query := "SELECT id, name, description, steps, is_public, created_at, updated_at FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		wf := &schema.Workflow{}
		var desc sql.NullString
		var stepsJSON string
		if err := rows.Scan(&wf.ID, &wf.Name, &desc, &stepsJSON, &wf.IsPublic, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Description = desc.String
		if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Workflow sessions ---

func (s *LibSQLStore) CreateSession(ctx context.Context, session *schema.WorkflowSession) error {
	results, err := marshalResults(session.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_sessions (id, workflow_id, collaboration_session_id, status, current_step, results, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.WorkflowID, session.CollabSessionID, string(session.Status),
		session.CurrentStep, results, timeOrNow(session.CreatedAt), timeOrNow(session.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*schema.WorkflowSession, error) {
	session := &schema.WorkflowSession{}
	var status, resultsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, collaboration_session_id, status, current_step, results, created_at, updated_at
		 FROM workflow_sessions WHERE id = ?`, id,
	).Scan(&session.ID, &session.WorkflowID, &session.CollabSessionID, &status,
		&session.CurrentStep, &resultsJSON, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow session", id)
	}
	if err != nil {
		return nil, err
	}
	session.Status = schema.SessionStatus(status)
	if err := json.Unmarshal([]byte(resultsJSON), &session.Results); err != nil {
		return nil, fmt.Errorf("unmarshal results: %w", err)
	}
	return session, nil
}

func (s *LibSQLStore) UpdateSession(ctx context.Context, id string, update SessionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.Results != nil {
		results, err := marshalResults(update.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		sets = append(sets, "results = ?")
		args = append(args, results)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_sessions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow session", id)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, collabSessionID string) ([]*schema.WorkflowSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, collaboration_session_id, status, current_step, results, created_at, updated_at
		 FROM workflow_sessions WHERE collaboration_session_id = ? ORDER BY created_at DESC`, collabSessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*schema.WorkflowSession
	for rows.Next() {
		session := &schema.WorkflowSession{}
		var status, resultsJSON string
		if err := rows.Scan(&session.ID, &session.WorkflowID, &session.CollabSessionID, &status,
			&session.CurrentStep, &resultsJSON, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, err
		}
		session.Status = schema.SessionStatus(status)
		if err := json.Unmarshal([]byte(resultsJSON), &session.Results); err != nil {
			return nil, fmt.Errorf("unmarshal results: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// --- Agents and session membership ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, agent *Agent) error {
	metadata := nullRaw(agent.Metadata)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, role, metadata, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, metadata=excluded.metadata`,
		agent.ID, agent.Name, agent.Role, metadata, timeOrNow(agent.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a := &Agent{}
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, role, metadata, created_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.Role, &metadata, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	a.Metadata = rawOrNil(metadata)
	return a, nil
}

func (s *LibSQLStore) AddSessionAgent(ctx context.Context, collabSessionID, agentID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_agents (collaboration_session_id, agent_id) VALUES (?, ?)
		 ON CONFLICT(collaboration_session_id, agent_id) DO NOTHING`,
		collabSessionID, agentID,
	)
	return err
}

func (s *LibSQLStore) ListSessionAgents(ctx context.Context, collabSessionID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.name, a.role, a.metadata, a.created_at
		 FROM session_agents sa JOIN agents a ON a.id = sa.agent_id
		 WHERE sa.collaboration_session_id = ?
		 ORDER BY a.id`, collabSessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a := &Agent{}
		var metadata sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &metadata, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Metadata = rawOrNil(metadata)
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, workflow_id, collaboration_session_id, cron_expression, auto_execute, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.CollabSessionID, run.CronExpression,
		run.AutoExecute, run.Enabled, nullTime(run.LastRunAt), nullTime(run.NextRunAt),
		nullStr(run.LastRunStatus), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	r := &ScheduledRun{}
	var lastRun, nextRun sql.NullTime
	var lastStatus sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, collaboration_session_id, cron_expression, auto_execute, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.WorkflowID, &r.CollabSessionID, &r.CronExpression, &r.AutoExecute,
		&r.Enabled, &lastRun, &nextRun, &lastStatus, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled run", id)
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		r.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		r.NextRunAt = &nextRun.Time
	}
	r.LastRunStatus = lastStatus.String
	return r, nil
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.CollabSessionID != "" {
		where = append(where, "collaboration_session_id = ?")
		args = append(args, filter.CollabSessionID)
	}

	query := `SELECT id, workflow_id, collaboration_session_id, cron_expression, auto_execute, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		r := &ScheduledRun{}
		var lastRun, nextRun sql.NullTime
		var lastStatus sql.NullString
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.CollabSessionID, &r.CronExpression, &r.AutoExecute,
			&r.Enabled, &lastRun, &nextRun, &lastStatus, &r.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			r.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			r.NextRunAt = &nextRun.Time
		}
		r.LastRunStatus = lastStatus.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// marshalResults serializes a step result map. Integer keys become string
// object keys, matching the index-keyed shape sessions expose over the wire.
func marshalResults(results map[int]schema.StepResult) (string, error) {
	if len(results) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
