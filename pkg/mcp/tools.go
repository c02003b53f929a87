package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stagehand/internal/store"
)

// handleCreateWorkflow validates and registers a workflow definition.
func (s *StagehandServer) handleCreateWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}

	wf, createErr := s.controller.CreateWorkflowJSON(ctx, data)
	if createErr != nil {
		return engineError(createErr), nil
	}
	return marshalResult(wf)
}

// handleGetWorkflow fetches a workflow definition by ID.
func (s *StagehandServer) handleGetWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, getErr := s.controller.GetWorkflow(ctx, workflowID)
	if getErr != nil {
		return engineError(getErr), nil
	}
	return marshalResult(wf)
}

// handleListWorkflows lists workflow definitions.
func (s *StagehandServer) handleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.WorkflowFilter{
		Limit:  parseIntParam(req, "limit", 50),
		Offset: parseIntParam(req, "offset", 0),
	}
	if req.GetString("public_only", "") == "true" {
		public := true
		filter.IsPublic = &public
	}

	workflows, err := s.controller.ListWorkflows(ctx, filter)
	if err != nil {
		return engineError(err), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// handleDeleteWorkflow removes a workflow definition.
func (s *StagehandServer) handleDeleteWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if delErr := s.controller.DeleteWorkflow(ctx, workflowID); delErr != nil {
		return engineError(delErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

// handleStart creates a session, optionally arming auto-execute.
func (s *StagehandServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	collabID, err := req.RequireString("collaboration_session_id")
	if err != nil {
		return mcp.NewToolResultError("collaboration_session_id is required"), nil
	}

	session, startErr := s.controller.Start(ctx, workflowID, collabID)
	if startErr != nil {
		return engineError(startErr), nil
	}

	if req.GetString("auto_execute", "") == "true" {
		if armErr := s.controller.EnableAutoExecute(ctx, session.ID); armErr != nil {
			return engineError(armErr), nil
		}
	}
	return marshalResult(session)
}

// handleExecuteNext runs the session's current step.
func (s *StagehandServer) handleExecuteNext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	outcome, execErr := s.controller.ExecuteNext(ctx, sessionID)
	if execErr != nil {
		return engineError(execErr), nil
	}
	return marshalResult(outcome)
}

// handleResume re-attaches auto-execute to a session.
func (s *StagehandServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	session, resumeErr := s.controller.Resume(ctx, sessionID)
	if resumeErr != nil {
		return engineError(resumeErr), nil
	}
	return marshalResult(map[string]any{
		"ok":      true,
		"session": session,
		"resumed": true,
	})
}

// handleCancel disarms auto-execute on a session.
func (s *StagehandServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	if cancelErr := s.controller.Cancel(ctx, sessionID); cancelErr != nil {
		return engineError(cancelErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "session_id": sessionID})
}

// handleStatus reports session status with per-step derived states.
func (s *StagehandServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	report, statusErr := s.controller.SessionStatus(ctx, sessionID)
	if statusErr != nil {
		return engineError(statusErr), nil
	}

	if req.GetString("include_events", "") == "true" {
		events, evErr := s.controller.Events(ctx, sessionID, 0)
		if evErr != nil {
			return engineError(evErr), nil
		}
		return marshalResult(map[string]any{"report": report, "events": events})
	}
	return marshalResult(report)
}

// handleListSessions lists workflow sessions of a collaboration session.
func (s *StagehandServer) handleListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	collabID, err := req.RequireString("collaboration_session_id")
	if err != nil {
		return mcp.NewToolResultError("collaboration_session_id is required"), nil
	}

	sessions, listErr := s.controller.ListSessions(ctx, collabID)
	if listErr != nil {
		return engineError(listErr), nil
	}
	return marshalResult(map[string]any{"sessions": sessions})
}

// handleRegisterAgent registers an agent and joins it to a collaboration session.
func (s *StagehandServer) handleRegisterAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	collabID, err := req.RequireString("collaboration_session_id")
	if err != nil {
		return mcp.NewToolResultError("collaboration_session_id is required"), nil
	}

	agent := &store.Agent{
		ID:        agentID,
		Name:      name,
		Role:      req.GetString("role", ""),
		CreatedAt: time.Now().UTC(),
	}
	if regErr := s.store.RegisterAgent(ctx, agent); regErr != nil {
		return engineError(regErr), nil
	}
	if addErr := s.store.AddSessionAgent(ctx, collabID, agentID); addErr != nil {
		return engineError(addErr), nil
	}
	return marshalResult(map[string]any{"ok": true, "agent": agent})
}

// handleSchedule creates, deletes, or lists recurring scheduled runs.
func (s *StagehandServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		workflowID := req.GetString("workflow_id", "")
		cronExpr := req.GetString("cron", "")
		if workflowID == "" || cronExpr == "" {
			return mcp.NewToolResultError("create requires workflow_id and cron"), nil
		}
		run, schedErr := s.scheduler.Schedule(ctx, &store.ScheduledRun{
			WorkflowID:      workflowID,
			CollabSessionID: req.GetString("collaboration_session_id", ""),
			CronExpression:  cronExpr,
			AutoExecute:     req.GetString("auto_execute", "") == "true",
		})
		if schedErr != nil {
			return engineError(schedErr), nil
		}
		return marshalResult(run)

	case "delete":
		runID := req.GetString("run_id", "")
		if runID == "" {
			return mcp.NewToolResultError("delete requires run_id"), nil
		}
		if delErr := s.scheduler.Unschedule(ctx, runID); delErr != nil {
			return engineError(delErr), nil
		}
		return marshalResult(map[string]any{"ok": true, "run_id": runID})

	case "list":
		runs, listErr := s.scheduler.List(ctx, store.ScheduledRunFilter{
			CollabSessionID: req.GetString("collaboration_session_id", ""),
		})
		if listErr != nil {
			return engineError(listErr), nil
		}
		return marshalResult(map[string]any{"scheduled_runs": runs})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Helpers ---

// engineError renders an error as a tool error result. EngineError.Error()
// already carries the bracketed code, so agents can branch on it.
func engineError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// parseIntParam extracts an integer string parameter with a default.
func parseIntParam(req mcp.CallToolRequest, key string, defaultVal int) int {
	raw := req.GetString(key, "")
	if raw == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
