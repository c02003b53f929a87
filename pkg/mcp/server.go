package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stagehand/internal/engine"
	"github.com/rendis/stagehand/internal/scheduler"
	"github.com/rendis/stagehand/internal/store"
)

// StagehandServerDeps holds the dependencies for creating a StagehandServer.
type StagehandServerDeps struct {
	Controller *engine.Controller
	Scheduler  *scheduler.Scheduler
	Store      store.Store
	Logger     *slog.Logger
}

// StagehandServer wraps an MCP server with workflow engine tool handlers.
type StagehandServer struct {
	controller *engine.Controller
	scheduler  *scheduler.Scheduler
	store      store.Store
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewStagehandServer creates a StagehandServer with all tools registered.
func NewStagehandServer(deps StagehandServerDeps) *StagehandServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StagehandServer{
		controller: deps.Controller,
		scheduler:  deps.Scheduler,
		store:      deps.Store,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"stagehand",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stagehand runs multi-step agent workflows against collaboration sessions. Define a workflow with stagehand.create_workflow, launch it with stagehand.start, then drive it step by step with stagehand.execute_next or let auto-execute drive it. stagehand.status reports per-step progress; stagehand.resume re-attaches auto-execute to an interrupted session."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StagehandServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StagehandServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StagehandServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createWorkflowTool(), Handler: s.handleCreateWorkflow},
		{Tool: getWorkflowTool(), Handler: s.handleGetWorkflow},
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: deleteWorkflowTool(), Handler: s.handleDeleteWorkflow},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: executeNextTool(), Handler: s.handleExecuteNext},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listSessionsTool(), Handler: s.handleListSessions},
		{Tool: registerAgentTool(), Handler: s.handleRegisterAgent},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func createWorkflowTool() mcp.Tool {
	return mcp.NewTool("stagehand.create_workflow",
		mcp.WithDescription("Register an immutable workflow definition: named steps with instructions, optional agent hints, and depends_on indices referencing earlier steps"),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition object: {name, description?, steps: [{name, instructions, description?, agent_id?, agent_role?, depends_on?, expected_output?}], is_public?}")),
	)
}

func getWorkflowTool() mcp.Tool {
	return mcp.NewTool("stagehand.get_workflow",
		mcp.WithDescription("Fetch a workflow definition by ID"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
	)
}

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool("stagehand.list_workflows",
		mcp.WithDescription("List workflow definitions"),
		mcp.WithString("public_only", mcp.Description("Set to 'true' to list only public workflows")),
		mcp.WithString("limit", mcp.Description("Maximum number of workflows to return (default 50)")),
		mcp.WithString("offset", mcp.Description("Pagination offset")),
	)
}

func deleteWorkflowTool() mcp.Tool {
	return mcp.NewTool("stagehand.delete_workflow",
		mcp.WithDescription("Delete a workflow definition"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to delete")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("stagehand.start",
		mcp.WithDescription("Start a workflow session bound to a collaboration session. Optionally arm auto-execute so steps run on a timer"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithString("collaboration_session_id", mcp.Required(), mcp.Description("Collaboration session whose agents execute the steps")),
		mcp.WithString("auto_execute", mcp.Description("Set to 'true' to arm auto-execute immediately")),
	)
}

func executeNextTool() mcp.Tool {
	return mcp.NewTool("stagehand.execute_next",
		mcp.WithDescription("Execute the session's current step and advance on success"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the workflow session")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stagehand.resume",
		mcp.WithDescription("Re-attach auto-execute to an interrupted (non-terminal) session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the workflow session")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stagehand.cancel",
		mcp.WithDescription("Disarm auto-execute on a session. Session state is untouched and it can still be stepped manually or resumed"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the workflow session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stagehand.status",
		mcp.WithDescription("Report session status with the derived state of every step (not_started/ready/blocked/completed)"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the workflow session")),
		mcp.WithString("include_events", mcp.Description("Set to 'true' to include the session event log")),
	)
}

func listSessionsTool() mcp.Tool {
	return mcp.NewTool("stagehand.list_sessions",
		mcp.WithDescription("List workflow sessions of a collaboration session"),
		mcp.WithString("collaboration_session_id", mcp.Required(), mcp.Description("Collaboration session to list for")),
	)
}

func registerAgentTool() mcp.Tool {
	return mcp.NewTool("stagehand.register_agent",
		mcp.WithDescription("Register an agent and add it to a collaboration session's directory"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("Agent ID")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Agent display name")),
		mcp.WithString("role", mcp.Description("Agent role, matched case-insensitively by step agent_role hints")),
		mcp.WithString("collaboration_session_id", mcp.Required(), mcp.Description("Collaboration session to join")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("stagehand.schedule",
		mcp.WithDescription("Manage recurring workflow runs on a cron expression"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "delete", "list"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow to run (create)")),
		mcp.WithString("collaboration_session_id", mcp.Description("Collaboration session to run against (create) or filter by (list)")),
		mcp.WithString("cron", mcp.Description("Cron expression, five fields (create)")),
		mcp.WithString("auto_execute", mcp.Description("Set to 'true' to arm auto-execute on each fired session (create)")),
		mcp.WithString("run_id", mcp.Description("Scheduled run ID (delete)")),
	)
}
