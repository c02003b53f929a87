package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/stagehand/internal/directory"
	"github.com/rendis/stagehand/internal/instructions"
	"github.com/rendis/stagehand/internal/invoke"
	"github.com/rendis/stagehand/internal/logging"
	"github.com/rendis/stagehand/pkg/schema"
)

// StepExecutor runs a single workflow step end to end: resolve the step's
// instruction template, select an agent from the session directory, make one
// invocation, and package the outcome as a StepResult. It never mutates the
// session; advancing progress is the Controller's job.
type StepExecutor struct {
	invoker   invoke.Invoker
	directory directory.Directory
	logger    *slog.Logger
	now       func() time.Time
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(inv invoke.Invoker, dir directory.Directory, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		invoker:   inv,
		directory: dir,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute runs the step at stepIndex for the given session and returns its result.
// The step must already be gated as ready by the caller.
func (e *StepExecutor) Execute(ctx context.Context, wf *schema.Workflow, session *schema.WorkflowSession, stepIndex int) (*schema.StepResult, error) {
	step := &wf.Steps[stepIndex]

	resolved, err := instructions.Resolve(step, session.Results)
	if err != nil {
		return nil, wrapStepError(err, stepIndex)
	}

	member, err := e.selectAgent(ctx, session.CollabSessionID, step)
	if err != nil {
		return nil, wrapStepError(err, stepIndex)
	}

	prompt := buildPrompt(wf, step, session, resolved)

	ctx = logging.WithAgentID(ctx, member.AgentID)
	e.logger.InfoContext(ctx, "invoking agent for step",
		"session_id", session.ID,
		"step_index", stepIndex,
		"step_name", step.Name,
		"agent_id", member.AgentID)

	res, err := e.invoker.Invoke(ctx, member.AgentID, prompt)
	if err != nil {
		if _, ok := err.(*schema.EngineError); ok {
			return nil, wrapStepError(err, stepIndex)
		}
		return nil, schema.NewErrorf(schema.ErrCodeInvocationFailed,
			"invoke agent %s: %s", member.AgentID, err.Error()).
			WithStep(stepIndex).WithCause(err)
	}

	result := &schema.StepResult{
		AgentName: res.AgentName,
		AgentRole: res.AgentRole,
		Content:   res.Content,
		Timestamp: e.now().UTC(),
		Meta: schema.ResultMeta{
			Version: schema.ResultMetaVersion,
			AgentID: member.AgentID,
		},
	}
	if result.AgentName == "" {
		result.AgentName = member.Name
	}
	if result.AgentRole == "" {
		result.AgentRole = member.Role
	}
	return result, nil
}

// selectAgent picks the agent that runs the step.
//
// Order: an agentId that is a session member wins outright; an agentId that is
// not a member falls through to role matching; agentRole matches the first
// member with that role, case-insensitively, and fails hard when none match;
// with neither hint the member with the lowest agent ID is used. An empty
// directory always fails.
func (e *StepExecutor) selectAgent(ctx context.Context, collabSessionID string, step *schema.WorkflowStep) (*directory.Member, error) {
	members, err := e.directory.MembersOf(ctx, collabSessionID)
	if err != nil {
		return nil, err
	}

	if step.AgentID != "" {
		for i := range members {
			if members[i].AgentID == step.AgentID {
				return &members[i], nil
			}
		}
	}

	if step.AgentRole != "" {
		for i := range members {
			if strings.EqualFold(members[i].Role, step.AgentRole) {
				return &members[i], nil
			}
		}
		return nil, schema.NewErrorf(schema.ErrCodeNoMatchingAgent,
			"no agent with role %q in session %s", step.AgentRole, collabSessionID).
			WithDetails(map[string]any{"agent_role": step.AgentRole, "member_count": len(members)})
	}

	if len(members) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNoMatchingAgent,
			"no agents available in session %s", collabSessionID)
	}

	// MembersOf orders by agent ID.
	return &members[0], nil
}

// buildPrompt wraps the resolved instructions in the workflow and step context
// the agent needs, including the raw results of every declared dependency.
func buildPrompt(wf *schema.Workflow, step *schema.WorkflowStep, session *schema.WorkflowSession, resolved string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are working on a workflow called %q.\n\n", wf.Name)
	fmt.Fprintf(&b, "Current step: %s\n", step.Name)
	if step.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", step.Description)
	}
	b.WriteString("\nInstructions:\n")
	b.WriteString(resolved)
	b.WriteString("\n")

	if len(step.DependsOn) > 0 {
		b.WriteString("\nPrevious step results:\n")
		for _, dep := range step.DependsOn {
			if res, ok := session.Results[dep]; ok {
				fmt.Fprintf(&b, "- step %d (%s): %s\n", dep, res.AgentName, res.Content)
			}
		}
	}

	if step.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\nExpected output: %s\n", step.ExpectedOutput)
	}
	b.WriteString("\nComplete this step according to the instructions. Provide a detailed response.\n")
	return b.String()
}

func wrapStepError(err error, stepIndex int) error {
	if ee, ok := err.(*schema.EngineError); ok {
		if ee.StepIndex == nil {
			return ee.WithStep(stepIndex)
		}
		return ee
	}
	return schema.NewError(schema.ErrCodeInvocationFailed, err.Error()).WithStep(stepIndex).WithCause(err)
}
