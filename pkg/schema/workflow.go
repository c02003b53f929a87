package schema

import "time"

// Workflow is a reusable, ordered definition of steps with dependencies.
// Immutable once created: editing means replacing the whole definition
// with a new workflow.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	IsPublic    bool           `json:"is_public"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// WorkflowStep is a single unit of work inside a workflow. Steps are
// index-addressed (0-based) and may only depend on steps with a strictly
// smaller index, which keeps the dependency graph acyclic by construction.
type WorkflowStep struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// AgentID pins the step to a specific agent; AgentRole matches any
	// session member with that role. Either may be set, both may be unset.
	AgentID   string `json:"agent_id,omitempty"`
	AgentRole string `json:"agent_role,omitempty"`

	// Instructions is template text. It may reference prior step outputs
	// via ${{steps.<index>.output}} or ${{steps.previous.output}}; every
	// referenced index must appear in DependsOn.
	Instructions string `json:"instructions"`

	DependsOn []int `json:"depends_on,omitempty"`

	// ExpectedOutput is descriptive only, never enforced.
	ExpectedOutput string `json:"expected_output,omitempty"`
}
