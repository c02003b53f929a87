// Package invoke defines the agent invocation boundary: given resolved
// instructions and an agent identity, produce generated content or fail.
package invoke

import "context"

// Result is the payload returned by a successful agent invocation.
type Result struct {
	Content   string `json:"content"`
	AgentName string `json:"agent_name"`
	AgentRole string `json:"agent_role"`
}

// Invoker is the agent invocation service consumed by the step executor.
// Invoke makes exactly one outbound call; retrying is the caller's policy.
type Invoker interface {
	Invoke(ctx context.Context, agentID, instructions string) (*Result, error)
}
