// Package directory resolves which agents are members of a collaboration
// session. The contract is read-only: the engine selects executors from the
// membership list but never mutates it.
package directory

import (
	"context"

	"github.com/rendis/stagehand/internal/store"
)

// Member is one agent belonging to a collaboration session.
type Member struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
}

// Directory is the session directory boundary consumed by the step executor.
type Directory interface {
	// MembersOf returns the session's agents ordered by agent ID, so that
	// implementation-defined selection tie-breaks stay deterministic.
	MembersOf(ctx context.Context, collabSessionID string) ([]Member, error)
}

// StoreDirectory serves membership from the persistence store.
type StoreDirectory struct {
	store store.Store
}

// NewStoreDirectory creates a Directory backed by the given store.
func NewStoreDirectory(s store.Store) *StoreDirectory {
	return &StoreDirectory{store: s}
}

func (d *StoreDirectory) MembersOf(ctx context.Context, collabSessionID string) ([]Member, error) {
	agents, err := d.store.ListSessionAgents(ctx, collabSessionID)
	if err != nil {
		return nil, err
	}
	members := make([]Member, 0, len(agents))
	for _, a := range agents {
		members = append(members, Member{AgentID: a.ID, Name: a.Name, Role: a.Role})
	}
	return members, nil
}
