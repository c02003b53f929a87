package engine

import (
	"github.com/rendis/stagehand/pkg/schema"
)

// StepState derives the run state of one step from session progress.
// Deterministic, no side effects; used both for execution gating and for
// status reporting.
//
//   - completed:   stepIndex < session.CurrentStep
//   - not_started: stepIndex > session.CurrentStep
//   - ready:       stepIndex == session.CurrentStep and every dependency has
//     a recorded result
//   - blocked:     stepIndex == session.CurrentStep and some dependency does not
func StepState(wf *schema.Workflow, session *schema.WorkflowSession, stepIndex int) (schema.StepRunState, error) {
	if stepIndex < 0 || stepIndex >= len(wf.Steps) {
		return "", schema.NewErrorf(schema.ErrCodeValidation,
			"step index %d out of range for workflow %s (%d steps)", stepIndex, wf.ID, len(wf.Steps))
	}

	switch {
	case stepIndex < session.CurrentStep:
		return schema.StepStateCompleted, nil
	case stepIndex > session.CurrentStep:
		return schema.StepStateNotStarted, nil
	}

	// Creation-time validation makes blocking impossible (dependencies have
	// strictly smaller indices and steps run in index order), so a blocked
	// step here signals a definition bug, not a normal runtime path.
	for _, dep := range wf.Steps[stepIndex].DependsOn {
		if dep >= session.CurrentStep {
			return schema.StepStateBlocked, nil
		}
		if _, ok := session.Results[dep]; !ok {
			return schema.StepStateBlocked, nil
		}
	}
	return schema.StepStateReady, nil
}

// StepStates derives the run state of every step in the workflow.
func StepStates(wf *schema.Workflow, session *schema.WorkflowSession) ([]schema.StepRunState, error) {
	states := make([]schema.StepRunState, len(wf.Steps))
	for i := range wf.Steps {
		state, err := StepState(wf, session, i)
		if err != nil {
			return nil, err
		}
		states[i] = state
	}
	return states, nil
}
