package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stagehand/pkg/schema"
)

func graphWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:   "wf-1",
		Name: "graph",
		Steps: []schema.WorkflowStep{
			{Name: "a", Instructions: "x"},
			{Name: "b", Instructions: "x", DependsOn: []int{0}},
			{Name: "c", Instructions: "x", DependsOn: []int{0, 1}},
		},
	}
}

func sessionAt(current int, withResults ...int) *schema.WorkflowSession {
	s := &schema.WorkflowSession{
		ID:          "sess-1",
		WorkflowID:  "wf-1",
		Status:      schema.SessionStatusInProgress,
		CurrentStep: current,
		Results:     make(map[int]schema.StepResult),
	}
	for _, i := range withResults {
		s.Results[i] = schema.StepResult{Content: "done"}
	}
	return s
}

func TestStepStateDerivation(t *testing.T) {
	wf := graphWorkflow()

	tests := []struct {
		name    string
		session *schema.WorkflowSession
		index   int
		want    schema.StepRunState
	}{
		{"first step of fresh session is ready", sessionAt(0), 0, schema.StepStateReady},
		{"later steps are not started", sessionAt(0), 2, schema.StepStateNotStarted},
		{"executed steps are completed", sessionAt(2, 0, 1), 0, schema.StepStateCompleted},
		{"current step with satisfied deps is ready", sessionAt(2, 0, 1), 2, schema.StepStateReady},
		{"current step missing a dep result is blocked", sessionAt(2, 0), 2, schema.StepStateBlocked},
		{"steps past current report not started regardless of deps", sessionAt(1), 2, schema.StepStateNotStarted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StepState(wf, tt.session, tt.index)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStepStateOutOfRange(t *testing.T) {
	wf := graphWorkflow()
	_, err := StepState(wf, sessionAt(0), 3)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	_, err = StepState(wf, sessionAt(0), -1)
	require.Error(t, err)
}

func TestStepStates(t *testing.T) {
	wf := graphWorkflow()
	states, err := StepStates(wf, sessionAt(1, 0))
	require.NoError(t, err)
	assert.Equal(t, []schema.StepRunState{
		schema.StepStateCompleted,
		schema.StepStateReady,
		schema.StepStateNotStarted,
	}, states)
}
