package validation

import (
	"fmt"

	"github.com/rendis/stagehand/internal/instructions"
	"github.com/rendis/stagehand/pkg/schema"
)

// validateSemantic performs the checks JSON Schema cannot express:
// back-reference-only dependencies, duplicate dependencies, and instruction
// placeholders confined to declared dependencies. Dependency blocking at run
// time is impossible when these hold, since steps execute in index order.
func validateSemantic(wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i := range wf.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&wf.Steps[i], i, path, result)
	}

	return result
}

func validateStepSemantic(step *schema.WorkflowStep, index int, path string, result *schema.ValidationResult) {
	deps := make(map[int]bool, len(step.DependsOn))

	for j, dep := range step.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep < 0:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("negative dependency index %d", dep))
		case dep == index:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("step %d depends on itself", index))
		case dep > index:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("step %d depends on later step %d; dependencies must reference earlier steps", index, dep))
		case deps[dep]:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate dependency on step %d", dep))
		}
		deps[dep] = true
	}

	refs, err := instructions.ParseRefs(step.Instructions)
	if err != nil {
		result.AddError(path+".instructions", schema.ErrCodeValidation, err.Error())
		return
	}

	for _, ref := range refs {
		if ref.Previous {
			if len(step.DependsOn) == 0 {
				result.AddError(path+".instructions", schema.ErrCodeValidation,
					"steps.previous.output referenced but the step has no dependencies")
			}
			continue
		}
		if !deps[ref.Index] {
			result.AddError(path+".instructions", schema.ErrCodeValidation,
				fmt.Sprintf("instructions reference step %d which is not in depends_on", ref.Index))
		}
	}
}
