// Package instructions resolves ${{...}} references to prior step outputs
// inside a step's instruction template.
//
// Two forms are recognized:
//
//	${{steps.<index>.output}}    — output of the step at that index
//	${{steps.previous.output}}   — output of the highest-indexed dependency
//
// Reference validity (index declared in depends_on, known namespace, closed
// braces) is a definition-time concern checked by internal/validation; at
// resolution time the only failure mode left is a referenced result that is
// not present in the session.
package instructions

import (
	"strconv"
	"strings"

	"github.com/rendis/stagehand/pkg/schema"
)

// Ref is one parsed placeholder reference inside an instruction template.
type Ref struct {
	// Index is the referenced step index, or -1 when Previous is set.
	Index    int
	Previous bool
}

// ParseRefs scans template text and returns every placeholder reference.
// Malformed placeholders are reported as VALIDATION_ERROR so that workflow
// creation can reject them before any session exists.
func ParseRefs(template string) ([]Ref, error) {
	var refs []Ref

	s := template
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			break
		}
		start := idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ reference in instructions")
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty ${{ }} reference in instructions")
		}
		if strings.Contains(expr, "${{") {
			return nil, schema.NewError(schema.ErrCodeValidation, "nested ${{ reference in instructions")
		}

		ref, err := parseExpr(expr)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)

		s = s[end+2:]
	}

	return refs, nil
}

// parseExpr parses a single expression like "steps.2.output" or "steps.previous.output".
func parseExpr(expr string) (Ref, error) {
	parts := strings.Split(expr, ".")
	if parts[0] != "steps" {
		return Ref{}, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown namespace %q in ${{%s}}; only steps.<index>.output is supported", parts[0], expr)
	}
	if len(parts) != 3 || parts[2] != "output" {
		return Ref{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid step reference ${{%s}}: expected steps.<index>.output or steps.previous.output", expr)
	}

	if parts[1] == "previous" {
		return Ref{Index: -1, Previous: true}, nil
	}

	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 0 {
		return Ref{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid step index %q in ${{%s}}", parts[1], expr)
	}
	return Ref{Index: n}, nil
}

// Resolve substitutes every placeholder in the step's instructions with the
// referenced StepResult content, verbatim. A reference to a step index with
// no recorded result fails with TEMPLATE_RESOLUTION.
func Resolve(step *schema.WorkflowStep, results map[int]schema.StepResult) (string, error) {
	if !strings.Contains(step.Instructions, "${{") {
		return step.Instructions, nil
	}

	var out strings.Builder
	out.Grow(len(step.Instructions))

	s := step.Instructions
	for {
		idx := strings.Index(s, "${{")
		if idx == -1 {
			out.WriteString(s)
			break
		}
		out.WriteString(s[:idx])
		start := idx + 3

		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeTemplateResolution, "unclosed ${{ reference in instructions")
		}
		end += start

		ref, err := parseExpr(strings.TrimSpace(s[start:end]))
		if err != nil {
			// Malformed templates should have been rejected at creation;
			// surface as a resolution failure rather than panic.
			return "", schema.NewError(schema.ErrCodeTemplateResolution, err.Error()).WithCause(err)
		}

		target := ref.Index
		if ref.Previous {
			target, err = previousIndex(step.DependsOn)
			if err != nil {
				return "", err
			}
		}

		result, ok := results[target]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeTemplateResolution,
				"instructions reference step %d but no result is recorded for it", target)
		}
		out.WriteString(result.Content)

		s = s[end+2:]
	}

	return out.String(), nil
}

// previousIndex returns the highest index in dependsOn, the step that
// steps.previous.output refers to.
func previousIndex(dependsOn []int) (int, error) {
	if len(dependsOn) == 0 {
		return 0, schema.NewError(schema.ErrCodeTemplateResolution,
			"steps.previous.output referenced by a step with no dependencies")
	}
	max := dependsOn[0]
	for _, d := range dependsOn[1:] {
		if d > max {
			max = d
		}
	}
	return max, nil
}
