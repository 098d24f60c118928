package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError represents a single validation finding with location
// context.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // JSON-path-like location (e.g., "steps[2].decision")
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// HasErrors reports whether any finding has error severity (as opposed to
// warnings only).
func HasErrors(errs []*ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// ValidateFile performs the full 3-phase validation pipeline on a workflow
// file.
// Phase 1: Structural (strict YAML decode)
// Phase 2: Semantic (JSON Schema validation)
// Phase 3: Domain (custom Go rules)
func ValidateFile(path string) (*Workflow, []*ValidationError) {
	var all []*ValidationError

	wf, err := LoadFile(path)
	if err != nil {
		all = append(all, &ValidationError{
			Phase:    "structural",
			Message:  err.Error(),
			Severity: "error",
		})
		return nil, all
	}

	all = append(all, validateSemantic(wf)...)
	all = append(all, ValidateDomain(wf)...)

	if len(all) > 0 {
		return wf, all
	}
	return wf, nil
}

// validateSemantic validates the workflow against the generated JSON Schema.
func validateSemantic(wf *Workflow) []*ValidationError {
	data, err := json.Marshal(wf)
	if err != nil {
		return semanticFailure("marshal for schema validation: %v", err)
	}

	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semanticFailure("generate schema: %v", err)
	}

	var schemaDoc interface{}
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semanticFailure("unmarshal schema: %v", err)
	}

	c := sjsonschema.NewCompiler()
	if err := c.AddResource("workflow-v1.json", schemaDoc); err != nil {
		return semanticFailure("add schema resource: %v", err)
	}
	sch, err := c.Compile("workflow-v1.json")
	if err != nil {
		return semanticFailure("compile schema: %v", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return semanticFailure("unmarshal document: %v", err)
	}

	if err := sch.Validate(doc); err != nil {
		var errs []*ValidationError
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			for _, cause := range flattenValidationErrors(ve) {
				errs = append(errs, &ValidationError{
					Phase:    "semantic",
					Path:     strings.Join(cause.InstanceLocation, "/"),
					Message:  fmt.Sprintf("%v", cause.ErrorKind),
					Severity: "error",
				})
			}
		} else {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Message:  err.Error(),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

func semanticFailure(format string, args ...any) []*ValidationError {
	return []*ValidationError{{
		Phase:    "semantic",
		Message:  fmt.Sprintf(format, args...),
		Severity: "error",
	}}
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// ValidateDomain performs Phase 3 domain-level validation. Empty result
// means valid.
func ValidateDomain(wf *Workflow) []*ValidationError {
	var errs []*ValidationError

	if wf.Version != "workflow/v1" {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "version",
			Message:  fmt.Sprintf("unrecognized version %q, expected %q", wf.Version, "workflow/v1"),
			Severity: "error",
		})
	}

	if len(wf.Steps) == 0 {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     "steps",
			Message:  "workflow must contain at least one step",
			Severity: "error",
		})
		return errs
	}

	// Step ID uniqueness; "end" is reserved for branch targets.
	seen := make(map[string]int)
	for i, s := range wf.Steps {
		if s.ID == EndTarget {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     fmt.Sprintf("steps[%d].id", i),
				Message:  fmt.Sprintf("step ID %q is reserved for branch targets", EndTarget),
				Severity: "error",
			})
		}
		if prev, ok := seen[s.ID]; ok {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     fmt.Sprintf("steps[%d].id", i),
				Message:  fmt.Sprintf("duplicate step ID %q (first at steps[%d]); step IDs must be unique", s.ID, prev),
				Severity: "error",
			})
		}
		seen[s.ID] = i
	}

	for i, s := range wf.Steps {
		if s.Script == "" {
			errs = append(errs, &ValidationError{
				Phase:    "domain",
				Path:     fmt.Sprintf("steps[%d].script", i),
				Message:  fmt.Sprintf("step %q requires a script reference", s.ID),
				Severity: "error",
			})
		}
		errs = append(errs, validatePaths(i, "outputs", s.ID, s.Outputs)...)
		errs = append(errs, validatePaths(i, "archive", s.ID, s.Archive)...)
		if s.Decision != nil {
			errs = append(errs, validateDecision(wf, i, s)...)
		}
	}

	return errs
}

// validatePaths rejects declared step paths that leave the project
// directory or reach into the engine's own state.
func validatePaths(index int, field, stepID string, paths []string) []*ValidationError {
	var errs []*ValidationError
	for j, p := range paths {
		loc := fmt.Sprintf("steps[%d].%s[%d]", index, field, j)
		switch {
		case p == "":
			errs = append(errs, &ValidationError{
				Phase: "domain", Path: loc,
				Message:  fmt.Sprintf("step %q declares an empty %s path", stepID, field),
				Severity: "error",
			})
		case strings.HasPrefix(p, "/") || strings.HasPrefix(p, "~"):
			errs = append(errs, &ValidationError{
				Phase: "domain", Path: loc,
				Message:  fmt.Sprintf("step %q %s path %q must be project-relative", stepID, field, p),
				Severity: "error",
			})
		case p == ".." || strings.HasPrefix(p, "../") || strings.Contains(p, "/../"):
			errs = append(errs, &ValidationError{
				Phase: "domain", Path: loc,
				Message:  fmt.Sprintf("step %q %s path %q escapes the project directory", stepID, field, p),
				Severity: "error",
			})
		case p == ".stepwise" || strings.HasPrefix(p, ".stepwise/"):
			errs = append(errs, &ValidationError{
				Phase: "domain", Path: loc,
				Message:  fmt.Sprintf("step %q %s path %q is inside the engine state directory", stepID, field, p),
				Severity: "error",
			})
		}
	}
	return errs
}

// validateDecision checks branch-target coverage for a conditional step.
// The rule that keeps the pointer invariant intact: every step strictly
// between the decision and its No target must appear in skip_on_no, so a No
// answer never passes over a step without recording a skip status.
func validateDecision(wf *Workflow, index int, s Step) []*ValidationError {
	var errs []*ValidationError
	d := s.Decision
	prefix := fmt.Sprintf("steps[%d].decision", index)

	if d.Prompt == "" {
		errs = append(errs, &ValidationError{
			Phase: "domain", Path: prefix + ".prompt",
			Message:  fmt.Sprintf("decision step %q requires a prompt", s.ID),
			Severity: "error",
		})
	}

	if d.NoTarget == "" {
		errs = append(errs, &ValidationError{
			Phase: "domain", Path: prefix + ".no_target",
			Message:  fmt.Sprintf("decision step %q requires no_target (a later step ID or %q)", s.ID, EndTarget),
			Severity: "error",
		})
		return errs
	}

	noIdx := wf.TargetIndex(d.NoTarget)
	if noIdx < 0 {
		errs = append(errs, &ValidationError{
			Phase: "domain", Path: prefix + ".no_target",
			Message:  fmt.Sprintf("decision step %q no_target %q does not name a step", s.ID, d.NoTarget),
			Severity: "error",
		})
	} else if noIdx <= index {
		errs = append(errs, &ValidationError{
			Phase: "domain", Path: prefix + ".no_target",
			Message:  fmt.Sprintf("decision step %q no_target %q must come after the decision", s.ID, d.NoTarget),
			Severity: "error",
		})
	} else {
		// Coverage: skip_on_no must be exactly the steps between decision
		// and target.
		skip := make(map[string]bool, len(d.SkipOnNo))
		for j, id := range d.SkipOnNo {
			k := wf.Index(id)
			switch {
			case k < 0:
				errs = append(errs, &ValidationError{
					Phase: "domain", Path: fmt.Sprintf("%s.skip_on_no[%d]", prefix, j),
					Message:  fmt.Sprintf("decision step %q skip_on_no %q does not name a step", s.ID, id),
					Severity: "error",
				})
			case k <= index || k >= noIdx:
				errs = append(errs, &ValidationError{
					Phase: "domain", Path: fmt.Sprintf("%s.skip_on_no[%d]", prefix, j),
					Message:  fmt.Sprintf("decision step %q skip_on_no %q is not between the decision and no_target %q", s.ID, id, d.NoTarget),
					Severity: "error",
				})
			}
			skip[id] = true
		}
		for k := index + 1; k < noIdx; k++ {
			if !skip[wf.Steps[k].ID] {
				errs = append(errs, &ValidationError{
					Phase: "domain", Path: prefix + ".skip_on_no",
					Message:  fmt.Sprintf("step %q lies between decision %q and no_target %q but is not in skip_on_no", wf.Steps[k].ID, s.ID, d.NoTarget),
					Severity: "error",
				})
			}
		}
	}

	// A Yes answer continues with the next step; yes_target may only restate
	// that (any other value would pass over steps without a skip status).
	if d.YesTarget != "" {
		next := ""
		if index+1 < len(wf.Steps) {
			next = wf.Steps[index+1].ID
		} else {
			next = EndTarget
		}
		if d.YesTarget != next {
			errs = append(errs, &ValidationError{
				Phase: "domain", Path: prefix + ".yes_target",
				Message:  fmt.Sprintf("decision step %q yes_target must be the following step %q (got %q)", s.ID, next, d.YesTarget),
				Severity: "error",
			})
		}
	}

	if d.Auto != "" {
		if _, err := expr.Compile(d.Auto, expr.AllowUndefinedVariables(), expr.AsBool()); err != nil {
			errs = append(errs, &ValidationError{
				Phase: "domain", Path: prefix + ".auto",
				Message:  fmt.Sprintf("decision step %q auto expression does not compile: %v", s.ID, err),
				Severity: "error",
			})
		}
	}

	return errs
}
