// Package workflow defines the Go struct types for the workflow YAML
// document and provides strict YAML parsing.
package workflow

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// EndTarget is the reserved branch target meaning "past the last step":
// a No answer routed here finishes the workflow.
const EndTarget = "end"

// Workflow is the top-level document describing an ordered step procedure.
// The engine reads it; it never writes it.
type Workflow struct {
	Version     string `yaml:"version" json:"version" jsonschema:"required,enum=workflow/v1"`
	Name        string `yaml:"name"    json:"name"    jsonschema:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps" jsonschema:"required"`
}

// Step is a single unit of work backed by one external script. Its ordinal
// position is its index in Workflow.Steps.
type Step struct {
	ID     string   `yaml:"id"              json:"id"              jsonschema:"required"`
	Title  string   `yaml:"title,omitempty" json:"title,omitempty"`
	Script string   `yaml:"script"          json:"script"          jsonschema:"required"`
	Args   []string `yaml:"args,omitempty"  json:"args,omitempty"`

	// Rerun permits running the step again after it completed.
	Rerun bool `yaml:"rerun,omitempty" json:"rerun,omitempty"`

	// Outputs are project-relative paths the script is declared to produce.
	// Consistency validation requires them to exist while the step is
	// completed.
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// Archive paths are moved to the archive area on successful completion
	// and from then on live outside the undo domain.
	Archive []string `yaml:"archive,omitempty" json:"archive,omitempty"`

	// Notes is operator-facing markdown shown by the front ends.
	Notes string `yaml:"notes,omitempty" json:"notes,omitempty"`

	Decision *Decision `yaml:"decision,omitempty" json:"decision,omitempty"`
}

// Decision marks a step as conditional: after its script requests a
// decision, the operator (or the auto expression) answers Yes or No.
type Decision struct {
	Prompt string `yaml:"prompt" json:"prompt" jsonschema:"required"`

	// YesTarget optionally names the step a Yes answer advances to. It must
	// be the immediately following step; the field exists so workflows can
	// state the continuation explicitly.
	YesTarget string `yaml:"yes_target,omitempty" json:"yes_target,omitempty"`

	// NoTarget is the step a No answer jumps to ("end" finishes the
	// workflow). Every step in between must be listed in SkipOnNo.
	NoTarget string `yaml:"no_target" json:"no_target" jsonschema:"required"`

	// SkipOnNo lists the steps marked skipped when the answer is No.
	SkipOnNo []string `yaml:"skip_on_no,omitempty" json:"skip_on_no,omitempty"`

	// Auto is an optional expression over variables exported by earlier
	// runs. When it evaluates to a boolean the decision is answered without
	// the operator.
	Auto string `yaml:"auto,omitempty" json:"auto,omitempty"`
}

// LoadFile reads and parses a workflow YAML file with strict unknown-field
// rejection (yaml.v3 KnownFields).
func LoadFile(path string) (*Workflow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open workflow: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses a workflow from an io.Reader with strict unknown-field
// rejection.
func Load(r io.Reader) (*Workflow, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var wf Workflow
	if err := dec.Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}

// Index returns the position of the step with the given id, or -1.
func (w *Workflow) Index(id string) int {
	for i, s := range w.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// StepByID returns the step with the given id, or nil.
func (w *Workflow) StepByID(id string) *Step {
	if i := w.Index(id); i >= 0 {
		return &w.Steps[i]
	}
	return nil
}

// TargetIndex resolves a branch target to a step index. The reserved target
// "end" resolves to len(Steps), one past the last step.
func (w *Workflow) TargetIndex(target string) int {
	if target == EndTarget {
		return len(w.Steps)
	}
	return w.Index(target)
}
