package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbench/stepwise/pkg/workflow"
)

// Inconsistency is one disagreement between the ledger and the project
// directory.
type Inconsistency struct {
	StepID string `json:"step_id"`
	Path   string `json:"path"`
	Detail string `json:"detail"`
}

// InconsistentError reports that the ledger and the filesystem disagree.
// Callers must refuse to run, undo, skip, or decide until the project is
// manually repaired.
type InconsistentError struct {
	Problems []Inconsistency
}

func (e *InconsistentError) Error() string {
	if len(e.Problems) == 1 {
		p := e.Problems[0]
		return fmt.Sprintf("ledger and project disagree: step %q: %s", p.StepID, p.Detail)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "ledger and project disagree (%d problems):", len(e.Problems))
	for _, p := range e.Problems {
		fmt.Fprintf(&b, "\n  step %q: %s", p.StepID, p.Detail)
	}
	return b.String()
}

// ValidateAgainstFilesystem checks that every completed step's declared
// outputs still exist on disk. An output archived by the step is looked up
// in the archive area instead, since archiving moves it out of the
// project tree. Any missing artifact is a hard inconsistency.
func ValidateAgainstFilesystem(st *State, wf *workflow.Workflow, projectDir, archiveDir string) error {
	var problems []Inconsistency

	for i, ss := range st.Steps {
		if ss.Status != StatusCompleted {
			continue
		}
		step := wf.Steps[i]
		archived := make(map[string]bool, len(step.Archive))
		for _, a := range step.Archive {
			archived[a] = true
		}
		for _, out := range step.Outputs {
			loc := filepath.Join(projectDir, filepath.FromSlash(out))
			if archived[out] {
				loc = filepath.Join(archiveDir, step.ID, filepath.Base(filepath.FromSlash(out)))
			}
			if _, err := os.Stat(loc); err != nil {
				problems = append(problems, Inconsistency{
					StepID: ss.StepID,
					Path:   out,
					Detail: fmt.Sprintf("declared output %q is missing (%v)", out, err),
				})
			}
		}
	}

	if len(problems) > 0 {
		return &InconsistentError{Problems: problems}
	}
	return nil
}
