package engine

import (
	"fmt"
	"strings"
)

// PreconditionError reports an operation refused because the project is not
// in a state that allows it. Nothing was changed; the operator can correct
// course and retry.
type PreconditionError struct {
	Op     string
	StepID string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.StepID == "" {
		return fmt.Sprintf("cannot %s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("cannot %s step %q: %s", e.Op, e.StepID, e.Reason)
}

// ScriptNotFoundError reports that a step's script reference did not
// resolve to a runnable file. Nothing was changed.
type ScriptNotFoundError struct {
	StepID string
	Ref    string
	Source string
	Err    error
}

func (e *ScriptNotFoundError) Error() string {
	return fmt.Sprintf("step %q: script %q not found under %s", e.StepID, e.Ref, e.Source)
}

func (e *ScriptNotFoundError) Unwrap() error { return e.Err }

// TransportError reports that the script could not be spawned or that
// supervision broke down mid-run. It is distinct from the script running
// and exiting non-zero; the attempt was rolled back.
type TransportError struct {
	StepID string
	RunID  string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("step %q: script execution broke down: %v", e.StepID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExitError reports a script that ran and exited non-zero. The attempt was
// rolled back; the step can be run again.
type ExitError struct {
	StepID   string
	RunID    string
	ExitCode int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("step %q exited with code %d; the attempt was rolled back", e.StepID, e.ExitCode)
}

// OutputError reports a script that exited zero without producing its
// declared outputs. The attempt was rolled back.
type OutputError struct {
	StepID  string
	RunID   string
	Missing []string
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("step %q did not produce declared output(s) %s", e.StepID, strings.Join(e.Missing, ", "))
}

// RestoreError reports a snapshot restore that failed partway. The project
// directory may hold a mix of states; every operation is blocked until it
// is repaired by hand.
type RestoreError struct {
	StepID     string
	SnapshotID string
	Err        error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore of snapshot %s for step %q failed: %v; the project needs manual repair", e.SnapshotID, e.StepID, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }
