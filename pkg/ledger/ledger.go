// Package ledger defines the durable workflow execution state and its
// atomic flat-file persistence.
package ledger

import (
	"fmt"
	"time"

	"github.com/coldbench/stepwise/pkg/workflow"
)

// Status is the runtime state of one step.
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusSkippedManual      Status = "skipped_manual"
	StatusSkippedConditional Status = "skipped_conditional"
	StatusAwaitingDecision   Status = "awaiting_decision"
	StatusFailed             Status = "failed"
)

// Terminal reports whether the status counts as a finished step for
// pointer advancement and undo targeting.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSkippedManual, StatusSkippedConditional:
		return true
	}
	return false
}

// Skipped reports whether the step was passed over rather than executed.
func (s Status) Skipped() bool {
	return s == StatusSkippedManual || s == StatusSkippedConditional
}

// Run outcome values recorded in run history.
const (
	OutcomeSuccess          = "success"
	OutcomeAwaitingDecision = "awaiting_decision"
	OutcomeDeclined         = "declined"
)

// Run is one execution attempt of a step. Only attempts that survive their
// transaction are recorded here; rolled-back attempts live in the trace log.
type Run struct {
	RunIndex   int               `json:"run_index"`
	RunID      string            `json:"run_id"`
	SnapshotID string            `json:"snapshot_id_before"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	Outcome    string            `json:"outcome"`
	Exports    map[string]string `json:"exports,omitempty"`

	// PriorStatus is the step's status before this attempt started. Undo
	// and crash recovery revert to it when the entry is popped.
	PriorStatus Status `json:"prior_status"`
}

// StepStatus is the mutable runtime record for one workflow step.
type StepStatus struct {
	StepID   string `json:"step_id"`
	Status   Status `json:"status"`
	RunCount int    `json:"run_count"`
	History  []Run  `json:"run_history,omitempty"`

	// DecidedBy names the decision step that skipped this one; set only
	// while Status is skipped_conditional.
	DecidedBy string `json:"decided_by,omitempty"`

	// UpdatedAt is the time of the last status change, used to pick the
	// most recent undo target.
	UpdatedAt time.Time `json:"updated_at"`
}

// LastRun returns the newest history entry, or nil.
func (ss *StepStatus) LastRun() *Run {
	if len(ss.History) == 0 {
		return nil
	}
	return &ss.History[len(ss.History)-1]
}

// State is the ledger's persisted document.
type State struct {
	Workflow      string        `json:"workflow"`
	InitializedAt time.Time     `json:"initialized_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Steps         []*StepStatus `json:"steps"`

	// CurrentPointer indexes the next runnable step; len(Steps) means the
	// workflow is finished.
	CurrentPointer int `json:"current_pointer"`

	// PendingDecision names the step whose decision the operator owes, or
	// is empty.
	PendingDecision string `json:"pending_decision,omitempty"`
}

// NewState initializes a fresh ledger for a workflow: every step pending,
// pointer at the first step.
func NewState(wf *workflow.Workflow) *State {
	now := time.Now()
	st := &State{
		Workflow:      wf.Name,
		InitializedAt: now,
		UpdatedAt:     now,
		Steps:         make([]*StepStatus, len(wf.Steps)),
	}
	for i, s := range wf.Steps {
		st.Steps[i] = &StepStatus{StepID: s.ID, Status: StatusPending, UpdatedAt: now}
	}
	return st
}

// Step returns the status record for a step id, or nil.
func (st *State) Step(id string) *StepStatus {
	if i := st.Index(id); i >= 0 {
		return st.Steps[i]
	}
	return nil
}

// Index returns the ordinal of a step id, or -1.
func (st *State) Index(id string) int {
	for i, ss := range st.Steps {
		if ss.StepID == id {
			return i
		}
	}
	return -1
}

// Running returns the step currently marked running, or nil.
func (st *State) Running() *StepStatus {
	for _, ss := range st.Steps {
		if ss.Status == StatusRunning {
			return ss
		}
	}
	return nil
}

// RecomputePointer re-derives CurrentPointer: the first pending or
// awaiting-decision step in order. Terminal and failed steps are passed
// over; len(Steps) means nothing is left to run.
func (st *State) RecomputePointer() {
	for i, ss := range st.Steps {
		switch ss.Status {
		case StatusPending, StatusAwaitingDecision, StatusRunning:
			st.CurrentPointer = i
			return
		}
	}
	st.CurrentPointer = len(st.Steps)
}

// Touch stamps a status change on a step and refreshes the document clock.
func (st *State) Touch(ss *StepStatus, status Status) {
	now := time.Now()
	ss.Status = status
	ss.UpdatedAt = now
	st.UpdatedAt = now
}

// CheckInvariants verifies the document's internal consistency: at most one
// running step, run counts matching history, a coherent pending-decision
// marker, and a pointer at the first non-terminal step.
func (st *State) CheckInvariants() error {
	running := 0
	for _, ss := range st.Steps {
		if ss.Status == StatusRunning {
			running++
		}
		if ss.RunCount != len(ss.History) {
			return fmt.Errorf("step %q: run_count %d does not match %d history entries", ss.StepID, ss.RunCount, len(ss.History))
		}
		if ss.Status == StatusAwaitingDecision && st.PendingDecision != ss.StepID {
			return fmt.Errorf("step %q awaits a decision but pending_decision is %q", ss.StepID, st.PendingDecision)
		}
		for j, r := range ss.History {
			if r.SnapshotID == "" {
				return fmt.Errorf("step %q run %d has no snapshot reference", ss.StepID, j)
			}
		}
	}
	if running > 1 {
		return fmt.Errorf("%d steps are marked running, at most one is allowed", running)
	}
	if st.PendingDecision != "" {
		ss := st.Step(st.PendingDecision)
		if ss == nil {
			return fmt.Errorf("pending_decision %q does not name a step", st.PendingDecision)
		}
		if ss.Status != StatusAwaitingDecision {
			return fmt.Errorf("pending_decision %q has status %s, want %s", st.PendingDecision, ss.Status, StatusAwaitingDecision)
		}
	}
	want := st.CurrentPointer
	st.RecomputePointer()
	if st.CurrentPointer != want {
		got := st.CurrentPointer
		st.CurrentPointer = want
		return fmt.Errorf("current_pointer is %d, recomputed %d", want, got)
	}
	return nil
}

// CheckAlignment verifies the ledger still describes the given workflow:
// same step ids in the same order. A ledger from a different or edited
// workflow must not be operated on.
func (st *State) CheckAlignment(wf *workflow.Workflow) error {
	if len(st.Steps) != len(wf.Steps) {
		return fmt.Errorf("ledger has %d steps, workflow %q has %d", len(st.Steps), wf.Name, len(wf.Steps))
	}
	for i, ss := range st.Steps {
		if ss.StepID != wf.Steps[i].ID {
			return fmt.Errorf("ledger step %d is %q, workflow has %q", i, ss.StepID, wf.Steps[i].ID)
		}
	}
	return nil
}

// ReferencedSnapshots collects every snapshot id named by run history, the
// set the snapshot store must never prune.
func (st *State) ReferencedSnapshots() map[string]bool {
	refs := make(map[string]bool)
	for _, ss := range st.Steps {
		for _, r := range ss.History {
			refs[r.SnapshotID] = true
		}
	}
	return refs
}

// MergedExports folds together the exports of every surviving run in step
// order, later runs overriding earlier ones. This is the variable
// environment decision auto-expressions and scripts see.
func (st *State) MergedExports() map[string]string {
	vars := make(map[string]string)
	for _, ss := range st.Steps {
		for _, r := range ss.History {
			for k, v := range r.Exports {
				vars[k] = v
			}
		}
	}
	return vars
}
