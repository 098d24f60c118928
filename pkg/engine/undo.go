package engine

import (
	"fmt"
	"time"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/project"
)

// UndoKind names what an undo reverted.
type UndoKind string

const (
	// UndoRun popped a run and restored its pre-run snapshot.
	UndoRun UndoKind = "run"
	// UndoDecision reopened a declined decision. Ledger only.
	UndoDecision UndoKind = "decision"
	// UndoSkip reverted a manual skip. Ledger only.
	UndoSkip UndoKind = "skip"
)

// UndoReport describes one reverted event.
type UndoReport struct {
	Kind   UndoKind
	StepID string
	// RunID and SnapshotID are set when Kind is UndoRun.
	RunID      string
	SnapshotID string
	// RevertedTo is the step's status after the revert.
	RevertedTo ledger.Status
	// Reopened lists conditionally skipped steps returned to pending by
	// an UndoDecision revert.
	Reopened []string
	// Remaining counts run entries left across the whole ledger.
	Remaining int
}

// Undo reverts the most recent thing that happened to the ledger: a run
// commit, a manual skip, or a declined decision, whichever came last.
// Popping a run restores that run's pre-snapshot; the other two revert
// the ledger without touching files. Undo can be repeated event by
// event; with nothing left there is nothing to undo. The archive area
// is outside the undo domain and is never touched.
func (e *Engine) Undo() (*UndoReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.Project
	st := p.State

	if e.session != nil || st.Running() != nil {
		return nil, &PreconditionError{Op: "undo", Reason: "a step is running"}
	}
	if err := e.checkConsistent(); err != nil {
		return nil, err
	}

	kind, ss := newestEvent(st)
	if ss == nil {
		return nil, &PreconditionError{Op: "undo", Reason: "nothing to undo"}
	}
	switch kind {
	case UndoSkip:
		return e.undoSkip(ss)
	case UndoDecision:
		return e.undoDecision(ss)
	}
	return e.undoRun(ss)
}

// undoRun pops the newest history entry of ss and restores the project
// tree to that run's pre-snapshot.
func (e *Engine) undoRun(ss *ledger.StepStatus) (*UndoReport, error) {
	p := e.Project
	st := p.State
	entry := ss.LastRun()

	if err := p.Snapshots.Restore(entry.SnapshotID, p.Root); err != nil {
		if st.PendingDecision == ss.StepID {
			st.PendingDecision = ""
		}
		st.Touch(ss, ledger.StatusFailed)
		st.RecomputePointer()
		if perr := p.Save(); perr != nil {
			e.Log.Error("persist after failed restore", "err", perr)
		}
		return nil, &RestoreError{StepID: ss.StepID, SnapshotID: entry.SnapshotID, Err: err}
	}

	report := &UndoReport{
		Kind:       UndoRun,
		StepID:     ss.StepID,
		RunID:      entry.RunID,
		SnapshotID: entry.SnapshotID,
	}

	// A pending decision unwinds with the run that raised it.
	if st.PendingDecision == ss.StepID {
		st.PendingDecision = ""
	}

	prior := entry.PriorStatus
	if prior == "" {
		prior = ledger.StatusPending
	}
	ss.History = ss.History[:len(ss.History)-1]
	ss.RunCount--
	st.Touch(ss, prior)
	if prior == ledger.StatusAwaitingDecision {
		st.PendingDecision = ss.StepID
	}
	st.RecomputePointer()
	if err := p.Save(); err != nil {
		return nil, err
	}

	report.RevertedTo = ss.Status
	report.Remaining = remainingRuns(st)
	e.trace(project.TraceUndo, ss.StepID, entry.RunID, map[string]any{
		"kind":              UndoRun,
		"restored_snapshot": entry.SnapshotID,
		"reverted_to":       string(ss.Status),
	})
	e.Log.Info("run undone", "step", ss.StepID, "run_id", entry.RunID, "reverted_to", ss.Status)
	return report, nil
}

// undoDecision reopens the declined decision on ss: the skip set returns
// to pending and the step awaits the decision again. The decision run
// itself survives for the next undo to pop.
func (e *Engine) undoDecision(ss *ledger.StepStatus) (*UndoReport, error) {
	reopened, err := e.reopenDecision("undo", ss)
	if err != nil {
		return nil, err
	}

	report := &UndoReport{
		Kind:       UndoDecision,
		StepID:     ss.StepID,
		RunID:      ss.LastRun().RunID,
		RevertedTo: ledger.StatusAwaitingDecision,
		Reopened:   reopened,
		Remaining:  remainingRuns(e.Project.State),
	}
	e.trace(project.TraceUndo, ss.StepID, report.RunID, map[string]any{
		"kind":     UndoDecision,
		"reopened": reopened,
	})
	e.Log.Info("decision reopened", "step", ss.StepID, "reopened", reopened)
	return report, nil
}

// undoSkip returns a manually skipped step to pending.
func (e *Engine) undoSkip(ss *ledger.StepStatus) (*UndoReport, error) {
	p := e.Project
	st := p.State

	st.Touch(ss, ledger.StatusPending)
	st.RecomputePointer()
	if err := p.Save(); err != nil {
		return nil, fmt.Errorf("persist skip revert: %w", err)
	}

	report := &UndoReport{
		Kind:       UndoSkip,
		StepID:     ss.StepID,
		RevertedTo: ledger.StatusPending,
		Remaining:  remainingRuns(st),
	}
	e.trace(project.TraceUndo, ss.StepID, "", map[string]any{
		"kind": UndoSkip,
	})
	e.Log.Info("skip reverted", "step", ss.StepID)
	return report, nil
}

// newestEvent picks the most recent terminal event in the ledger: a run
// commit, a manual skip, or a declined decision. Ties fall to the later
// step in workflow order; a decision outranks the run it settled.
func newestEvent(st *ledger.State) (UndoKind, *ledger.StepStatus) {
	var (
		kind UndoKind
		best *ledger.StepStatus
		when time.Time
	)
	better := func(t time.Time) bool {
		return best == nil || !t.Before(when)
	}
	for _, ss := range st.Steps {
		if entry := ss.LastRun(); entry != nil {
			t := entry.EndedAt
			if t.IsZero() {
				t = entry.StartedAt
			}
			if better(t) {
				kind, best, when = UndoRun, ss, t
			}
			declined := ss.Status == ledger.StatusCompleted && entry.Outcome == ledger.OutcomeDeclined
			if declined && better(ss.UpdatedAt) {
				kind, best, when = UndoDecision, ss, ss.UpdatedAt
			}
		}
		if ss.Status == ledger.StatusSkippedManual && better(ss.UpdatedAt) {
			kind, best, when = UndoSkip, ss, ss.UpdatedAt
		}
	}
	return kind, best
}

func remainingRuns(st *ledger.State) int {
	n := 0
	for _, ss := range st.Steps {
		n += len(ss.History)
	}
	return n
}
