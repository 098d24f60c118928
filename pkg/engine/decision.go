package engine

import (
	"fmt"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/project"
)

// DecisionReport describes an answered decision.
type DecisionReport struct {
	StepID    string
	Answer    bool
	DecidedBy string
	// Skipped lists the steps conditionally skipped by a No answer.
	Skipped []string
	// NextStep is the step now at the pointer, or empty when the workflow
	// finished.
	NextStep string
}

// Decide answers the pending decision. Yes completes the decision step and
// continues in order; No completes it, conditionally skips the declared
// skip set, and routes the pointer to the no-target. Neither answer
// touches project files.
func (e *Engine) Decide(answer bool) (*DecisionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decideLocked(answer, "operator")
}

func (e *Engine) decideLocked(answer bool, decidedBy string) (*DecisionReport, error) {
	p := e.Project
	st := p.State

	if e.session != nil || st.Running() != nil {
		return nil, &PreconditionError{Op: "decide", Reason: "a step is running"}
	}
	if err := e.checkConsistent(); err != nil {
		return nil, err
	}
	if st.PendingDecision == "" {
		return nil, &PreconditionError{Op: "decide", Reason: "no decision is pending"}
	}

	ss := st.Step(st.PendingDecision)
	def := p.Workflow.StepByID(ss.StepID)
	entry := ss.LastRun()

	if !answer {
		for _, id := range def.Decision.SkipOnNo {
			if target := st.Step(id); target.Status != ledger.StatusPending {
				return nil, &PreconditionError{Op: "decide", StepID: ss.StepID,
					Reason: fmt.Sprintf("cannot decline: step %q is %s, undo it first", id, target.Status)}
			}
		}
	}

	// The decision step commits on either answer; its declared artifacts
	// must be in place before the ledger says so.
	if missing := missingOutputs(p.Root, def); len(missing) > 0 {
		return nil, &OutputError{StepID: ss.StepID, RunID: entry.RunID, Missing: missing}
	}
	if err := e.archiveOutputs(def, entry.RunID); err != nil {
		return nil, fmt.Errorf("archive outputs of step %q: %w", ss.StepID, err)
	}

	report := &DecisionReport{StepID: ss.StepID, Answer: answer, DecidedBy: decidedBy}
	if answer {
		entry.Outcome = ledger.OutcomeSuccess
	} else {
		entry.Outcome = ledger.OutcomeDeclined
		for _, id := range def.Decision.SkipOnNo {
			target := st.Step(id)
			st.Touch(target, ledger.StatusSkippedConditional)
			target.DecidedBy = ss.StepID
			report.Skipped = append(report.Skipped, id)
		}
	}
	st.Touch(ss, ledger.StatusCompleted)
	st.PendingDecision = ""
	st.RecomputePointer()
	if err := p.Save(); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	if st.CurrentPointer < len(st.Steps) {
		report.NextStep = st.Steps[st.CurrentPointer].StepID
	}
	e.trace(project.TraceDecision, ss.StepID, entry.RunID, map[string]any{
		"answer":     answerWord(answer),
		"decided_by": decidedBy,
		"skipped":    report.Skipped,
	})
	e.Log.Info("decision recorded", "step", ss.StepID, "answer", answerWord(answer), "decided_by", decidedBy)
	return report, nil
}

// Rewind reopens the most recently declined decision: its conditionally
// skipped steps return to pending and the decision step returns to
// awaiting_decision. Ledger only; no files move.
func (e *Engine) Rewind() (*DecisionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.Project
	st := p.State

	if e.session != nil || st.Running() != nil {
		return nil, &PreconditionError{Op: "rewind", Reason: "a step is running"}
	}
	if err := e.checkConsistent(); err != nil {
		return nil, err
	}
	if st.PendingDecision != "" {
		return nil, &PreconditionError{Op: "rewind", Reason: fmt.Sprintf("step %q already awaits a decision", st.PendingDecision)}
	}

	// The newest declined decision is the rewind target.
	var ss *ledger.StepStatus
	for _, cand := range st.Steps {
		if cand.Status != ledger.StatusCompleted {
			continue
		}
		last := cand.LastRun()
		if last == nil || last.Outcome != ledger.OutcomeDeclined {
			continue
		}
		if ss == nil || cand.UpdatedAt.After(ss.UpdatedAt) {
			ss = cand
		}
	}
	if ss == nil {
		return nil, &PreconditionError{Op: "rewind", Reason: "no declined decision to reopen"}
	}

	// Anything run after the decision must be undone first, or the ledger
	// would rewrite history out of order.
	for _, other := range st.Steps {
		if last := other.LastRun(); last != nil && last.StartedAt.After(ss.UpdatedAt) {
			return nil, &PreconditionError{Op: "rewind", StepID: ss.StepID,
				Reason: fmt.Sprintf("step %q ran after the decision; undo it first", other.StepID)}
		}
	}

	reopened, err := e.reopenDecision("rewind", ss)
	if err != nil {
		return nil, err
	}

	report := &DecisionReport{StepID: ss.StepID, Answer: false, DecidedBy: "rewind", Skipped: reopened}
	e.trace(project.TraceRewind, ss.StepID, ss.LastRun().RunID, map[string]any{
		"reopened": reopened,
	})
	e.Log.Info("decision reopened", "step", ss.StepID)
	return report, nil
}

// reopenDecision returns a declined decision step to awaiting_decision
// and its skip set to pending. Ledger only; callers hold the lock and
// trace the operation themselves.
func (e *Engine) reopenDecision(op string, ss *ledger.StepStatus) ([]string, error) {
	p := e.Project
	st := p.State

	def := p.Workflow.StepByID(ss.StepID)
	for _, id := range def.Decision.SkipOnNo {
		target := st.Step(id)
		if target.Status != ledger.StatusSkippedConditional || target.DecidedBy != ss.StepID {
			return nil, &PreconditionError{Op: op, StepID: ss.StepID,
				Reason: fmt.Sprintf("step %q no longer carries this decision's skip", id)}
		}
	}

	var reopened []string
	for _, id := range def.Decision.SkipOnNo {
		target := st.Step(id)
		target.DecidedBy = ""
		st.Touch(target, ledger.StatusPending)
		reopened = append(reopened, id)
	}
	entry := ss.LastRun()
	entry.Outcome = ledger.OutcomeAwaitingDecision
	st.Touch(ss, ledger.StatusAwaitingDecision)
	st.PendingDecision = ss.StepID
	st.RecomputePointer()
	if err := p.Save(); err != nil {
		return nil, fmt.Errorf("persist reopened decision: %w", err)
	}
	return reopened, nil
}

// Skip marks the step at the pointer as manually skipped.
func (e *Engine) Skip(stepID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.Project
	st := p.State

	if e.session != nil || st.Running() != nil {
		return &PreconditionError{Op: "skip", Reason: "a step is running"}
	}
	if err := e.checkConsistent(); err != nil {
		return err
	}
	if st.PendingDecision != "" {
		return &PreconditionError{Op: "skip", Reason: fmt.Sprintf("step %q awaits a decision; answer it first", st.PendingDecision)}
	}

	ss := st.Step(stepID)
	if ss == nil {
		return &PreconditionError{Op: "skip", StepID: stepID, Reason: "no such step in the workflow"}
	}
	if ss.Status != ledger.StatusPending {
		return &PreconditionError{Op: "skip", StepID: stepID, Reason: fmt.Sprintf("status is %s, only a pending step can be skipped", ss.Status)}
	}
	if st.Index(stepID) != st.CurrentPointer {
		return &PreconditionError{Op: "skip", StepID: stepID, Reason: "steps are skipped in order; it is not the next step"}
	}

	st.Touch(ss, ledger.StatusSkippedManual)
	st.RecomputePointer()
	if err := p.Save(); err != nil {
		return fmt.Errorf("persist skip: %w", err)
	}
	e.trace(project.TraceSkip, stepID, "", nil)
	e.Log.Info("step skipped", "step", stepID)
	return nil
}

// Unskip reverts a manual skip, provided nothing past the step has
// happened since.
func (e *Engine) Unskip(stepID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.Project
	st := p.State

	if e.session != nil || st.Running() != nil {
		return &PreconditionError{Op: "unskip", Reason: "a step is running"}
	}
	if err := e.checkConsistent(); err != nil {
		return err
	}

	ss := st.Step(stepID)
	if ss == nil {
		return &PreconditionError{Op: "unskip", StepID: stepID, Reason: "no such step in the workflow"}
	}
	if ss.Status != ledger.StatusSkippedManual {
		return &PreconditionError{Op: "unskip", StepID: stepID, Reason: fmt.Sprintf("status is %s, not manually skipped", ss.Status)}
	}
	for i := st.Index(stepID) + 1; i < len(st.Steps); i++ {
		if later := st.Steps[i]; later.Status != ledger.StatusPending && !later.Status.Skipped() {
			return &PreconditionError{Op: "unskip", StepID: stepID,
				Reason: fmt.Sprintf("step %q already advanced past it; undo first", later.StepID)}
		}
	}

	st.Touch(ss, ledger.StatusPending)
	st.RecomputePointer()
	if err := p.Save(); err != nil {
		return fmt.Errorf("persist unskip: %w", err)
	}
	e.trace(project.TraceSkip, stepID, "", map[string]any{"reverted": true})
	e.Log.Info("skip reverted", "step", stepID)
	return nil
}

func answerWord(answer bool) string {
	if answer {
		return "yes"
	}
	return "no"
}
