package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/script"
	"github.com/coldbench/stepwise/pkg/workflow"
)

// RunOptions selects what to run and who watches it.
type RunOptions struct {
	// StepID names the step to run; empty means the step at the pointer.
	StepID string

	// Subscriber, when set, receives every supervision event in order. It
	// is called from the supervising goroutine and must return quickly.
	Subscriber func(script.Event)
}

// Report describes how a run transaction ended.
type Report struct {
	StepID     string
	RunID      string
	SnapshotID string

	// Status is the step's status once the transaction settled.
	Status     ledger.Status
	ExitCode   int
	Terminated bool
	RolledBack bool
	Exports    map[string]string
	Duration   time.Duration

	// Prompt carries the decision prompt when the step settled into
	// awaiting_decision.
	Prompt string

	// AutoAnswer is set when the decision was answered by the workflow's
	// auto expression instead of the operator.
	AutoAnswer *bool

	// Skipped lists steps conditionally skipped by an auto-declined
	// decision.
	Skipped []string
}

// Session is a live run: the handle surfaces use to stream, feed input,
// terminate, and await the settled result.
type Session struct {
	StepID string
	RunID  string

	engine     *Engine
	handle     script.Handle
	subscriber func(script.Event)
	grace      time.Duration

	done   chan struct{}
	report *Report
	err    error
}

// Wait blocks until the run transaction has settled and returns the
// report. The error carries the failure taxonomy when the attempt was
// rolled back for cause; an operator-requested termination is not an
// error.
func (s *Session) Wait() (*Report, error) {
	<-s.done
	return s.report, s.err
}

// SendInput forwards one line to the running script's stdin.
func (s *Session) SendInput(line string) error {
	return s.handle.SendInput(line)
}

// Terminate asks the running script to stop. The run always rolls back;
// exactly one of natural exit and termination decides it.
func (s *Session) Terminate() error {
	return s.handle.Terminate(s.grace)
}

// Run starts the run transaction for one step: preconditions, pre-run
// snapshot, provisional ledger entry, then the script under supervision.
// It returns as soon as the script is spawned; the returned session
// settles the transaction when the script exits.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Session, error) {
	e.mu.Lock()
	sess, err := e.begin(ctx, opts)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	go sess.supervise()
	return sess, nil
}

// RunAndWait runs the selected step to settlement. For surfaces without
// interactive input.
func (e *Engine) RunAndWait(ctx context.Context, opts RunOptions) (*Report, error) {
	sess, err := e.Run(ctx, opts)
	if err != nil {
		return nil, err
	}
	return sess.Wait()
}

// begin performs the synchronous head of the run transaction. Caller
// holds e.mu.
func (e *Engine) begin(ctx context.Context, opts RunOptions) (*Session, error) {
	p := e.Project
	st := p.State
	wf := p.Workflow

	if e.session != nil || st.Running() != nil {
		return nil, &PreconditionError{Op: "run", Reason: "another step is already running"}
	}
	if err := e.checkConsistent(); err != nil {
		return nil, err
	}
	if st.PendingDecision != "" {
		return nil, &PreconditionError{Op: "run", Reason: fmt.Sprintf("step %q awaits a decision; answer it first", st.PendingDecision)}
	}

	var def *workflow.Step
	if opts.StepID != "" {
		def = wf.StepByID(opts.StepID)
		if def == nil {
			return nil, &PreconditionError{Op: "run", StepID: opts.StepID, Reason: "no such step in the workflow"}
		}
	} else {
		if st.CurrentPointer >= len(wf.Steps) {
			return nil, &PreconditionError{Op: "run", Reason: "the workflow is complete; nothing is left to run"}
		}
		def = &wf.Steps[st.CurrentPointer]
	}

	ss := st.Step(def.ID)
	switch ss.Status {
	case ledger.StatusPending:
		if st.Index(def.ID) != st.CurrentPointer {
			return nil, &PreconditionError{Op: "run", StepID: def.ID, Reason: "steps run in order; an earlier step is still pending"}
		}
	case ledger.StatusCompleted:
		if !def.Rerun {
			return nil, &PreconditionError{Op: "run", StepID: def.ID, Reason: "already completed and not marked rerunnable"}
		}
	case ledger.StatusAwaitingDecision:
		return nil, &PreconditionError{Op: "run", StepID: def.ID, Reason: "awaiting a decision"}
	case ledger.StatusSkippedManual:
		return nil, &PreconditionError{Op: "run", StepID: def.ID, Reason: "manually skipped; unskip it first"}
	case ledger.StatusSkippedConditional:
		return nil, &PreconditionError{Op: "run", StepID: def.ID, Reason: fmt.Sprintf("skipped by decision %q; rewind that decision to revisit it", ss.DecidedBy)}
	default:
		return nil, &PreconditionError{Op: "run", StepID: def.ID, Reason: fmt.Sprintf("status %s does not allow running", ss.Status)}
	}

	source := p.ScriptSource()
	if info, err := os.Stat(source); err != nil || !info.IsDir() {
		return nil, &ScriptNotFoundError{StepID: def.ID, Ref: def.Script, Source: source, Err: fmt.Errorf("script source directory missing")}
	}
	path, err := script.Resolve(source, def.Script)
	if err != nil {
		return nil, &ScriptNotFoundError{StepID: def.ID, Ref: def.Script, Source: source, Err: err}
	}

	runID := GenerateRunID()
	runIndex := ss.RunCount + 1

	snapID, err := p.Snapshots.Capture(p.Root, def.ID, runIndex)
	if err != nil {
		return nil, fmt.Errorf("capture pre-run snapshot for step %q: %w", def.ID, err)
	}

	prior := ss.Status
	ss.History = append(ss.History, ledger.Run{
		RunIndex:    runIndex,
		RunID:       runID,
		SnapshotID:  snapID,
		StartedAt:   time.Now(),
		PriorStatus: prior,
	})
	ss.RunCount++
	st.Touch(ss, ledger.StatusRunning)
	st.RecomputePointer()
	if err := p.Save(); err != nil {
		ss.History = ss.History[:len(ss.History)-1]
		ss.RunCount--
		st.Touch(ss, prior)
		st.RecomputePointer()
		return nil, fmt.Errorf("persist provisional run entry: %w", err)
	}
	e.trace(project.TraceRunStart, def.ID, runID, map[string]any{
		"script":   def.Script,
		"snapshot": snapID,
		"attempt":  runIndex,
	})
	e.Log.Info("step started", "step", def.ID, "run_id", runID, "attempt", runIndex)

	handle, err := e.Launcher.Start(ctx, script.Spec{
		Path:        path,
		Args:        def.Args,
		Dir:         p.Root,
		Interpreter: p.Config.Interpreter,
		Env:         e.runEnv(def.ID, runID),
		OutputLog:   p.OutputLogPath(runID),
	})
	if err != nil {
		// Nothing ran, so the working tree is untouched; unwind the
		// ledger without a restore.
		if rerr := e.rollback(ss, false, "launch failed"); rerr != nil {
			e.Log.Error("unwind after launch failure", "err", rerr)
		}
		return nil, &TransportError{StepID: def.ID, RunID: runID, Err: err}
	}

	sess := &Session{
		StepID:     def.ID,
		RunID:      runID,
		engine:     e,
		handle:     handle,
		subscriber: opts.Subscriber,
		grace:      p.Config.GracePeriod(),
		done:       make(chan struct{}),
	}
	e.session = sess
	return sess, nil
}

// runEnv builds the environment a step script sees: the project location,
// run identity, and every variable exported by surviving earlier runs.
func (e *Engine) runEnv(stepID, runID string) []string {
	vars := e.Project.State.MergedExports()
	env := make([]string, 0, len(vars)+3)
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	env = append(env,
		"STEPWISE_PROJECT_DIR="+e.Project.Root,
		"STEPWISE_STEP_ID="+stepID,
		"STEPWISE_RUN_ID="+runID,
	)
	return env
}

// supervise drains the event stream and settles the transaction once the
// exit event arrives.
func (s *Session) supervise() {
	var res script.Result
	for ev := range s.handle.Events() {
		if s.subscriber != nil {
			s.subscriber(ev)
		}
		if ev.Kind == script.EventExit && ev.Result != nil {
			res = *ev.Result
		}
	}
	s.report, s.err = s.engine.settle(s, res)
	close(s.done)
}

// settle decides commit, await, or rollback for a finished script.
func (e *Engine) settle(s *Session, res script.Result) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// The script has exited; the session no longer blocks other operations.
	e.session = nil

	p := e.Project
	st := p.State
	ss := st.Step(s.StepID)
	def := p.Workflow.StepByID(s.StepID)
	entry := ss.LastRun()
	entry.EndedAt = time.Now()
	entry.Exports = res.Exports

	report := &Report{
		StepID:     s.StepID,
		RunID:      s.RunID,
		SnapshotID: entry.SnapshotID,
		ExitCode:   res.ExitCode,
		Terminated: res.Terminated,
		Exports:    res.Exports,
		Duration:   res.Duration,
	}

	fail := func(reason string, cause error) (*Report, error) {
		if err := e.rollback(ss, true, reason); err != nil {
			report.Status = ss.Status
			return report, err
		}
		report.Status = ss.Status
		report.RolledBack = true
		e.Log.Warn("step rolled back", "step", s.StepID, "run_id", s.RunID, "reason", reason)
		return report, cause
	}

	switch {
	case res.Err != nil:
		return fail("transport failure", &TransportError{StepID: s.StepID, RunID: s.RunID, Err: res.Err})

	case res.Terminated:
		// Operator-requested; rollback is the intended outcome, not an error.
		return fail("terminated by operator", nil)

	case res.ExitCode != 0:
		return fail(fmt.Sprintf("exit code %d", res.ExitCode),
			&ExitError{StepID: s.StepID, RunID: s.RunID, ExitCode: res.ExitCode})
	}

	if missing := missingOutputs(p.Root, def); len(missing) > 0 {
		return fail("declared outputs missing",
			&OutputError{StepID: s.StepID, RunID: s.RunID, Missing: missing})
	}

	if def.Decision != nil {
		entry.Outcome = ledger.OutcomeAwaitingDecision
		st.Touch(ss, ledger.StatusAwaitingDecision)
		st.PendingDecision = ss.StepID
		st.RecomputePointer()
		if err := p.Save(); err != nil {
			return report, fmt.Errorf("persist awaiting decision: %w", err)
		}
		e.trace(project.TraceRunComplete, s.StepID, s.RunID, map[string]any{
			"outcome": ledger.OutcomeAwaitingDecision,
		})
		report.Status = ledger.StatusAwaitingDecision
		report.Prompt = def.Decision.Prompt

		if def.Decision.Auto != "" {
			answer, err := evalAuto(def.Decision.Auto, st.MergedExports())
			if err != nil {
				e.Log.Warn("auto decision fell back to the operator", "step", s.StepID, "err", err)
				return report, nil
			}
			dr, err := e.decideLocked(answer, "auto")
			if err != nil {
				e.Log.Warn("auto decision not applied", "step", s.StepID, "err", err)
				return report, nil
			}
			report.Status = ss.Status
			report.AutoAnswer = &answer
			report.Skipped = dr.Skipped
		}
		return report, nil
	}

	if err := e.archiveOutputs(def, s.RunID); err != nil {
		return fail("archive failed", fmt.Errorf("archive outputs of step %q: %w", s.StepID, err))
	}
	entry.Outcome = ledger.OutcomeSuccess
	st.Touch(ss, ledger.StatusCompleted)
	st.RecomputePointer()
	if err := p.Save(); err != nil {
		return report, fmt.Errorf("persist completed step: %w", err)
	}
	e.trace(project.TraceRunComplete, s.StepID, s.RunID, map[string]any{
		"outcome":  ledger.OutcomeSuccess,
		"duration": res.Duration.String(),
	})
	e.Log.Info("step completed", "step", s.StepID, "run_id", s.RunID, "duration", res.Duration)
	report.Status = ledger.StatusCompleted
	return report, nil
}

// rollback unwinds the newest attempt of a step: restore the pre-run
// snapshot (unless nothing ran), pop the provisional entry, revert the
// status. A failed restore is fatal and leaves the step marked failed.
// Caller holds e.mu.
func (e *Engine) rollback(ss *ledger.StepStatus, restore bool, reason string) error {
	p := e.Project
	st := p.State
	entry := ss.LastRun()

	if restore {
		if err := p.Snapshots.Restore(entry.SnapshotID, p.Root); err != nil {
			st.Touch(ss, ledger.StatusFailed)
			st.RecomputePointer()
			if perr := p.Save(); perr != nil {
				e.Log.Error("persist after failed restore", "err", perr)
			}
			e.trace(project.TraceRollback, ss.StepID, entry.RunID, map[string]any{
				"reason":  reason,
				"restore": "failed",
			})
			return &RestoreError{StepID: ss.StepID, SnapshotID: entry.SnapshotID, Err: err}
		}
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
		return fmt.Errorf("persist rollback: %w", err)
	}
	e.trace(project.TraceRollback, ss.StepID, entry.RunID, map[string]any{
		"reason":            reason,
		"restored_snapshot": entry.SnapshotID,
		"reverted_to":       string(prior),
	})
	return nil
}

// missingOutputs lists declared outputs a finished script failed to leave
// in the project directory.
func missingOutputs(root string, def *workflow.Step) []string {
	var missing []string
	for _, out := range def.Outputs {
		if _, err := os.Stat(joinProject(root, out)); err != nil {
			missing = append(missing, out)
		}
	}
	return missing
}
