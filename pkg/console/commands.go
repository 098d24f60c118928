package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/coldbench/stepwise/pkg/diagram"
	"github.com/coldbench/stepwise/pkg/engine"
	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/script"
	"github.com/coldbench/stepwise/pkg/workflow"
)

// handleRun runs one step to settlement, streaming its output. An empty
// stepID means the step at the pointer.
func (c *Console) handleRun(ctx context.Context, stepID string) error {
	st := c.project.State
	if stepID == "" {
		if st.CurrentPointer >= len(st.Steps) {
			fmt.Fprintf(c.output, "All steps completed.\n")
			return nil
		}
		stepID = st.Steps[st.CurrentPointer].StepID
	}

	if def := c.project.Workflow.StepByID(stepID); def != nil {
		idx := c.project.Workflow.Index(stepID)
		fmt.Fprintf(c.output, "Running step %d: %s [%s]\n", idx+1, stepTitle(def), def.ID)
	}

	rep, err := c.engine.RunAndWait(ctx, engine.RunOptions{StepID: stepID, Subscriber: c.printEvent})
	if err != nil {
		return err
	}

	switch {
	case rep.Status == ledger.StatusCompleted:
		fmt.Fprintf(c.output, "  ✓ %s completed in %s\n", rep.StepID, rep.Duration.Round(time.Millisecond))
		c.printExports(rep.Exports)
		if rep.AutoAnswer != nil {
			fmt.Fprintf(c.output, "  decision auto-answered %s\n", answerWord(*rep.AutoAnswer))
			if len(rep.Skipped) > 0 {
				fmt.Fprintf(c.output, "  ⊘ skipped: %s\n", strings.Join(rep.Skipped, ", "))
			}
		}
	case rep.Status == ledger.StatusAwaitingDecision:
		c.printExports(rep.Exports)
		fmt.Fprintf(c.output, "  ? %s\n", rep.Prompt)
		fmt.Fprintf(c.output, "  Answer with 'yes' or 'no'.\n")
	case rep.RolledBack:
		fmt.Fprintf(c.output, "  ✗ %s terminated, rolled back\n", rep.StepID)
	}
	return nil
}

// handleContinue runs steps in order until a decision, a failure, or the
// end of the workflow.
func (c *Console) handleContinue(ctx context.Context) error {
	st := c.project.State
	for st.CurrentPointer < len(st.Steps) {
		if st.PendingDecision != "" {
			fmt.Fprintf(c.output, "Paused: %s awaits a decision. Answer with 'yes' or 'no'.\n", st.PendingDecision)
			return nil
		}
		before := st.CurrentPointer
		if err := c.handleRun(ctx, ""); err != nil {
			return err
		}
		// A terminated run rolls back without an error; stop instead of
		// running the same step again.
		if st.CurrentPointer == before && st.PendingDecision == "" {
			return nil
		}
	}
	fmt.Fprintf(c.output, "All steps completed.\n")
	return nil
}

// handleDecide answers the pending decision.
func (c *Console) handleDecide(answer bool) error {
	rep, err := c.engine.Decide(answer)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "  ✓ %s answered %s\n", rep.StepID, answerWord(rep.Answer))
	if len(rep.Skipped) > 0 {
		fmt.Fprintf(c.output, "  ⊘ skipped: %s\n", strings.Join(rep.Skipped, ", "))
	}
	if rep.NextStep != "" {
		fmt.Fprintf(c.output, "  next: %s\n", rep.NextStep)
	} else {
		fmt.Fprintf(c.output, "  Workflow finished.\n")
	}
	return nil
}

func (c *Console) handleSkip(stepID string) error {
	if err := c.engine.Skip(stepID); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "  ⊘ %s skipped\n", stepID)
	return nil
}

func (c *Console) handleUnskip(stepID string) error {
	if err := c.engine.Unskip(stepID); err != nil {
		return err
	}
	fmt.Fprintf(c.output, "  ○ %s back to pending\n", stepID)
	return nil
}

// handleUndo reverts the most recent event: pops a run, reverts a
// manual skip, or reopens a declined decision.
func (c *Console) handleUndo() error {
	rep, err := c.engine.Undo()
	if err != nil {
		return err
	}
	switch rep.Kind {
	case engine.UndoSkip:
		fmt.Fprintf(c.output, "  ○ %s back to pending\n", rep.StepID)
	case engine.UndoDecision:
		fmt.Fprintf(c.output, "  ? %s awaits a decision again\n", rep.StepID)
		if len(rep.Reopened) > 0 {
			fmt.Fprintf(c.output, "  back to pending: %s\n", strings.Join(rep.Reopened, ", "))
		}
	default:
		fmt.Fprintf(c.output, "  ↩ undid %s run %s, step is now %s\n", rep.StepID, rep.RunID, rep.RevertedTo)
	}
	fmt.Fprintf(c.output, "  %d run(s) remain in the ledger\n", rep.Remaining)
	return nil
}

// handleRewind reopens the most recently declined decision.
func (c *Console) handleRewind() error {
	rep, err := c.engine.Rewind()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "  ? %s awaits a decision again\n", rep.StepID)
	if len(rep.Skipped) > 0 {
		fmt.Fprintf(c.output, "  back to pending: %s\n", strings.Join(rep.Skipped, ", "))
	}
	return nil
}

// handleStatus prints one row per step with the pointer marked.
func (c *Console) handleStatus() {
	st := c.project.State
	wf := c.project.Workflow
	fmt.Fprintf(c.output, "%s: %d steps\n", wf.Name, len(st.Steps))
	for i, ss := range st.Steps {
		marker := " "
		if i == st.CurrentPointer {
			marker = "→"
		}
		line := fmt.Sprintf("%s %2d  %s %-20s %s", marker, i+1, statusIcon(ss.Status), ss.StepID, ss.Status)
		if ss.RunCount > 0 {
			line += fmt.Sprintf("  runs:%d", ss.RunCount)
		}
		if ss.DecidedBy != "" {
			line += fmt.Sprintf("  (decided by %s)", ss.DecidedBy)
		}
		fmt.Fprintln(c.output, line)
	}
	if st.PendingDecision != "" {
		def := wf.StepByID(st.PendingDecision)
		fmt.Fprintf(c.output, "\nDecision pending on %s: %s\n", st.PendingDecision, def.Decision.Prompt)
		fmt.Fprintf(c.output, "Answer with 'yes' or 'no'.\n")
	}
}

// handleExports shows the merged variables exported by surviving runs.
func (c *Console) handleExports() {
	vars := c.project.State.MergedExports()
	if len(vars) == 0 {
		fmt.Fprintf(c.output, "No exported variables.\n")
		return
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.output, "  %s = %q\n", k, vars[k])
	}
}

// handleHistory shows surviving run entries, optionally for one step.
func (c *Console) handleHistory(stepID string) {
	found := false
	for _, ss := range c.project.State.Steps {
		if stepID != "" && ss.StepID != stepID {
			continue
		}
		for _, r := range ss.History {
			found = true
			icon := "✓"
			if r.Outcome == ledger.OutcomeAwaitingDecision {
				icon = "?"
			}
			d := r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond)
			fmt.Fprintf(c.output, "  %s %s run %d: %s in %s (snapshot %s)\n",
				icon, ss.StepID, r.RunIndex, r.Outcome, d, r.SnapshotID)
		}
	}
	if !found {
		fmt.Fprintf(c.output, "No runs recorded.\n")
	}
}

// handleSnapshots lists captured snapshots, flagging the ones no run
// references any more.
func (c *Console) handleSnapshots() {
	list, err := c.project.Snapshots.List()
	if err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	if len(list) == 0 {
		fmt.Fprintf(c.output, "No snapshots.\n")
		return
	}
	refs := c.project.State.ReferencedSnapshots()
	for _, m := range list {
		line := fmt.Sprintf("  %s  %s  before %s run %d  (%d files)",
			m.ID, m.CreatedAt.Format(time.RFC3339), m.StepID, m.RunIndex, len(m.Files))
		if !refs[m.ID] {
			line += "  unreferenced"
		}
		fmt.Fprintln(c.output, line)
	}
}

// handlePrune deletes snapshots no surviving run references.
func (c *Console) handlePrune() {
	removed, err := c.project.Snapshots.Prune(c.project.State.ReferencedSnapshots())
	if err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	if len(removed) == 0 {
		fmt.Fprintf(c.output, "Nothing to prune.\n")
		return
	}
	for _, id := range removed {
		fmt.Fprintf(c.output, "  removed %s\n", id)
	}
}

// handleDiff compares the working tree against a snapshot.
func (c *Console) handleDiff(id string) {
	d, err := c.project.Snapshots.Diff(id, c.project.Root)
	if err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	if d.Empty() {
		fmt.Fprintf(c.output, "Tree matches snapshot %s.\n", id)
		return
	}
	for _, rel := range d.Created {
		fmt.Fprintf(c.output, "  + %s\n", rel)
	}
	for _, rel := range d.Modified {
		fmt.Fprintf(c.output, "  ~ %s\n", rel)
	}
	for _, rel := range d.Deleted {
		fmt.Fprintf(c.output, "  - %s\n", rel)
	}
	for _, patch := range d.Patches {
		fmt.Fprintf(c.output, "\n%s", patch.Unified)
	}
}

// handleGraph prints the workflow as an ASCII diagram.
func (c *Console) handleGraph() {
	out, err := diagram.Generate(c.project.Workflow, diagram.FormatASCII)
	if err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	fmt.Fprint(c.output, out)
}

// handleValidate checks the ledger against the project tree.
func (c *Console) handleValidate() {
	err := c.engine.Validate()
	if err == nil {
		fmt.Fprintf(c.output, "  ✓ ledger and project tree are consistent\n")
		return
	}
	var ie *ledger.InconsistentError
	if errors.As(err, &ie) {
		fmt.Fprintf(c.output, "  ✗ %d problem(s):\n", len(ie.Problems))
		for _, p := range ie.Problems {
			fmt.Fprintf(c.output, "    step %s: %s\n", p.StepID, p.Detail)
		}
		return
	}
	fmt.Fprintf(c.output, "Error: %v\n", err)
}

// handleTrace verifies the audit trail's hash chain.
func (c *Console) handleTrace() {
	chk, err := project.VerifyTraceFile(c.project.TracePath())
	if err != nil {
		fmt.Fprintf(c.output, "Error: %v\n", err)
		return
	}
	if chk.Valid {
		fmt.Fprintf(c.output, "  ✓ trace intact: %d events\n", chk.EventCount)
		return
	}
	fmt.Fprintf(c.output, "  ✗ %s\n", chk.Error)
}

// handleDump outputs the full ledger state as JSON.
func (c *Console) handleDump() {
	data, err := json.MarshalIndent(c.project.State, "", "  ")
	if err != nil {
		fmt.Fprintf(c.output, "  Error marshaling state: %v\n", err)
		return
	}
	fmt.Fprintln(c.output, string(data))
}

// handleHelp displays available commands.
func (c *Console) handleHelp() {
	fmt.Fprintln(c.output, "Available commands:")
	fmt.Fprintln(c.output, "  status (st)      Show the ledger: every step and the pointer")
	fmt.Fprintln(c.output, "  next (n)         Run the step at the pointer")
	fmt.Fprintln(c.output, "  continue (c)     Run steps until a decision or the end")
	fmt.Fprintln(c.output, "  run (r) [step]   Run a step by id (rerun needs rerun: true)")
	fmt.Fprintln(c.output, "  yes (y) / no     Answer the pending decision")
	fmt.Fprintln(c.output, "  skip <step>      Manually skip the step at the pointer")
	fmt.Fprintln(c.output, "  unskip <step>    Return a manually skipped step to pending")
	fmt.Fprintln(c.output, "  undo (u)         Revert the most recent run, skip, or decision")
	fmt.Fprintln(c.output, "  rewind           Reopen the most recently declined decision")
	fmt.Fprintln(c.output, "  exports          Show variables exported by completed runs")
	fmt.Fprintln(c.output, "  history [step]   Show surviving run entries")
	fmt.Fprintln(c.output, "  snapshots        List pre-run snapshots")
	fmt.Fprintln(c.output, "  prune            Delete unreferenced snapshots")
	fmt.Fprintln(c.output, "  diff <snapshot>  Compare the tree against a snapshot")
	fmt.Fprintln(c.output, "  graph            Print the workflow as an ASCII diagram")
	fmt.Fprintln(c.output, "  validate (v)     Check the ledger against the project tree")
	fmt.Fprintln(c.output, "  trace            Verify the audit trail hash chain")
	fmt.Fprintln(c.output, "  dump             Output ledger state as JSON")
	fmt.Fprintln(c.output, "  help (?)         Show this help")
	fmt.Fprintln(c.output, "  quit (q)         Exit the console")
}

// printEvent streams one supervision event to the console.
func (c *Console) printEvent(ev script.Event) {
	switch ev.Kind {
	case script.EventStdout:
		fmt.Fprintf(c.output, "  | %s\n", ev.Text)
	case script.EventStderr:
		fmt.Fprintf(c.output, "  ! %s\n", ev.Text)
	}
}

func (c *Console) printExports(exports map[string]string) {
	if len(exports) == 0 {
		return
	}
	keys := make([]string, 0, len(exports))
	for k := range exports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.output, "  export %s=%s\n", k, exports[k])
	}
}

func stepTitle(def *workflow.Step) string {
	if def.Title != "" {
		return def.Title
	}
	return def.ID
}

func statusIcon(s ledger.Status) string {
	switch s {
	case ledger.StatusCompleted:
		return "✓"
	case ledger.StatusRunning:
		return "►"
	case ledger.StatusFailed:
		return "✗"
	case ledger.StatusAwaitingDecision:
		return "?"
	case ledger.StatusSkippedManual, ledger.StatusSkippedConditional:
		return "⊘"
	}
	return "○"
}

func answerWord(answer bool) string {
	if answer {
		return "yes"
	}
	return "no"
}
