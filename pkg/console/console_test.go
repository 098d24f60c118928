package console

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coldbench/stepwise/pkg/engine"
	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/logging"
	"github.com/coldbench/stepwise/pkg/project"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

const consoleWorkflow = `version: workflow/v1
name: gel-run
steps:
  - id: prep
    title: Prepare the gel
    script: prep.sh
    outputs:
      - gel.txt
  - id: gate
    title: Check the bands
    script: gate.sh
    decision:
      prompt: Are the bands clean?
      no_target: wrapup
      skip_on_no:
        - stain
  - id: stain
    title: Restain faint lanes
    script: stain.sh
  - id: wrapup
    title: Wrap up
    script: wrapup.sh
`

var consoleScripts = map[string]string{
	"prep.sh":   "echo preparing\necho '::stepwise:export LANES=8::'\nprintf 'bands\\n' > gel.txt\n",
	"gate.sh":   "echo checking\necho '::stepwise:decision::'\n",
	"stain.sh":  "echo staining\n",
	"wrapup.sh": "echo done\n",
}

// newTestConsole initializes a project with real shell scripts and binds a
// console to a buffer, so commands can be driven without readline.
func newTestConsole(t *testing.T) (*Console, *bytes.Buffer) {
	t.Helper()
	requireSh(t)
	root := t.TempDir()
	scriptsDir := filepath.Join(root, "scripts")
	if err := os.MkdirAll(scriptsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, body := range consoleScripts {
		if err := os.WriteFile(filepath.Join(scriptsDir, name), []byte("#!/bin/sh\n"+body), 0755); err != nil {
			t.Fatal(err)
		}
	}
	wfSrc := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(wfSrc, []byte(consoleWorkflow), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := project.Init(root, wfSrc, logging.Discard())
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	p.Config.Interpreter = []string{"/bin/sh"}

	var buf bytes.Buffer
	c := New(p, engine.New(p, nil))
	c.output = &buf
	return c, &buf
}

func mustContain(t *testing.T, buf *bytes.Buffer, wants ...string) {
	t.Helper()
	out := buf.String()
	for _, want := range wants {
		if !strings.Contains(out, want) {
			t.Errorf("output does not contain %q:\n%s", want, out)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	if got := c.buildPrompt(); got != "stepwise[1/4 | prep]> " {
		t.Errorf("fresh prompt = %q", got)
	}

	c.execute(ctx, "next")
	c.execute(ctx, "next")
	if got := c.buildPrompt(); got != "stepwise[gate yes/no?]> " {
		t.Errorf("decision prompt = %q", got)
	}

	c.execute(ctx, "yes")
	c.execute(ctx, "continue")
	buf.Reset()
	if got := c.buildPrompt(); got != "stepwise[done]> " {
		t.Errorf("finished prompt = %q", got)
	}
}

func TestStatusShowsPointerAndStates(t *testing.T) {
	c, buf := newTestConsole(t)

	c.handleStatus()
	mustContain(t, buf, "gel-run: 4 steps", "→  1  ○ prep", "pending")

	buf.Reset()
	if err := c.handleRun(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	buf.Reset()
	c.handleStatus()
	mustContain(t, buf, "✓ prep", "completed", "runs:1", "→  2  ○ gate")
}

func TestRunStreamsOutputAndCommits(t *testing.T) {
	c, buf := newTestConsole(t)

	quit := c.execute(context.Background(), "next")
	if quit {
		t.Fatal("next asked to quit")
	}
	mustContain(t, buf,
		"Running step 1: Prepare the gel [prep]",
		"  | preparing",
		"  export LANES=8",
		"✓ prep completed")

	if _, err := os.Stat(filepath.Join(c.project.Root, "gel.txt")); err != nil {
		t.Fatalf("declared output missing after run: %v", err)
	}
}

func TestDecisionFlowThroughConsole(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "next")
	buf.Reset()
	c.execute(ctx, "next")
	mustContain(t, buf, "  | checking", "? Are the bands clean?", "Answer with 'yes' or 'no'.")

	buf.Reset()
	c.execute(ctx, "no")
	mustContain(t, buf, "✓ gate answered no", "⊘ skipped: stain", "next: wrapup")

	buf.Reset()
	c.handleStatus()
	mustContain(t, buf, "⊘ stain", "skipped_conditional", "(decided by gate)")
}

func TestContinuePausesOnDecision(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "continue")
	mustContain(t, buf, "✓ prep completed", "Paused: gate awaits a decision")

	buf.Reset()
	c.execute(ctx, "yes")
	c.execute(ctx, "continue")
	mustContain(t, buf, "✓ stain completed", "✓ wrapup completed", "All steps completed.")

	st := c.project.State
	if st.CurrentPointer != len(st.Steps) {
		t.Fatalf("pointer = %d, want %d", st.CurrentPointer, len(st.Steps))
	}
}

func TestRunErrorsArePrinted(t *testing.T) {
	c, buf := newTestConsole(t)

	c.execute(context.Background(), "run nope")
	mustContain(t, buf, "Error:", "no such step")

	buf.Reset()
	c.execute(context.Background(), "run gate")
	mustContain(t, buf, "Error:", "order")
}

func TestSkipAndUnskipCommands(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "skip")
	mustContain(t, buf, "Usage: skip <step-id>")

	buf.Reset()
	c.execute(ctx, "skip prep")
	mustContain(t, buf, "⊘ prep skipped")
	if got := c.project.State.Step("prep").Status; got != ledger.StatusSkippedManual {
		t.Fatalf("prep status = %s", got)
	}

	buf.Reset()
	c.execute(ctx, "unskip prep")
	mustContain(t, buf, "○ prep back to pending")
	if got := c.project.State.Step("prep").Status; got != ledger.StatusPending {
		t.Fatalf("prep status = %s", got)
	}
}

func TestUndoCommand(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "next")
	buf.Reset()
	c.execute(ctx, "undo")
	mustContain(t, buf, "↩ undid prep run", "step is now pending", "0 run(s) remain")

	if _, err := os.Stat(filepath.Join(c.project.Root, "gel.txt")); !os.IsNotExist(err) {
		t.Fatalf("gel.txt still present after undo (err=%v)", err)
	}

	buf.Reset()
	c.execute(ctx, "undo")
	mustContain(t, buf, "Error:", "nothing to undo")
}

func TestRewindCommand(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "next")
	c.execute(ctx, "next")
	c.execute(ctx, "no")
	buf.Reset()

	c.execute(ctx, "rewind")
	mustContain(t, buf, "? gate awaits a decision again", "back to pending: stain")
	if c.project.State.PendingDecision != "gate" {
		t.Fatalf("pending decision = %q", c.project.State.PendingDecision)
	}
}

func TestExportsCommand(t *testing.T) {
	c, buf := newTestConsole(t)

	c.handleExports()
	mustContain(t, buf, "No exported variables.")

	buf.Reset()
	c.execute(context.Background(), "next")
	buf.Reset()
	c.execute(context.Background(), "exports")
	mustContain(t, buf, `LANES = "8"`)
}

func TestHistoryCommand(t *testing.T) {
	c, buf := newTestConsole(t)

	c.handleHistory("")
	mustContain(t, buf, "No runs recorded.")

	buf.Reset()
	c.execute(context.Background(), "next")
	buf.Reset()
	c.execute(context.Background(), "history prep")
	mustContain(t, buf, "✓ prep run 1: success", "snapshot snap-")
}

func TestSnapshotsDiffAndPrune(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "snapshots")
	mustContain(t, buf, "No snapshots.")

	c.execute(ctx, "next")
	c.execute(ctx, "next")
	buf.Reset()
	c.execute(ctx, "snapshots")
	mustContain(t, buf, "before prep run 1", "before gate run 1")

	// The gate snapshot captured gel.txt; change it and diff against that.
	var gateSnap string
	list, err := c.project.Snapshots.List()
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range list {
		if m.StepID == "gate" {
			gateSnap = m.ID
		}
	}
	if gateSnap == "" {
		t.Fatal("no snapshot recorded for gate")
	}
	if err := os.WriteFile(filepath.Join(c.project.Root, "gel.txt"), []byte("faint\n"), 0644); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	c.execute(ctx, "diff "+gateSnap)
	mustContain(t, buf, "~ gel.txt", "-bands", "+faint")

	buf.Reset()
	c.execute(ctx, "prune")
	mustContain(t, buf, "Nothing to prune.")
}

func TestPruneRemovesUnreferencedSnapshots(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "next")
	c.execute(ctx, "undo")
	buf.Reset()
	c.execute(ctx, "prune")
	mustContain(t, buf, "removed snap-")

	buf.Reset()
	c.execute(ctx, "snapshots")
	mustContain(t, buf, "No snapshots.")
}

func TestValidateCommand(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "next")
	buf.Reset()
	c.execute(ctx, "validate")
	mustContain(t, buf, "✓ ledger and project tree are consistent")

	if err := os.Remove(filepath.Join(c.project.Root, "gel.txt")); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	c.execute(ctx, "validate")
	mustContain(t, buf, "✗ 1 problem(s):", "step prep:", "gel.txt")
}

func TestTraceCommand(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "next")
	buf.Reset()
	c.execute(ctx, "trace")
	mustContain(t, buf, "✓ trace intact")

	f, err := os.OpenFile(c.project.TracePath(), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("{broken\n")
	f.Close()

	buf.Reset()
	c.execute(ctx, "trace")
	mustContain(t, buf, "✗", "invalid JSON")
}

func TestGraphCommand(t *testing.T) {
	c, buf := newTestConsole(t)

	c.execute(context.Background(), "graph")
	mustContain(t, buf, "Prepare the gel", "no → wrapup", "⊘ stain")
}

func TestDumpCommand(t *testing.T) {
	c, buf := newTestConsole(t)

	c.execute(context.Background(), "dump")
	mustContain(t, buf, `"workflow": "gel-run"`, `"step_id": "prep"`)
}

func TestDispatchMisc(t *testing.T) {
	c, buf := newTestConsole(t)
	ctx := context.Background()

	c.execute(ctx, "wibble")
	mustContain(t, buf, `Unknown command: "wibble"`)

	buf.Reset()
	c.execute(ctx, "help")
	mustContain(t, buf, "Available commands:", "rewind", "quit (q)")

	buf.Reset()
	if quit := c.execute(ctx, "quit"); !quit {
		t.Fatal("quit did not ask to exit")
	}
	mustContain(t, buf, "Exiting console.")
}
