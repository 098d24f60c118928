package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/logging"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/script"
)

const testWorkflow = `version: workflow/v1
name: pcr-prep
steps:
  - id: create_db
    title: Create the sample database
    script: create_db.sh
    outputs:
      - project.db
  - id: extract
    title: Extract samples
    script: extract.sh
    rerun: true
  - id: qc_gate
    title: QC gel check
    script: qc_gate.sh
    decision:
      prompt: Did the QC gel pass?
      no_target: finalize
      skip_on_no:
        - rework
  - id: rework
    title: Rework failed lanes
    script: rework.sh
  - id: finalize
    title: Finalize the plate
    script: finalize.sh
`

var testScripts = []string{"create_db.sh", "extract.sh", "qc_gate.sh", "rework.sh", "finalize.sh"}

// fakeBehavior scripts what a fake process does, keyed by script file name.
type fakeBehavior struct {
	startErr error
	exitCode int
	stdout   []string
	stderr   []string
	exports  map[string]string
	touch    map[string]string
	appendTo map[string]string
	remove   []string
	hang     bool
}

type fakeLauncher struct {
	mu        sync.Mutex
	behaviors map[string]fakeBehavior
	specs     []script.Spec
}

func (f *fakeLauncher) Start(_ context.Context, spec script.Spec) (script.Handle, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	b := f.behaviors[filepath.Base(spec.Path)]
	f.mu.Unlock()
	if b.startErr != nil {
		return nil, b.startErr
	}
	h := &fakeHandle{
		events:   make(chan script.Event, 64),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
		behavior: b,
		dir:      spec.Dir,
	}
	go h.run()
	return h, nil
}

func (f *fakeLauncher) lastSpec(t *testing.T) script.Spec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.specs) == 0 {
		t.Fatal("nothing was launched")
	}
	return f.specs[len(f.specs)-1]
}

type fakeHandle struct {
	events   chan script.Event
	done     chan struct{}
	stop     chan struct{}
	behavior fakeBehavior
	dir      string

	mu         sync.Mutex
	finished   bool
	terminated bool
	result     script.Result
	inputs     []string
}

func (h *fakeHandle) run() {
	for rel, content := range h.behavior.touch {
		full := filepath.Join(h.dir, filepath.FromSlash(rel))
		os.MkdirAll(filepath.Dir(full), 0755)
		os.WriteFile(full, []byte(content), 0644)
	}
	for rel, content := range h.behavior.appendTo {
		full := filepath.Join(h.dir, filepath.FromSlash(rel))
		if f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			f.WriteString(content)
			f.Close()
		}
	}
	for _, rel := range h.behavior.remove {
		os.Remove(filepath.Join(h.dir, filepath.FromSlash(rel)))
	}
	for _, line := range h.behavior.stdout {
		h.events <- script.Event{Kind: script.EventStdout, Text: line, Time: time.Now()}
	}
	for _, line := range h.behavior.stderr {
		h.events <- script.Event{Kind: script.EventStderr, Text: line, Time: time.Now()}
	}
	if h.behavior.hang {
		<-h.stop
	}

	h.mu.Lock()
	h.result = script.Result{
		ExitCode:   h.behavior.exitCode,
		Terminated: h.terminated,
		Exports:    h.behavior.exports,
	}
	h.finished = true
	res := h.result
	h.mu.Unlock()

	close(h.done)
	h.events <- script.Event{Kind: script.EventExit, Time: time.Now(), Result: &res}
	close(h.events)
}

func (h *fakeHandle) Events() <-chan script.Event { return h.events }

func (h *fakeHandle) SendInput(line string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return script.ErrNotAlive
	}
	h.inputs = append(h.inputs, line)
	return nil
}

func (h *fakeHandle) Terminate(time.Duration) error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return script.ErrNotAlive
	}
	already := h.terminated
	h.terminated = true
	h.mu.Unlock()
	if !already {
		close(h.stop)
	}
	<-h.done
	return nil
}

func (h *fakeHandle) Wait() script.Result {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// newTestEngine initializes a project with the standard five-step workflow
// and dummy script files, driven by a fake launcher.
func newTestEngine(t *testing.T, behaviors map[string]fakeBehavior) (*Engine, *fakeLauncher) {
	t.Helper()
	return newTestEngineWith(t, testWorkflow, testScripts, behaviors)
}

func newTestEngineWith(t *testing.T, workflowYAML string, scripts []string, behaviors map[string]fakeBehavior) (*Engine, *fakeLauncher) {
	t.Helper()
	root := t.TempDir()
	scriptsDir := filepath.Join(root, "scripts")
	if err := os.MkdirAll(scriptsDir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range scripts {
		if err := os.WriteFile(filepath.Join(scriptsDir, name), []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	wfSrc := filepath.Join(t.TempDir(), "workflow.yaml")
	if err := os.WriteFile(wfSrc, []byte(workflowYAML), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := project.Init(root, wfSrc, logging.Discard())
	if err != nil {
		t.Fatalf("init project: %v", err)
	}
	if behaviors == nil {
		behaviors = map[string]fakeBehavior{}
	}
	fl := &fakeLauncher{behaviors: behaviors}
	return New(p, fl), fl
}

// reloadState reads the persisted ledger back, proving what survived.
func reloadState(t *testing.T, e *Engine) *ledger.State {
	t.Helper()
	st, err := (&ledger.Store{Path: e.Project.LedgerPath()}).Load()
	if err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	return st
}

func mustRun(t *testing.T, e *Engine, stepID string) *Report {
	t.Helper()
	rep, err := e.RunAndWait(context.Background(), RunOptions{StepID: stepID})
	if err != nil {
		t.Fatalf("run %s: %v", stepID, err)
	}
	return rep
}

func TestRunCommitsOnSuccess(t *testing.T) {
	e, fl := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {touch: map[string]string{"project.db": "tables\n"}, stdout: []string{"created"}},
	})

	rep := mustRun(t, e, "")
	if rep.StepID != "create_db" || rep.Status != ledger.StatusCompleted || rep.RolledBack {
		t.Fatalf("report = %+v", rep)
	}

	st := reloadState(t, e)
	ss := st.Step("create_db")
	if ss.Status != ledger.StatusCompleted || ss.RunCount != 1 {
		t.Errorf("persisted step = %s, %d runs", ss.Status, ss.RunCount)
	}
	entry := ss.LastRun()
	if entry.Outcome != ledger.OutcomeSuccess || entry.SnapshotID == "" || entry.EndedAt.IsZero() {
		t.Errorf("persisted entry = %+v", entry)
	}
	if st.CurrentPointer != 1 {
		t.Errorf("pointer = %d, want 1", st.CurrentPointer)
	}
	if _, err := e.Project.Snapshots.Load(entry.SnapshotID); err != nil {
		t.Errorf("pre-run snapshot not kept: %v", err)
	}

	spec := fl.lastSpec(t)
	if spec.Dir != e.Project.Root {
		t.Errorf("script ran in %q, want project root", spec.Dir)
	}
	var haveStep, haveRun bool
	for _, kv := range spec.Env {
		if kv == "STEPWISE_STEP_ID=create_db" {
			haveStep = true
		}
		if strings.HasPrefix(kv, "STEPWISE_RUN_ID=") {
			haveRun = true
		}
	}
	if !haveStep || !haveRun {
		t.Errorf("run env missing identity: %v", spec.Env)
	}

	trail, err := os.ReadFile(e.Project.TracePath())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"run_start"`, `"run_complete"`} {
		if !strings.Contains(string(trail), want) {
			t.Errorf("trace missing %s", want)
		}
	}
}

func TestRunRollsBackOnNonZeroExit(t *testing.T) {
	e, _ := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {
			exitCode: 3,
			touch:    map[string]string{"project.db": "tables\n", "debris.tmp": "partial\n"},
		},
	})

	rep, err := e.RunAndWait(context.Background(), RunOptions{})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode != 3 {
		t.Fatalf("error = %v, want ExitError with code 3", err)
	}
	if !rep.RolledBack || rep.Status != ledger.StatusPending {
		t.Fatalf("report = %+v, want rolled back to pending", rep)
	}

	for _, rel := range []string{"project.db", "debris.tmp"} {
		if _, err := os.Stat(filepath.Join(e.Project.Root, rel)); err == nil {
			t.Errorf("%s survived the rollback", rel)
		}
	}
	st := reloadState(t, e)
	ss := st.Step("create_db")
	if ss.Status != ledger.StatusPending || ss.RunCount != 0 || len(ss.History) != 0 {
		t.Errorf("persisted step = %s, %d runs; want a clean pending step", ss.Status, ss.RunCount)
	}
	if st.CurrentPointer != 0 {
		t.Errorf("pointer = %d, want 0", st.CurrentPointer)
	}
}

func TestRunMissingDeclaredOutput(t *testing.T) {
	e, _ := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {exitCode: 0}, // exits clean, produces nothing
	})

	_, err := e.RunAndWait(context.Background(), RunOptions{})
	var outErr *OutputError
	if !errors.As(err, &outErr) {
		t.Fatalf("error = %v, want OutputError", err)
	}
	if len(outErr.Missing) != 1 || outErr.Missing[0] != "project.db" {
		t.Errorf("missing = %v", outErr.Missing)
	}
	if ss := reloadState(t, e).Step("create_db"); ss.Status != ledger.StatusPending {
		t.Errorf("status = %s, want pending after rollback", ss.Status)
	}
}

func TestRunEnforcesOrder(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.RunAndWait(context.Background(), RunOptions{StepID: "extract"})
	var pre *PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("error = %v, want PreconditionError", err)
	}
	if !strings.Contains(pre.Error(), "order") {
		t.Errorf("reason = %q", pre.Reason)
	}
}

func TestRunUnknownStep(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.RunAndWait(context.Background(), RunOptions{StepID: "centrifuge"})
	var pre *PreconditionError
	if !errors.As(err, &pre) || !strings.Contains(err.Error(), "no such step") {
		t.Fatalf("error = %v", err)
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	if err := os.Remove(filepath.Join(e.Project.Root, "scripts", "create_db.sh")); err != nil {
		t.Fatal(err)
	}

	_, err := e.RunAndWait(context.Background(), RunOptions{})
	var nf *ScriptNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want ScriptNotFoundError", err)
	}
	if !errors.Is(err, script.ErrNotFound) {
		t.Errorf("error does not unwrap to script.ErrNotFound")
	}

	// Nothing moved: no snapshot, no ledger changes.
	snaps, _ := e.Project.Snapshots.List()
	if len(snaps) != 0 {
		t.Errorf("%d snapshots captured for a refused run", len(snaps))
	}
	if ss := reloadState(t, e).Step("create_db"); ss.Status != ledger.StatusPending || ss.RunCount != 0 {
		t.Errorf("ledger changed: %s, %d runs", ss.Status, ss.RunCount)
	}
}

func TestRunSpawnFailureRollsBackProvisionalEntry(t *testing.T) {
	e, _ := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {startErr: errors.New("fork: resource exhausted")},
	})

	_, err := e.RunAndWait(context.Background(), RunOptions{})
	var tr *TransportError
	if !errors.As(err, &tr) {
		t.Fatalf("error = %v, want TransportError", err)
	}
	st := reloadState(t, e)
	ss := st.Step("create_db")
	if ss.Status != ledger.StatusPending || ss.RunCount != 0 || len(ss.History) != 0 {
		t.Errorf("provisional entry not unwound: %s, %d runs", ss.Status, ss.RunCount)
	}
}

func TestRunRerunOnlyWhenAllowed(t *testing.T) {
	e, _ := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {touch: map[string]string{"project.db": "tables\n"}},
		"extract.sh":   {touch: map[string]string{"samples.csv": "a,b\n"}},
	})
	mustRun(t, e, "")

	_, err := e.RunAndWait(context.Background(), RunOptions{StepID: "create_db"})
	var pre *PreconditionError
	if !errors.As(err, &pre) || !strings.Contains(err.Error(), "rerunnable") {
		t.Fatalf("rerun of create_db = %v", err)
	}

	mustRun(t, e, "extract")
	rep := mustRun(t, e, "extract")
	if rep.Status != ledger.StatusCompleted {
		t.Fatalf("rerun report = %+v", rep)
	}
	ss := reloadState(t, e).Step("extract")
	if ss.RunCount != 2 || len(ss.History) != 2 {
		t.Errorf("extract has %d runs, want 2", ss.RunCount)
	}
	if ss.History[1].PriorStatus != ledger.StatusCompleted {
		t.Errorf("second attempt prior status = %s", ss.History[1].PriorStatus)
	}
}

func TestTerminatedRunRollsBack(t *testing.T) {
	e, _ := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {
			hang:  true,
			touch: map[string]string{"project.db": "half-written\n"},
		},
	})

	sess, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := sess.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	rep, err := sess.Wait()
	if err != nil {
		t.Fatalf("a terminated run is not an error, got %v", err)
	}
	if !rep.Terminated || !rep.RolledBack || rep.Status != ledger.StatusPending {
		t.Fatalf("report = %+v", rep)
	}
	if _, err := os.Stat(filepath.Join(e.Project.Root, "project.db")); err == nil {
		t.Error("half-written file survived the rollback")
	}
	if ss := reloadState(t, e).Step("create_db"); ss.RunCount != 0 {
		t.Errorf("run survived termination: %d", ss.RunCount)
	}
}

func TestRunBlockedWhileAnotherRuns(t *testing.T) {
	e, _ := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {hang: true, touch: map[string]string{"project.db": "x\n"}},
	})

	sess, err := e.Run(context.Background(), RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	_, err = e.RunAndWait(context.Background(), RunOptions{StepID: "extract"})
	var pre *PreconditionError
	if !errors.As(err, &pre) || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("concurrent run = %v", err)
	}
	if err := e.Skip("extract"); !errors.As(err, &pre) {
		t.Errorf("skip during run = %v", err)
	}
	if _, err := e.Undo(); !errors.As(err, &pre) {
		t.Errorf("undo during run = %v", err)
	}

	if err := sess.Terminate(); err != nil {
		t.Fatal(err)
	}
	sess.Wait()
}

func TestInconsistentStateBlocksEverything(t *testing.T) {
	e, _ := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {touch: map[string]string{"project.db": "tables\n"}},
		"extract.sh":   {},
	})
	mustRun(t, e, "")

	// Someone deletes a completed step's output behind the tool's back.
	if err := os.Remove(filepath.Join(e.Project.Root, "project.db")); err != nil {
		t.Fatal(err)
	}

	var inc *ledger.InconsistentError
	if _, err := e.RunAndWait(context.Background(), RunOptions{}); !errors.As(err, &inc) {
		t.Fatalf("run = %v, want InconsistentError", err)
	}
	if _, err := e.Undo(); !errors.As(err, &inc) {
		t.Fatalf("undo = %v, want InconsistentError", err)
	}
	if err := e.Skip("extract"); !errors.As(err, &inc) {
		t.Fatalf("skip = %v, want InconsistentError", err)
	}

	// Restoring the artifact by hand clears the blockade.
	if err := os.WriteFile(filepath.Join(e.Project.Root, "project.db"), []byte("tables\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := e.Validate(); err != nil {
		t.Fatalf("validate after repair: %v", err)
	}
	mustRun(t, e, "extract")
}

func TestExportsFlowIntoLaterRuns(t *testing.T) {
	e, fl := newTestEngine(t, map[string]fakeBehavior{
		"create_db.sh": {
			touch:   map[string]string{"project.db": "tables\n"},
			exports: map[string]string{"SAMPLE_COUNT": "96"},
		},
		"extract.sh": {},
	})
	mustRun(t, e, "")
	mustRun(t, e, "extract")

	spec := fl.lastSpec(t)
	found := false
	for _, kv := range spec.Env {
		if kv == "SAMPLE_COUNT=96" {
			found = true
		}
	}
	if !found {
		t.Errorf("exported variable missing from later run env: %v", spec.Env)
	}

	if ss := reloadState(t, e).Step("create_db"); ss.LastRun().Exports["SAMPLE_COUNT"] != "96" {
		t.Errorf("exports not persisted: %+v", ss.LastRun())
	}
}
