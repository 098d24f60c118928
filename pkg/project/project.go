// Package project owns the on-disk layout of a stepwise project: the
// metadata directory, the ledger, the snapshot store, per-run output logs,
// the archive area, and the audit trail.
package project

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/snapshot"
	"github.com/coldbench/stepwise/pkg/workflow"
)

// Dir is the metadata directory every initialized project carries.
const Dir = ".stepwise"

const (
	workflowFile = "workflow.yaml"
	configFile   = "config.yaml"
	ledgerFile   = "ledger.json"
	traceFile    = "trace.jsonl"
	snapshotsDir = "snapshots"
	runsDir      = "runs"
	archiveDir   = "archive"
)

// ErrNotInitialized is returned when a directory has no usable project.
var ErrNotInitialized = errors.New("not a stepwise project")

// Project is the handle every operation goes through. It binds one project
// root to its workflow, config, ledger, and snapshot store.
type Project struct {
	Root      string
	Workflow  *workflow.Workflow
	Config    *Config
	State     *ledger.State
	Ledger    *ledger.Store
	Snapshots *snapshot.Store
	Log       *slog.Logger
}

// FindRoot walks upward from start until it finds a directory containing
// the project metadata directory.
func FindRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		info, err := os.Stat(filepath.Join(dir, Dir))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: no %s directory above %s", ErrNotInitialized, Dir, start)
		}
		dir = parent
	}
}

// Init creates the metadata directory, installs the workflow definition,
// and writes a fresh ledger with every step pending. workflowSrc may be
// empty when a workflow file is already in place.
func Init(root, workflowSrc string, log *slog.Logger) (*Project, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	meta := filepath.Join(root, Dir)
	if err := os.MkdirAll(meta, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", Dir, err)
	}

	wfPath := filepath.Join(meta, workflowFile)
	if workflowSrc != "" {
		if _, err := os.Stat(wfPath); err == nil {
			return nil, fmt.Errorf("workflow already installed at %s", wfPath)
		}
		if err := copyFile(workflowSrc, wfPath); err != nil {
			return nil, fmt.Errorf("install workflow: %w", err)
		}
	}
	if _, err := os.Stat(wfPath); err != nil {
		return nil, fmt.Errorf("no workflow definition at %s (pass one to init)", wfPath)
	}

	wf, verrs := workflow.ValidateFile(wfPath)
	if workflow.HasErrors(verrs) {
		return nil, validationFailure(wfPath, verrs)
	}

	ledgerPath := filepath.Join(meta, ledgerFile)
	if _, err := os.Stat(ledgerPath); err == nil {
		return nil, fmt.Errorf("project already initialized at %s", root)
	}

	cfgPath := filepath.Join(meta, configFile)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(cfgPath); err != nil {
			return nil, err
		}
	}
	for _, sub := range []string{snapshotsDir, runsDir, archiveDir} {
		if err := os.MkdirAll(filepath.Join(meta, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}

	st := ledger.NewState(wf)
	store := &ledger.Store{Path: ledgerPath}
	if err := store.Persist(st); err != nil {
		return nil, err
	}

	tw, err := OpenTraceWriter(filepath.Join(meta, traceFile))
	if err != nil {
		return nil, err
	}
	if err := tw.Emit(TraceInit, "", "", map[string]any{"workflow": wf.Name, "steps": len(wf.Steps)}); err != nil {
		tw.Close()
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	log.Info("project initialized", "root", root, "workflow", wf.Name, "steps", len(wf.Steps))
	return Open(root, log)
}

// Open loads an initialized project and heals any run interrupted by a
// crash. The workflow file is re-validated on every open so edits that
// break it fail loudly before any operation runs.
func Open(root string, log *slog.Logger) (*Project, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve project root: %w", err)
	}
	meta := filepath.Join(root, Dir)
	if info, err := os.Stat(meta); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s has no %s directory", ErrNotInitialized, root, Dir)
	}

	cfg, err := LoadConfig(filepath.Join(meta, configFile))
	if err != nil {
		return nil, err
	}

	wfPath := filepath.Join(meta, workflowFile)
	wf, verrs := workflow.ValidateFile(wfPath)
	if workflow.HasErrors(verrs) {
		return nil, validationFailure(wfPath, verrs)
	}

	store := &ledger.Store{Path: filepath.Join(meta, ledgerFile)}
	st, err := store.Load()
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s is not initialized (run init)", ErrNotInitialized, root)
		}
		return nil, err
	}
	if err := st.CheckAlignment(wf); err != nil {
		return nil, fmt.Errorf("workflow definition no longer matches the ledger: %w", err)
	}

	p := &Project{
		Root:     root,
		Workflow: wf,
		Config:   cfg,
		State:    st,
		Ledger:   store,
		Log:      log,
	}

	snaps, err := snapshot.New(filepath.Join(meta, snapshotsDir), p.snapshotExcludes())
	if err != nil {
		return nil, err
	}
	p.Snapshots = snaps

	if err := p.recoverInterrupted(); err != nil {
		return nil, err
	}
	return p, nil
}

// Save persists the ledger state atomically.
func (p *Project) Save() error {
	return p.Ledger.Persist(p.State)
}

// Trace opens the audit trail for appending. Callers own the writer and
// must close it.
func (p *Project) Trace() (*TraceWriter, error) {
	return OpenTraceWriter(p.TracePath())
}

// WorkflowPath returns the installed workflow definition path.
func (p *Project) WorkflowPath() string { return filepath.Join(p.Root, Dir, workflowFile) }

// ConfigPath returns the config file path.
func (p *Project) ConfigPath() string { return filepath.Join(p.Root, Dir, configFile) }

// LedgerPath returns the ledger file path.
func (p *Project) LedgerPath() string { return filepath.Join(p.Root, Dir, ledgerFile) }

// TracePath returns the audit trail path.
func (p *Project) TracePath() string { return filepath.Join(p.Root, Dir, traceFile) }

// RunDir returns the directory holding one run's artifacts.
func (p *Project) RunDir(runID string) string {
	return filepath.Join(p.Root, Dir, runsDir, runID)
}

// OutputLogPath returns where a run's full output is mirrored.
func (p *Project) OutputLogPath(runID string) string {
	return filepath.Join(p.RunDir(runID), "output.log")
}

// ArchiveDir returns the archive area. It always lives outside the
// snapshot domain, so archived outputs survive undo.
func (p *Project) ArchiveDir() string {
	switch {
	case p.Config.ArchiveDir == "":
		return filepath.Join(p.Root, Dir, archiveDir)
	case filepath.IsAbs(p.Config.ArchiveDir):
		return p.Config.ArchiveDir
	default:
		return filepath.Join(p.Root, p.Config.ArchiveDir)
	}
}

// ScriptSource returns the directory script references resolve against.
// STEPWISE_SCRIPT_SOURCE overrides the configured location.
func (p *Project) ScriptSource() string {
	src := p.Config.ScriptSource
	if env := os.Getenv("STEPWISE_SCRIPT_SOURCE"); env != "" {
		src = env
	}
	if filepath.IsAbs(src) {
		return src
	}
	return filepath.Join(p.Root, src)
}

// snapshotExcludes builds the patterns left out of snapshots: the metadata
// directory, a relocated archive area, and the configured extras.
func (p *Project) snapshotExcludes() []string {
	excludes := []string{Dir}
	if rel, err := filepath.Rel(p.Root, p.ArchiveDir()); err == nil &&
		rel != "." && !strings.HasPrefix(rel, "..") && !strings.HasPrefix(rel, Dir) {
		excludes = append(excludes, filepath.ToSlash(rel))
	}
	excludes = append(excludes, p.Config.Excludes...)
	return excludes
}

// recoverInterrupted rolls back a run that died without reaching its
// commit point: the pre-run snapshot is restored, the provisional history
// entry popped, and the step reverted to its pre-run status. This is the
// same rollback the supervisor would have performed.
func (p *Project) recoverInterrupted() error {
	ss := p.State.Running()
	if ss == nil {
		return nil
	}
	entry := ss.LastRun()
	if entry == nil {
		return fmt.Errorf("step %q is marked running but has no run entry; the ledger is damaged", ss.StepID)
	}

	p.Log.Warn("recovering run interrupted by a crash",
		"step", ss.StepID, "run_id", entry.RunID, "snapshot", entry.SnapshotID)

	if err := p.Snapshots.Restore(entry.SnapshotID, p.Root); err != nil {
		return fmt.Errorf("recover step %q: %w", ss.StepID, err)
	}
	prior := entry.PriorStatus
	if prior == "" {
		prior = ledger.StatusPending
	}
	ss.History = ss.History[:len(ss.History)-1]
	ss.RunCount--
	p.State.Touch(ss, prior)
	if prior == ledger.StatusAwaitingDecision {
		p.State.PendingDecision = ss.StepID
	}
	p.State.RecomputePointer()
	if err := p.Save(); err != nil {
		return err
	}

	tw, err := p.Trace()
	if err != nil {
		return err
	}
	defer tw.Close()
	return tw.Emit(TraceRecover, ss.StepID, entry.RunID, map[string]any{
		"restored_snapshot": entry.SnapshotID,
		"reverted_to":       string(prior),
	})
}

func validationFailure(path string, verrs []*workflow.ValidationError) error {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %s is invalid:", path)
	for _, ve := range verrs {
		if ve.Severity == "error" {
			fmt.Fprintf(&b, "\n  %s", ve.Error())
		}
	}
	return errors.New(b.String())
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
