// Package engine drives workflow execution against one project: the run
// transaction, decisions, manual skips, multi-run undo, and decision
// rewind. Every operation leaves the ledger and project directory
// consistent or reports why it refused to act.
package engine

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/script"
)

// GenerateRunID creates a run ID in format YYYYMMDDTHHmmss-xxxx.
func GenerateRunID() string {
	ts := time.Now().Format("20060102T150405")
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%x", ts, suffix)
}

// Engine executes workflow operations for one project. Operations are
// serialized: at most one step runs at a time, and state transitions never
// interleave.
type Engine struct {
	Project  *project.Project
	Launcher script.Launcher
	Log      *slog.Logger

	mu      sync.Mutex
	session *Session
}

// New creates an engine bound to a project. A nil launcher gets the real
// subprocess runner.
func New(p *project.Project, launcher script.Launcher) *Engine {
	if launcher == nil {
		launcher = script.Runner{}
	}
	return &Engine{Project: p, Launcher: launcher, Log: p.Log}
}

// Active returns the session of the currently running step, or nil.
func (e *Engine) Active() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Validate checks the ledger against the project directory. A non-nil
// result blocks every other operation until the project is repaired.
func (e *Engine) Validate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkConsistent()
}

// checkConsistent is the gate every operation passes first: no step in the
// fatal failed state, and every completed step's artifacts where the
// ledger says they are. Callers hold e.mu.
func (e *Engine) checkConsistent() error {
	p := e.Project
	for _, ss := range p.State.Steps {
		if ss.Status == ledger.StatusFailed {
			return &ledger.InconsistentError{Problems: []ledger.Inconsistency{{
				StepID: ss.StepID,
				Detail: "a snapshot restore failed for this step; repair the project directory, fix the ledger, then validate",
			}}}
		}
	}
	return ledger.ValidateAgainstFilesystem(p.State, p.Workflow, p.Root, p.ArchiveDir())
}

// trace appends one audit trail event, degrading to a log line if the
// trail itself cannot be written.
func (e *Engine) trace(eventType project.TraceEventType, stepID, runID string, data map[string]any) {
	tw, err := e.Project.Trace()
	if err != nil {
		e.Log.Error("audit trail unavailable", "err", err)
		return
	}
	defer tw.Close()
	if err := tw.Emit(eventType, stepID, runID, data); err != nil {
		e.Log.Error("audit trail write failed", "err", err)
	}
}

// evalAuto evaluates a decision auto-expression against the exported
// variables. A non-boolean result or a missing variable is an error; the
// decision then falls to the operator.
func evalAuto(exprStr string, vars map[string]string) (bool, error) {
	env := make(map[string]any, len(vars))
	for k, v := range vars {
		env[k] = v
	}
	program, err := expr.Compile(exprStr, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("compile auto expression %q: %w", exprStr, err)
	}
	output, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval auto expression %q: %w", exprStr, err)
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("auto expression %q did not return bool (got %T)", exprStr, output)
	}
	return result, nil
}
