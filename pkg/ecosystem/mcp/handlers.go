package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/coldbench/stepwise/pkg/engine"
	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/logging"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/script"
	"github.com/coldbench/stepwise/pkg/workflow"
)

// openEngine opens the project named by the dir argument. The MCP process
// discards log lines; clients get structured results instead.
func openEngine(args map[string]any) (*project.Project, *engine.Engine, error) {
	dir, _ := args["dir"].(string)
	if dir == "" {
		dir = "."
	}
	root, err := project.FindRoot(dir)
	if err != nil {
		return nil, nil, err
	}
	p, err := project.Open(root, logging.Discard())
	if err != nil {
		return nil, nil, err
	}
	return p, engine.New(p, nil), nil
}

// HandleStatus implements the stepwise/status MCP tool.
func HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, _, err := openEngine(req.GetArguments())
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(statusDoc(p), false), nil
}

// statusDoc builds the status document automation clients consume.
func statusDoc(p *project.Project) map[string]any {
	st := p.State
	steps := make([]map[string]any, 0, len(st.Steps))
	for i, ss := range st.Steps {
		row := map[string]any{
			"id":     ss.StepID,
			"title":  p.Workflow.Steps[i].Title,
			"status": string(ss.Status),
			"runs":   ss.RunCount,
		}
		if i == st.CurrentPointer {
			row["at_pointer"] = true
		}
		if ss.DecidedBy != "" {
			row["decided_by"] = ss.DecidedBy
		}
		if run := ss.LastRun(); run != nil {
			row["last_run_id"] = run.RunID
		}
		steps = append(steps, row)
	}

	doc := map[string]any{
		"workflow": p.Workflow.Name,
		"pointer":  st.CurrentPointer,
		"done":     st.CurrentPointer >= len(st.Steps) && st.PendingDecision == "",
		"steps":    steps,
	}
	if st.PendingDecision != "" {
		doc["pending_decision"] = st.PendingDecision
		if def := p.Workflow.StepByID(st.PendingDecision); def != nil && def.Decision != nil {
			doc["prompt"] = def.Decision.Prompt
		}
	}
	if exports := st.MergedExports(); len(exports) > 0 {
		doc["exports"] = exports
	}
	return doc
}

// HandleRun implements the stepwise/run MCP tool. The run settles before
// the call returns; script output is collected, not streamed.
func HandleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	_, eng, err := openEngine(args)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	stepID, _ := args["step"].(string)

	var out strings.Builder
	report, runErr := eng.RunAndWait(ctx, engine.RunOptions{
		StepID: stepID,
		Subscriber: func(ev script.Event) {
			switch ev.Kind {
			case script.EventStdout:
				out.WriteString(ev.Text + "\n")
			case script.EventStderr:
				out.WriteString("! " + ev.Text + "\n")
			}
		},
	})
	if report == nil {
		return errorResult(runErr.Error()), nil
	}

	response := map[string]any{
		"step":      report.StepID,
		"run_id":    report.RunID,
		"status":    string(report.Status),
		"exit_code": report.ExitCode,
		"duration":  report.Duration.String(),
	}
	if report.SnapshotID != "" {
		response["snapshot_id"] = report.SnapshotID
	}
	if report.RolledBack {
		response["rolled_back"] = true
	}
	if len(report.Exports) > 0 {
		response["exports"] = report.Exports
	}
	if report.Prompt != "" {
		response["prompt"] = report.Prompt
	}
	if report.AutoAnswer != nil {
		response["auto_answer"] = *report.AutoAnswer
	}
	if len(report.Skipped) > 0 {
		response["skipped"] = report.Skipped
	}
	if runErr != nil {
		response["error"] = runErr.Error()
	}
	if out.Len() > 0 {
		response["output"] = out.String()
	}

	return jsonResult(response, runErr != nil), nil
}

// HandleDecide implements the stepwise/decide MCP tool.
func HandleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	answerRaw, _ := args["answer"].(string)
	var answer bool
	switch strings.ToLower(answerRaw) {
	case "yes", "y", "true":
		answer = true
	case "no", "n", "false":
		answer = false
	default:
		return errorResult(fmt.Sprintf("answer must be yes or no, got %q", answerRaw)), nil
	}

	_, eng, err := openEngine(args)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	report, err := eng.Decide(answer)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	response := map[string]any{
		"step":       report.StepID,
		"answer":     report.Answer,
		"decided_by": report.DecidedBy,
	}
	if len(report.Skipped) > 0 {
		response["skipped"] = report.Skipped
	}
	if report.NextStep != "" {
		response["next_step"] = report.NextStep
	} else {
		response["done"] = true
	}
	return jsonResult(response, false), nil
}

// HandleSkip implements the stepwise/skip MCP tool.
func HandleSkip(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	stepID, _ := args["step"].(string)
	if stepID == "" {
		return errorResult("step argument is required"), nil
	}
	revert, _ := args["revert"].(bool)

	_, eng, err := openEngine(args)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	if revert {
		if err := eng.Unskip(stepID); err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(map[string]any{"step": stepID, "status": string(ledger.StatusPending)}, false), nil
	}
	if err := eng.Skip(stepID); err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{"step": stepID, "status": string(ledger.StatusSkippedManual)}, false), nil
}

// HandleUndo implements the stepwise/undo MCP tool.
func HandleUndo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	_, eng, err := openEngine(req.GetArguments())
	if err != nil {
		return errorResult(err.Error()), nil
	}
	report, err := eng.Undo()
	if err != nil {
		return errorResult(err.Error()), nil
	}

	response := map[string]any{
		"kind":        string(report.Kind),
		"step":        report.StepID,
		"reverted_to": string(report.RevertedTo),
		"remaining":   report.Remaining,
	}
	if report.RunID != "" {
		response["run_id"] = report.RunID
	}
	if len(report.Reopened) > 0 {
		response["reopened"] = report.Reopened
	}
	return jsonResult(response, false), nil
}

// HandleValidate implements the stepwise/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	if path, _ := args["path"].(string); path != "" {
		wf, errs := workflow.ValidateFile(path)
		if hasErrors(errs) {
			return errorResult(formatErrors(errs)), nil
		}
		return textResult(fmt.Sprintf("✓ %s is valid (%d steps)", wf.Name, len(wf.Steps))), nil
	}

	p, eng, err := openEngine(args)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if err := eng.Validate(); err != nil {
		var ie *ledger.InconsistentError
		if errors.As(err, &ie) {
			msgs := make([]string, 0, len(ie.Problems))
			for _, pr := range ie.Problems {
				msgs = append(msgs, fmt.Sprintf("step %s: %s", pr.StepID, pr.Detail))
			}
			return errorResult(strings.Join(msgs, "; ")), nil
		}
		return errorResult(err.Error()), nil
	}
	return textResult(fmt.Sprintf("✓ %s: ledger and project tree are consistent (%d steps)",
		p.Workflow.Name, len(p.Workflow.Steps))), nil
}

// HandleSnapshots implements the stepwise/snapshots MCP tool.
func HandleSnapshots(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, _, err := openEngine(req.GetArguments())
	if err != nil {
		return errorResult(err.Error()), nil
	}
	list, err := p.Snapshots.List()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	refs := p.State.ReferencedSnapshots()

	rows := make([]map[string]any, 0, len(list))
	for _, m := range list {
		rows = append(rows, map[string]any{
			"id":         m.ID,
			"step":       m.StepID,
			"run_index":  m.RunIndex,
			"created_at": m.CreatedAt.Format(time.RFC3339),
			"files":      len(m.Files),
			"referenced": refs[m.ID],
		})
	}
	return jsonResult(map[string]any{"count": len(rows), "snapshots": rows}, false), nil
}

// HandleSchema implements the stepwise/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := workflow.GenerateJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

func hasErrors(errs []*workflow.ValidationError) bool {
	for _, e := range errs {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

func formatErrors(errs []*workflow.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == "error" {
			msgs = append(msgs, fmt.Sprintf("[%s] %s", e.Phase, e.Message))
		}
	}
	return strings.Join(msgs, "; ")
}

func jsonResult(doc map[string]any, isError bool) *mcp.CallToolResult {
	data, _ := json.MarshalIndent(doc, "", "  ")
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: isError,
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
