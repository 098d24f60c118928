package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/project"
)

var statusAsJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the ledger: every step, its status, and the pointer",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	if statusAsJSON {
		data, err := json.MarshalIndent(buildStatusDoc(p), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	printStatusTable(p)
	return nil
}

// statusDoc is the machine-readable status shape: the ledger joined with
// workflow titles.
type statusDoc struct {
	Workflow        string          `json:"workflow"`
	Pointer         int             `json:"pointer"`
	Done            bool            `json:"done"`
	PendingDecision string          `json:"pending_decision,omitempty"`
	Steps           []statusDocStep `json:"steps"`
}

type statusDocStep struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Status    string `json:"status"`
	Runs      int    `json:"runs"`
	DecidedBy string `json:"decided_by,omitempty"`
	LastRunAt string `json:"last_run_at,omitempty"`
}

func buildStatusDoc(p *project.Project) statusDoc {
	st := p.State
	doc := statusDoc{
		Workflow:        st.Workflow,
		Pointer:         st.CurrentPointer,
		Done:            st.CurrentPointer >= len(st.Steps),
		PendingDecision: st.PendingDecision,
		Steps:           make([]statusDocStep, len(st.Steps)),
	}
	for i, ss := range st.Steps {
		row := statusDocStep{
			ID:        ss.StepID,
			Title:     p.Workflow.Steps[i].Title,
			Status:    string(ss.Status),
			Runs:      ss.RunCount,
			DecidedBy: ss.DecidedBy,
		}
		if last := ss.LastRun(); last != nil {
			row.LastRunAt = last.StartedAt.Format(time.RFC3339)
		}
		doc.Steps[i] = row
	}
	return doc
}

func printStatusTable(p *project.Project) {
	st := p.State
	fmt.Printf("%s\n\n", st.Workflow)
	for i, ss := range st.Steps {
		glyph, paint := statusPaint(ss.Status)
		fmt.Printf("%s %s\n", paint.Sprint(glyph), statusRow(i, st.CurrentPointer, ss, p.Workflow.Steps[i].Title))
	}
	fmt.Println()
	switch {
	case st.PendingDecision != "":
		def := p.Workflow.StepByID(st.PendingDecision)
		color.New(color.FgYellow).Printf("? decision pending on %s: %s\n", st.PendingDecision, def.Decision.Prompt)
		fmt.Printf("  answer with: stepwise decide yes|no\n")
	case st.CurrentPointer >= len(st.Steps):
		color.New(color.FgGreen).Printf("✔ workflow complete\n")
	default:
		fmt.Printf("next: stepwise run  (%s)\n", st.Steps[st.CurrentPointer].StepID)
	}
	for _, ss := range st.Steps {
		if ss.Status == ledger.StatusFailed {
			color.New(color.FgRed).Printf("✗ %s failed a snapshot restore; repair the project, then 'stepwise validate'\n", ss.StepID)
		}
	}
}

// statusRow renders the uncolored part of one table row.
func statusRow(i, pointer int, ss *ledger.StepStatus, title string) string {
	marker := " "
	if i == pointer {
		marker = "→"
	}
	row := fmt.Sprintf("%s %2d  %-20s %-28s %s", marker, i+1, ss.StepID, truncate(title, 28), ss.Status)
	if ss.RunCount > 0 {
		row += fmt.Sprintf("  runs:%d", ss.RunCount)
	}
	if ss.DecidedBy != "" {
		row += fmt.Sprintf("  (decided by %s)", ss.DecidedBy)
	}
	return row
}

func statusPaint(s ledger.Status) (string, *color.Color) {
	switch s {
	case ledger.StatusCompleted:
		return "✓", color.New(color.FgGreen)
	case ledger.StatusRunning:
		return "►", color.New(color.FgCyan)
	case ledger.StatusFailed:
		return "✗", color.New(color.FgRed)
	case ledger.StatusAwaitingDecision:
		return "?", color.New(color.FgYellow)
	case ledger.StatusSkippedManual, ledger.StatusSkippedConditional:
		return "⊘", color.New(color.Faint)
	}
	return "○", color.New(color.Reset)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func init() {
	statusCmd.Flags().BoolVar(&statusAsJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(statusCmd)
}
