package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/workflow"
)

// stepRow is the display state for one workflow step.
type stepRow struct {
	ID        string
	Title     string
	Status    ledger.Status
	Runs      int
	DecidedBy string
}

// stepsPanel renders the scrollable step list, fed from the ledger.
type stepsPanel struct {
	rows    []stepRow
	pointer int
	cursor  int
	offset  int
	width   int
	height  int
}

func newStepsPanel() stepsPanel {
	return stepsPanel{}
}

// Reload rebuilds the rows from the current ledger state. The cursor is
// clamped, not reset, so browsing survives refreshes.
func (p *stepsPanel) Reload(st *ledger.State, wf *workflow.Workflow) {
	p.rows = make([]stepRow, len(st.Steps))
	for i, ss := range st.Steps {
		p.rows[i] = stepRow{
			ID:        ss.StepID,
			Title:     wf.Steps[i].Title,
			Status:    ss.Status,
			Runs:      ss.RunCount,
			DecidedBy: ss.DecidedBy,
		}
	}
	p.pointer = st.CurrentPointer
	if p.cursor >= len(p.rows) {
		p.cursor = len(p.rows) - 1
	}
	if p.cursor < 0 {
		p.cursor = 0
	}
	p.ensureVisible()
}

// FollowPointer moves the browsing cursor to the pointer step (or the last
// step once the workflow is finished).
func (p *stepsPanel) FollowPointer() {
	if p.pointer < len(p.rows) {
		p.cursor = p.pointer
	} else if len(p.rows) > 0 {
		p.cursor = len(p.rows) - 1
	}
	p.ensureVisible()
}

// MoveTo puts the cursor on the step with the given id.
func (p *stepsPanel) MoveTo(stepID string) {
	for i, r := range p.rows {
		if r.ID == stepID {
			p.cursor = i
			p.ensureVisible()
			return
		}
	}
}

func (p *stepsPanel) CursorUp() {
	if p.cursor > 0 {
		p.cursor--
		p.ensureVisible()
	}
}

func (p *stepsPanel) CursorDown() {
	if p.cursor < len(p.rows)-1 {
		p.cursor++
		p.ensureVisible()
	}
}

// SelectedID returns the step id at the cursor.
func (p *stepsPanel) SelectedID() string {
	if p.cursor >= 0 && p.cursor < len(p.rows) {
		return p.rows[p.cursor].ID
	}
	return ""
}

// Selected returns the row at the cursor, or nil.
func (p *stepsPanel) Selected() *stepRow {
	if p.cursor >= 0 && p.cursor < len(p.rows) {
		return &p.rows[p.cursor]
	}
	return nil
}

func (p *stepsPanel) ensureVisible() {
	visible := p.height - 2
	if visible < 1 {
		visible = 1
	}
	if p.cursor < p.offset {
		p.offset = p.cursor
	}
	if p.cursor >= p.offset+visible {
		p.offset = p.cursor - visible + 1
	}
}

func rowPaint(s ledger.Status) (string, lipgloss.Style) {
	switch s {
	case ledger.StatusCompleted:
		return GlyphCompleted, stepCompleted
	case ledger.StatusRunning:
		return GlyphRunning, stepRunning
	case ledger.StatusFailed:
		return GlyphFailed, stepFailed
	case ledger.StatusAwaitingDecision:
		return GlyphAwaiting, stepAwaiting
	case ledger.StatusSkippedManual, ledger.StatusSkippedConditional:
		return GlyphSkipped, stepSkipped
	}
	return GlyphPending, stepNormal
}

// View renders the step list panel.
func (p *stepsPanel) View() string {
	if len(p.rows) == 0 {
		return panelBorder.Width(p.width).Height(p.height).Render("  No steps")
	}

	visible := p.height - 2
	if visible < 1 {
		visible = 1
	}

	var lines []string
	end := p.offset + visible
	if end > len(p.rows) {
		end = len(p.rows)
	}

	for i := p.offset; i < end; i++ {
		row := p.rows[i]
		glyph, style := rowPaint(row.Status)

		marker := " "
		if i == p.pointer {
			marker = "→"
		}

		title := row.Title
		if title == "" {
			title = row.ID
		}
		maxTitle := p.width - 10
		if maxTitle < 4 {
			maxTitle = 4
		}
		title = runewidth.Truncate(title, maxTitle, "…")

		line := fmt.Sprintf("%s %s %2d. %s", marker, glyph, i+1, title)
		if row.Runs > 1 {
			line += fmt.Sprintf(" ×%d", row.Runs)
		}

		if i == p.cursor {
			line = style.Reverse(true).Render(line)
		} else {
			line = style.Render(line)
		}
		lines = append(lines, line)
	}

	for len(lines) < visible {
		lines = append(lines, "")
	}

	title := panelTitle.Render("Steps")
	return panelBorder.Width(p.width).Height(p.height).Render(
		title + "\n" + strings.Join(lines, "\n"),
	)
}

// Stats counts rows by settled status.
func (p *stepsPanel) Stats() (total, completed, skipped, failed int) {
	total = len(p.rows)
	for _, r := range p.rows {
		switch r.Status {
		case ledger.StatusCompleted:
			completed++
		case ledger.StatusSkippedManual, ledger.StatusSkippedConditional:
			skipped++
		case ledger.StatusFailed:
			failed++
		}
	}
	return
}
