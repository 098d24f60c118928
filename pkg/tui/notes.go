package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/coldbench/stepwise/pkg/workflow"
)

// notesOverlay shows a step's definition and its markdown notes.
type notesOverlay struct {
	visible bool
	stepID  string
	content string

	width  int
	height int
}

func newNotesOverlay() notesOverlay {
	return notesOverlay{}
}

// Show opens the overlay for a step definition.
func (o *notesOverlay) Show(def *workflow.Step) {
	o.visible = true
	o.stepID = def.ID

	contentW := o.contentWidth()

	var b strings.Builder
	title := def.Title
	if title == "" {
		title = def.ID
	}
	b.WriteString(overlayTitle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(detailLabelStyle.Render("Script:  ") + detailValueStyle.Render(def.Script))
	if len(def.Args) > 0 {
		b.WriteString(detailValueStyle.Render(" " + strings.Join(def.Args, " ")))
	}
	b.WriteString("\n")
	if len(def.Outputs) > 0 {
		b.WriteString(detailLabelStyle.Render("Outputs: ") + detailValueStyle.Render(strings.Join(def.Outputs, ", ")))
		b.WriteString("\n")
	}
	if len(def.Archive) > 0 {
		b.WriteString(detailLabelStyle.Render("Archive: ") + detailValueStyle.Render(strings.Join(def.Archive, ", ")))
		b.WriteString("\n")
	}
	if def.Rerun {
		b.WriteString(detailLabelStyle.Render("Rerun:   ") + detailValueStyle.Render("allowed"))
		b.WriteString("\n")
	}
	if def.Decision != nil {
		b.WriteString(detailLabelStyle.Render("Decision: ") + detailValueStyle.Render(def.Decision.Prompt))
		b.WriteString("\n")
		b.WriteString(detailLabelStyle.Render("  on no → ") + detailValueStyle.Render(def.Decision.NoTarget))
		if len(def.Decision.SkipOnNo) > 0 {
			b.WriteString(keyDescStyle.Render("  (skips " + strings.Join(def.Decision.SkipOnNo, ", ") + ")"))
		}
		b.WriteString("\n")
		if def.Decision.Auto != "" {
			b.WriteString(detailLabelStyle.Render("  auto:  ") + detailValueStyle.Render(def.Decision.Auto))
			b.WriteString("\n")
		}
	}

	if def.Notes != "" {
		b.WriteString("\n")
		b.WriteString(renderMarkdown(def.Notes, contentW))
		b.WriteString("\n")
	}

	b.WriteString("\n" + keyStyle.Render("Esc") + keyDescStyle.Render(":close"))
	o.content = b.String()
}

// Hide closes the overlay.
func (o *notesOverlay) Hide() {
	o.visible = false
}

func (o *notesOverlay) contentWidth() int {
	w := o.width - 10
	if w > 80 {
		w = 80
	}
	if w < 40 {
		w = 40
	}
	return w
}

// View renders the centered notes box.
func (o *notesOverlay) View() string {
	if !o.visible {
		return ""
	}
	box := overlayBorder.Width(o.contentWidth()).Render(o.content)
	return lipgloss.Place(o.width, o.height, lipgloss.Center, lipgloss.Center, box)
}
