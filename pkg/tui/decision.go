package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// decisionOverlay renders the yes/no prompt for a step awaiting a decision.
// Escape hides it without answering; the decision stays pending and the
// overlay reopens from the key bar.
type decisionOverlay struct {
	visible bool
	stepID  string
	prompt  string

	// noTarget and skipOnNo preview what a No answer does.
	noTarget string
	skipOnNo []string

	cursor int // 0 = yes, 1 = no

	width  int
	height int
}

func newDecisionOverlay() decisionOverlay {
	return decisionOverlay{}
}

// Show opens the overlay for a pending decision.
func (o *decisionOverlay) Show(stepID, prompt, noTarget string, skipOnNo []string) {
	o.visible = true
	o.stepID = stepID
	o.prompt = prompt
	o.noTarget = noTarget
	o.skipOnNo = skipOnNo
	o.cursor = 0
}

// Hide closes the overlay without answering.
func (o *decisionOverlay) Hide() {
	o.visible = false
}

// Update handles keys while the overlay is open. answered reports whether
// a selection was confirmed; answer is the chosen value.
func (o *decisionOverlay) Update(msg tea.KeyMsg) (answered, answer bool) {
	if !o.visible {
		return false, false
	}

	switch msg.String() {
	case "up", "k", "down", "j", "tab":
		o.cursor = 1 - o.cursor
	case "y", "1":
		return true, true
	case "n", "2":
		return true, false
	case "enter":
		return true, o.cursor == 0
	case "esc":
		o.Hide()
	}
	return false, false
}

// View renders the centered decision box.
func (o *decisionOverlay) View() string {
	if !o.visible {
		return ""
	}

	contentW := o.width - 8
	if contentW > 70 {
		contentW = 70
	}
	if contentW < 40 {
		contentW = 40
	}

	var b strings.Builder
	b.WriteString(overlayTitle.Render("Decision: " + o.stepID))
	b.WriteString("\n\n")
	b.WriteString(detailValueStyle.Render(o.prompt))
	b.WriteString("\n\n")

	b.WriteString(o.renderOption(0, "Yes", "continue with the next step"))
	b.WriteString("\n")

	noDesc := "jump to " + o.noTarget
	if o.noTarget == "end" {
		noDesc = "finish the workflow"
	}
	if len(o.skipOnNo) > 0 {
		noDesc += ", skipping " + strings.Join(o.skipOnNo, ", ")
	}
	b.WriteString(o.renderOption(1, "No", noDesc))
	b.WriteString("\n\n")

	b.WriteString(keyStyle.Render("y/n") + keyDescStyle.Render(":answer") + "  " +
		keyStyle.Render("Enter") + keyDescStyle.Render(":confirm") + "  " +
		keyStyle.Render("Esc") + keyDescStyle.Render(":decide later"))

	box := overlayBorder.Width(contentW).Render(b.String())
	return lipgloss.Place(o.width, o.height, lipgloss.Center, lipgloss.Center, box)
}

func (o *decisionOverlay) renderOption(idx int, label, desc string) string {
	prefix := "  "
	if idx == o.cursor {
		prefix = "> "
	}
	line := fmt.Sprintf("%s%s %s", prefix, keyStyle.Render(fmt.Sprintf("%d.", idx+1)), label)
	if desc != "" {
		line += " " + keyDescStyle.Render("("+desc+")")
	}
	if idx == o.cursor {
		return stepRunning.Render(line)
	}
	return line
}
