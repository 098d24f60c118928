package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
)

// outputPanel renders scrollable run output, kept per step so browsing a
// step recalls what its runs printed.
type outputPanel struct {
	viewport viewport.Model

	outputs    map[string]string
	activeStep string

	width  int
	height int
	ready  bool
}

func newOutputPanel() outputPanel {
	return outputPanel{
		outputs: make(map[string]string),
	}
}

// SetSize updates the viewport dimensions.
func (p *outputPanel) SetSize(width, height int) {
	p.width = width
	p.height = height

	contentW := width - 4
	contentH := height - 3
	if contentW < 1 {
		contentW = 1
	}
	if contentH < 1 {
		contentH = 1
	}

	if !p.ready {
		p.viewport = viewport.New(contentW, contentH)
		p.ready = true
	} else {
		p.viewport.Width = contentW
		p.viewport.Height = contentH
	}

	if content, ok := p.outputs[p.activeStep]; ok {
		p.viewport.SetContent(content)
	}
}

// Append adds text to a step's output buffer.
func (p *outputPanel) Append(stepID, text string) {
	p.outputs[stepID] += text
	if stepID == p.activeStep && p.ready {
		p.viewport.SetContent(p.outputs[stepID])
		p.viewport.GotoBottom()
	}
}

// ShowStep switches the displayed output to the given step.
func (p *outputPanel) ShowStep(stepID string) {
	p.activeStep = stepID
	if p.ready {
		p.viewport.SetContent(p.outputs[stepID])
		p.viewport.GotoBottom()
	}
}

func (p *outputPanel) PageUp() {
	if p.ready {
		p.viewport.HalfViewUp()
	}
}

func (p *outputPanel) PageDown() {
	if p.ready {
		p.viewport.HalfViewDown()
	}
}

// View renders the output panel with a scroll position indicator.
func (p *outputPanel) View() string {
	title := panelTitle.Render("Output")

	var content string
	if p.ready {
		content = p.viewport.View()
	} else {
		content = "  No output yet."
	}

	scrollInfo := ""
	if p.ready && p.viewport.TotalLineCount() > p.viewport.VisibleLineCount() {
		scrollInfo = fmt.Sprintf(" %3.0f%%", p.viewport.ScrollPercent()*100)
	}

	header := title
	if scrollInfo != "" {
		padding := p.width - 4 - len("Output") - len(scrollInfo)
		if padding < 0 {
			padding = 0
		}
		header = title + strings.Repeat(" ", padding) + keyDescStyle.Render(scrollInfo)
	}

	return panelBorder.Width(p.width).Height(p.height).Render(
		header + "\n" + content,
	)
}
