package tui

import (
	"fmt"
	"strings"
	"time"
)

// detailBar renders the current step summary and key hints at the bottom.
type detailBar struct {
	stepID  string
	title   string
	script  string
	status  string
	errMsg  string
	elapsed time.Duration

	width int
}

func newDetailBar() detailBar {
	return detailBar{}
}

// SetRunning switches the bar to a live run.
func (d *detailBar) SetRunning(stepID, title, script string) {
	d.stepID = stepID
	d.title = title
	d.script = script
	d.status = "running"
	d.errMsg = ""
	d.elapsed = 0
}

// SetSettled records how the run ended.
func (d *detailBar) SetSettled(status string, elapsed time.Duration, errMsg string) {
	d.status = status
	d.elapsed = elapsed
	d.errMsg = errMsg
}

// SetBrowsing shows a step the operator selected without running it.
func (d *detailBar) SetBrowsing(stepID, title, script, status string) {
	d.stepID = stepID
	d.title = title
	d.script = script
	d.status = status
	d.errMsg = ""
	d.elapsed = 0
}

// View renders the detail bar with the key hint line.
func (d *detailBar) View(running, decisionPending, done bool) string {
	var parts []string
	if d.stepID != "" {
		parts = append(parts, detailLabelStyle.Render("Step: ")+detailValueStyle.Render(d.stepID))
		if d.title != "" {
			parts = append(parts, detailValueStyle.Render(d.title))
		}
		if d.script != "" {
			parts = append(parts, detailLabelStyle.Render("script ")+detailValueStyle.Render(d.script))
		}
	}

	switch d.status {
	case "running":
		parts = append(parts, statusRunStyle.Render("⏳ running..."))
	case "completed":
		note := "✓ completed"
		if d.elapsed > 0 {
			note += " in " + formatDuration(d.elapsed)
		}
		parts = append(parts, statusDoneStyle.Render(note))
	case "awaiting_decision":
		parts = append(parts, stepAwaiting.Render("? awaiting decision"))
	case "rolled back":
		parts = append(parts, statusFailStyle.Render("✗ rolled back"))
	case "failed":
		parts = append(parts, statusFailStyle.Render("✗ failed"))
	case "skipped_manual", "skipped_conditional":
		parts = append(parts, stepSkipped.Render("⊘ skipped"))
	case "pending":
		parts = append(parts, keyDescStyle.Render("○ pending"))
	}

	line1 := strings.Join(parts, detailLabelStyle.Render(" │ "))
	if line1 == "" {
		line1 = keyDescStyle.Render("Press enter to run the step at the pointer")
	}

	content := line1
	if d.errMsg != "" {
		content += "\n" + errorStyle.Render("Error: "+d.errMsg)
	}
	content += "\n" + keyBarStyle.Render(keyBarText(running, decisionPending, done))

	return detailBarStyle.Width(d.width - 2).Render(content)
}

// formatDuration trims a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", m, s)
}
