package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// renderMarkdown converts step notes to styled terminal output constrained
// to the given column width. Falls back to the raw input when glamour is
// unavailable or rendering fails.
func renderMarkdown(md string, width int) string {
	if strings.TrimSpace(md) == "" {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	// Glamour pads with trailing newlines; trim for overlay use.
	return strings.TrimRight(out, "\n")
}
