// Package tui implements the Bubble Tea front end over an open project:
// a steps panel driven by the ledger, a live output viewport fed by the
// run event stream, a yes/no decision overlay, and a notes overlay with
// glamour-rendered step markdown.
package tui

import "github.com/charmbracelet/lipgloss"

// Step glyphs carry meaning without relying on color alone.
const (
	GlyphPending   = "○"
	GlyphRunning   = "▸"
	GlyphCompleted = "✓"
	GlyphFailed    = "✗"
	GlyphSkipped   = "⊘"
	GlyphAwaiting  = "?"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorBlue   = lipgloss.Color("39")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

// --- Header styles ---

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan).
	Padding(0, 1)

var workflowNameStyle = lipgloss.NewStyle().
	Foreground(colorWhite)

// --- Step list styles ---

var (
	stepNormal = lipgloss.NewStyle().
			Foreground(colorWhite)

	stepRunning = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	stepCompleted = lipgloss.NewStyle().
			Foreground(colorGreen)

	stepFailed = lipgloss.NewStyle().
			Foreground(colorRed)

	stepSkipped = lipgloss.NewStyle().
			Faint(true)

	stepAwaiting = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)
)

// --- Panel styles ---

var (
	panelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim)

	panelTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan).
			Padding(0, 1)
)

// --- Detail bar styles ---

var (
	detailBarStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1)

	detailLabelStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(colorBlue)

	detailValueStyle = lipgloss.NewStyle().
				Foreground(colorWhite)

	statusDoneStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	statusFailStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	statusRunStyle = lipgloss.NewStyle().
			Foreground(colorYellow)
)

// --- Key bar styles ---

var (
	keyStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	keyDescStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	keyBarStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// --- Overlay styles ---

var (
	overlayBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorCyan).
			Padding(1, 2)

	overlayTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)
)

// --- Error and spinner styles ---

var errorStyle = lipgloss.NewStyle().
	Foreground(colorRed).
	Bold(true)

var spinnerStyle = lipgloss.NewStyle().
	Foreground(colorYellow)

var exportStyle = lipgloss.NewStyle().
	Foreground(colorCyan)
