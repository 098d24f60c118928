package tui

import "github.com/charmbracelet/bubbles/key"

// keyMap holds all TUI key bindings.
type keyMap struct {
	Run    key.Binding
	Rerun  key.Binding
	Yes    key.Binding
	No     key.Binding
	Undo   key.Binding
	Skip   key.Binding
	Input  key.Binding
	Notes  key.Binding
	Up     key.Binding
	Down   key.Binding
	PgUp   key.Binding
	PgDown key.Binding
	Quit   key.Binding
}

var keys = keyMap{
	Run: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "run"),
	),
	Rerun: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "rerun selected"),
	),
	Yes: key.NewBinding(
		key.WithKeys("y"),
		key.WithHelp("y", "yes"),
	),
	No: key.NewBinding(
		key.WithKeys("n"),
		key.WithHelp("n", "no"),
	),
	Undo: key.NewBinding(
		key.WithKeys("u"),
		key.WithHelp("u", "undo"),
	),
	Skip: key.NewBinding(
		key.WithKeys("s"),
		key.WithHelp("s", "skip/unskip"),
	),
	Input: key.NewBinding(
		key.WithKeys("i"),
		key.WithHelp("i", "send input"),
	),
	Notes: key.NewBinding(
		key.WithKeys("d"),
		key.WithHelp("d", "details"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑/k", "browse up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓/j", "browse down"),
	),
	PgUp: key.NewBinding(
		key.WithKeys("pgup"),
		key.WithHelp("PgUp", "scroll up"),
	),
	PgDown: key.NewBinding(
		key.WithKeys("pgdown"),
		key.WithHelp("PgDn", "scroll down"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// keyBarText renders the context-sensitive key hint line.
func keyBarText(running, decisionPending, done bool) string {
	hint := func(k, desc string) string {
		return keyStyle.Render(k) + keyDescStyle.Render(":"+desc)
	}

	if decisionPending {
		return hint("y", "yes") + "  " + hint("n", "no") + "  " +
			hint("d", "details") + "  " + hint("↑↓", "browse") + "  " + hint("q", "quit")
	}
	if running {
		return hint("i", "send input") + "  " + hint("↑↓", "browse") + "  " +
			hint("PgUp/Dn", "scroll") + "  " + hint("q", "terminate+quit")
	}
	if done {
		return hint("u", "undo") + "  " + hint("d", "details") + "  " +
			hint("↑↓", "browse") + "  " + hint("q", "quit")
	}
	return hint("enter", "run") + "  " + hint("r", "rerun") + "  " +
		hint("s", "skip/unskip") + "  " + hint("u", "undo") + "  " +
		hint("d", "details") + "  " + hint("↑↓", "browse") + "  " + hint("q", "quit")
}
