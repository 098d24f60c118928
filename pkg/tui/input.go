package tui

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// inputBar collects one line for the running script's stdin. The console
// cannot feed a live run; this bar is how the TUI does it.
type inputBar struct {
	active bool
	field  textinput.Model
}

func newInputBar() inputBar {
	ti := textinput.New()
	ti.Placeholder = "line for the script's stdin..."
	ti.CharLimit = 4096
	ti.Width = 60
	return inputBar{field: ti}
}

// Open activates the bar and focuses the field.
func (b *inputBar) Open() tea.Cmd {
	b.active = true
	b.field.Reset()
	return b.field.Focus()
}

// Close deactivates the bar.
func (b *inputBar) Close() {
	b.active = false
	b.field.Blur()
}

// Active reports whether the bar owns the keyboard.
func (b *inputBar) Active() bool { return b.active }

// Update routes keys to the field. committed carries the entered line
// when enter was pressed; closed reports the bar was dismissed.
func (b *inputBar) Update(msg tea.KeyMsg) (committed string, closed bool, cmd tea.Cmd) {
	switch msg.String() {
	case "enter":
		line := b.field.Value()
		b.Close()
		return line, true, nil
	case "esc":
		b.Close()
		return "", true, nil
	}
	b.field, cmd = b.field.Update(msg)
	return "", false, cmd
}

// View renders the bar when active.
func (b *inputBar) View() string {
	if !b.active {
		return ""
	}
	return keyBarStyle.Render(detailLabelStyle.Render("stdin> ") + b.field.View())
}
