package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/coldbench/stepwise/pkg/engine"
	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/script"
)

// --- Tea messages ---

// runStartedMsg is sent once the run transaction has begun (or refused).
type runStartedMsg struct {
	stepID string
	sess   *engine.Session
	err    error
}

// runEventMsg delivers one supervision event from the live run.
type runEventMsg struct {
	ev script.Event
}

// runSettledMsg is sent after the run transaction settled.
type runSettledMsg struct {
	report *engine.Report
	err    error
}

// decidedMsg is sent after a decision was answered.
type decidedMsg struct {
	report *engine.DecisionReport
	err    error
}

// undoneMsg is sent after an undo.
type undoneMsg struct {
	report *engine.UndoReport
	err    error
}

// actionMsg reports a skip or unskip.
type actionMsg struct {
	stepID string
	note   string
	err    error
}

// --- Model ---

// Config holds what the TUI needs: an open project and its engine.
type Config struct {
	Project *project.Project
	Engine  *engine.Engine
}

// Model is the top-level Bubble Tea model.
type Model struct {
	project *project.Project
	engine  *engine.Engine

	steps    stepsPanel
	output   outputPanel
	detail   detailBar
	decision decisionOverlay
	notes    notesOverlay
	input    inputBar
	spinner  spinner.Model

	// events carries supervision events from the run's subscriber into
	// the program; a single listener command re-arms itself per event.
	events chan script.Event

	sess       *engine.Session
	runStepID  string
	running    bool
	quitting   bool

	width  int
	height int
}

// Run opens the TUI over the given project and blocks until it exits.
func Run(cfg Config) error {
	m := newModel(cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func newModel(cfg Config) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	m := Model{
		project:  cfg.Project,
		engine:   cfg.Engine,
		steps:    newStepsPanel(),
		output:   newOutputPanel(),
		detail:   newDetailBar(),
		decision: newDecisionOverlay(),
		notes:    newNotesOverlay(),
		input:    newInputBar(),
		spinner:  sp,
		events:   make(chan script.Event, 64),
	}
	m.steps.Reload(cfg.Project.State, cfg.Project.Workflow)
	m.steps.FollowPointer()
	m.showSelected()

	// A decision left pending by an earlier session surfaces immediately.
	m.openPendingDecision()
	return m
}

// Init starts the spinner and the event listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenEvents())
}

// listenEvents waits for the next supervision event.
func (m Model) listenEvents() tea.Cmd {
	return func() tea.Msg {
		return runEventMsg{ev: <-m.events}
	}
}

// startRun begins the run transaction for a step; empty means the pointer.
func (m Model) startRun(stepID string) tea.Cmd {
	eng := m.engine
	events := m.events
	return func() tea.Msg {
		sess, err := eng.Run(context.Background(), engine.RunOptions{
			StepID:     stepID,
			Subscriber: func(ev script.Event) { events <- ev },
		})
		return runStartedMsg{stepID: stepID, sess: sess, err: err}
	}
}

func waitSettle(sess *engine.Session) tea.Cmd {
	return func() tea.Msg {
		report, err := sess.Wait()
		return runSettledMsg{report: report, err: err}
	}
}

func (m Model) decideCmd(answer bool) tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		report, err := eng.Decide(answer)
		return decidedMsg{report: report, err: err}
	}
}

func (m Model) undoCmd() tea.Cmd {
	eng := m.engine
	return func() tea.Msg {
		report, err := eng.Undo()
		return undoneMsg{report: report, err: err}
	}
}

// skipToggleCmd skips the selected step, or reverts its manual skip.
func (m Model) skipToggleCmd() tea.Cmd {
	row := m.steps.Selected()
	if row == nil {
		return nil
	}
	eng := m.engine
	id := row.ID
	if row.Status == ledger.StatusSkippedManual {
		return func() tea.Msg {
			return actionMsg{stepID: id, note: fmt.Sprintf("○ %s back to pending", id), err: eng.Unskip(id)}
		}
	}
	return func() tea.Msg {
		return actionMsg{stepID: id, note: fmt.Sprintf("⊘ %s skipped", id), err: eng.Skip(id)}
	}
}

// Update processes messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layoutPanels()
		m.decision.width, m.decision.height = msg.Width, msg.Height
		m.notes.width, m.notes.height = msg.Width, msg.Height

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case runStartedMsg:
		if msg.err != nil {
			m.running = false
			m.appendError(msg.stepID, msg.err)
			break
		}
		m.sess = msg.sess
		m.runStepID = msg.sess.StepID
		m.running = true
		m.steps.Reload(m.project.State, m.project.Workflow)
		m.steps.MoveTo(m.runStepID)
		m.output.ShowStep(m.runStepID)
		m.output.Append(m.runStepID, fmt.Sprintf("━━━ %s (run %s) ━━━\n", m.runStepID, msg.sess.RunID))

		def := m.project.Workflow.StepByID(m.runStepID)
		title, scriptRef := "", ""
		if def != nil {
			title, scriptRef = def.Title, def.Script
		}
		m.detail.SetRunning(m.runStepID, title, scriptRef)
		cmds = append(cmds, waitSettle(msg.sess))

	case runEventMsg:
		if msg.ev.Kind != script.EventExit {
			prefix := "  | "
			if msg.ev.Kind == script.EventStderr {
				prefix = "  ! "
			}
			m.output.Append(m.runStepID, prefix+msg.ev.Text+"\n")
		}
		cmds = append(cmds, m.listenEvents())

	case runSettledMsg:
		m.handleSettled(msg)
		if m.quitting {
			return m, tea.Quit
		}

	case decidedMsg:
		if msg.err != nil {
			m.appendError(m.steps.SelectedID(), msg.err)
			break
		}
		m.steps.Reload(m.project.State, m.project.Workflow)
		m.steps.FollowPointer()
		r := msg.report
		note := fmt.Sprintf("  ✓ %s answered %s\n", r.StepID, answerWord(r.Answer))
		if len(r.Skipped) > 0 {
			note += "  ⊘ skipped: " + strings.Join(r.Skipped, ", ") + "\n"
		}
		if r.NextStep != "" {
			note += "  next: " + r.NextStep + "\n"
		}
		m.output.Append(r.StepID, note)
		m.output.ShowStep(r.StepID)
		m.showSelected()

	case undoneMsg:
		if msg.err != nil {
			m.appendError(m.steps.SelectedID(), msg.err)
			break
		}
		m.steps.Reload(m.project.State, m.project.Workflow)
		m.steps.FollowPointer()
		r := msg.report
		var note string
		switch r.Kind {
		case engine.UndoSkip:
			note = fmt.Sprintf("  ○ %s back to pending\n", r.StepID)
		case engine.UndoDecision:
			note = fmt.Sprintf("  ? %s awaits a decision again\n", r.StepID)
			if len(r.Reopened) > 0 {
				note += "  ○ reopened: " + strings.Join(r.Reopened, ", ") + "\n"
			}
		default:
			note = fmt.Sprintf("  ↩ undid run %s, step is now %s\n", r.RunID, r.RevertedTo)
		}
		m.output.Append(r.StepID, note)
		m.output.ShowStep(r.StepID)
		m.showSelected()

	case actionMsg:
		if msg.err != nil {
			m.appendError(msg.stepID, msg.err)
			break
		}
		m.steps.Reload(m.project.State, m.project.Workflow)
		m.output.Append(msg.stepID, "  "+msg.note+"\n")
		m.output.ShowStep(msg.stepID)
		m.showSelected()
	}

	return m, tea.Batch(cmds...)
}

// handleSettled applies a settled run transaction to the display.
func (m *Model) handleSettled(msg runSettledMsg) {
	m.running = false
	m.sess = nil
	m.input.Close()
	m.steps.Reload(m.project.State, m.project.Workflow)
	m.steps.FollowPointer()

	report := msg.report
	if report == nil {
		if msg.err != nil {
			m.appendError(m.runStepID, msg.err)
		}
		return
	}
	step := report.StepID

	switch {
	case msg.err != nil:
		m.output.Append(step, "\n"+errorStyle.Render("✗ "+msg.err.Error())+"\n")
		status := string(report.Status)
		if report.RolledBack {
			status = "rolled back"
		}
		m.detail.SetSettled(status, report.Duration, msg.err.Error())

	case report.Status == ledger.StatusCompleted:
		m.output.Append(step, "\n"+statusDoneStyle.Render(
			fmt.Sprintf("✓ %s completed in %s", step, formatDuration(report.Duration)))+"\n")
		m.appendExports(step, report.Exports)
		if report.AutoAnswer != nil {
			note := fmt.Sprintf("  decision auto-answered %s\n", answerWord(*report.AutoAnswer))
			if len(report.Skipped) > 0 {
				note += "  ⊘ skipped: " + strings.Join(report.Skipped, ", ") + "\n"
			}
			m.output.Append(step, note)
		}
		m.detail.SetSettled("completed", report.Duration, "")

	case report.Status == ledger.StatusAwaitingDecision:
		m.appendExports(step, report.Exports)
		m.output.Append(step, "\n"+stepAwaiting.Render("? "+report.Prompt)+"\n")
		m.detail.SetSettled("awaiting_decision", report.Duration, "")
		m.openPendingDecision()

	case report.RolledBack:
		m.output.Append(step, "\n"+statusFailStyle.Render(
			fmt.Sprintf("✗ %s terminated, rolled back", step))+"\n")
		m.detail.SetSettled("rolled back", report.Duration, "")
	}
}

// handleKey routes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// The input bar owns the keyboard while open.
	if m.input.Active() {
		line, closed, cmd := m.input.Update(msg)
		if closed && line != "" && m.sess != nil {
			if err := m.sess.SendInput(line); err != nil {
				m.appendError(m.runStepID, err)
			} else {
				m.output.Append(m.runStepID, "  > "+line+"\n")
			}
		}
		return m, cmd
	}

	if key.Matches(msg, keys.Quit) {
		if m.sess != nil {
			// Terminate first so the run rolls back before the program exits.
			m.quitting = true
			sess := m.sess
			m.output.Append(m.runStepID, "  terminating, rolling back...\n")
			return m, func() tea.Msg { _ = sess.Terminate(); return nil }
		}
		return m, tea.Quit
	}

	if m.notes.visible {
		switch msg.String() {
		case "esc", "d":
			m.notes.Hide()
		}
		return m, nil
	}

	if m.decision.visible {
		answered, answer := m.decision.Update(msg)
		if answered {
			m.decision.Hide()
			return m, m.decideCmd(answer)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, keys.Run):
		if m.running {
			return m, nil
		}
		if m.project.State.PendingDecision != "" {
			m.openPendingDecision()
			return m, nil
		}
		m.running = true
		return m, m.startRun("")

	case key.Matches(msg, keys.Rerun):
		if m.running {
			return m, nil
		}
		id := m.steps.SelectedID()
		if id == "" {
			return m, nil
		}
		m.running = true
		return m, m.startRun(id)

	case key.Matches(msg, keys.Yes):
		if m.project.State.PendingDecision != "" {
			return m, m.decideCmd(true)
		}

	case key.Matches(msg, keys.No):
		if m.project.State.PendingDecision != "" {
			return m, m.decideCmd(false)
		}

	case key.Matches(msg, keys.Undo):
		if !m.running {
			return m, m.undoCmd()
		}

	case key.Matches(msg, keys.Skip):
		if !m.running {
			return m, m.skipToggleCmd()
		}

	case key.Matches(msg, keys.Input):
		if m.running {
			return m, m.input.Open()
		}

	case key.Matches(msg, keys.Notes):
		if row := m.steps.Selected(); row != nil {
			if def := m.project.Workflow.StepByID(row.ID); def != nil {
				m.notes.Show(def)
			}
		}

	case key.Matches(msg, keys.Up):
		m.steps.CursorUp()
		m.showSelected()

	case key.Matches(msg, keys.Down):
		m.steps.CursorDown()
		m.showSelected()

	case key.Matches(msg, keys.PgUp):
		m.output.PageUp()

	case key.Matches(msg, keys.PgDown):
		m.output.PageDown()
	}

	return m, nil
}

// showSelected points the output and detail bar at the browsed step.
func (m *Model) showSelected() {
	row := m.steps.Selected()
	if row == nil {
		return
	}
	m.output.ShowStep(row.ID)
	if m.running {
		return
	}
	scriptRef := ""
	if def := m.project.Workflow.StepByID(row.ID); def != nil {
		scriptRef = def.Script
	}
	m.detail.SetBrowsing(row.ID, row.Title, scriptRef, string(row.Status))
}

// openPendingDecision opens the overlay for the decision the operator owes.
func (m *Model) openPendingDecision() {
	id := m.project.State.PendingDecision
	if id == "" {
		return
	}
	def := m.project.Workflow.StepByID(id)
	if def == nil || def.Decision == nil {
		return
	}
	m.decision.Show(id, def.Decision.Prompt, def.Decision.NoTarget, def.Decision.SkipOnNo)
}

func (m *Model) appendExports(stepID string, exports map[string]string) {
	if len(exports) == 0 {
		return
	}
	names := make([]string, 0, len(exports))
	for k := range exports {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		m.output.Append(stepID, exportStyle.Render(fmt.Sprintf("  export %s=%s", k, exports[k]))+"\n")
	}
}

func (m *Model) appendError(stepID string, err error) {
	if stepID == "" {
		stepID = m.steps.SelectedID()
	}
	m.output.Append(stepID, "\n"+errorStyle.Render("✗ "+err.Error())+"\n")
	m.output.ShowStep(stepID)
}

// layoutPanels recalculates panel dimensions from the terminal size.
func (m *Model) layoutPanels() {
	if m.width == 0 || m.height == 0 {
		return
	}

	headerH := 1
	detailH := 5
	mainH := m.height - headerH - detailH
	if mainH < 4 {
		mainH = 4
	}

	stepsW := m.width * 30 / 100
	if stepsW < 24 {
		stepsW = 24
	}
	if stepsW > 40 {
		stepsW = 40
	}

	m.steps.width = stepsW
	m.steps.height = mainH
	m.output.SetSize(m.width-stepsW, mainH)
	m.detail.width = m.width
}

// View renders the complete TUI.
func (m Model) View() string {
	if m.decision.visible {
		return m.decision.View()
	}
	if m.notes.visible {
		return m.notes.View()
	}

	header := m.renderHeader()

	var main string
	if m.width > 0 {
		main = lipgloss.JoinHorizontal(lipgloss.Top, m.steps.View(), m.output.View())
	}

	done := m.project.State.CurrentPointer >= len(m.project.State.Steps) &&
		m.project.State.PendingDecision == ""

	result := header + "\n" + main
	if iv := m.input.View(); iv != "" {
		result += "\n" + iv
	}
	result += "\n" + m.detail.View(m.running, m.project.State.PendingDecision != "", done)
	return result
}

// renderHeader builds the top header line.
func (m Model) renderHeader() string {
	left := headerStyle.Render("stepwise") + " " +
		workflowNameStyle.Render(m.project.Workflow.Name)

	var status string
	switch {
	case m.running:
		status = m.spinner.View() + statusRunStyle.Render(" running "+m.runStepID)
	case m.project.State.PendingDecision != "":
		status = stepAwaiting.Render("? decision pending on " + m.project.State.PendingDecision)
	case m.project.State.CurrentPointer >= len(m.project.State.Steps):
		_, completed, skipped, _ := m.steps.Stats()
		status = statusDoneStyle.Render(fmt.Sprintf("✔ complete  ✓%d ⊘%d", completed, skipped))
	default:
		status = keyDescStyle.Render(fmt.Sprintf("step %d/%d", m.project.State.CurrentPointer+1, len(m.project.State.Steps)))
	}

	padding := m.width - lipgloss.Width(left) - lipgloss.Width(status) - 2
	if padding < 1 {
		padding = 1
	}
	return left + strings.Repeat(" ", padding) + status
}

func answerWord(answer bool) string {
	if answer {
		return "yes"
	}
	return "no"
}
