package tui

import (
	"strings"
	"testing"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/workflow"
)

func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name: "gel-run",
		Steps: []workflow.Step{
			{ID: "prep", Title: "Prepare the gel", Script: "scripts/prep.sh"},
			{ID: "load", Title: "Load samples", Script: "scripts/load.sh"},
			{ID: "image", Title: "Image the gel", Script: "scripts/image.sh"},
		},
	}
}

func testState() *ledger.State {
	return &ledger.State{
		Steps: []*ledger.StepStatus{
			{StepID: "prep", Status: ledger.StatusCompleted, RunCount: 1},
			{StepID: "load", Status: ledger.StatusPending},
			{StepID: "image", Status: ledger.StatusPending},
		},
		CurrentPointer: 1,
	}
}

func TestStepsPanelReload(t *testing.T) {
	p := newStepsPanel()
	p.width, p.height = 30, 10
	p.Reload(testState(), testWorkflow())

	if len(p.rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(p.rows))
	}
	if p.pointer != 1 {
		t.Errorf("pointer = %d, want 1", p.pointer)
	}
	if p.rows[0].Status != ledger.StatusCompleted {
		t.Errorf("prep status = %s, want completed", p.rows[0].Status)
	}
	if p.rows[1].Title != "Load samples" {
		t.Errorf("load title = %q", p.rows[1].Title)
	}
	if p.rows[0].Runs != 1 {
		t.Errorf("prep runs = %d, want 1", p.rows[0].Runs)
	}
}

func TestStepsPanelCursorClampOnReload(t *testing.T) {
	p := newStepsPanel()
	p.height = 10
	p.Reload(testState(), testWorkflow())

	p.cursor = 7
	p.Reload(testState(), testWorkflow())
	if p.cursor != 2 {
		t.Errorf("cursor = %d, want clamped to 2", p.cursor)
	}
}

func TestStepsPanelFollowPointer(t *testing.T) {
	p := newStepsPanel()
	p.height = 10
	p.Reload(testState(), testWorkflow())

	p.cursor = 0
	p.FollowPointer()
	if p.cursor != 1 {
		t.Errorf("cursor = %d, want pointer step 1", p.cursor)
	}

	// A finished workflow parks the cursor on the last step.
	p.pointer = 3
	p.FollowPointer()
	if p.cursor != 2 {
		t.Errorf("cursor = %d, want last step 2", p.cursor)
	}
}

func TestStepsPanelMoveTo(t *testing.T) {
	p := newStepsPanel()
	p.height = 10
	p.Reload(testState(), testWorkflow())

	p.MoveTo("image")
	if p.cursor != 2 {
		t.Errorf("cursor = %d, want 2", p.cursor)
	}

	p.MoveTo("no-such-step")
	if p.cursor != 2 {
		t.Errorf("cursor moved to %d on unknown id", p.cursor)
	}
}

func TestStepsPanelSelected(t *testing.T) {
	p := newStepsPanel()
	p.height = 10
	p.Reload(testState(), testWorkflow())
	p.cursor = 0

	if got := p.SelectedID(); got != "prep" {
		t.Errorf("SelectedID = %q, want prep", got)
	}
	row := p.Selected()
	if row == nil || row.Title != "Prepare the gel" {
		t.Errorf("Selected = %+v", row)
	}

	empty := newStepsPanel()
	if empty.Selected() != nil {
		t.Error("Selected on empty panel should be nil")
	}
}

func TestRowPaintGlyphs(t *testing.T) {
	cases := []struct {
		status ledger.Status
		glyph  string
	}{
		{ledger.StatusPending, GlyphPending},
		{ledger.StatusRunning, GlyphRunning},
		{ledger.StatusCompleted, GlyphCompleted},
		{ledger.StatusFailed, GlyphFailed},
		{ledger.StatusSkippedManual, GlyphSkipped},
		{ledger.StatusSkippedConditional, GlyphSkipped},
		{ledger.StatusAwaitingDecision, GlyphAwaiting},
	}
	for _, tc := range cases {
		if glyph, _ := rowPaint(tc.status); glyph != tc.glyph {
			t.Errorf("rowPaint(%s) glyph = %q, want %q", tc.status, glyph, tc.glyph)
		}
	}
}

func TestStepsPanelView(t *testing.T) {
	p := newStepsPanel()
	p.width, p.height = 40, 10
	p.Reload(testState(), testWorkflow())

	out := p.View()
	for _, want := range []string{"Steps", "Prepare the gel", "Load samples", "→"} {
		if !strings.Contains(out, want) {
			t.Errorf("View missing %q", want)
		}
	}
}

func TestStepsPanelViewRunCount(t *testing.T) {
	st := testState()
	st.Steps[0].RunCount = 3

	p := newStepsPanel()
	p.width, p.height = 40, 10
	p.Reload(st, testWorkflow())

	if out := p.View(); !strings.Contains(out, "×3") {
		t.Error("View missing rerun count marker")
	}
}

func TestStepsPanelStats(t *testing.T) {
	st := &ledger.State{
		Steps: []*ledger.StepStatus{
			{StepID: "prep", Status: ledger.StatusCompleted},
			{StepID: "load", Status: ledger.StatusSkippedManual},
			{StepID: "stain", Status: ledger.StatusSkippedConditional},
			{StepID: "image", Status: ledger.StatusFailed},
			{StepID: "report", Status: ledger.StatusPending},
		},
	}
	wf := &workflow.Workflow{Steps: []workflow.Step{
		{ID: "prep"}, {ID: "load"}, {ID: "stain"}, {ID: "image"}, {ID: "report"},
	}}

	p := newStepsPanel()
	p.height = 10
	p.Reload(st, wf)

	total, completed, skipped, failed := p.Stats()
	if total != 5 || completed != 1 || skipped != 2 || failed != 1 {
		t.Errorf("Stats = %d/%d/%d/%d, want 5/1/2/1", total, completed, skipped, failed)
	}
}

func TestEnsureVisibleScrollsWithCursor(t *testing.T) {
	wf := &workflow.Workflow{}
	st := &ledger.State{}
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wf.Steps = append(wf.Steps, workflow.Step{ID: id, Title: id})
		st.Steps = append(st.Steps, &ledger.StepStatus{StepID: id, Status: ledger.StatusPending})
	}

	p := newStepsPanel()
	p.height = 5 // three visible rows
	p.Reload(st, wf)

	p.cursor = 6
	p.ensureVisible()
	if p.offset != 4 {
		t.Errorf("offset = %d, want 4", p.offset)
	}

	p.cursor = 1
	p.ensureVisible()
	if p.offset != 1 {
		t.Errorf("offset = %d, want 1", p.offset)
	}
}
