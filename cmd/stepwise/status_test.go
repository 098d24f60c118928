package main

import (
	"strings"
	"testing"
	"time"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/workflow"
)

func TestStatusRow(t *testing.T) {
	ss := &ledger.StepStatus{StepID: "prep", Status: ledger.StatusCompleted, RunCount: 2}
	row := statusRow(0, 1, ss, "Prepare the gel")
	if strings.HasPrefix(row, "→") {
		t.Errorf("row for a non-pointer step should not carry the marker: %q", row)
	}
	for _, want := range []string{"prep", "Prepare the gel", "completed", "runs:2"} {
		if !strings.Contains(row, want) {
			t.Errorf("row %q missing %q", row, want)
		}
	}
}

func TestStatusRowPointerAndDecider(t *testing.T) {
	ss := &ledger.StepStatus{StepID: "stain", Status: ledger.StatusSkippedConditional, DecidedBy: "gate"}
	row := statusRow(2, 2, ss, "")
	if !strings.HasPrefix(row, "→") {
		t.Errorf("row at the pointer should carry the marker: %q", row)
	}
	if !strings.Contains(row, "(decided by gate)") {
		t.Errorf("row %q missing decider note", row)
	}
	if strings.Contains(row, "runs:") {
		t.Errorf("no runs recorded, row %q should not show a run count", row)
	}
}

func TestStatusPaintGlyphs(t *testing.T) {
	cases := []struct {
		status ledger.Status
		glyph  string
	}{
		{ledger.StatusCompleted, "✓"},
		{ledger.StatusRunning, "►"},
		{ledger.StatusFailed, "✗"},
		{ledger.StatusAwaitingDecision, "?"},
		{ledger.StatusSkippedManual, "⊘"},
		{ledger.StatusSkippedConditional, "⊘"},
		{ledger.StatusPending, "○"},
	}
	for _, tc := range cases {
		glyph, paint := statusPaint(tc.status)
		if glyph != tc.glyph {
			t.Errorf("statusPaint(%s) glyph = %q, want %q", tc.status, glyph, tc.glyph)
		}
		if paint == nil {
			t.Errorf("statusPaint(%s) returned no painter", tc.status)
		}
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 28, "short"},
		{"exactly-four", 12, "exactly-four"},
		{"a very long step title that overflows", 12, "a very lo..."},
		{"abcdef", 3, "abc"},
		{"", 5, ""},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestBuildStatusDoc(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	p := &project.Project{
		Workflow: &workflow.Workflow{
			Name: "gel-run",
			Steps: []workflow.Step{
				{ID: "prep", Title: "Prepare the gel"},
				{ID: "gate"},
			},
		},
		State: &ledger.State{
			Workflow:        "gel-run",
			CurrentPointer:  1,
			PendingDecision: "gate",
			Steps: []*ledger.StepStatus{
				{
					StepID:   "prep",
					Status:   ledger.StatusCompleted,
					RunCount: 1,
					History:  []ledger.Run{{RunIndex: 1, StartedAt: started}},
				},
				{StepID: "gate", Status: ledger.StatusAwaitingDecision},
			},
		},
	}

	doc := buildStatusDoc(p)
	if doc.Workflow != "gel-run" || doc.Pointer != 1 || doc.Done {
		t.Errorf("doc header = %+v", doc)
	}
	if doc.PendingDecision != "gate" {
		t.Errorf("pending decision = %q, want gate", doc.PendingDecision)
	}
	if len(doc.Steps) != 2 {
		t.Fatalf("expected 2 step rows, got %d", len(doc.Steps))
	}
	if doc.Steps[0].Title != "Prepare the gel" || doc.Steps[0].Runs != 1 {
		t.Errorf("prep row = %+v", doc.Steps[0])
	}
	if doc.Steps[0].LastRunAt != "2026-03-14T09:26:53Z" {
		t.Errorf("prep last run at = %q", doc.Steps[0].LastRunAt)
	}
	if doc.Steps[1].Status != "awaiting_decision" || doc.Steps[1].LastRunAt != "" {
		t.Errorf("gate row = %+v", doc.Steps[1])
	}
}

func TestBuildStatusDocDone(t *testing.T) {
	p := &project.Project{
		Workflow: &workflow.Workflow{Name: "w", Steps: []workflow.Step{{ID: "only"}}},
		State: &ledger.State{
			Workflow:       "w",
			CurrentPointer: 1,
			Steps:          []*ledger.StepStatus{{StepID: "only", Status: ledger.StatusCompleted}},
		},
	}
	if doc := buildStatusDoc(p); !doc.Done {
		t.Errorf("pointer past the last step should mark the doc done: %+v", doc)
	}
}
