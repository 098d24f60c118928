package script

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseMarkerDecision(t *testing.T) {
	m, ok := ParseMarker("::stepwise:decision::")
	if !ok || m.Kind != MarkerDecision {
		t.Fatalf("ParseMarker = %+v, %v", m, ok)
	}
}

func TestParseMarkerExport(t *testing.T) {
	m, ok := ParseMarker("::stepwise:export GEL_LANE=4::")
	if !ok || m.Kind != MarkerExport || m.Name != "GEL_LANE" || m.Value != "4" {
		t.Fatalf("ParseMarker = %+v, %v", m, ok)
	}
}

func TestParseMarkerExportValueWithEquals(t *testing.T) {
	m, ok := ParseMarker("::stepwise:export QUERY=a=b::")
	if !ok || m.Name != "QUERY" || m.Value != "a=b" {
		t.Fatalf("ParseMarker = %+v, %v", m, ok)
	}
}

func TestParseMarkerCarriageReturn(t *testing.T) {
	if _, ok := ParseMarker("::stepwise:decision::\r"); !ok {
		t.Fatalf("marker with trailing CR not recognized")
	}
}

func TestParseMarkerPassthrough(t *testing.T) {
	lines := []string{
		"plain output",
		"prefix ::stepwise:decision::",
		"::stepwise:unknown::",
		"::stepwise:export ::",
		"::stepwise:export NOVALUE::",
		"::stepwise:export 1BAD=x::",
		"::stepwise:export SP ACE=x::",
		"::stepwise:export OK=x",
	}
	for _, line := range lines {
		if m, ok := ParseMarker(line); ok {
			t.Errorf("ParseMarker(%q) = %+v, want passthrough", line, m)
		}
	}
}

func TestResolve(t *testing.T) {
	source := t.TempDir()
	if err := os.MkdirAll(filepath.Join(source, "steps"), 0755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(source, "steps", "extract.sh")
	if err := os.WriteFile(want, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	got, err := Resolve(source, "steps/extract.sh")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != want {
		t.Errorf("resolved %q, want %q", got, want)
	}
}

func TestResolveMissing(t *testing.T) {
	source := t.TempDir()
	_, err := Resolve(source, "steps/missing.sh")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	source := t.TempDir()
	for _, ref := range []string{"", "/etc/passwd", "../outside.sh", "steps/../../outside.sh"} {
		if _, err := Resolve(source, ref); !errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) = %v, want ErrNotFound", ref, err)
		}
	}
}

func TestResolveRejectsDirectory(t *testing.T) {
	source := t.TempDir()
	if err := os.MkdirAll(filepath.Join(source, "steps"), 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(source, "steps"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
