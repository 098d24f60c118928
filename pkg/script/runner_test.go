package script

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// collect drains the event stream and returns output events plus the result.
func collect(t *testing.T, h Handle) ([]Event, Result) {
	t.Helper()
	var events []Event
	var res Result
	sawExit := false
	for ev := range h.Events() {
		if ev.Kind == EventExit {
			if sawExit {
				t.Fatalf("received more than one exit event")
			}
			sawExit = true
			res = *ev.Result
			continue
		}
		if sawExit {
			t.Fatalf("output event %q after exit event", ev.Text)
		}
		events = append(events, ev)
	}
	if !sawExit {
		t.Fatalf("event stream closed without an exit event")
	}
	return events, res
}

func TestRunnerStreamsTaggedOutput(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	path := writeScript(t, dir, "step.sh", "echo one\necho two >&2\necho three\n")

	h, err := Runner{}.Start(context.Background(), Spec{Path: path, Dir: dir})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events, res := collect(t, h)

	var out, errLines []string
	for _, ev := range events {
		switch ev.Kind {
		case EventStdout:
			out = append(out, ev.Text)
		case EventStderr:
			errLines = append(errLines, ev.Text)
		}
	}
	if len(out) != 2 || out[0] != "one" || out[1] != "three" {
		t.Errorf("stdout events = %v, want [one three]", out)
	}
	if len(errLines) != 1 || errLines[0] != "two" {
		t.Errorf("stderr events = %v, want [two]", errLines)
	}
	if res.ExitCode != 0 || res.Terminated || res.Err != nil {
		t.Errorf("result = %+v, want clean zero exit", res)
	}
}

func TestRunnerNonZeroExit(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	path := writeScript(t, dir, "fail.sh", "echo before failure\nexit 3\n")

	h, err := Runner{}.Start(context.Background(), Spec{Path: path, Dir: dir})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, res := collect(t, h)
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Err != nil {
		t.Errorf("non-zero exit should not be a transport error, got %v", res.Err)
	}
}

func TestRunnerSpawnFailureIsTransportError(t *testing.T) {
	dir := t.TempDir()
	_, err := Runner{}.Start(context.Background(), Spec{
		Path: filepath.Join(dir, "does-not-exist.sh"),
		Dir:  dir,
	})
	if err == nil {
		t.Fatalf("expected spawn failure")
	}
	if !strings.Contains(err.Error(), "start script") {
		t.Errorf("error = %v, want start script context", err)
	}
}

func TestRunnerConsumesMarkers(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	logPath := filepath.Join(dir, "runs", "r1", "output.log")
	path := writeScript(t, dir, "step.sh",
		"echo visible\n"+
			"echo '::stepwise:export SAMPLE_COUNT=42::'\n"+
			"echo '::stepwise:export plate=A7::'\n"+
			"echo '::stepwise:decision::'\n")

	h, err := Runner{}.Start(context.Background(), Spec{Path: path, Dir: dir, OutputLog: logPath})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events, res := collect(t, h)

	if len(events) != 1 || events[0].Text != "visible" {
		t.Errorf("marker lines leaked into events: %+v", events)
	}
	if !res.DecisionRequested {
		t.Errorf("decision marker not recorded")
	}
	if res.Exports["SAMPLE_COUNT"] != "42" || res.Exports["plate"] != "A7" {
		t.Errorf("exports = %v", res.Exports)
	}

	logged, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read output log: %v", err)
	}
	for _, want := range []string{"[out] visible", "[out] ::stepwise:export SAMPLE_COUNT=42::", "[out] ::stepwise:decision::"} {
		if !strings.Contains(string(logged), want) {
			t.Errorf("output log missing %q:\n%s", want, logged)
		}
	}
}

func TestRunnerSendInput(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	path := writeScript(t, dir, "ask.sh", "echo ready\nread answer\necho \"got $answer\"\n")

	h, err := Runner{}.Start(context.Background(), Spec{Path: path, Dir: dir})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	events := h.Events()
	waitFor := func(want string) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					t.Fatalf("stream closed before %q", want)
				}
				if ev.Kind == EventStdout && ev.Text == want {
					return
				}
			case <-deadline:
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	waitFor("ready")
	if err := h.SendInput("hello"); err != nil {
		t.Fatalf("send input: %v", err)
	}
	waitFor("got hello")
	for range events {
	}
	if res := h.Wait(); res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestRunnerSendInputAfterExit(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	path := writeScript(t, dir, "quick.sh", "true\n")

	h, err := Runner{}.Start(context.Background(), Spec{Path: path, Dir: dir})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	collect(t, h)
	if err := h.SendInput("late"); !errors.Is(err, ErrNotAlive) {
		t.Errorf("send after exit = %v, want ErrNotAlive", err)
	}
	if err := h.Terminate(time.Second); !errors.Is(err, ErrNotAlive) {
		t.Errorf("terminate after exit = %v, want ErrNotAlive", err)
	}
}

func TestRunnerTerminateCooperative(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	path := writeScript(t, dir, "slow.sh", "echo started\nsleep 30\n")

	h, err := Runner{}.Start(context.Background(), Spec{Path: path, Dir: dir})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// Wait for the script to actually be running.
	for ev := range h.Events() {
		if ev.Kind == EventStdout && ev.Text == "started" {
			break
		}
	}

	begin := time.Now()
	if err := h.Terminate(5 * time.Second); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	res := h.Wait()
	if !res.Terminated {
		t.Errorf("result not marked terminated: %+v", res)
	}
	if elapsed := time.Since(begin); elapsed > 5*time.Second {
		t.Errorf("cooperative terminate took %v", elapsed)
	}
	for range h.Events() {
	}
}

func TestRunnerTerminateKillsStubborn(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	path := writeScript(t, dir, "stubborn.sh", "trap '' INT\necho started\nsleep 30\n")

	h, err := Runner{}.Start(context.Background(), Spec{Path: path, Dir: dir})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for ev := range h.Events() {
		if ev.Kind == EventStdout && ev.Text == "started" {
			break
		}
	}

	begin := time.Now()
	if err := h.Terminate(200 * time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	res := h.Wait()
	if !res.Terminated {
		t.Errorf("result not marked terminated: %+v", res)
	}
	if elapsed := time.Since(begin); elapsed > 10*time.Second {
		t.Errorf("kill path took %v", elapsed)
	}
	for range h.Events() {
	}
}

func TestRunnerInterpreterAndEnv(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	// Not executable on purpose; the interpreter runs it.
	path := filepath.Join(dir, "plain.sh")
	if err := os.WriteFile(path, []byte("echo \"step=$STEPWISE_STEP_ID\"\n"), 0644); err != nil {
		t.Fatalf("write script: %v", err)
	}

	h, err := Runner{}.Start(context.Background(), Spec{
		Path:        path,
		Dir:         dir,
		Interpreter: []string{"/bin/sh"},
		Env:         []string{"STEPWISE_STEP_ID=extract"},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	events, res := collect(t, h)
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if len(events) != 1 || events[0].Text != "step=extract" {
		t.Errorf("events = %+v, want step=extract", events)
	}
}

func TestRunnerRunsInProjectDir(t *testing.T) {
	requireSh(t)
	source := t.TempDir()
	project := t.TempDir()
	path := writeScript(t, source, "mark.sh", "echo here > created.txt\n")

	h, err := Runner{}.Start(context.Background(), Spec{Path: path, Dir: project})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, res := collect(t, h); res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if _, err := os.Stat(filepath.Join(project, "created.txt")); err != nil {
		t.Errorf("script did not run in project dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(source, "created.txt")); err == nil {
		t.Errorf("script ran in the source dir instead of the project dir")
	}
}
