package script

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotAlive is returned by SendInput and Terminate once the script has
// exited. Late calls are no-ops; exactly one of natural exit and
// termination decides the run.
var ErrNotAlive = errors.New("script is not running")

// EventKind tags a supervision event with its origin.
type EventKind string

const (
	// EventStdout carries one line of script stdout.
	EventStdout EventKind = "stdout"
	// EventStderr carries one line of script stderr.
	EventStderr EventKind = "stderr"
	// EventExit is the final event of every run and carries the result.
	EventExit EventKind = "exit"
)

// Event is one element of the ordered stream a Handle produces. The stream
// is finite: zero or more output events followed by exactly one exit event,
// after which the channel is closed.
type Event struct {
	Kind   EventKind
	Text   string
	Time   time.Time
	Result *Result
}

// Result describes how a script run ended.
type Result struct {
	ExitCode          int
	Terminated        bool
	DecisionRequested bool
	Exports           map[string]string
	Duration          time.Duration
	// Err is set when supervision itself failed after a successful spawn,
	// for example an I/O error on the pipes. Non-zero exit is not an Err.
	Err error
}

// Spec describes one script invocation. Path is the resolved executable,
// Dir the directory the script runs in; the two are independent.
type Spec struct {
	Path        string
	Args        []string
	Dir         string
	Interpreter []string
	Env         []string
	// OutputLog, when set, receives every line of output including marker
	// lines, each tagged with its stream.
	OutputLog string
}

// Handle supervises one running script.
type Handle interface {
	// Events returns the run's event stream. Every run yields exactly one
	// EventExit and then the channel closes.
	Events() <-chan Event
	// SendInput writes one line to the script's stdin.
	SendInput(line string) error
	// Terminate asks the script to stop, waits up to grace for a
	// cooperative exit, then kills it. A terminated run always rolls back.
	Terminate(grace time.Duration) error
	// Wait blocks until the script has exited and returns the result.
	Wait() Result
}

// Launcher starts scripts. The engine depends on this interface so tests
// can substitute scripted processes for real ones.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Handle, error)
}

// Runner is the real Launcher backed by os/exec.
type Runner struct{}

// Start spawns the script and begins supervising it. A spawn failure is
// returned here as a transport error, distinct from the script running and
// exiting non-zero.
func (Runner) Start(ctx context.Context, spec Spec) (Handle, error) {
	argv := make([]string, 0, len(spec.Interpreter)+1+len(spec.Args))
	argv = append(argv, spec.Interpreter...)
	argv = append(argv, spec.Path)
	argv = append(argv, spec.Args...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	var log *os.File
	if spec.OutputLog != "" {
		if err := os.MkdirAll(filepath.Dir(spec.OutputLog), 0755); err != nil {
			return nil, fmt.Errorf("create output log directory: %w", err)
		}
		log, err = os.Create(spec.OutputLog)
		if err != nil {
			return nil, fmt.Errorf("create output log: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		if log != nil {
			log.Close()
		}
		return nil, fmt.Errorf("start script %q: %w", spec.Path, err)
	}

	p := &process{
		ctx:     ctx,
		cmd:     cmd,
		stdin:   stdin,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		log:     log,
		started: time.Now(),
		exports: make(map[string]string),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.readStdout(stdout, &readers)
	go p.readStderr(stderr, &readers)
	go p.supervise(&readers)

	return p, nil
}

// process is the live side of a Handle. All mutable state is guarded by mu;
// done is closed once the result is final.
type process struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	done   chan struct{}
	log    *os.File
	logMu  sync.Mutex

	started time.Time

	mu         sync.Mutex
	finished   bool
	terminated bool
	decision   bool
	exports    map[string]string
	result     Result
}

func (p *process) Events() <-chan Event { return p.events }

func (p *process) SendInput(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return ErrNotAlive
	}
	if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
		return fmt.Errorf("write to script stdin: %w", err)
	}
	return nil
}

func (p *process) Terminate(grace time.Duration) error {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return ErrNotAlive
	}
	p.terminated = true
	p.mu.Unlock()

	// Ask nicely first.
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.kill()
		<-p.done
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	p.kill()
	<-p.done
	return nil
}

func (p *process) Wait() Result {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *process) kill() {
	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// readStdout scans stdout line by line, consuming marker lines and emitting
// the rest as events. Markers still reach the output log.
func (p *process) readStdout(r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.writeLog("out", line)
		if m, ok := ParseMarker(line); ok {
			p.recordMarker(m)
			continue
		}
		p.events <- Event{Kind: EventStdout, Text: line, Time: time.Now()}
	}
}

func (p *process) readStderr(r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.writeLog("err", line)
		p.events <- Event{Kind: EventStderr, Text: line, Time: time.Now()}
	}
}

func (p *process) recordMarker(m Marker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch m.Kind {
	case MarkerDecision:
		p.decision = true
	case MarkerExport:
		p.exports[m.Name] = m.Value
	}
}

func (p *process) writeLog(stream, line string) {
	if p.log == nil {
		return
	}
	p.logMu.Lock()
	defer p.logMu.Unlock()
	fmt.Fprintf(p.log, "[%s] %s\n", stream, line)
}

// supervise waits for both readers to drain, reaps the process, and
// publishes the result. The exit event is the last event on the channel.
func (p *process) supervise(readers *sync.WaitGroup) {
	readers.Wait()
	waitErr := p.cmd.Wait()
	p.stdin.Close()

	p.mu.Lock()
	res := Result{
		Terminated:        p.terminated,
		DecisionRequested: p.decision,
		Exports:           p.exports,
		Duration:          time.Since(p.started),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(waitErr, &exitErr):
			res.ExitCode = exitErr.ExitCode()
		default:
			res.ExitCode = -1
			res.Err = fmt.Errorf("wait for script: %w", waitErr)
		}
	}
	// A kill driven by context cancellation counts as termination.
	if p.ctx.Err() != nil {
		res.Terminated = true
	}
	p.result = res
	p.finished = true
	p.mu.Unlock()

	close(p.done)
	if p.log != nil {
		p.logMu.Lock()
		p.log.Close()
		p.log = nil
		p.logMu.Unlock()
	}
	p.events <- Event{Kind: EventExit, Time: time.Now(), Result: &res}
	close(p.events)
}
