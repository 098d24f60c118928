// Package console implements the interactive operator console: a readline
// REPL over an open project for running steps, answering decisions, and
// inspecting ledger state.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/coldbench/stepwise/pkg/engine"
	"github.com/coldbench/stepwise/pkg/project"
)

// Console drives one open project interactively.
type Console struct {
	project *project.Project
	engine  *engine.Engine
	output  io.Writer
	rl      *readline.Instance
}

// New creates a console over an open project and its engine.
func New(p *project.Project, e *engine.Engine) *Console {
	return &Console{project: p, engine: e, output: os.Stdout}
}

// Run starts the interactive loop and blocks until the operator quits.
func (c *Console) Run(ctx context.Context) error {
	commands := []string{"status", "next", "continue", "run", "yes", "no",
		"skip", "unskip", "undo", "rewind", "exports", "history",
		"snapshots", "prune", "diff", "graph", "validate", "trace",
		"dump", "help", "quit"}

	var completer = readline.NewPrefixCompleter()
	for _, cmd := range commands {
		completer.Children = append(completer.Children,
			readline.PcItem(cmd))
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.buildPrompt(),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	c.rl = rl
	defer rl.Close()

	fmt.Fprintf(c.output, "stepwise console: %s, %d steps\n", c.project.Workflow.Name, len(c.project.Workflow.Steps))
	fmt.Fprintf(c.output, "Type 'help' for available commands, 'next' to run the step at the pointer.\n\n")

	for {
		rl.SetPrompt(c.buildPrompt())
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if quit := c.execute(ctx, line); quit {
			return nil
		}
	}
}

// execute dispatches one command line and reports whether the loop should
// exit.
func (c *Console) execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	cmd := parts[0]

	switch cmd {
	case "status", "st":
		c.handleStatus()
	case "next", "n":
		if err := c.handleRun(ctx, ""); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "continue", "c":
		if err := c.handleContinue(ctx); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "run", "r":
		stepID := ""
		if len(parts) > 1 {
			stepID = parts[1]
		}
		if err := c.handleRun(ctx, stepID); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "yes", "y":
		if err := c.handleDecide(true); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "no":
		if err := c.handleDecide(false); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "skip":
		if len(parts) < 2 {
			fmt.Fprintf(c.output, "Usage: skip <step-id>\n")
			return false
		}
		if err := c.handleSkip(parts[1]); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "unskip":
		if len(parts) < 2 {
			fmt.Fprintf(c.output, "Usage: unskip <step-id>\n")
			return false
		}
		if err := c.handleUnskip(parts[1]); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "undo", "u":
		if err := c.handleUndo(); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "rewind":
		if err := c.handleRewind(); err != nil {
			fmt.Fprintf(c.output, "Error: %v\n", err)
		}
	case "exports":
		c.handleExports()
	case "history", "h":
		stepID := ""
		if len(parts) > 1 {
			stepID = parts[1]
		}
		c.handleHistory(stepID)
	case "snapshots":
		c.handleSnapshots()
	case "prune":
		c.handlePrune()
	case "diff":
		if len(parts) < 2 {
			fmt.Fprintf(c.output, "Usage: diff <snapshot-id>\n")
			return false
		}
		c.handleDiff(parts[1])
	case "graph":
		c.handleGraph()
	case "validate", "v":
		c.handleValidate()
	case "trace":
		c.handleTrace()
	case "dump":
		c.handleDump()
	case "help", "?":
		c.handleHelp()
	case "quit", "q":
		fmt.Fprintf(c.output, "Exiting console.\n")
		return true
	default:
		fmt.Fprintf(c.output, "Unknown command: %q. Type 'help' for available commands.\n", cmd)
	}
	return false
}

// buildPrompt creates the prompt string: stepwise[N/total | step_id]>
func (c *Console) buildPrompt() string {
	st := c.project.State
	total := len(st.Steps)
	if st.PendingDecision != "" {
		return fmt.Sprintf("stepwise[%s yes/no?]> ", st.PendingDecision)
	}
	if st.CurrentPointer >= total {
		return "stepwise[done]> "
	}
	return fmt.Sprintf("stepwise[%d/%d | %s]> ", st.CurrentPointer+1, total, st.Steps[st.CurrentPointer].StepID)
}
