// Package main provides the stepwise-tui binary — Bubble Tea terminal UI.
package main

import (
	"fmt"
	"os"

	"github.com/coldbench/stepwise/pkg/engine"
	"github.com/coldbench/stepwise/pkg/logging"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/tui"
)

func main() {
	dir := "."
	if len(os.Args) > 1 {
		if os.Args[1] == "-h" || os.Args[1] == "--help" {
			fmt.Fprintln(os.Stderr, "Usage: stepwise-tui [project-dir]")
			os.Exit(0)
		}
		dir = os.Args[1]
	}

	root, err := project.FindRoot(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Log lines on stderr would tear the alternate screen, so the TUI
	// process discards them.
	proj, err := project.Open(root, logging.Discard())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	eng := engine.New(proj, nil)

	if err := tui.Run(tui.Config{Project: proj, Engine: eng}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
