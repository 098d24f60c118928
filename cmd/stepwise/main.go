package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coldbench/stepwise/pkg/console"
	"github.com/coldbench/stepwise/pkg/engine"
	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/logging"
	"github.com/coldbench/stepwise/pkg/project"
	"github.com/coldbench/stepwise/pkg/script"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	loadDotEnv() // load .env file if present (gitignored)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets
// any variables that aren't already set in the environment.
// Lines are KEY=VALUE (or KEY="VALUE"). Comments (#) and blanks are skipped.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return // no .env file
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "stepwise",
	Short: "Step-by-step workflow execution with undo",
	Long:  "stepwise runs scripted laboratory workflows one step at a time, with pre-run snapshots, decision gates, and run-by-run undo.",
}

// openProject locates the project root from the working directory and
// opens it, healing any interrupted run.
func openProject() (*project.Project, error) {
	root, err := project.FindRoot(".")
	if err != nil {
		return nil, err
	}
	return project.Open(root, logging.New())
}

func openEngine() (*engine.Engine, error) {
	p, err := openProject()
	if err != nil {
		return nil, err
	}
	return engine.New(p, nil), nil
}

// --- init ---

var initDir string

var initCmd = &cobra.Command{
	Use:   "init [workflow.yaml]",
	Short: "Initialize a project: install the workflow and create a fresh ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	wfSrc := ""
	if len(args) > 0 {
		wfSrc = args[0]
	}
	p, err := project.Init(initDir, wfSrc, logging.New())
	if err != nil {
		return err
	}
	fmt.Printf("✓ initialized %s: workflow %q, %d steps\n", p.Root, p.Workflow.Name, len(p.Workflow.Steps))
	fmt.Printf("  run 'stepwise status' to see the ledger, 'stepwise run' to start\n")
	return nil
}

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run [step-id]",
	Short: "Run the step at the pointer, or a named step",
	Long: "Run one step as a transaction: snapshot, execute, then commit or\n" +
		"roll back. Output streams live; lines you type go to the script's\n" +
		"stdin; Ctrl-C terminates the script and rolls back.",
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	stepID := ""
	if len(args) > 0 {
		stepID = args[0]
	}

	sess, err := eng.Run(context.Background(), engine.RunOptions{
		StepID:     stepID,
		Subscriber: printEvent,
	})
	if err != nil {
		return err
	}
	fmt.Printf("▶ %s (run %s)\n", sess.StepID, sess.RunID)

	// Ctrl-C terminates the script, not this process; the run rolls back.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			fmt.Fprintln(os.Stderr, "terminating, rolling back...")
			sess.Terminate()
		}
	}()

	// Forward operator lines to the script's stdin.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if sess.SendInput(scanner.Text()) != nil {
				return
			}
		}
	}()

	rep, err := sess.Wait()
	if err != nil {
		return err
	}
	printReport(rep)
	return nil
}

func printEvent(ev script.Event) {
	switch ev.Kind {
	case script.EventStdout:
		fmt.Printf("  | %s\n", ev.Text)
	case script.EventStderr:
		fmt.Fprintf(os.Stderr, "  ! %s\n", ev.Text)
	}
}

func printReport(rep *engine.Report) {
	switch {
	case rep.Status == ledger.StatusCompleted:
		fmt.Printf("✓ %s completed in %s\n", rep.StepID, rep.Duration.Round(time.Millisecond))
		for k, v := range rep.Exports {
			fmt.Printf("  export %s=%s\n", k, v)
		}
		if rep.AutoAnswer != nil {
			word := "yes"
			if !*rep.AutoAnswer {
				word = "no"
			}
			fmt.Printf("  decision auto-answered %s\n", word)
			if len(rep.Skipped) > 0 {
				fmt.Printf("  ⊘ skipped: %s\n", strings.Join(rep.Skipped, ", "))
			}
		}
	case rep.Status == ledger.StatusAwaitingDecision:
		fmt.Printf("? %s\n", rep.Prompt)
		fmt.Printf("  answer with: stepwise decide yes|no\n")
	case rep.RolledBack:
		fmt.Printf("✗ %s terminated, rolled back\n", rep.StepID)
	}
}

// --- decide ---

var decideCmd = &cobra.Command{
	Use:   "decide yes|no",
	Short: "Answer the pending decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runDecide,
}

func runDecide(cmd *cobra.Command, args []string) error {
	var answer bool
	switch strings.ToLower(args[0]) {
	case "yes", "y":
		answer = true
	case "no", "n":
		answer = false
	default:
		return fmt.Errorf("answer must be yes or no, got %q", args[0])
	}

	eng, err := openEngine()
	if err != nil {
		return err
	}
	rep, err := eng.Decide(answer)
	if err != nil {
		return err
	}
	word := "yes"
	if !rep.Answer {
		word = "no"
	}
	fmt.Printf("✓ %s answered %s\n", rep.StepID, word)
	if len(rep.Skipped) > 0 {
		fmt.Printf("  ⊘ skipped: %s\n", strings.Join(rep.Skipped, ", "))
	}
	if rep.NextStep != "" {
		fmt.Printf("  next: %s\n", rep.NextStep)
	} else {
		fmt.Printf("  workflow finished\n")
	}
	return nil
}

// --- skip / unskip ---

var skipCmd = &cobra.Command{
	Use:   "skip [step-id]",
	Short: "Manually skip the step at the pointer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		if err := eng.Skip(args[0]); err != nil {
			return err
		}
		fmt.Printf("⊘ %s skipped\n", args[0])
		return nil
	},
}

var unskipCmd = &cobra.Command{
	Use:   "unskip [step-id]",
	Short: "Return a manually skipped step to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		if err := eng.Unskip(args[0]); err != nil {
			return err
		}
		fmt.Printf("○ %s back to pending\n", args[0])
		return nil
	},
}

// --- undo ---

var undoRuns int

var undoCmd = &cobra.Command{
	Use:   "undo",
	Short: "Revert the most recent run, skip, or decision (repeat with --runs)",
	Args:  cobra.NoArgs,
	RunE:  runUndo,
}

func runUndo(cmd *cobra.Command, args []string) error {
	if undoRuns < 1 {
		return fmt.Errorf("--runs must be at least 1, got %d", undoRuns)
	}
	eng, err := openEngine()
	if err != nil {
		return err
	}
	for i := 0; i < undoRuns; i++ {
		rep, err := eng.Undo()
		if err != nil {
			if i > 0 {
				fmt.Printf("stopped after %d: %v\n", i, err)
				return nil
			}
			return err
		}
		switch rep.Kind {
		case engine.UndoSkip:
			fmt.Printf("○ %s back to pending\n", rep.StepID)
		case engine.UndoDecision:
			fmt.Printf("? %s awaits a decision again\n", rep.StepID)
			if len(rep.Reopened) > 0 {
				fmt.Printf("  back to pending: %s\n", strings.Join(rep.Reopened, ", "))
			}
		default:
			fmt.Printf("↩ undid %s run %s, step is now %s\n", rep.StepID, rep.RunID, rep.RevertedTo)
		}
	}
	return nil
}

// --- rewind ---

var rewindCmd = &cobra.Command{
	Use:   "rewind",
	Short: "Reopen the most recently declined decision",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		rep, err := eng.Rewind()
		if err != nil {
			return err
		}
		fmt.Printf("? %s awaits a decision again\n", rep.StepID)
		if len(rep.Skipped) > 0 {
			fmt.Printf("  back to pending: %s\n", strings.Join(rep.Skipped, ", "))
		}
		return nil
	},
}

// --- console ---

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive console over the project",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openProject()
		if err != nil {
			return err
		}
		c := console.New(p, engine.New(p, nil))
		return c.Run(context.Background())
	},
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stepwise %s (build: %s)\n", version, commit)
	},
}

func init() {
	initCmd.Flags().StringVar(&initDir, "dir", ".", "Project directory to initialize")
	undoCmd.Flags().IntVar(&undoRuns, "runs", 1, "How many runs to revert, newest first")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(decideCmd)
	rootCmd.AddCommand(skipCmd)
	rootCmd.AddCommand(unskipCmd)
	rootCmd.AddCommand(undoCmd)
	rootCmd.AddCommand(rewindCmd)
	rootCmd.AddCommand(consoleCmd)
	rootCmd.AddCommand(versionCmd)
}
