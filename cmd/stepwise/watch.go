package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/coldbench/stepwise/pkg/workflow"
)

var watchDebounce string

var watchCmd = &cobra.Command{
	Use:   "watch <workflow.yaml>",
	Short: "Revalidate a workflow file every time it changes",
	Long: "An authoring loop: watch a workflow file and rerun the three-phase\n" +
		"validation after each save, printing a one-line verdict per pass.",
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	target := args[0]
	debounce, err := time.ParseDuration(watchDebounce)
	if err != nil {
		return fmt.Errorf("invalid --debounce: %w", err)
	}
	if _, err := os.Stat(target); err != nil {
		return fmt.Errorf("watch %s: %w", target, err)
	}

	revalidate(target)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file itself: editors that save by
	// rename would otherwise detach the watch on the first write.
	dir := filepath.Dir(target)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", target)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watchHits(ev, target) {
				continue
			}
			pending = time.After(debounce)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Printf("  ! watch error: %v\n", werr)
		case <-pending:
			pending = nil
			revalidate(target)
		case <-interrupt:
			fmt.Println("\nWatch stopped.")
			return nil
		}
	}
}

// watchHits reports whether a filesystem event concerns the watched file.
// A save burst arrives as any mix of write, create, rename, and remove.
func watchHits(ev fsnotify.Event, target string) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(target) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}

func revalidate(path string) {
	ts := time.Now().Format("15:04:05")
	wf, errs := workflow.ValidateFile(path)
	fmt.Printf("%s  %s\n", ts, validationSummary(wf, errs))
	for _, e := range errs {
		if e.Severity == "error" {
			fmt.Printf("     [%s] %s\n", e.Phase, e.Message)
		}
	}
}

// validationSummary renders the one-line verdict for a revalidation pass.
func validationSummary(wf *workflow.Workflow, errs []*workflow.ValidationError) string {
	var fatal, warnings int
	for _, e := range errs {
		if e.Severity == "warning" {
			warnings++
		} else {
			fatal++
		}
	}
	if fatal > 0 {
		return fmt.Sprintf("✗ %d error(s)", fatal)
	}
	if warnings > 0 {
		return fmt.Sprintf("✓ %s: %d steps, %d warning(s)", wf.Name, len(wf.Steps), warnings)
	}
	return fmt.Sprintf("✓ %s: %d steps", wf.Name, len(wf.Steps))
}

func init() {
	watchCmd.Flags().StringVar(&watchDebounce, "debounce", "300ms", "Quiet period after a change before revalidating")
	rootCmd.AddCommand(watchCmd)
}
