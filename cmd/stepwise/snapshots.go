package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect the pre-run snapshot store",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsList,
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsList,
}

func runSnapshotsList(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	list, err := p.Snapshots.List()
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No snapshots.")
		return nil
	}
	refs := p.State.ReferencedSnapshots()
	faint := color.New(color.Faint)
	for _, m := range list {
		line := fmt.Sprintf("  %s  %s  before %s run %d  (%d files)",
			m.ID, m.CreatedAt.Format(time.RFC3339), m.StepID, m.RunIndex, len(m.Files))
		if refs[m.ID] {
			fmt.Println(line)
		} else {
			faint.Println(line + "  unreferenced")
		}
	}
	return nil
}

var snapshotsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete snapshots no surviving run references",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsPrune,
}

func runSnapshotsPrune(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	removed, err := p.Snapshots.Prune(p.State.ReferencedSnapshots())
	if err != nil {
		return fmt.Errorf("prune snapshots: %w", err)
	}
	if len(removed) == 0 {
		fmt.Println("Nothing to prune.")
		return nil
	}
	for _, id := range removed {
		fmt.Printf("  removed %s\n", id)
	}
	fmt.Printf("✓ pruned %d snapshot(s)\n", len(removed))
	return nil
}

func init() {
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsPruneCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

// --- diff ---

var diffCmd = &cobra.Command{
	Use:   "diff <snapshot-id>",
	Short: "Compare the project tree against a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}
	d, err := p.Snapshots.Diff(args[0], p.Root)
	if err != nil {
		return fmt.Errorf("diff against %s: %w", args[0], err)
	}
	if d.Empty() {
		fmt.Printf("Tree matches snapshot %s.\n", d.SnapshotID)
		return nil
	}

	created := color.New(color.FgGreen)
	modified := color.New(color.FgYellow)
	deleted := color.New(color.FgRed)
	for _, rel := range d.Created {
		created.Printf("  + %s\n", rel)
	}
	for _, rel := range d.Modified {
		modified.Printf("  ~ %s\n", rel)
	}
	for _, rel := range d.Deleted {
		deleted.Printf("  - %s\n", rel)
	}
	for _, patch := range d.Patches {
		fmt.Printf("\n%s", patch.Unified)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(diffCmd)
}
