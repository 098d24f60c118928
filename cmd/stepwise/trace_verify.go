package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coldbench/stepwise/pkg/project"
)

var traceVerifyCmd = &cobra.Command{
	Use:   "verify [trace.jsonl]",
	Short: "Verify the audit trail hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTraceVerify,
}

func runTraceVerify(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 0 {
		path = args[0]
	} else {
		p, err := openProject()
		if err != nil {
			return err
		}
		path = p.TracePath()
	}

	chk, err := project.VerifyTraceFile(path)
	if err != nil {
		return err
	}
	if !chk.Valid {
		fmt.Printf("✗ chain broken at event %d\n", chk.BrokenAt)
		if chk.Error != "" {
			fmt.Printf("  %s\n", chk.Error)
		}
		return fmt.Errorf("chain verification failed")
	}

	fmt.Printf("✓ chain intact: %d events, no breaks\n", chk.EventCount)
	if chk.ChainHash != "" {
		fmt.Printf("  head %s\n", chk.ChainHash)
	}
	return nil
}

func init() {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Audit trail operations",
	}
	traceCmd.AddCommand(traceVerifyCmd)
	rootCmd.AddCommand(traceCmd)
}
