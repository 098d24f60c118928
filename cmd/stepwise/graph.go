package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coldbench/stepwise/pkg/diagram"
)

var (
	graphFormat string
	graphOut    string
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Render the workflow as a diagram",
	Long: "Render the project's workflow as an ASCII pipeline (default) or a\n" +
		"mermaid flowchart. Decision steps show their yes/no branches.",
	Args: cobra.NoArgs,
	RunE: runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	p, err := openProject()
	if err != nil {
		return err
	}

	var format diagram.Format
	switch graphFormat {
	case "ascii":
		format = diagram.FormatASCII
	case "mermaid":
		format = diagram.FormatMermaid
	default:
		return fmt.Errorf("unknown format %q (want ascii or mermaid)", graphFormat)
	}

	out, err := diagram.Generate(p.Workflow, format)
	if err != nil {
		return fmt.Errorf("generate diagram: %w", err)
	}

	if graphOut != "" {
		if err := os.WriteFile(graphOut, []byte(out), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", graphOut, err)
		}
		fmt.Printf("✓ wrote %s diagram to %s\n", graphFormat, graphOut)
		return nil
	}
	fmt.Print(out)
	return nil
}

func init() {
	graphCmd.Flags().StringVar(&graphFormat, "format", "ascii", "Diagram format: ascii or mermaid")
	graphCmd.Flags().StringVar(&graphOut, "out", "", "Write the diagram to a file instead of stdout")
	rootCmd.AddCommand(graphCmd)
}
