package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coldbench/stepwise/pkg/ledger"
	"github.com/coldbench/stepwise/pkg/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate [workflow.yaml]",
	Short: "Validate a workflow file, or the open project's ledger against its tree",
	Long: "With a file argument, run the three-phase workflow validation on it.\n" +
		"Without one, open the project and check that the ledger still agrees\n" +
		"with the project directory (declared outputs present, no failed steps).",
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return validateWorkflowFile(args[0])
	}
	return validateProject()
}

func validateWorkflowFile(path string) error {
	wf, errs := workflow.ValidateFile(path)
	if len(errs) > 0 {
		var fatal []*workflow.ValidationError
		for _, e := range errs {
			if e.Severity == "warning" {
				fmt.Fprintf(os.Stderr, "  ⚠ [%s] %s\n", e.Phase, e.Message)
				if e.Path != "" {
					fmt.Fprintf(os.Stderr, "    at: %s\n", e.Path)
				}
				continue
			}
			fatal = append(fatal, e)
		}
		if len(fatal) > 0 {
			fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(fatal))
			for i, e := range fatal {
				fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
				if e.Path != "" {
					fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
				}
			}
			return fmt.Errorf("validation failed with %d error(s)", len(fatal))
		}
	}
	fmt.Printf("✓ %s is valid (%d steps)\n", wf.Name, len(wf.Steps))
	return nil
}

func validateProject() error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	if err := eng.Validate(); err != nil {
		var ie *ledger.InconsistentError
		if errors.As(err, &ie) {
			fmt.Fprintf(os.Stderr, "✗ ledger and project tree disagree: %d problem(s)\n", len(ie.Problems))
			for _, p := range ie.Problems {
				fmt.Fprintf(os.Stderr, "  step %s: %s\n", p.StepID, p.Detail)
			}
			fmt.Fprintf(os.Stderr, "\nRepair the project directory (or the ledger), then validate again.\n")
			return fmt.Errorf("project is inconsistent: %d problem(s)", len(ie.Problems))
		}
		return err
	}
	p := eng.Project
	fmt.Printf("✓ %s: ledger and project tree are consistent (%d steps)\n", p.Workflow.Name, len(p.Workflow.Steps))
	return nil
}

// --- schema ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the workflow JSON Schema",
	Args:  cobra.NoArgs,
	RunE:  runSchema,
}

func runSchema(cmd *cobra.Command, args []string) error {
	data, err := workflow.GenerateJSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(schemaCmd)
}
