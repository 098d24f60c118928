//go:build ignore

package main

import (
	"fmt"
	"os"

	"github.com/coldbench/stepwise/pkg/workflow"
)

func main() {
	data, err := workflow.GenerateJSONSchema()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile("schemas/workflow-v1.json", data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "write: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("wrote schemas/workflow-v1.json")
}
