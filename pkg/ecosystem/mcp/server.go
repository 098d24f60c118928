package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server with stepwise tools registered.
// Every tool is headless: runs settle before the call returns, and
// interactive stdin is not available.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"stepwise",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("stepwise/status",
			mcp.WithDescription("Report the workflow ledger: every step with its status, run count, and the pointer"),
			mcp.WithString("dir", mcp.Description("Project directory (defaults to the working directory)")),
		),
		HandleStatus,
	)

	s.AddTool(
		mcp.NewTool("stepwise/run",
			mcp.WithDescription("Run a step to settlement: snapshot, execute, then commit or roll back"),
			mcp.WithString("dir", mcp.Description("Project directory")),
			mcp.WithString("step", mcp.Description("Step id to run (defaults to the step at the pointer)")),
		),
		HandleRun,
	)

	s.AddTool(
		mcp.NewTool("stepwise/decide",
			mcp.WithDescription("Answer the pending yes/no decision"),
			mcp.WithString("answer", mcp.Required(), mcp.Description("'yes' or 'no'")),
			mcp.WithString("dir", mcp.Description("Project directory")),
		),
		HandleDecide,
	)

	s.AddTool(
		mcp.NewTool("stepwise/skip",
			mcp.WithDescription("Skip the pending step at the pointer, or revert a manual skip"),
			mcp.WithString("step", mcp.Required(), mcp.Description("Step id")),
			mcp.WithBoolean("revert", mcp.Description("Revert a manual skip instead of skipping")),
			mcp.WithString("dir", mcp.Description("Project directory")),
		),
		HandleSkip,
	)

	s.AddTool(
		mcp.NewTool("stepwise/undo",
			mcp.WithDescription("Undo the most recent event: pop a run and restore its pre-run snapshot, revert a manual skip, or reopen a declined decision"),
			mcp.WithString("dir", mcp.Description("Project directory")),
		),
		HandleUndo,
	)

	s.AddTool(
		mcp.NewTool("stepwise/validate",
			mcp.WithDescription("Validate a workflow YAML file, or check ledger/tree consistency of a project"),
			mcp.WithString("path", mcp.Description("Workflow YAML to validate; when omitted the project ledger is checked")),
			mcp.WithString("dir", mcp.Description("Project directory for the consistency check")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("stepwise/snapshots",
			mcp.WithDescription("List pre-run snapshots with their ledger references"),
			mcp.WithString("dir", mcp.Description("Project directory")),
		),
		HandleSnapshots,
	)

	s.AddTool(
		mcp.NewTool("stepwise/schema",
			mcp.WithDescription("Export the workflow JSON Schema"),
		),
		HandleSchema,
	)

	return s
}
