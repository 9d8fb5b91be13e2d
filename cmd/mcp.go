package cmd

import (
	"github.com/spf13/cobra"

	"github.com/changegate/changegate/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets coding agents drive the approval lifecycle, review gate,
and quality checks natively. Configure in your agent with:

  {
    "mcpServers": {
      "changegate": { "command": "changegate", "args": ["mcp"] }
    }
  }

Available tools: gate_request_approval, gate_approve, gate_reject,
gate_approval_status, gate_list_approvals, gate_add_review,
gate_list_reviews, gate_resolve_review, gate_readiness,
gate_run_checks, gate_stop_checks, gate_check_history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}
		gate, err := getGate()
		if err != nil {
			return err
		}
		runner, err := getRunner()
		if err != nil {
			return err
		}

		srv := mcp.NewServer(engine, gate, runner, checkSpecs, defaultChecks())
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
