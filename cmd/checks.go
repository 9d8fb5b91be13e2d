package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/output"
)

var (
	checksOnly   []string
	historyLimit int
)

var checksCmd = &cobra.Command{
	Use:   "checks",
	Short: "Run and inspect quality checks for a change",
}

var checksRunCmd = &cobra.Command{
	Use:   "run <change-id>",
	Short: "Run the configured checks against a change",
	Long: `Run the configured checks sequentially against the change's
working directory. At most one run per change is active at a time; a
second run is refused until the first finishes or is stopped.

Check commands come from config, e.g.:

  checks:
    commands:
      lint: golangci-lint run ./...
      test: go test ./...

Checks without a configured command are recorded as skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		names := defaultChecks()
		if len(checksOnly) > 0 {
			names = checksOnly
		}

		if dryRun {
			ui.DryRunMsg("Would run checks for %s: %s", changeID, strings.Join(names, ", "))
			return nil
		}

		runner, err := getRunner()
		if err != nil {
			return err
		}

		ui.Info("Running %d check(s) for %s...", len(names), changeID)
		run, err := runner.Run(cmd.Context(), changeID, checkSpecs(names))
		if err != nil {
			return err
		}

		printRun(run)

		if run.Status != models.RunPassed {
			return fmt.Errorf("check run %s: %s", run.ID, run.Status)
		}
		return nil
	},
}

var checksStopCmd = &cobra.Command{
	Use:   "stop <change-id>",
	Short: "Request cancellation of the active check run",
	Long: `Signal the active check run for a change to stop. The check
currently executing finishes first; remaining checks are not started
and the run is recorded as stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		runner, err := getRunner()
		if err != nil {
			return err
		}

		if !runner.Stop(changeID) {
			ui.Info("No active check run for %s", changeID)
			return nil
		}

		ui.Success("Stop requested for %s; the current check will finish first", changeID)
		return nil
	},
}

var checksStatusCmd = &cobra.Command{
	Use:   "status <change-id>",
	Short: "Show the latest check run for a change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		runner, err := getRunner()
		if err != nil {
			return err
		}

		if runner.Running(changeID) {
			ui.Info("Checks are currently running for %s", changeID)
		}

		run, err := runner.Latest(cmd.Context(), changeID)
		if err != nil {
			return err
		}
		if run == nil {
			ui.Info("No check runs recorded for %s", changeID)
			return nil
		}

		printRun(run)
		return nil
	},
}

var checksHistoryCmd = &cobra.Command{
	Use:   "history <change-id>",
	Short: "List past check runs for a change, most recent first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		runner, err := getRunner()
		if err != nil {
			return err
		}

		runs, err := runner.History(cmd.Context(), changeID, historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			ui.Info("No check runs recorded for %s", changeID)
			return nil
		}

		table := ui.Table([]string{"RUN", "STATUS", "PASSED", "FAILED", "SKIPPED", "STARTED", "COMPLETED"})
		for _, run := range runs {
			_ = table.Append([]string{
				run.ID,
				output.CheckColor(string(run.Status)),
				fmt.Sprintf("%d", run.Summary.Passed),
				fmt.Sprintf("%d", run.Summary.Failed),
				fmt.Sprintf("%d", run.Summary.Skipped),
				run.StartedAt.Format("2006-01-02 15:04:05"),
				formatTime(run.CompletedAt),
			})
		}
		return table.Render()
	},
}

// printRun renders a single run with its per-check results.
func printRun(run *models.CheckRun) {
	ui.Info("Run %s: %s (%d/%d passed)", run.ID, output.CheckColor(string(run.Status)),
		run.Summary.Passed, run.Summary.Total)

	table := ui.Table([]string{"CHECK", "STATUS", "DURATION"})
	for _, c := range run.Checks {
		_ = table.Append([]string{
			c.Type,
			output.CheckColor(string(c.Status)),
			c.Duration.Round(time.Millisecond).String(),
		})
	}
	_ = table.Render()

	if verbose {
		for _, c := range run.Checks {
			if c.Errors != "" {
				ui.Error("%s: %s", c.Type, c.Errors)
			}
			if c.Output != "" {
				ui.VerboseLog("%s output:\n%s", c.Type, c.Output)
			}
		}
	}
}

func init() {
	checksRunCmd.Flags().StringSliceVar(&checksOnly, "only", nil, "Run only these checks instead of the configured order")

	checksHistoryCmd.Flags().IntVar(&historyLimit, "limit", 10, "Maximum number of runs to list")

	checksCmd.AddCommand(checksRunCmd)
	checksCmd.AddCommand(checksStopCmd)
	checksCmd.AddCommand(checksStatusCmd)
	checksCmd.AddCommand(checksHistoryCmd)
	rootCmd.AddCommand(checksCmd)
}
