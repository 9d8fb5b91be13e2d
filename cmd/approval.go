package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/orchestrator"
	"github.com/changegate/changegate/internal/output"
)

var (
	approvalBy        string
	approvalComment   string
	approvalReason    string
	approvalReviewers []string
	approvalGated     bool
	approvalPending   bool
)

var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Manage the approval lifecycle of changes",
}

var approvalRequestCmd = &cobra.Command{
	Use:   "request <change-id>",
	Short: "Request approval for a change",
	Long: `Request approval, moving the change to pending_approval.

With --gated the review gate is consulted first and the request is
refused while open blocking reviews (high-severity issues or open
questions) exist on the change's documents.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		if dryRun {
			ui.DryRunMsg("Would request approval for %s", changeID)
			return nil
		}

		engine, err := getEngine()
		if err != nil {
			return err
		}

		var rec *models.ApprovalRecord
		if approvalGated {
			gate, err := getGate()
			if err != nil {
				return err
			}
			orch := orchestrator.New(engine, gate)
			rec, err = orch.RequestApprovalWithGate(cmd.Context(), changeID, approvalBy, approvalReviewers)
			if err != nil {
				var blocked *orchestrator.BlockedError
				if errors.As(err, &blocked) {
					ui.Error("Change %s is not ready for approval:", changeID)
					for _, b := range blocked.Blockers {
						ui.Error("  - %s", b)
					}
					return fmt.Errorf("approval request blocked")
				}
				return err
			}
		} else {
			rec, err = engine.RequestApproval(cmd.Context(), changeID, approvalBy, approvalReviewers)
			if err != nil {
				return err
			}
		}

		ui.Success("Approval requested for %s (status: %s)", changeID, rec.Status)
		if len(rec.Reviewers) > 0 {
			ui.Info("Waiting on reviewers: %s", strings.Join(rec.Reviewers, ", "))
		}
		return nil
	},
}

var approvalApproveCmd = &cobra.Command{
	Use:   "approve <change-id>",
	Short: "Record an approval on a pending change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		if dryRun {
			ui.DryRunMsg("Would approve %s as %s", changeID, approvalBy)
			return nil
		}

		engine, err := getEngine()
		if err != nil {
			return err
		}
		rec, err := engine.Approve(cmd.Context(), changeID, approvalBy, approvalComment)
		if err != nil {
			return err
		}

		if rec.Status == models.StatusApproved {
			ui.Success("Change %s is approved (%d approval(s))", changeID, len(rec.Approvals))
		} else {
			ui.Info("Approval recorded; still pending (%d of %d reviewers)", len(rec.Approvals), len(rec.Reviewers))
		}
		return nil
	},
}

var approvalRejectCmd = &cobra.Command{
	Use:   "reject <change-id>",
	Short: "Reject a pending change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]
		if approvalReason == "" {
			return fmt.Errorf("--reason is required")
		}

		if dryRun {
			ui.DryRunMsg("Would reject %s", changeID)
			return nil
		}

		engine, err := getEngine()
		if err != nil {
			return err
		}
		if _, err := engine.Reject(cmd.Context(), changeID, approvalBy, approvalReason); err != nil {
			return err
		}
		ui.Success("Change %s rejected", changeID)
		return nil
	},
}

var approvalImplementCmd = &cobra.Command{
	Use:   "implement <change-id>",
	Short: "Start implementation of an approved change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		if dryRun {
			ui.DryRunMsg("Would start implementation of %s", changeID)
			return nil
		}

		engine, err := getEngine()
		if err != nil {
			return err
		}
		if _, err := engine.StartImplementation(cmd.Context(), changeID, approvalBy); err != nil {
			return err
		}
		ui.Success("Change %s is now implementing", changeID)
		return nil
	},
}

var approvalCompleteCmd = &cobra.Command{
	Use:   "complete <change-id>",
	Short: "Mark an implementing change completed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		if dryRun {
			ui.DryRunMsg("Would mark %s completed", changeID)
			return nil
		}

		engine, err := getEngine()
		if err != nil {
			return err
		}
		if _, err := engine.MarkCompleted(cmd.Context(), changeID, approvalBy); err != nil {
			return err
		}
		ui.Success("Change %s completed", changeID)
		return nil
	},
}

var approvalResetCmd = &cobra.Command{
	Use:   "reset <change-id>",
	Short: "Reset a change to draft (e.g. after rejection)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		if dryRun {
			ui.DryRunMsg("Would reset %s to draft", changeID)
			return nil
		}

		engine, err := getEngine()
		if err != nil {
			return err
		}
		if _, err := engine.ResetToDraft(cmd.Context(), changeID, approvalBy); err != nil {
			return err
		}
		ui.Success("Change %s reset to draft", changeID)
		return nil
	},
}

var approvalStatusCmd = &cobra.Command{
	Use:   "status <change-id>",
	Short: "Show the approval record for a change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		engine, err := getEngine()
		if err != nil {
			return err
		}
		rec, err := engine.GetStatus(cmd.Context(), changeID)
		if err != nil {
			return err
		}
		if rec == nil {
			ui.Info("No approval record for %s", changeID)
			return nil
		}

		ui.Info("Change %s: %s", output.Cyan(rec.ChangeID), output.StatusColor(string(rec.Status)))
		if rec.RequestedBy != "" {
			ui.Info("Requested by %s at %s", rec.RequestedBy, formatTime(rec.RequestedAt))
		}
		if len(rec.Reviewers) > 0 {
			ui.Info("Reviewers: %s", strings.Join(rec.Reviewers, ", "))
		}
		for _, a := range rec.Approvals {
			ui.Info("Approved by %s at %s", a.Approver, a.ApprovedAt.Format("2006-01-02 15:04:05"))
		}
		for _, r := range rec.Rejections {
			ui.Info("Rejected by %s: %s", r.Rejector, r.Reason)
		}

		if verbose && len(rec.History) > 0 {
			table := ui.Table([]string{"ACTION", "BY", "AT", "DETAILS"})
			for _, h := range rec.History {
				_ = table.Append([]string{h.Action, h.By, h.At.Format("2006-01-02 15:04:05"), h.Details})
			}
			_ = table.Render()
		}
		return nil
	},
}

var approvalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval records",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := getEngine()
		if err != nil {
			return err
		}

		var records []*models.ApprovalRecord
		if approvalPending {
			records, err = engine.ListPending(cmd.Context())
		} else {
			records, err = engine.ListAll(cmd.Context())
		}
		if err != nil {
			return err
		}
		if len(records) == 0 {
			ui.Info("No approval records")
			return nil
		}

		table := ui.Table([]string{"CHANGE", "STATUS", "REQUESTED BY", "APPROVALS", "UPDATED"})
		for _, rec := range records {
			_ = table.Append([]string{
				rec.ChangeID,
				output.StatusColor(string(rec.Status)),
				rec.RequestedBy,
				fmt.Sprintf("%d/%d", len(rec.Approvals), len(rec.Reviewers)),
				rec.UpdatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		return table.Render()
	},
}

func init() {
	approvalRequestCmd.Flags().StringVar(&approvalBy, "by", "", "Who is requesting approval")
	approvalRequestCmd.Flags().StringSliceVar(&approvalReviewers, "reviewers", nil, "Reviewers who must all approve")
	approvalRequestCmd.Flags().BoolVar(&approvalGated, "gated", false, "Consult the review gate before requesting")
	_ = approvalRequestCmd.MarkFlagRequired("by")

	approvalApproveCmd.Flags().StringVar(&approvalBy, "by", "", "Approving reviewer")
	approvalApproveCmd.Flags().StringVar(&approvalComment, "comment", "", "Optional approval comment")
	_ = approvalApproveCmd.MarkFlagRequired("by")

	approvalRejectCmd.Flags().StringVar(&approvalBy, "by", "", "Rejecting reviewer")
	approvalRejectCmd.Flags().StringVar(&approvalReason, "reason", "", "Why the change is rejected")
	_ = approvalRejectCmd.MarkFlagRequired("by")

	approvalImplementCmd.Flags().StringVar(&approvalBy, "by", "", "Implementer")
	_ = approvalImplementCmd.MarkFlagRequired("by")

	approvalCompleteCmd.Flags().StringVar(&approvalBy, "by", "", "Who completed the change")
	_ = approvalCompleteCmd.MarkFlagRequired("by")

	approvalResetCmd.Flags().StringVar(&approvalBy, "by", "", "Who is resetting the change")
	_ = approvalResetCmd.MarkFlagRequired("by")

	approvalListCmd.Flags().BoolVar(&approvalPending, "pending", false, "Only changes awaiting approval")

	approvalCmd.AddCommand(approvalRequestCmd)
	approvalCmd.AddCommand(approvalApproveCmd)
	approvalCmd.AddCommand(approvalRejectCmd)
	approvalCmd.AddCommand(approvalImplementCmd)
	approvalCmd.AddCommand(approvalCompleteCmd)
	approvalCmd.AddCommand(approvalResetCmd)
	approvalCmd.AddCommand(approvalStatusCmd)
	approvalCmd.AddCommand(approvalListCmd)
	rootCmd.AddCommand(approvalCmd)
}
