package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/output"
	"github.com/changegate/changegate/internal/review"
	"github.com/changegate/changegate/internal/store"
)

var (
	reviewAuthor     string
	reviewBody       string
	reviewType       string
	reviewSeverity   string
	reviewLine       int
	reviewSuggestion string
	reviewStatus     string
	reviewFilterType string
	reviewWontFix    bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Manage review comments on change documents",
}

var reviewAddCmd = &cobra.Command{
	Use:   "add <target-type> <target-id>",
	Short: "Add a review comment to a change document",
	Long: `Add a review comment to a change document (proposal, design,
spec, or tasks). Comments start open; open high-severity issues and
open questions block approval readiness on proposal, design, and
tasks documents.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetType := models.TargetType(args[0])
		targetID := args[1]

		if dryRun {
			ui.DryRunMsg("Would add %s review on %s %s", reviewType, targetType, targetID)
			return nil
		}

		gate, err := getGate()
		if err != nil {
			return err
		}

		c, err := gate.AddReview(cmd.Context(), review.NewReview{
			TargetType:      targetType,
			TargetID:        targetID,
			LineNumber:      reviewLine,
			Type:            models.ReviewType(reviewType),
			Severity:        models.ReviewSeverity(reviewSeverity),
			Body:            reviewBody,
			Author:          reviewAuthor,
			SuggestedChange: reviewSuggestion,
		})
		if err != nil {
			return err
		}

		ui.Success("Review %s added on %s %s", c.ID, c.TargetType, c.TargetID)
		if c.Blocking() {
			ui.Warning("This comment blocks approval readiness until resolved")
		}
		return nil
	},
}

var reviewListCmd = &cobra.Command{
	Use:   "list <target-type> <target-id>",
	Short: "List review comments on a change document",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetType := models.TargetType(args[0])
		targetID := args[1]

		gate, err := getGate()
		if err != nil {
			return err
		}

		comments, err := gate.ListReviews(cmd.Context(), targetType, targetID, store.ReviewListFilter{
			Status: models.ReviewStatus(reviewStatus),
			Type:   models.ReviewType(reviewFilterType),
		})
		if err != nil {
			return err
		}

		if len(comments) == 0 {
			ui.Info("No reviews on %s %s", targetType, targetID)
			return nil
		}

		table := ui.Table([]string{"ID", "TYPE", "SEVERITY", "STATUS", "AUTHOR", "BODY"})
		for _, c := range comments {
			body := c.Body
			if len(body) > 60 {
				body = body[:57] + "..."
			}
			_ = table.Append([]string{
				c.ID,
				string(c.Type),
				string(c.Severity),
				output.ReviewColor(string(c.Status)),
				c.Author,
				body,
			})
		}
		if err := table.Render(); err != nil {
			return err
		}

		if verbose {
			for _, c := range comments {
				for _, r := range c.Replies {
					ui.Info("  %s replied on %s: %s", r.Author, c.ID, r.Body)
				}
			}
		}
		return nil
	},
}

var reviewReplyCmd = &cobra.Command{
	Use:   "reply <target-type> <target-id> <review-id>",
	Short: "Reply to a review comment",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetType := models.TargetType(args[0])
		targetID, reviewID := args[1], args[2]

		if dryRun {
			ui.DryRunMsg("Would reply to review %s", reviewID)
			return nil
		}

		gate, err := getGate()
		if err != nil {
			return err
		}

		c, err := gate.AddReply(cmd.Context(), targetType, targetID, reviewID, reviewAuthor, reviewBody)
		if err != nil {
			return err
		}

		ui.Success("Reply added to review %s (%d replies)", c.ID, len(c.Replies))
		return nil
	},
}

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <target-type> <target-id> <review-id>",
	Short: "Resolve a review comment",
	Long: `Resolve an open review comment. Resolution is terminal; use
--wont-fix to close a comment without addressing it.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		targetType := models.TargetType(args[0])
		targetID, reviewID := args[1], args[2]

		status := models.ReviewResolved
		if reviewWontFix {
			status = models.ReviewWontFix
		}

		if dryRun {
			ui.DryRunMsg("Would mark review %s as %s", reviewID, status)
			return nil
		}

		gate, err := getGate()
		if err != nil {
			return err
		}

		c, err := gate.Resolve(cmd.Context(), targetType, targetID, reviewID, reviewAuthor, status)
		if err != nil {
			return err
		}

		ui.Success("Review %s marked %s by %s", c.ID, c.Status, c.ResolvedBy)
		return nil
	},
}

var reviewReadinessCmd = &cobra.Command{
	Use:   "readiness <change-id>",
	Short: "Check whether a change is ready for an approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		changeID := args[0]

		gate, err := getGate()
		if err != nil {
			return err
		}

		blockers, err := gate.CheckApprovalReadiness(cmd.Context(), changeID)
		if err != nil {
			return err
		}

		if len(blockers) == 0 {
			ui.Success("Change %s is ready for an approval request", changeID)
			return nil
		}

		ui.Error("Change %s is not ready for approval:", changeID)
		for _, b := range blockers {
			ui.Error("  - %s", b)
		}
		return fmt.Errorf("%d blocker(s) found", len(blockers))
	},
}

func init() {
	reviewAddCmd.Flags().StringVar(&reviewAuthor, "by", "", "Review author (required)")
	reviewAddCmd.Flags().StringVar(&reviewBody, "body", "", "Comment body (required)")
	reviewAddCmd.Flags().StringVar(&reviewType, "type", string(models.ReviewTypeComment),
		fmt.Sprintf("Comment type (%s)", strings.Join([]string{"comment", "suggestion", "question", "issue"}, ", ")))
	reviewAddCmd.Flags().StringVar(&reviewSeverity, "severity", "", "Severity for issues (low, medium, high)")
	reviewAddCmd.Flags().IntVar(&reviewLine, "line", 0, "Line number the comment refers to (0 = whole document)")
	reviewAddCmd.Flags().StringVar(&reviewSuggestion, "suggest", "", "Suggested replacement text")
	_ = reviewAddCmd.MarkFlagRequired("by")
	_ = reviewAddCmd.MarkFlagRequired("body")

	reviewListCmd.Flags().StringVar(&reviewStatus, "status", "", "Filter by status (open, resolved, wont_fix)")
	reviewListCmd.Flags().StringVar(&reviewFilterType, "type", "", "Filter by comment type")

	reviewReplyCmd.Flags().StringVar(&reviewAuthor, "by", "", "Reply author (required)")
	reviewReplyCmd.Flags().StringVar(&reviewBody, "body", "", "Reply body (required)")
	_ = reviewReplyCmd.MarkFlagRequired("by")
	_ = reviewReplyCmd.MarkFlagRequired("body")

	reviewResolveCmd.Flags().StringVar(&reviewAuthor, "by", "", "Who resolved the comment (required)")
	reviewResolveCmd.Flags().BoolVar(&reviewWontFix, "wont-fix", false, "Close the comment as wont_fix")
	_ = reviewResolveCmd.MarkFlagRequired("by")

	reviewCmd.AddCommand(reviewAddCmd)
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewReplyCmd)
	reviewCmd.AddCommand(reviewResolveCmd)
	reviewCmd.AddCommand(reviewReadinessCmd)
	rootCmd.AddCommand(reviewCmd)
}
