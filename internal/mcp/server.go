package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/changegate/changegate/internal/approval"
	"github.com/changegate/changegate/internal/checks"
	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/orchestrator"
	"github.com/changegate/changegate/internal/review"
	"github.com/changegate/changegate/internal/store"
)

// SpecSource maps requested check names to executable check specs.
type SpecSource func(names []string) []checks.Spec

// Server wraps the changegate core and exposes it as MCP tools.
type Server struct {
	engine   *approval.Engine
	gate     *review.Gate
	orch     *orchestrator.Orchestrator
	runner   *checks.Runner
	specs    SpecSource
	defaults []string
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(engine *approval.Engine, gate *review.Gate, runner *checks.Runner, specs SpecSource, defaults []string) *Server {
	return &Server{
		engine:   engine,
		gate:     gate,
		orch:     orchestrator.New(engine, gate),
		runner:   runner,
		specs:    specs,
		defaults: defaults,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("changegate", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.requestApprovalTool())
	srv.AddTool(s.approveTool())
	srv.AddTool(s.rejectTool())
	srv.AddTool(s.approvalStatusTool())
	srv.AddTool(s.listApprovalsTool())
	srv.AddTool(s.addReviewTool())
	srv.AddTool(s.listReviewsTool())
	srv.AddTool(s.resolveReviewTool())
	srv.AddTool(s.readinessTool())
	srv.AddTool(s.runChecksTool())
	srv.AddTool(s.stopChecksTool())
	srv.AddTool(s.checkHistoryTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// toolJSON marshals v into a text result.
func toolJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// splitList parses a comma-separated argument into trimmed entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// gate_request_approval
func (s *Server) requestApprovalTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_request_approval",
		mcp.WithDescription("Request approval for a change, moving it to pending_approval. With gated=true the request is refused while open blocking reviews exist."),
		mcp.WithString("change_id", mcp.Required(), mcp.Description("Change identifier")),
		mcp.WithString("requested_by", mcp.Required(), mcp.Description("Who is requesting approval")),
		mcp.WithString("reviewers", mcp.Description("Comma-separated reviewer list; all must approve (quorum)")),
		mcp.WithBoolean("gated", mcp.Description("Consult the review gate before requesting")),
	)
	return tool, s.handleRequestApproval
}

func (s *Server) handleRequestApproval(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changeID, err := request.RequireString("change_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	requestedBy, err := request.RequireString("requested_by")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reviewers := splitList(request.GetString("reviewers", ""))

	var rec *models.ApprovalRecord
	if request.GetBool("gated", false) {
		rec, err = s.orch.RequestApprovalWithGate(ctx, changeID, requestedBy, reviewers)
	} else {
		rec, err = s.engine.RequestApproval(ctx, changeID, requestedBy, reviewers)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("request approval: %v", err)), nil
	}
	return toolJSON(rec)
}

// gate_approve
func (s *Server) approveTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_approve",
		mcp.WithDescription("Record a reviewer approval on a pending change. The change becomes approved once every named reviewer has approved."),
		mcp.WithString("change_id", mcp.Required(), mcp.Description("Change identifier")),
		mcp.WithString("approver", mcp.Required(), mcp.Description("Reviewer recording the approval")),
		mcp.WithString("comment", mcp.Description("Optional approval comment")),
	)
	return tool, s.handleApprove
}

func (s *Server) handleApprove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changeID, err := request.RequireString("change_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	approver, err := request.RequireString("approver")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.engine.Approve(ctx, changeID, approver, request.GetString("comment", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approve: %v", err)), nil
	}
	return toolJSON(rec)
}

// gate_reject
func (s *Server) rejectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_reject",
		mcp.WithDescription("Reject a pending change with a reason."),
		mcp.WithString("change_id", mcp.Required(), mcp.Description("Change identifier")),
		mcp.WithString("rejector", mcp.Required(), mcp.Description("Reviewer rejecting the change")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the change is rejected")),
	)
	return tool, s.handleReject
}

func (s *Server) handleReject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changeID, err := request.RequireString("change_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rejector, err := request.RequireString("rejector")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reason, err := request.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	rec, err := s.engine.Reject(ctx, changeID, rejector, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("reject: %v", err)), nil
	}
	return toolJSON(rec)
}

// gate_approval_status
func (s *Server) approvalStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_approval_status",
		mcp.WithDescription("Get the approval record for a change, including status, reviewers, approvals, and full history. Returns null if no record exists."),
		mcp.WithString("change_id", mcp.Required(), mcp.Description("Change identifier")),
	)
	return tool, s.handleApprovalStatus
}

func (s *Server) handleApprovalStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changeID, err := request.RequireString("change_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.engine.GetStatus(ctx, changeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get status: %v", err)), nil
	}
	return toolJSON(rec)
}

// gate_list_approvals
func (s *Server) listApprovalsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_list_approvals",
		mcp.WithDescription("List approval records, optionally only those pending approval."),
		mcp.WithBoolean("pending", mcp.Description("Only list changes awaiting approval")),
	)
	return tool, s.handleListApprovals
}

func (s *Server) handleListApprovals(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var records []*models.ApprovalRecord
	var err error
	if request.GetBool("pending", false) {
		records, err = s.engine.ListPending(ctx)
	} else {
		records, err = s.engine.ListAll(ctx)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list approvals: %v", err)), nil
	}
	if records == nil {
		records = []*models.ApprovalRecord{}
	}
	return toolJSON(records)
}

// gate_add_review
func (s *Server) addReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_add_review",
		mcp.WithDescription("Add a review comment to a change document (proposal, design, spec, or tasks)."),
		mcp.WithString("target_type", mcp.Required(), mcp.Description("Document type: proposal, design, spec, or tasks")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("Change identifier the document belongs to")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Review type: comment, suggestion, question, or issue")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Review text")),
		mcp.WithString("author", mcp.Required(), mcp.Description("Review author")),
		mcp.WithString("severity", mcp.Description("Severity for issues: low, medium, or high")),
		mcp.WithNumber("line_number", mcp.Description("Line the review refers to (omit for whole document)")),
		mcp.WithString("suggested_change", mcp.Description("Proposed replacement text")),
	)
	return tool, s.handleAddReview
}

func (s *Server) handleAddReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	targetType, err := request.RequireString("target_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	targetID, err := request.RequireString("target_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reviewType, err := request.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body, err := request.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	author, err := request.RequireString("author")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	comment, err := s.gate.AddReview(ctx, review.NewReview{
		TargetType:      models.TargetType(targetType),
		TargetID:        targetID,
		LineNumber:      request.GetInt("line_number", 0),
		Type:            models.ReviewType(reviewType),
		Severity:        models.ReviewSeverity(request.GetString("severity", "")),
		Body:            body,
		Author:          author,
		SuggestedChange: request.GetString("suggested_change", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("add review: %v", err)), nil
	}
	return toolJSON(comment)
}

// gate_list_reviews
func (s *Server) listReviewsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_list_reviews",
		mcp.WithDescription("List review comments for a change document, optionally filtered by status and type."),
		mcp.WithString("target_type", mcp.Required(), mcp.Description("Document type: proposal, design, spec, or tasks")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("Change identifier")),
		mcp.WithString("status", mcp.Description("Filter: open, resolved, or wont_fix")),
		mcp.WithString("type", mcp.Description("Filter: comment, suggestion, question, or issue")),
	)
	return tool, s.handleListReviews
}

func (s *Server) handleListReviews(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	targetType, err := request.RequireString("target_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	targetID, err := request.RequireString("target_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	comments, err := s.gate.ListReviews(ctx, models.TargetType(targetType), targetID, store.ReviewListFilter{
		Status: models.ReviewStatus(request.GetString("status", "")),
		Type:   models.ReviewType(request.GetString("type", "")),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list reviews: %v", err)), nil
	}
	if comments == nil {
		comments = []*models.ReviewComment{}
	}
	return toolJSON(comments)
}

// gate_resolve_review
func (s *Server) resolveReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_resolve_review",
		mcp.WithDescription("Resolve a review comment as resolved or wont_fix. Resolution is terminal."),
		mcp.WithString("target_type", mcp.Required(), mcp.Description("Document type: proposal, design, spec, or tasks")),
		mcp.WithString("target_id", mcp.Required(), mcp.Description("Change identifier")),
		mcp.WithString("review_id", mcp.Required(), mcp.Description("Review comment ID")),
		mcp.WithString("resolved_by", mcp.Required(), mcp.Description("Who is resolving the review")),
		mcp.WithString("status", mcp.Description("resolved (default) or wont_fix")),
	)
	return tool, s.handleResolveReview
}

func (s *Server) handleResolveReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	targetType, err := request.RequireString("target_type")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	targetID, err := request.RequireString("target_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	reviewID, err := request.RequireString("review_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resolvedBy, err := request.RequireString("resolved_by")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	status := models.ReviewStatus(request.GetString("status", string(models.ReviewResolved)))
	comment, err := s.gate.Resolve(ctx, models.TargetType(targetType), targetID, reviewID, resolvedBy, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve review: %v", err)), nil
	}
	return toolJSON(comment)
}

// gate_readiness
func (s *Server) readinessTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_readiness",
		mcp.WithDescription("Check whether a change is ready for an approval request. Returns blocker strings for open high-severity issues and open questions; empty means ready."),
		mcp.WithString("change_id", mcp.Required(), mcp.Description("Change identifier")),
	)
	return tool, s.handleReadiness
}

func (s *Server) handleReadiness(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changeID, err := request.RequireString("change_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	blockers, err := s.gate.CheckApprovalReadiness(ctx, changeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("check readiness: %v", err)), nil
	}
	if blockers == nil {
		blockers = []string{}
	}
	return toolJSON(map[string]any{
		"change_id": changeID,
		"ready":     len(blockers) == 0,
		"blockers":  blockers,
	})
}

// gate_run_checks
func (s *Server) runChecksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_run_checks",
		mcp.WithDescription("Run quality checks against a change and return the completed run. Fails if a run is already in flight for the change."),
		mcp.WithString("change_id", mcp.Required(), mcp.Description("Change identifier")),
		mcp.WithString("checks", mcp.Description("Comma-separated check names (default: configured check list)")),
	)
	return tool, s.handleRunChecks
}

func (s *Server) handleRunChecks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changeID, err := request.RequireString("change_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	names := splitList(request.GetString("checks", ""))
	if len(names) == 0 {
		names = s.defaults
	}

	run, err := s.runner.Run(ctx, changeID, s.specs(names))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run checks: %v", err)), nil
	}
	return toolJSON(run)
}

// gate_stop_checks
func (s *Server) stopChecksTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_stop_checks",
		mcp.WithDescription("Request cancellation of the in-flight check run for a change. The currently executing check is allowed to finish."),
		mcp.WithString("change_id", mcp.Required(), mcp.Description("Change identifier")),
	)
	return tool, s.handleStopChecks
}

func (s *Server) handleStopChecks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changeID, err := request.RequireString("change_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolJSON(map[string]any{
		"change_id": changeID,
		"stopped":   s.runner.Stop(changeID),
	})
}

// gate_check_history
func (s *Server) checkHistoryTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("gate_check_history",
		mcp.WithDescription("List persisted check runs for a change, most recent first."),
		mcp.WithString("change_id", mcp.Required(), mcp.Description("Change identifier")),
		mcp.WithNumber("limit", mcp.Description("Maximum runs to return (default 10)")),
	)
	return tool, s.handleCheckHistory
}

func (s *Server) handleCheckHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	changeID, err := request.RequireString("change_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := request.GetInt("limit", 10)

	runs, err := s.runner.History(ctx, changeID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("check history: %v", err)), nil
	}
	if runs == nil {
		runs = []*models.CheckRun{}
	}
	return toolJSON(runs)
}
