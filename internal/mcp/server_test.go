package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changegate/changegate/internal/approval"
	"github.com/changegate/changegate/internal/checks"
	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/project"
	"github.com/changegate/changegate/internal/review"
	"github.com/changegate/changegate/internal/store"
)

// echoSpecs maps every check name to a trivially passing command.
func echoSpecs(names []string) []checks.Spec {
	specs := make([]checks.Spec, 0, len(names))
	for _, name := range names {
		specs = append(specs, checks.Spec{Name: name, Command: []string{"sh", "-c", "echo ok"}})
	}
	return specs
}

func newTestServer(t *testing.T) (*Server, *project.Layout) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	layout, err := project.NewLayout(t.TempDir())
	require.NoError(t, err)

	engine := approval.NewEngine(s)
	gate := review.NewGate(s)
	runner := checks.NewRunner(s, checks.NewRegistry(), layout, checks.Options{})

	return NewServer(engine, gate, runner, echoSpecs, []string{"lint"}), layout
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func TestNewServer(t *testing.T) {
	srv, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv, "MCPServer() should return non-nil")
}

func TestHandleRequestApproval(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	req := callToolReq("gate_request_approval", map[string]any{
		"change_id":    "add-oauth",
		"requested_by": "alice",
		"reviewers":    "bob, carol",
	})
	result, err := srv.handleRequestApproval(ctx, req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var rec models.ApprovalRecord
	resultJSON(t, result, &rec)
	assert.Equal(t, models.StatusPendingApproval, rec.Status)
	assert.Equal(t, []string{"bob", "carol"}, rec.Reviewers)
}

func TestHandleRequestApproval_MissingArgs(t *testing.T) {
	srv, _ := newTestServer(t)

	req := callToolReq("gate_request_approval", map[string]any{"change_id": "chg"})
	result, err := srv.handleRequestApproval(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleRequestApproval_GatedBlocked(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	addReq := callToolReq("gate_add_review", map[string]any{
		"target_type": "proposal",
		"target_id":   "chg",
		"type":        "issue",
		"severity":    "high",
		"body":        "unbounded retries",
		"author":      "bob",
	})
	result, err := srv.handleAddReview(ctx, addReq)
	require.NoError(t, err)
	require.False(t, result.IsError)

	req := callToolReq("gate_request_approval", map[string]any{
		"change_id":    "chg",
		"requested_by": "alice",
		"gated":        true,
	})
	result, err = srv.handleRequestApproval(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not ready for approval")
}

func TestHandleApprove_Quorum(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	_, err := srv.handleRequestApproval(ctx, callToolReq("gate_request_approval", map[string]any{
		"change_id": "chg", "requested_by": "alice", "reviewers": "bob,carol",
	}))
	require.NoError(t, err)

	result, err := srv.handleApprove(ctx, callToolReq("gate_approve", map[string]any{
		"change_id": "chg", "approver": "bob",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var rec models.ApprovalRecord
	resultJSON(t, result, &rec)
	assert.Equal(t, models.StatusPendingApproval, rec.Status, "first of two reviewers is not quorum")

	result, err = srv.handleApprove(ctx, callToolReq("gate_approve", map[string]any{
		"change_id": "chg", "approver": "carol", "comment": "ship it",
	}))
	require.NoError(t, err)
	resultJSON(t, result, &rec)
	assert.Equal(t, models.StatusApproved, rec.Status)
}

func TestHandleApprove_InvalidStateIsToolError(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleApprove(context.Background(), callToolReq("gate_approve", map[string]any{
		"change_id": "ghost", "approver": "bob",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not found")
}

func TestHandleReject(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	_, err := srv.handleRequestApproval(ctx, callToolReq("gate_request_approval", map[string]any{
		"change_id": "chg", "requested_by": "alice",
	}))
	require.NoError(t, err)

	result, err := srv.handleReject(ctx, callToolReq("gate_reject", map[string]any{
		"change_id": "chg", "rejector": "bob", "reason": "too risky",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var rec models.ApprovalRecord
	resultJSON(t, result, &rec)
	assert.Equal(t, models.StatusRejected, rec.Status)
	require.Len(t, rec.Rejections, 1)
	assert.Equal(t, "too risky", rec.Rejections[0].Reason)
}

func TestHandleApprovalStatus_MissingIsNull(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleApprovalStatus(context.Background(), callToolReq("gate_approval_status", map[string]any{
		"change_id": "ghost",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "null", resultText(t, result))
}

func TestHandleListApprovals_PendingFilter(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	_, err := srv.handleRequestApproval(ctx, callToolReq("gate_request_approval", map[string]any{
		"change_id": "a", "requested_by": "alice",
	}))
	require.NoError(t, err)
	_, err = srv.handleRequestApproval(ctx, callToolReq("gate_request_approval", map[string]any{
		"change_id": "b", "requested_by": "alice",
	}))
	require.NoError(t, err)
	_, err = srv.handleApprove(ctx, callToolReq("gate_approve", map[string]any{
		"change_id": "b", "approver": "bob",
	}))
	require.NoError(t, err)

	result, err := srv.handleListApprovals(ctx, callToolReq("gate_list_approvals", map[string]any{
		"pending": true,
	}))
	require.NoError(t, err)

	var records []models.ApprovalRecord
	resultJSON(t, result, &records)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ChangeID)
}

func TestHandleReviews_AddListResolve(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleAddReview(ctx, callToolReq("gate_add_review", map[string]any{
		"target_type": "design",
		"target_id":   "chg",
		"type":        "question",
		"body":        "why sqlite?",
		"author":      "bob",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var comment models.ReviewComment
	resultJSON(t, result, &comment)
	assert.Equal(t, models.ReviewOpen, comment.Status)

	result, err = srv.handleListReviews(ctx, callToolReq("gate_list_reviews", map[string]any{
		"target_type": "design", "target_id": "chg", "status": "open",
	}))
	require.NoError(t, err)
	var comments []models.ReviewComment
	resultJSON(t, result, &comments)
	require.Len(t, comments, 1)

	result, err = srv.handleResolveReview(ctx, callToolReq("gate_resolve_review", map[string]any{
		"target_type": "design", "target_id": "chg",
		"review_id": comment.ID, "resolved_by": "alice", "status": "wont_fix",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	resultJSON(t, result, &comment)
	assert.Equal(t, models.ReviewWontFix, comment.Status)
}

func TestHandleReadiness(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleReadiness(ctx, callToolReq("gate_readiness", map[string]any{
		"change_id": "chg",
	}))
	require.NoError(t, err)

	var ready struct {
		Ready    bool     `json:"ready"`
		Blockers []string `json:"blockers"`
	}
	resultJSON(t, result, &ready)
	assert.True(t, ready.Ready)
	assert.Empty(t, ready.Blockers)
}

func TestHandleRunChecks_Synchronous(t *testing.T) {
	srv, layout := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(layout.Root, "changes", "chg"), 0755))

	result, err := srv.handleRunChecks(ctx, callToolReq("gate_run_checks", map[string]any{
		"change_id": "chg", "checks": "lint,test",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var run models.CheckRun
	resultJSON(t, result, &run)
	assert.Equal(t, models.RunPassed, run.Status)
	require.Len(t, run.Checks, 2)
	assert.Equal(t, "lint", run.Checks[0].Type)
	assert.Equal(t, "test", run.Checks[1].Type)
}

func TestHandleRunChecks_UnknownChange(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleRunChecks(context.Background(), callToolReq("gate_run_checks", map[string]any{
		"change_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleStopChecks_NothingRunning(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleStopChecks(context.Background(), callToolReq("gate_stop_checks", map[string]any{
		"change_id": "chg",
	}))
	require.NoError(t, err)

	var resp struct {
		Stopped bool `json:"stopped"`
	}
	resultJSON(t, result, &resp)
	assert.False(t, resp.Stopped)
}

func TestHandleCheckHistory(t *testing.T) {
	srv, layout := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(layout.Root, "changes", "chg"), 0755))
	_, err := srv.handleRunChecks(ctx, callToolReq("gate_run_checks", map[string]any{
		"change_id": "chg",
	}))
	require.NoError(t, err)

	result, err := srv.handleCheckHistory(ctx, callToolReq("gate_check_history", map[string]any{
		"change_id": "chg",
	}))
	require.NoError(t, err)

	var runs []models.CheckRun
	resultJSON(t, result, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunPassed, runs[0].Status)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitList("a, b"))
	assert.Equal(t, []string{"a"}, splitList("a,,"))
	assert.Nil(t, splitList(""))
}

func TestMCPIntegration_ListTools(t *testing.T) {
	srv, _ := newTestServer(t)

	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv)

	// Call tools/list via HandleMessage to verify registration.
	ctx := context.Background()
	reqJSON := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`)
	respMsg := mcpSrv.HandleMessage(ctx, reqJSON)
	require.NotNil(t, respMsg)

	respBytes, err := json.Marshal(respMsg)
	require.NoError(t, err)

	var rpcResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	err = json.Unmarshal(respBytes, &rpcResp)
	require.NoError(t, err)

	toolNames := make(map[string]bool)
	for _, tool := range rpcResp.Result.Tools {
		toolNames[tool.Name] = true
	}

	expectedTools := []string{
		"gate_request_approval",
		"gate_approve",
		"gate_reject",
		"gate_approval_status",
		"gate_list_approvals",
		"gate_add_review",
		"gate_list_reviews",
		"gate_resolve_review",
		"gate_readiness",
		"gate_run_checks",
		"gate_stop_checks",
		"gate_check_history",
	}
	for _, name := range expectedTools {
		assert.True(t, toolNames[name], "expected tool %q to be registered", name)
	}
}
