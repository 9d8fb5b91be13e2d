package review

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/store"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return NewGate(s)
}

func addComment(t *testing.T, g *Gate, target models.TargetType, typ models.ReviewType, sev models.ReviewSeverity) *models.ReviewComment {
	t.Helper()
	c, err := g.AddReview(context.Background(), NewReview{
		TargetType: target,
		TargetID:   "chg",
		Type:       typ,
		Severity:   sev,
		Body:       "body",
		Author:     "bob",
	})
	require.NoError(t, err)
	return c
}

func TestAddReview_StartsOpen(t *testing.T) {
	g := newTestGate(t)

	c := addComment(t, g, models.TargetProposal, models.ReviewTypeComment, "")
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.ReviewOpen, c.Status)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestAddReview_InvalidTarget(t *testing.T) {
	g := newTestGate(t)

	_, err := g.AddReview(context.Background(), NewReview{
		TargetType: "readme",
		TargetID:   "chg",
		Type:       models.ReviewTypeComment,
		Body:       "x",
		Author:     "bob",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid target type")
}

func TestAddReply_AppendsToThread(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	c := addComment(t, g, models.TargetDesign, models.ReviewTypeQuestion, "")

	got, err := g.AddReply(ctx, models.TargetDesign, "chg", c.ID, "alice", "answered inline")
	require.NoError(t, err)
	require.Len(t, got.Replies, 1)
	assert.Equal(t, "alice", got.Replies[0].Author)
	assert.NotEmpty(t, got.Replies[0].ID)

	// Replying does not resolve the comment.
	assert.Equal(t, models.ReviewOpen, got.Status)
}

func TestAddReply_NotFound(t *testing.T) {
	g := newTestGate(t)

	_, err := g.AddReply(context.Background(), models.TargetDesign, "chg", "nope", "alice", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolve_IsTerminal(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	c := addComment(t, g, models.TargetProposal, models.ReviewTypeIssue, models.SeverityHigh)

	got, err := g.Resolve(ctx, models.TargetProposal, "chg", c.ID, "alice", models.ReviewResolved)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewResolved, got.Status)
	assert.Equal(t, "alice", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	_, err = g.Resolve(ctx, models.TargetProposal, "chg", c.ID, "alice", models.ReviewWontFix)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already resolved")
}

func TestResolve_WontFix(t *testing.T) {
	g := newTestGate(t)

	c := addComment(t, g, models.TargetTasks, models.ReviewTypeSuggestion, "")

	got, err := g.Resolve(context.Background(), models.TargetTasks, "chg", c.ID, "alice", models.ReviewWontFix)
	require.NoError(t, err)
	assert.Equal(t, models.ReviewWontFix, got.Status)
}

func TestResolve_RejectsInvalidStatus(t *testing.T) {
	g := newTestGate(t)

	c := addComment(t, g, models.TargetTasks, models.ReviewTypeComment, "")

	_, err := g.Resolve(context.Background(), models.TargetTasks, "chg", c.ID, "alice", models.ReviewOpen)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid resolution status")
}

func TestCheckApprovalReadiness_CleanChange(t *testing.T) {
	g := newTestGate(t)

	blockers, err := g.CheckApprovalReadiness(context.Background(), "chg")
	require.NoError(t, err)
	assert.Empty(t, blockers)
}

func TestCheckApprovalReadiness_BlockersAppearAndClear(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()

	issue := addComment(t, g, models.TargetProposal, models.ReviewTypeIssue, models.SeverityHigh)
	question := addComment(t, g, models.TargetDesign, models.ReviewTypeQuestion, "")
	// Non-blocking noise: low-severity issue and a plain comment.
	addComment(t, g, models.TargetProposal, models.ReviewTypeIssue, models.SeverityLow)
	addComment(t, g, models.TargetTasks, models.ReviewTypeComment, "")

	blockers, err := g.CheckApprovalReadiness(ctx, "chg")
	require.NoError(t, err)
	require.Len(t, blockers, 2)
	assert.Contains(t, blockers[0], "1 high-severity issue(s)")
	assert.Contains(t, blockers[1], "1 open question(s)")

	_, err = g.Resolve(ctx, models.TargetProposal, "chg", issue.ID, "alice", models.ReviewResolved)
	require.NoError(t, err)

	blockers, err = g.CheckApprovalReadiness(ctx, "chg")
	require.NoError(t, err)
	require.Len(t, blockers, 1)
	assert.Contains(t, blockers[0], "open question(s)")

	_, err = g.Resolve(ctx, models.TargetDesign, "chg", question.ID, "alice", models.ReviewWontFix)
	require.NoError(t, err)

	blockers, err = g.CheckApprovalReadiness(ctx, "chg")
	require.NoError(t, err)
	assert.Empty(t, blockers)
}

func TestCheckApprovalReadiness_SpecTargetDoesNotBlock(t *testing.T) {
	g := newTestGate(t)

	// Only proposal, design, and tasks documents gate approval.
	addComment(t, g, models.TargetSpec, models.ReviewTypeIssue, models.SeverityHigh)

	blockers, err := g.CheckApprovalReadiness(context.Background(), "chg")
	require.NoError(t, err)
	assert.Empty(t, blockers)
}
