package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/changegate/changegate/internal/approval"
	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/review"
	"github.com/changegate/changegate/internal/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *approval.Engine, *review.Gate) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	engine := approval.NewEngine(s)
	gate := review.NewGate(s)
	return New(engine, gate), engine, gate
}

func TestRequestApprovalWithGate_CleanChange(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	rec, err := o.RequestApprovalWithGate(context.Background(), "chg", "alice", []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, rec.Status)
}

func TestRequestApprovalWithGate_BlockedLeavesRecordUntouched(t *testing.T) {
	o, engine, gate := newTestOrchestrator(t)
	ctx := context.Background()

	issue, err := gate.AddReview(ctx, review.NewReview{
		TargetType: models.TargetProposal,
		TargetID:   "chg",
		Type:       models.ReviewTypeIssue,
		Severity:   models.SeverityHigh,
		Body:       "unbounded retry loop",
		Author:     "bob",
	})
	require.NoError(t, err)

	_, err = o.RequestApprovalWithGate(ctx, "chg", "alice", nil)
	require.Error(t, err)
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "chg", blocked.ChangeID)
	require.Len(t, blocked.Blockers, 1)
	assert.Contains(t, blocked.Error(), "not ready for approval")

	// No approval record was created by the blocked request.
	rec, err := engine.GetStatus(ctx, "chg")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Resolving the blocker unblocks the request.
	_, err = gate.Resolve(ctx, models.TargetProposal, "chg", issue.ID, "bob", models.ReviewResolved)
	require.NoError(t, err)

	rec, err = o.RequestApprovalWithGate(ctx, "chg", "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPendingApproval, rec.Status)
}
