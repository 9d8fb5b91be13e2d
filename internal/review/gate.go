// Package review owns the review-comment lifecycle and derives the
// approval-readiness decision for a change. The gate is advisory: it
// never blocks the approval engine itself, callers consult it first.
package review

import (
	"context"
	"fmt"
	"time"

	"github.com/changegate/changegate/internal/keylock"
	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/store"
)

// NewReview holds the caller-supplied fields for AddReview.
type NewReview struct {
	TargetType      models.TargetType
	TargetID        string
	LineNumber      int
	Type            models.ReviewType
	Severity        models.ReviewSeverity
	Body            string
	Author          string
	SuggestedChange string
}

// Gate manages review comments and computes blocking state.
type Gate struct {
	store store.Store
	locks *keylock.Map
}

// NewGate creates a review gate backed by the given store.
func NewGate(s store.Store) *Gate {
	return &Gate{store: s, locks: keylock.New()}
}

func targetKey(targetType models.TargetType, targetID string) string {
	return string(targetType) + "/" + targetID
}

// AddReview creates a new open review comment and returns it.
func (g *Gate) AddReview(ctx context.Context, r NewReview) (*models.ReviewComment, error) {
	if !r.TargetType.Valid() {
		return nil, fmt.Errorf("invalid target type: %s", r.TargetType)
	}

	c := &models.ReviewComment{
		TargetType:      r.TargetType,
		TargetID:        r.TargetID,
		LineNumber:      r.LineNumber,
		Type:            r.Type,
		Severity:        r.Severity,
		Body:            r.Body,
		Author:          r.Author,
		SuggestedChange: r.SuggestedChange,
		Status:          models.ReviewOpen,
	}
	if err := g.store.CreateReview(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// ListReviews returns comments for a target, optionally filtered by
// status and type.
func (g *Gate) ListReviews(ctx context.Context, targetType models.TargetType, targetID string, filter store.ReviewListFilter) ([]*models.ReviewComment, error) {
	return g.store.ListReviews(ctx, targetType, targetID, filter)
}

// AddReply appends a reply to an existing review comment.
func (g *Gate) AddReply(ctx context.Context, targetType models.TargetType, targetID, reviewID, author, body string) (*models.ReviewComment, error) {
	key := targetKey(targetType, targetID)
	g.locks.Lock(key)
	defer g.locks.Unlock(key)

	c, err := g.store.GetReview(ctx, targetType, targetID, reviewID)
	if err != nil {
		return nil, err
	}

	c.Replies = append(c.Replies, models.Reply{
		ID:        store.NewULID(),
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err := g.store.UpdateReview(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Resolve sets a review comment to resolved or wont_fix. Resolution is
// terminal; a comment that has left open cannot be resolved again.
func (g *Gate) Resolve(ctx context.Context, targetType models.TargetType, targetID, reviewID, resolvedBy string, status models.ReviewStatus) (*models.ReviewComment, error) {
	if status != models.ReviewResolved && status != models.ReviewWontFix {
		return nil, fmt.Errorf("invalid resolution status: %s", status)
	}

	key := targetKey(targetType, targetID)
	g.locks.Lock(key)
	defer g.locks.Unlock(key)

	c, err := g.store.GetReview(ctx, targetType, targetID, reviewID)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ReviewOpen {
		return nil, fmt.Errorf("review %s is already %s", reviewID, c.Status)
	}

	now := time.Now().UTC()
	c.Status = status
	c.ResolvedAt = &now
	c.ResolvedBy = resolvedBy

	if err := g.store.UpdateReview(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckApprovalReadiness aggregates open reviews across the proposal,
// design, and tasks documents of a change and returns human-readable
// blocker strings. An empty slice means the change is ready for an
// approval request. Never mutates state.
func (g *Gate) CheckApprovalReadiness(ctx context.Context, changeID string) ([]string, error) {
	var issues, questions int

	for _, target := range models.GateTargets {
		comments, err := g.store.ListReviews(ctx, target, changeID, store.ReviewListFilter{
			Status: models.ReviewOpen,
		})
		if err != nil {
			return nil, err
		}
		for _, c := range comments {
			if c.Type == models.ReviewTypeIssue && c.Severity == models.SeverityHigh {
				issues++
			}
			if c.Type == models.ReviewTypeQuestion {
				questions++
			}
		}
	}

	var blockers []string
	if issues > 0 {
		blockers = append(blockers, fmt.Sprintf("%d high-severity issue(s) must be resolved before requesting approval", issues))
	}
	if questions > 0 {
		blockers = append(blockers, fmt.Sprintf("%d open question(s) must be answered before requesting approval", questions))
	}
	return blockers, nil
}
