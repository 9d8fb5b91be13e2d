package store

import (
	"context"
	"errors"

	"github.com/changegate/changegate/internal/models"
)

// ErrNotFound is returned when no record exists for the requested key.
// Callers should treat it as "nothing to show", not a fatal condition.
var ErrNotFound = errors.New("not found")

// ReviewListFilter specifies filters for listing review comments.
type ReviewListFilter struct {
	Status models.ReviewStatus
	Type   models.ReviewType
}

// Store defines the persistence interface for changegate. Writes are
// last-write-wins per key; callers that need read-modify-write safety
// serialize per key above this layer.
type Store interface {
	// Approval records
	GetApproval(ctx context.Context, changeID string) (*models.ApprovalRecord, error)
	PutApproval(ctx context.Context, rec *models.ApprovalRecord) error
	DeleteApproval(ctx context.Context, changeID string) error
	ListApprovals(ctx context.Context) ([]*models.ApprovalRecord, error)
	ListApprovalsByStatus(ctx context.Context, status models.ApprovalStatus) ([]*models.ApprovalRecord, error)

	// Review comments
	CreateReview(ctx context.Context, c *models.ReviewComment) error
	GetReview(ctx context.Context, targetType models.TargetType, targetID, reviewID string) (*models.ReviewComment, error)
	ListReviews(ctx context.Context, targetType models.TargetType, targetID string, filter ReviewListFilter) ([]*models.ReviewComment, error)
	UpdateReview(ctx context.Context, c *models.ReviewComment) error

	// Check run history (append-only; runs are immutable once written)
	CreateCheckRun(ctx context.Context, run *models.CheckRun) error
	LatestCheckRun(ctx context.Context, changeID string) (*models.CheckRun, error)
	ListCheckRuns(ctx context.Context, changeID string, limit int) ([]*models.CheckRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
