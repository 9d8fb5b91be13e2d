// Package approval implements the change approval state machine.
//
// Valid transitions:
//
//	draft/any        -> pending_approval  (request; re-request is allowed)
//	pending_approval -> approved          (quorum of reviewers, or any single
//	                                       approval when no reviewers are named)
//	pending_approval -> rejected
//	approved         -> implementing
//	implementing     -> completed
//	any              -> draft             (reset)
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/changegate/changegate/internal/keylock"
	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/store"
)

// InvalidStateError is returned when an operation is attempted from a
// status that does not permit it. It always carries the current status.
type InvalidStateError struct {
	ChangeID string
	Current  models.ApprovalStatus
	Op       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s change %s: status is %s", e.Op, e.ChangeID, e.Current)
}

// Engine drives approval records through the lifecycle. All mutating
// operations serialize per change ID, so two callers hitting the same
// change never interleave their read-modify-write cycles.
type Engine struct {
	store store.Store
	locks *keylock.Map
}

// NewEngine creates an approval engine backed by the given store.
func NewEngine(s store.Store) *Engine {
	return &Engine{store: s, locks: keylock.New()}
}

// RequestApproval puts a change into pending_approval, creating the
// record if absent. There is no guard on the prior status: re-requesting
// approval for an already-approved change is allowed (re-submission
// flow; flagged for product clarification, preserved as observed).
func (e *Engine) RequestApproval(ctx context.Context, changeID, requestedBy string, reviewers []string) (*models.ApprovalRecord, error) {
	e.locks.Lock(changeID)
	defer e.locks.Unlock(changeID)

	rec, err := e.store.GetApproval(ctx, changeID)
	if errors.Is(err, store.ErrNotFound) {
		rec = &models.ApprovalRecord{ChangeID: changeID, Status: models.StatusDraft}
	} else if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec.Status = models.StatusPendingApproval
	rec.RequestedBy = requestedBy
	rec.RequestedAt = &now
	rec.Reviewers = reviewers
	rec.AppendHistory("request_approval", requestedBy, "")

	if err := e.store.PutApproval(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Approve records a reviewer sign-off. The change transitions to
// approved only once every named reviewer has approved; with no reviewer
// list a single approval suffices. The history entry is appended
// regardless of quorum outcome.
func (e *Engine) Approve(ctx context.Context, changeID, approver, comment string) (*models.ApprovalRecord, error) {
	e.locks.Lock(changeID)
	defer e.locks.Unlock(changeID)

	rec, err := e.store.GetApproval(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusPendingApproval {
		return nil, &InvalidStateError{ChangeID: changeID, Current: rec.Status, Op: "approve"}
	}

	rec.Approvals = append(rec.Approvals, models.Approval{
		Approver:   approver,
		ApprovedAt: time.Now().UTC(),
		Comment:    comment,
	})
	if rec.QuorumMet() {
		rec.Status = models.StatusApproved
	}
	rec.AppendHistory("approved", approver, comment)

	if err := e.store.PutApproval(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Reject moves a pending change to rejected.
func (e *Engine) Reject(ctx context.Context, changeID, rejector, reason string) (*models.ApprovalRecord, error) {
	e.locks.Lock(changeID)
	defer e.locks.Unlock(changeID)

	rec, err := e.store.GetApproval(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusPendingApproval {
		return nil, &InvalidStateError{ChangeID: changeID, Current: rec.Status, Op: "reject"}
	}

	rec.Rejections = append(rec.Rejections, models.Rejection{
		Rejector:   rejector,
		RejectedAt: time.Now().UTC(),
		Reason:     reason,
	})
	rec.Status = models.StatusRejected
	rec.AppendHistory("rejected", rejector, reason)

	if err := e.store.PutApproval(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// StartImplementation moves an approved change to implementing.
func (e *Engine) StartImplementation(ctx context.Context, changeID, implementer string) (*models.ApprovalRecord, error) {
	return e.transition(ctx, changeID, implementer, "start_implementation",
		models.StatusApproved, models.StatusImplementing)
}

// MarkCompleted moves an implementing change to completed.
func (e *Engine) MarkCompleted(ctx context.Context, changeID, completedBy string) (*models.ApprovalRecord, error) {
	return e.transition(ctx, changeID, completedBy, "completed",
		models.StatusImplementing, models.StatusCompleted)
}

// transition is the shared guard-then-set for single-predecessor moves.
func (e *Engine) transition(ctx context.Context, changeID, by, action string, from, to models.ApprovalStatus) (*models.ApprovalRecord, error) {
	e.locks.Lock(changeID)
	defer e.locks.Unlock(changeID)

	rec, err := e.store.GetApproval(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if rec.Status != from {
		return nil, &InvalidStateError{ChangeID: changeID, Current: rec.Status, Op: action}
	}

	rec.Status = to
	rec.AppendHistory(action, by, "")

	if err := e.store.PutApproval(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ResetToDraft returns a change to draft from any status, creating the
// record if it does not exist. Used to recover from rejection.
func (e *Engine) ResetToDraft(ctx context.Context, changeID, resetBy string) (*models.ApprovalRecord, error) {
	e.locks.Lock(changeID)
	defer e.locks.Unlock(changeID)

	rec, err := e.store.GetApproval(ctx, changeID)
	if errors.Is(err, store.ErrNotFound) {
		rec = &models.ApprovalRecord{ChangeID: changeID, Status: models.StatusDraft}
		rec.AppendHistory("created", resetBy, "")
	} else if err != nil {
		return nil, err
	} else {
		rec.Status = models.StatusDraft
		rec.AppendHistory("reset_to_draft", resetBy, "")
	}

	if err := e.store.PutApproval(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// GetStatus returns the approval record for a change, or (nil, nil) when
// none exists. Never mutates state.
func (e *Engine) GetStatus(ctx context.Context, changeID string) (*models.ApprovalRecord, error) {
	rec, err := e.store.GetApproval(ctx, changeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListAll returns every approval record.
func (e *Engine) ListAll(ctx context.Context) ([]*models.ApprovalRecord, error) {
	return e.store.ListApprovals(ctx)
}

// ListPending returns records currently awaiting approval.
func (e *Engine) ListPending(ctx context.Context) ([]*models.ApprovalRecord, error) {
	return e.store.ListApprovalsByStatus(ctx, models.StatusPendingApproval)
}

// Delete removes an approval record entirely. Administrative use only;
// the lifecycle itself never deletes records.
func (e *Engine) Delete(ctx context.Context, changeID string) error {
	e.locks.Lock(changeID)
	defer e.locks.Unlock(changeID)
	return e.store.DeleteApproval(ctx, changeID)
}
