// Package orchestrator composes the review gate and the approval
// engine: approval requests can be gated on the absence of blocking
// reviews. The engine itself never consults the gate.
package orchestrator

import (
	"context"
	"strings"

	"github.com/changegate/changegate/internal/approval"
	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/review"
)

// BlockedError is returned when open reviews block an approval request.
type BlockedError struct {
	ChangeID string
	Blockers []string
}

func (e *BlockedError) Error() string {
	return "change " + e.ChangeID + " is not ready for approval: " + strings.Join(e.Blockers, "; ")
}

// Orchestrator wires the gate in front of the engine.
type Orchestrator struct {
	engine *approval.Engine
	gate   *review.Gate
}

// New creates an orchestrator over an engine and a gate.
func New(engine *approval.Engine, gate *review.Gate) *Orchestrator {
	return &Orchestrator{engine: engine, gate: gate}
}

// RequestApprovalWithGate consults the review gate and only delegates to
// the engine when no blockers exist. With blockers it returns a
// BlockedError and leaves the approval record untouched.
func (o *Orchestrator) RequestApprovalWithGate(ctx context.Context, changeID, requestedBy string, reviewers []string) (*models.ApprovalRecord, error) {
	blockers, err := o.gate.CheckApprovalReadiness(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if len(blockers) > 0 {
		return nil, &BlockedError{ChangeID: changeID, Blockers: blockers}
	}
	return o.engine.RequestApproval(ctx, changeID, requestedBy, reviewers)
}
