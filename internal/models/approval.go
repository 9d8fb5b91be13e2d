package models

import "time"

// ApprovalStatus represents the lifecycle state of a change.
type ApprovalStatus string

const (
	StatusDraft           ApprovalStatus = "draft"
	StatusPendingApproval ApprovalStatus = "pending_approval"
	StatusApproved        ApprovalStatus = "approved"
	StatusRejected        ApprovalStatus = "rejected"
	StatusImplementing    ApprovalStatus = "implementing"
	StatusCompleted       ApprovalStatus = "completed"
)

// Valid reports whether s is a known approval status.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingApproval, StatusApproved,
		StatusRejected, StatusImplementing, StatusCompleted:
		return true
	}
	return false
}

// Approval is one reviewer's sign-off on a change.
type Approval struct {
	Approver   string    `json:"approver"`
	ApprovedAt time.Time `json:"approved_at"`
	Comment    string    `json:"comment,omitempty"`
}

// Rejection records a reviewer rejecting a change.
type Rejection struct {
	Rejector   string    `json:"rejector"`
	RejectedAt time.Time `json:"rejected_at"`
	Reason     string    `json:"reason"`
}

// HistoryEntry is one append-only audit entry on an approval record.
type HistoryEntry struct {
	Action  string    `json:"action"`
	By      string    `json:"by"`
	At      time.Time `json:"at"`
	Details string    `json:"details,omitempty"`
}

// ApprovalRecord tracks one change through the approval lifecycle.
// History grows monotonically and is never rewritten, only appended.
type ApprovalRecord struct {
	ChangeID    string         `json:"change_id"`
	Status      ApprovalStatus `json:"status"`
	RequestedBy string         `json:"requested_by,omitempty"`
	RequestedAt *time.Time     `json:"requested_at,omitempty"`
	Reviewers   []string       `json:"reviewers,omitempty"`
	Approvals   []Approval     `json:"approvals,omitempty"`
	Rejections  []Rejection    `json:"rejections,omitempty"`
	History     []HistoryEntry `json:"history"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// AppendHistory adds an audit entry stamped with the current UTC time.
func (r *ApprovalRecord) AppendHistory(action, by, details string) {
	r.History = append(r.History, HistoryEntry{
		Action:  action,
		By:      by,
		At:      time.Now().UTC(),
		Details: details,
	})
}

// ApprovedBy reports whether the given reviewer already has an approval
// entry on the record.
func (r *ApprovalRecord) ApprovedBy(reviewer string) bool {
	for _, a := range r.Approvals {
		if a.Approver == reviewer {
			return true
		}
	}
	return false
}

// QuorumMet reports whether every named reviewer has approved. With no
// reviewer list, a single approval is sufficient.
func (r *ApprovalRecord) QuorumMet() bool {
	if len(r.Reviewers) == 0 {
		return len(r.Approvals) > 0
	}
	for _, reviewer := range r.Reviewers {
		if !r.ApprovedBy(reviewer) {
			return false
		}
	}
	return true
}
