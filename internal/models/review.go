package models

import "time"

// TargetType identifies which change document a review is attached to.
type TargetType string

const (
	TargetProposal TargetType = "proposal"
	TargetDesign   TargetType = "design"
	TargetSpec     TargetType = "spec"
	TargetTasks    TargetType = "tasks"
)

// Valid reports whether t is a known review target.
func (t TargetType) Valid() bool {
	switch t {
	case TargetProposal, TargetDesign, TargetSpec, TargetTasks:
		return true
	}
	return false
}

// GateTargets are the document types the approval-readiness gate
// aggregates across for a change.
var GateTargets = []TargetType{TargetProposal, TargetDesign, TargetTasks}

// ReviewType categorizes a review comment.
type ReviewType string

const (
	ReviewTypeComment    ReviewType = "comment"
	ReviewTypeSuggestion ReviewType = "suggestion"
	ReviewTypeQuestion   ReviewType = "question"
	ReviewTypeIssue      ReviewType = "issue"
)

// ReviewSeverity grades how serious a review comment is.
type ReviewSeverity string

const (
	SeverityLow    ReviewSeverity = "low"
	SeverityMedium ReviewSeverity = "medium"
	SeverityHigh   ReviewSeverity = "high"
)

// ReviewStatus is the resolution state of a review comment.
type ReviewStatus string

const (
	ReviewOpen     ReviewStatus = "open"
	ReviewResolved ReviewStatus = "resolved"
	ReviewWontFix  ReviewStatus = "wont_fix"
)

// Reply is one message in a review comment's thread.
type Reply struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewComment is a single review on a change document. Resolution is
// terminal: once status leaves open it never returns.
type ReviewComment struct {
	ID              string         `json:"id"`
	TargetType      TargetType     `json:"target_type"`
	TargetID        string         `json:"target_id"`
	LineNumber      int            `json:"line_number,omitempty"` // 0 = whole document
	Type            ReviewType     `json:"type"`
	Severity        ReviewSeverity `json:"severity,omitempty"`
	Body            string         `json:"body"`
	Author          string         `json:"author"`
	SuggestedChange string         `json:"suggested_change,omitempty"`
	Status          ReviewStatus   `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	Replies         []Reply        `json:"replies,omitempty"`
}

// Blocking reports whether this comment blocks approval readiness:
// an open high-severity issue or an open question.
func (c *ReviewComment) Blocking() bool {
	if c.Status != ReviewOpen {
		return false
	}
	if c.Type == ReviewTypeIssue && c.Severity == SeverityHigh {
		return true
	}
	return c.Type == ReviewTypeQuestion
}
