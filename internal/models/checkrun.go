package models

import "time"

// RunStatus is the aggregate outcome of a check run.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunStopped RunStatus = "stopped"
	RunTimeout RunStatus = "timeout"
)

// CheckStatus is the outcome of a single check within a run.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckSkipped CheckStatus = "skipped"
	CheckTimeout CheckStatus = "timeout"
)

// CheckResult is the recorded outcome of one check command.
type CheckResult struct {
	Type     string        `json:"type"`
	Status   CheckStatus   `json:"status"`
	Output   string        `json:"output,omitempty"`
	Errors   string        `json:"errors,omitempty"`
	Duration time.Duration `json:"duration"`
}

// RunSummary aggregates per-check outcomes. Timeouts are tracked on the
// individual CheckResult and are not folded into passed/failed/skipped.
type RunSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// CheckRun is one execution of an ordered list of checks against a
// change. Immutable once CompletedAt is set.
type CheckRun struct {
	ID          string        `json:"id"`
	ChangeID    string        `json:"change_id"`
	Status      RunStatus     `json:"status"`
	Checks      []CheckResult `json:"checks"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Summary     RunSummary    `json:"summary"`
}

// Record appends a check result and updates the summary counters.
func (r *CheckRun) Record(res CheckResult) {
	r.Checks = append(r.Checks, res)
	r.Summary.Total++
	switch res.Status {
	case CheckPassed:
		r.Summary.Passed++
	case CheckFailed:
		r.Summary.Failed++
	case CheckSkipped:
		r.Summary.Skipped++
	}
}
