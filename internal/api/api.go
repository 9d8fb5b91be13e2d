package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/changegate/changegate/internal/approval"
	"github.com/changegate/changegate/internal/checks"
	"github.com/changegate/changegate/internal/models"
	"github.com/changegate/changegate/internal/orchestrator"
	"github.com/changegate/changegate/internal/project"
	"github.com/changegate/changegate/internal/review"
	"github.com/changegate/changegate/internal/store"
)

// SpecSource maps requested check names to executable check specs. The
// command layer builds one from configuration.
type SpecSource func(names []string) []checks.Spec

// Server provides the REST API handlers.
type Server struct {
	engine   *approval.Engine
	gate     *review.Gate
	orch     *orchestrator.Orchestrator
	runner   *checks.Runner
	layout   *project.Layout
	specs    SpecSource
	defaults []string
}

// NewServer creates a new API server. defaults is the check list used
// when a run request names none.
func NewServer(engine *approval.Engine, gate *review.Gate, runner *checks.Runner, layout *project.Layout, specs SpecSource, defaults []string) *Server {
	return &Server{
		engine:   engine,
		gate:     gate,
		orch:     orchestrator.New(engine, gate),
		runner:   runner,
		layout:   layout,
		specs:    specs,
		defaults: defaults,
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/changes/{id}/approval/request", s.requestApproval)
	mux.HandleFunc("POST /api/v1/changes/{id}/approval/approve", s.approve)
	mux.HandleFunc("POST /api/v1/changes/{id}/approval/reject", s.reject)
	mux.HandleFunc("POST /api/v1/changes/{id}/approval/implement", s.startImplementation)
	mux.HandleFunc("POST /api/v1/changes/{id}/approval/complete", s.markCompleted)
	mux.HandleFunc("POST /api/v1/changes/{id}/approval/reset", s.resetToDraft)
	mux.HandleFunc("GET /api/v1/changes/{id}/approval", s.getApproval)
	mux.HandleFunc("DELETE /api/v1/changes/{id}/approval", s.deleteApproval)
	mux.HandleFunc("GET /api/v1/approvals", s.listApprovals)
	mux.HandleFunc("GET /api/v1/approvals/pending", s.listPendingApprovals)

	mux.HandleFunc("POST /api/v1/reviews/{targetType}/{targetId}", s.addReview)
	mux.HandleFunc("GET /api/v1/reviews/{targetType}/{targetId}", s.listReviews)
	mux.HandleFunc("POST /api/v1/reviews/{targetType}/{targetId}/{reviewId}/replies", s.addReply)
	mux.HandleFunc("POST /api/v1/reviews/{targetType}/{targetId}/{reviewId}/resolve", s.resolveReview)
	mux.HandleFunc("GET /api/v1/changes/{id}/readiness", s.readiness)

	mux.HandleFunc("POST /api/v1/changes/{id}/checks", s.runChecks)
	mux.HandleFunc("POST /api/v1/changes/{id}/checks/stop", s.stopChecks)
	mux.HandleFunc("GET /api/v1/changes/{id}/checks/running", s.checksRunning)
	mux.HandleFunc("GET /api/v1/changes/{id}/checks/latest", s.latestCheckRun)
	mux.HandleFunc("GET /api/v1/changes/{id}/checks/history", s.checkHistory)

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps typed failures onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var invalid *approval.InvalidStateError
	var blocked *orchestrator.BlockedError

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, project.ErrChangeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  invalid.Error(),
			"status": string(invalid.Current),
		})
	case errors.Is(err, checks.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &blocked):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    blocked.Error(),
			"blockers": blocked.Blockers,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Approvals ---

func (s *Server) requestApproval(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")

	var req struct {
		RequestedBy string   `json:"requested_by"`
		Reviewers   []string `json:"reviewers"`
		Gated       bool     `json:"gated"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RequestedBy == "" {
		writeError(w, http.StatusBadRequest, "requested_by is required")
		return
	}

	var rec *models.ApprovalRecord
	var err error
	if req.Gated {
		rec, err = s.orch.RequestApprovalWithGate(r.Context(), changeID, req.RequestedBy, req.Reviewers)
	} else {
		rec, err = s.engine.RequestApproval(r.Context(), changeID, req.RequestedBy, req.Reviewers)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")

	var req struct {
		Approver string `json:"approver"`
		Comment  string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Approver == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}

	rec, err := s.engine.Approve(r.Context(), changeID, req.Approver, req.Comment)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")

	var req struct {
		Rejector string `json:"rejector"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Rejector == "" {
		writeError(w, http.StatusBadRequest, "rejector is required")
		return
	}

	rec, err := s.engine.Reject(r.Context(), changeID, req.Rejector, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) startImplementation(w http.ResponseWriter, r *http.Request) {
	s.simpleTransition(w, r, s.engine.StartImplementation)
}

func (s *Server) markCompleted(w http.ResponseWriter, r *http.Request) {
	s.simpleTransition(w, r, s.engine.MarkCompleted)
}

func (s *Server) resetToDraft(w http.ResponseWriter, r *http.Request) {
	s.simpleTransition(w, r, s.engine.ResetToDraft)
}

func (s *Server) simpleTransition(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) (*models.ApprovalRecord, error)) {
	changeID := r.PathValue("id")

	var req struct {
		By string `json:"by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.By == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}

	rec, err := op(r.Context(), changeID, req.By)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")
	rec, err := s.engine.GetStatus(r.Context(), changeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// A missing record is "nothing to show", not an error.
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteApproval(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")
	if err := s.engine.Delete(r.Context(), changeID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.ListAll(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []*models.ApprovalRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.ListPending(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []*models.ApprovalRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// --- Reviews ---

func (s *Server) addReview(w http.ResponseWriter, r *http.Request) {
	targetType := models.TargetType(r.PathValue("targetType"))
	targetID := r.PathValue("targetId")

	var req struct {
		LineNumber      int    `json:"line_number"`
		Type            string `json:"type"`
		Severity        string `json:"severity"`
		Body            string `json:"body"`
		Author          string `json:"author"`
		SuggestedChange string `json:"suggested_change"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Body == "" || req.Author == "" {
		writeError(w, http.StatusBadRequest, "body and author are required")
		return
	}

	comment, err := s.gate.AddReview(r.Context(), review.NewReview{
		TargetType:      targetType,
		TargetID:        targetID,
		LineNumber:      req.LineNumber,
		Type:            models.ReviewType(req.Type),
		Severity:        models.ReviewSeverity(req.Severity),
		Body:            req.Body,
		Author:          req.Author,
		SuggestedChange: req.SuggestedChange,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	targetType := models.TargetType(r.PathValue("targetType"))
	targetID := r.PathValue("targetId")

	filter := store.ReviewListFilter{
		Status: models.ReviewStatus(r.URL.Query().Get("status")),
		Type:   models.ReviewType(r.URL.Query().Get("type")),
	}
	comments, err := s.gate.ListReviews(r.Context(), targetType, targetID, filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if comments == nil {
		comments = []*models.ReviewComment{}
	}
	writeJSON(w, http.StatusOK, comments)
}

func (s *Server) addReply(w http.ResponseWriter, r *http.Request) {
	targetType := models.TargetType(r.PathValue("targetType"))
	targetID := r.PathValue("targetId")
	reviewID := r.PathValue("reviewId")

	var req struct {
		Author string `json:"author"`
		Body   string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Author == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "author and body are required")
		return
	}

	comment, err := s.gate.AddReply(r.Context(), targetType, targetID, reviewID, req.Author, req.Body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *Server) resolveReview(w http.ResponseWriter, r *http.Request) {
	targetType := models.TargetType(r.PathValue("targetType"))
	targetID := r.PathValue("targetId")
	reviewID := r.PathValue("reviewId")

	var req struct {
		ResolvedBy string `json:"resolved_by"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}
	status := models.ReviewStatus(req.Status)
	if status == "" {
		status = models.ReviewResolved
	}

	comment, err := s.gate.Resolve(r.Context(), targetType, targetID, reviewID, req.ResolvedBy, status)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, comment)
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")
	blockers, err := s.gate.CheckApprovalReadiness(r.Context(), changeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if blockers == nil {
		blockers = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"change_id": changeID,
		"ready":     len(blockers) == 0,
		"blockers":  blockers,
	})
}

// --- Checks ---

func (s *Server) runChecks(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")

	var req struct {
		Checks []string `json:"checks"`
	}
	if r.Body != nil && r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	names := req.Checks
	if len(names) == 0 {
		names = s.defaults
	}

	if !s.layout.ChangeExists(changeID) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("change %s: not found", changeID))
		return
	}
	if s.runner.Running(changeID) {
		writeError(w, http.StatusConflict, checks.ErrAlreadyRunning.Error())
		return
	}

	specs := s.specs(names)

	// The run outlives this request; progress is observable via the
	// running/latest endpoints.
	go func() {
		if _, err := s.runner.Run(context.Background(), changeID, specs); err != nil {
			slog.Warn("check run did not start", "change_id", changeID, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"change_id": changeID,
		"status":    string(models.RunRunning),
		"checks":    names,
	})
}

func (s *Server) stopChecks(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")
	found := s.runner.Stop(changeID)
	writeJSON(w, http.StatusOK, map[string]any{
		"change_id": changeID,
		"stopped":   found,
	})
}

func (s *Server) checksRunning(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]any{
		"change_id": changeID,
		"running":   s.runner.Running(changeID),
	})
}

func (s *Server) latestCheckRun(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")
	run, err := s.runner.Latest(r.Context(), changeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) checkHistory(w http.ResponseWriter, r *http.Request) {
	changeID := r.PathValue("id")

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	runs, err := s.runner.History(r.Context(), changeID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.CheckRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}
