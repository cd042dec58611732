package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/joescharf/civtrack/internal/apperr"
	"github.com/joescharf/civtrack/internal/budget"
	"github.com/joescharf/civtrack/internal/lifecycle"
	"github.com/joescharf/civtrack/internal/mapper"
	"github.com/joescharf/civtrack/internal/models"
	"github.com/joescharf/civtrack/internal/remote"
	"github.com/joescharf/civtrack/internal/stats"
	"github.com/joescharf/civtrack/internal/store"
	"github.com/joescharf/civtrack/internal/syncer"
)

// Server provides the REST API handlers.
type Server struct {
	store   store.Store
	manager *lifecycle.Manager
	sync    *syncer.Orchestrator
	photos  *remote.PhotoResolver
	stats   *stats.Calculator
}

// NewServer creates a new API server.
// The orchestrator may be nil if no remote store is configured.
func NewServer(s store.Store, orch *syncer.Orchestrator, photos *remote.PhotoResolver) *Server {
	if photos == nil {
		photos = remote.NewPhotoResolver(0)
	}
	return &Server{
		store:   s,
		manager: lifecycle.NewManager(s),
		sync:    orch,
		photos:  photos,
		stats:   stats.NewCalculator(),
	}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/issues", s.listIssues)
	mux.HandleFunc("POST /api/v1/issues", s.createIssue)
	mux.HandleFunc("GET /api/v1/issues/{id}", s.getIssue)
	mux.HandleFunc("PUT /api/v1/issues/{id}", s.updateIssue)
	mux.HandleFunc("POST /api/v1/issues/{id}/transition", s.transitionIssue)
	mux.HandleFunc("GET /api/v1/issues/{id}/history", s.issueHistory)
	mux.HandleFunc("POST /api/v1/issues/{id}/photos", s.attachPhoto)
	mux.HandleFunc("GET /api/v1/issues/{id}/photos/{n}", s.getPhoto)
	mux.HandleFunc("POST /api/v1/issues/{id}/push", s.pushIssue)

	mux.HandleFunc("GET /api/v1/sync/remote", s.previewRemote)
	mux.HandleFunc("GET /api/v1/sync/pending", s.previewPush)
	mux.HandleFunc("POST /api/v1/sync/pull", s.pull)
	mux.HandleFunc("POST /api/v1/sync/push", s.push)
	mux.HandleFunc("POST /api/v1/sync/run", s.runFull)
	mux.HandleFunc("GET /api/v1/sync/runs", s.listRuns)

	mux.HandleFunc("GET /api/v1/problem-types", s.listProblemTypes)
	mux.HandleFunc("PUT /api/v1/problem-types/{id}/cost", s.setProblemTypeCost)
	mux.HandleFunc("GET /api/v1/companies", s.listCompanies)

	mux.HandleFunc("GET /api/v1/stats", s.getStats)

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

// errorBody is the JSON shape of an engine error.
type errorBody struct {
	Error     string      `json:"error"`
	Kind      apperr.Kind `json:"kind"`
	Field     string      `json:"field,omitempty"`
	Retryable bool        `json:"retryable"`
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation, apperr.KindMalformedRecord:
		return http.StatusBadRequest
	case apperr.KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case apperr.KindVersionConflict, apperr.KindSyncInProgress:
		return http.StatusConflict
	case apperr.KindRemoteUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{
		Error:     err.Error(),
		Kind:      kind,
		Field:     apperr.FieldOf(err),
		Retryable: apperr.IsRetryable(err),
	})
}

func (s *Server) requireSync(w http.ResponseWriter) bool {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "remote store not configured")
		return false
	}
	return true
}

// --- Issues ---

// issueView adds the displayed budget to an issue.
type issueView struct {
	*models.Issue
	DisplayBudget *decimal.Decimal `json:"displayBudget,omitempty"`
	BudgetSource  budget.Source    `json:"budgetSource"`
	StatusLabel   string           `json:"statusLabel"`
}

func viewOf(issue *models.Issue) issueView {
	amount, src := budget.Display(issue)
	return issueView{
		Issue:         issue,
		DisplayBudget: amount,
		BudgetSource:  src,
		StatusLabel:   mapper.StatusLabel(issue.Status),
	}
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.IssueListFilter{
		Status:        models.IssueStatus(q.Get("status")),
		ProblemTypeID: q.Get("problemType"),
		CompanyID:     q.Get("company"),
		Origin:        models.IssueOrigin(q.Get("origin")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	issues, err := s.store.ListIssues(r.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	views := make([]issueView, 0, len(issues))
	for _, issue := range issues {
		views = append(views, viewOf(issue))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) createIssue(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.NewIssue
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	issue, err := s.manager.CreateLocal(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(issue))
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := s.store.GetIssue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(issue))
}

func (s *Server) updateIssue(w http.ResponseWriter, r *http.Request) {
	var fields lifecycle.ManagerFields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	issue, err := s.manager.UpdateManagerFields(r.Context(), r.PathValue("id"), fields)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(issue))
}

// transitionRequest names the target either as a status or as a progress
// bucket (0, 50, 100).
type transitionRequest struct {
	Status   models.IssueStatus `json:"status"`
	Progress *int               `json:"progress"`
	Comment  string             `json:"comment"`
}

func (s *Server) transitionIssue(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target := req.Status
	if target == "" && req.Progress != nil {
		st, ok := lifecycle.StatusForProgress(*req.Progress)
		if !ok {
			writeAppError(w, apperr.Validation("progress", "progress must be 0, 50 or 100"))
			return
		}
		target = st
	}
	if target == "" {
		writeAppError(w, apperr.Validation("status", "status or progress is required"))
		return
	}
	issue, err := s.manager.Transition(r.Context(), r.PathValue("id"), target, req.Comment)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(issue))
}

func (s *Server) issueHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.manager.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if history == nil {
		history = []*models.TransitionRecord{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) attachPhoto(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	issue, err := s.manager.AttachPhoto(r.Context(), r.PathValue("id"), req.Ref)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(issue))
}

func (s *Server) getPhoto(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid photo index")
		return
	}
	issue, err := s.store.GetIssue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if n >= len(issue.Photos) {
		writeAppError(w, apperr.NotFound("photo", strconv.Itoa(n)))
		return
	}
	data, contentType, err := s.photos.Resolve(r.Context(), issue.Photos[n])
	if err != nil {
		writeAppError(w, err)
		return
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(data)
}

func (s *Server) pushIssue(w http.ResponseWriter, r *http.Request) {
	if !s.requireSync(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.sync.PushOne(r.Context(), id); err != nil {
		writeAppError(w, err)
		return
	}
	issue, err := s.store.GetIssue(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(issue))
}

// --- Sync ---

func (s *Server) previewRemote(w http.ResponseWriter, r *http.Request) {
	if !s.requireSync(w) {
		return
	}
	docs, err := s.sync.PreviewRemote(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) previewPush(w http.ResponseWriter, r *http.Request) {
	if !s.requireSync(w) {
		return
	}
	items, err := s.sync.PreviewPush(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) pull(w http.ResponseWriter, r *http.Request) {
	if !s.requireSync(w) {
		return
	}
	res, err := s.sync.Pull(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	if !s.requireSync(w) {
		return
	}
	res, err := s.sync.Push(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) runFull(w http.ResponseWriter, r *http.Request) {
	if !s.requireSync(w) {
		return
	}
	res, err := s.sync.RunFull(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.store.ListSyncRuns(r.Context(), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if runs == nil {
		runs = []*models.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// --- Catalog ---

func (s *Server) listProblemTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.store.ListProblemTypes(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types)
}

func (s *Server) setProblemTypeCost(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CostPerUnitArea *decimal.Decimal `json:"costPerUnitArea"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.CostPerUnitArea == nil {
		writeAppError(w, apperr.Validation("costPerUnitArea", "costPerUnitArea is required"))
		return
	}
	id := r.PathValue("id")
	if err := s.manager.SetProblemTypeCost(r.Context(), id, *req.CostPerUnitArea); err != nil {
		writeAppError(w, err)
		return
	}
	pt, err := s.store.GetProblemType(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pt)
}

func (s *Server) listCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := s.store.ListCompanies(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, companies)
}

// --- Stats ---

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.ListIssues(r.Context(), store.IssueListFilter{})
	if err != nil {
		writeAppError(w, err)
		return
	}
	types, err := s.store.ListProblemTypes(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Compute(issues, types))
}
