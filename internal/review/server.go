// Package review serves the HTTP API quantity surveyors use to inspect line
// items, override or reprocess the agent's choices and submit transcripts.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/spons-match/internal/model"
	"github.com/sells-group/spons-match/internal/monitoring"
	"github.com/sells-group/spons-match/internal/pipeline"
	"github.com/sells-group/spons-match/internal/store"
)

// Matcher is the slice of the pipeline the API drives.
type Matcher interface {
	ProcessTranscript(ctx context.Context, projectID, transcript string) (*pipeline.TranscriptResult, error)
	Override(ctx context.Context, lineItemID, candidateID, reviewer, rationale string) (*model.LineItem, error)
	Reprocess(ctx context.Context, lineItemID string) (pipeline.ObservationResult, error)
}

// Reader is the slice of the store the API reads.
type Reader interface {
	GetLineItem(ctx context.Context, id string) (*model.LineItem, error)
	ListLineItems(ctx context.Context, filter model.LineItemFilter) ([]model.LineItem, error)
	ListCandidates(ctx context.Context, lineItemID string) ([]model.Candidate, error)
	ListAudit(ctx context.Context, lineItemID string) ([]model.AuditEntry, error)
	Ping(ctx context.Context) error
}

// Server holds the API's collaborators.
type Server struct {
	store     Reader
	matcher   Matcher
	collector *monitoring.Collector
	origins   []string

	// base outlives individual requests so accepted transcripts keep
	// running after the 202 is written.
	base context.Context
	jobs sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithCollector enables GET /metrics.
func WithCollector(c *monitoring.Collector) Option {
	return func(s *Server) { s.collector = c }
}

// WithCORSOrigins sets the allowed browser origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithBaseContext sets the context background transcript jobs run under.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.base = ctx }
}

// NewServer creates a Server.
func NewServer(st Reader, m Matcher, opts ...Option) *Server {
	s := &Server{store: st, matcher: m, base: context.Background()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/transcripts", s.submitTranscript)
	r.Route("/line-items", func(r chi.Router) {
		r.Get("/", s.listLineItems)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getLineItem)
			r.Post("/override", s.override)
			r.Post("/reprocess", s.reprocess)
		})
	})
	return r
}

// Wait blocks until accepted transcript jobs finish.
func (s *Server) Wait() {
	s.jobs.Wait()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("review: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		zap.L().Warn("review: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusNotFound, "metrics disabled")
		return
	}
	snap, err := s.collector.Collect(r.Context())
	if err != nil {
		zap.L().Error("review: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listLineItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.LineItemFilter{
		ProjectID:    q.Get("project_id"),
		TranscriptID: q.Get("transcript_id"),
	}
	if raw := q.Get("status"); raw != "" {
		status := model.Status(strings.ToUpper(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "unknown status "+raw)
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	items, err := s.store.ListLineItems(r.Context(), filter)
	if err != nil {
		zap.L().Error("review: list line items", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if items == nil {
		items = []model.LineItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// lineItemDetail is a line item with its candidates and audit trail.
type lineItemDetail struct {
	*model.LineItem
	Candidates []model.Candidate  `json:"candidates"`
	Audit      []model.AuditEntry `json:"audit"`
}

func (s *Server) getLineItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	item, err := s.store.GetLineItem(ctx, id)
	if err != nil {
		s.fail(w, err, "get line item")
		return
	}
	candidates, err := s.store.ListCandidates(ctx, id)
	if err != nil {
		s.fail(w, err, "list candidates")
		return
	}
	audit, err := s.store.ListAudit(ctx, id)
	if err != nil {
		s.fail(w, err, "list audit")
		return
	}
	if candidates == nil {
		candidates = []model.Candidate{}
	}
	if audit == nil {
		audit = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, lineItemDetail{LineItem: item, Candidates: candidates, Audit: audit})
}

type overrideRequest struct {
	CandidateID string `json:"candidate_id"`
	Reviewer    string `json:"reviewer"`
	Rationale   string `json:"rationale"`
}

func (s *Server) override(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CandidateID == "" {
		writeError(w, http.StatusBadRequest, "candidate_id is required")
		return
	}

	item, err := s.matcher.Override(r.Context(), chi.URLParam(r, "id"), req.CandidateID, req.Reviewer, req.Rationale)
	if err != nil {
		s.fail(w, err, "override")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) reprocess(w http.ResponseWriter, r *http.Request) {
	res, err := s.matcher.Reprocess(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err, "reprocess")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type transcriptRequest struct {
	ProjectID  string `json:"project_id"`
	Transcript string `json:"transcript"`
}

func (s *Server) submitTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		writeError(w, http.StatusBadRequest, "transcript is required")
		return
	}

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		res, err := s.matcher.ProcessTranscript(s.base, req.ProjectID, req.Transcript)
		if err != nil {
			zap.L().Error("review: transcript processing failed",
				zap.String("project_id", req.ProjectID),
				zap.Error(err),
			)
			return
		}
		zap.L().Info("review: transcript processed",
			zap.String("project_id", req.ProjectID),
			zap.String("transcript_id", res.TranscriptID),
			zap.Int("items", len(res.Items)),
			zap.Bool("degraded", res.Degraded),
		)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"project_id": req.ProjectID,
	})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "line item not found")
	case errors.Is(err, pipeline.ErrReviewerRequired):
		writeError(w, http.StatusBadRequest, "reviewer is required")
	case errors.Is(err, store.ErrNotCandidate):
		writeError(w, http.StatusUnprocessableEntity, "candidate is not in the line item's candidate set")
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, store.ErrStaleStatus):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("review: "+op, zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("review: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
