package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/roach88/curator/internal/backfill"
	"github.com/roach88/curator/internal/index"
	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/metrics"
	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/ruleset"
	"github.com/roach88/curator/internal/simulate"
	"github.com/roach88/curator/internal/store"
)

// maxRequestBodySize limits JSON request bodies.
const maxRequestBodySize = 1 << 20 // 1 MB

// multipartOverhead is added to the payload cap for form fields and framing.
const multipartOverhead = 1 << 20

// Searcher looks up indexed documents.
type Searcher interface {
	Search(ctx context.Context, query, category string, limit int) ([]index.Hit, error)
}

// Config wires the server to its collaborators. Search and Metrics are
// optional.
type Config struct {
	Ingest   *ingest.Service
	Store    *store.Store
	Simulate *simulate.Engine
	Backfill *backfill.Scheduler
	Search   Searcher
	Metrics  *metrics.Metrics
	Clock    ingest.Clock
	Logger   *slog.Logger

	// MaxUploadBytes caps submitted content. Zero means ingest.DefaultMaxPayloadBytes.
	MaxUploadBytes int64
}

// Server is the HTTP surface over the ingest service and the rule tooling.
type Server struct {
	ingest    *ingest.Service
	store     *store.Store
	simulate  *simulate.Engine
	backfill  *backfill.Scheduler
	search    Searcher
	metrics   *metrics.Metrics
	clock     ingest.Clock
	logger    *slog.Logger
	maxUpload int64
}

// New returns a Server for cfg.
func New(cfg Config) *Server {
	s := &Server{
		ingest:    cfg.Ingest,
		store:     cfg.Store,
		simulate:  cfg.Simulate,
		backfill:  cfg.Backfill,
		search:    cfg.Search,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		maxUpload: cfg.MaxUploadBytes,
	}
	if s.clock == nil {
		s.clock = ingest.SystemClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = ingest.DefaultMaxPayloadBytes
	}
	if s.store != nil {
		if err := s.metrics.WatchJobStates(jobStates(), s.countJobs); err != nil {
			s.logger.Warn("job state gauge not registered", "error", err)
		}
	}
	return s
}

func jobStates() []string {
	states := make([]string, len(model.AllStates))
	for i, st := range model.AllStates {
		states[i] = string(st)
	}
	return states
}

func (s *Server) countJobs(ctx context.Context) (map[string]int, error) {
	counts, err := s.store.CountJobsByState(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for st, n := range counts {
		out[string(st)] = n
	}
	return out, nil
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterHTTPHandlers(mux)
	return mux
}

// RegisterHTTPHandlers registers the API on mux:
//
//	POST /api/ingest
//	GET  /api/ingest/jobs
//	GET  /api/ingest/jobs/{id}
//	GET  /api/ingest/jobs/{id}/events
//	POST /api/ingest/jobs/{id}/requeue
//	POST /api/ingest/jobs/{id}/recover
//	GET  /api/documents/{id}
//	POST /api/documents/{id}/review
//	GET  /api/search
//	GET  /api/rulesets
//	POST /api/rulesets
//	POST /api/rulesets/import
//	GET  /api/rulesets/{name}/versions
//	POST /api/rulesets/{name}/versions
//	POST /api/rulesets/{name}/enable
//	POST /api/rulesets/{name}/disable
//	GET  /api/rulesets/{name}/export
//	GET  /api/rule-versions/{id}
//	POST /api/rule-versions/{id}/activate
//	POST /api/rule-versions/{id}/test
//	POST /api/rule-versions/{id}/simulate
//	GET  /api/rule-versions/{id}/conflicts
//	POST /api/rule-versions/{id}/backfill
//	GET  /api/backfills/{id}
//	GET  /metrics
//	GET  /healthz
func (s *Server) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/ingest", s.handleSubmit)
	mux.HandleFunc("GET /api/ingest/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/ingest/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("GET /api/ingest/jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("POST /api/ingest/jobs/{id}/requeue", s.handleRequeue)
	mux.HandleFunc("POST /api/ingest/jobs/{id}/recover", s.handleRecover)
	mux.HandleFunc("GET /api/documents/{id}", s.handleDocument)
	mux.HandleFunc("POST /api/documents/{id}/review", s.handleReview)
	mux.HandleFunc("GET /api/search", s.handleSearch)

	mux.HandleFunc("GET /api/rulesets", s.handleListRulesets)
	mux.HandleFunc("POST /api/rulesets", s.handleCreateRuleset)
	mux.HandleFunc("POST /api/rulesets/import", s.handleImport)
	mux.HandleFunc("GET /api/rulesets/{name}/versions", s.handleListVersions)
	mux.HandleFunc("POST /api/rulesets/{name}/versions", s.handleCreateVersion)
	mux.HandleFunc("POST /api/rulesets/{name}/enable", s.handleSetEnabled(true))
	mux.HandleFunc("POST /api/rulesets/{name}/disable", s.handleSetEnabled(false))
	mux.HandleFunc("GET /api/rulesets/{name}/export", s.handleExport)
	mux.HandleFunc("GET /api/rule-versions/{id}", s.handleGetVersion)
	mux.HandleFunc("POST /api/rule-versions/{id}/activate", s.handleActivate)
	mux.HandleFunc("POST /api/rule-versions/{id}/test", s.handleTest)
	mux.HandleFunc("POST /api/rule-versions/{id}/simulate", s.handleSimulate)
	mux.HandleFunc("GET /api/rule-versions/{id}/conflicts", s.handleConflicts)
	mux.HandleFunc("POST /api/rule-versions/{id}/backfill", s.handleBackfill)
	mux.HandleFunc("GET /api/backfills/{id}", s.handleGetBackfill)

	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorResponse is the body of every non-2xx JSON reply.
type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code,omitempty"`
	Field         string `json:"field,omitempty"`
	ExistingJobID string `json:"existing_job_id,omitempty"`
}

// writeError maps err onto a status code and JSON body. Unexpected errors
// are logged and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve       *ingest.ValidationError
		dup      *store.DuplicateJobError
		adm      *ingest.AdmissionError
		invalid  *rules.InvalidError
		mismatch *ruleset.ChecksumMismatchError
		tooLarge *http.MaxBytesError
		bad      *badRequestError
	)
	switch {
	case errors.As(err, &bad):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: bad.Error(), Code: "bad-request", Field: bad.field})
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large", Code: "too-large"})
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Code: "validation", Field: ve.Field})
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, errorResponse{Error: dup.Error(), Code: "duplicate", ExistingJobID: dup.ExistingJobID})
	case errors.As(err, &adm):
		writeJSON(w, http.StatusConflict, errorResponse{Error: adm.Error(), Code: string(adm.Reason)})
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: invalid.Error(), Code: "invalid-rules"})
	case errors.As(err, &mismatch):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: mismatch.Error(), Code: "checksum-mismatch"})
	case errors.Is(err, ruleset.ErrFormat):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "unsupported-format"})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, index.ErrNotIndexed):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not-found"})
	case errors.Is(err, store.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "duplicate"})
	case errors.Is(err, store.ErrStateConflict), errors.Is(err, store.ErrLeaseLost):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, store.ErrNoActiveVersion):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "no-active-version"})
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", Code: "internal"})
	}
}

// badRequestError reports a malformed request parameter or body.
type badRequestError struct {
	field string
	msg   string
}

func (e *badRequestError) Error() string {
	if e.field == "" {
		return e.msg
	}
	return e.field + ": " + e.msg
}

func badRequest(field, format string, args ...any) error {
	return &badRequestError{field: field, msg: fmt.Sprintf(format, args...)}
}

// decodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return decodeJSONLimit(w, r, v, maxRequestBodySize)
}

func decodeJSONLimit(w http.ResponseWriter, r *http.Request, v any, limit int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return badRequest("", "invalid JSON: %v", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("id", "invalid rule version id %q", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest(name, "must be a non-negative integer")
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, badRequest(name, "must be a boolean")
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
