package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/model"
)

// SubmitRequest is the JSON body of POST /api/ingest. Content is base64 in
// JSON; Text is accepted as a UTF-8 alternative.
type SubmitRequest struct {
	Source      string   `json:"source"`
	SourceRef   string   `json:"source_ref"`
	Filename    string   `json:"filename"`
	MimeType    string   `json:"mime_type"`
	Content     []byte   `json:"content"`
	Text        string   `json:"text"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Caption     string   `json:"caption"`
	Tags        []string `json:"tags"`
	EventDate   string   `json:"event_date"`
}

// SubmitResponse is returned with 202 Accepted.
type SubmitResponse struct {
	JobID string         `json:"job_id"`
	State model.JobState `json:"state"`
}

// JobList is the body of GET /api/ingest/jobs.
type JobList struct {
	Jobs  []model.IngestJob `json:"jobs"`
	Total int               `json:"total"`
}

// ----------------------------------------------------------------------------
// POST /api/ingest
// ----------------------------------------------------------------------------

// handleSubmit accepts JSON or multipart/form-data. The multipart form
// carries the content in a "file" part and the metadata as fields.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var (
		sub ingest.Submission
		err error
	)
	if isMultipart(r) {
		sub, err = s.submissionFromForm(w, r)
	} else {
		sub, err = s.submissionFromJSON(w, r)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.ingest.Submit(r.Context(), sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{JobID: job.ID, State: job.State})
}

func (s *Server) submissionFromJSON(w http.ResponseWriter, r *http.Request) (ingest.Submission, error) {
	// base64 inflates content by a third.
	var req SubmitRequest
	if err := decodeJSONLimit(w, r, &req, s.maxUpload*2+multipartOverhead); err != nil {
		return ingest.Submission{}, err
	}
	content := req.Content
	if len(content) == 0 && req.Text != "" {
		content = []byte(req.Text)
	}
	return ingest.Submission{
		Source:      sourceOrDefault(req.Source),
		SourceRef:   strings.TrimSpace(req.SourceRef),
		Filename:    req.Filename,
		MimeType:    req.MimeType,
		Content:     content,
		Title:       req.Title,
		Description: req.Description,
		Caption:     req.Caption,
		Tags:        req.Tags,
		EventDate:   req.EventDate,
	}, nil
}

func (s *Server) submissionFromForm(w http.ResponseWriter, r *http.Request) (ingest.Submission, error) {
	up, err := s.readUpload(w, r)
	if err != nil {
		return ingest.Submission{}, err
	}
	filename := r.FormValue("filename")
	if filename == "" {
		filename = up.filename
	}
	return ingest.Submission{
		Source:      sourceOrDefault(r.FormValue("source")),
		SourceRef:   strings.TrimSpace(r.FormValue("source_ref")),
		Filename:    filename,
		MimeType:    up.mimeType,
		Content:     up.content,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Caption:     r.FormValue("caption"),
		Tags:        formTags(r),
		EventDate:   r.FormValue("event_date"),
	}, nil
}

// upload is the "file" part of a multipart request.
type upload struct {
	filename string
	mimeType string
	content  []byte
}

// readUpload parses the multipart form and reads its "file" part, bounded
// by the payload cap.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return upload{}, err
		}
		return upload{}, badRequest("", "invalid multipart form: %v", err)
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return upload{}, &ingest.ValidationError{Field: "content", Message: "missing file part"}
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	if err != nil {
		return upload{}, fmt.Errorf("read upload: %w", err)
	}
	return upload{
		filename: hdr.Filename,
		mimeType: hdr.Header.Get("Content-Type"),
		content:  content,
	}, nil
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// formTags accepts repeated "tags" fields and comma-separated values.
func formTags(r *http.Request) []string {
	var tags []string
	for _, v := range r.MultipartForm.Value["tags"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

func sourceOrDefault(raw string) model.Source {
	if raw == "" {
		return model.SourceAPI
	}
	return model.Source(raw)
}

// ----------------------------------------------------------------------------
// GET /api/ingest/jobs
// ----------------------------------------------------------------------------

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.JobFilter{
		Source:    model.Source(q.Get("source")),
		SourceRef: q.Get("source_ref"),
	}
	if raw := q.Get("state"); raw != "" {
		st, err := model.ParseJobState(strings.ToUpper(raw))
		if err != nil {
			s.writeError(w, r, badRequest("state", "%v", err))
			return
		}
		filter.State = st
	}
	if filter.Source != "" && !filter.Source.Valid() {
		s.writeError(w, r, badRequest("source", "unknown source %q", filter.Source))
		return
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		s.writeError(w, r, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		s.writeError(w, r, err)
		return
	}

	jobs, total, err := s.ingest.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []model.IngestJob{}
	}
	writeJSON(w, http.StatusOK, JobList{Jobs: jobs, Total: total})
}

// ----------------------------------------------------------------------------
// GET /api/ingest/jobs/{id}
// ----------------------------------------------------------------------------

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.ingest.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.ingest.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []model.IngestEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// ----------------------------------------------------------------------------
// POST /api/ingest/jobs/{id}/requeue
// ----------------------------------------------------------------------------

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var opts ingest.RequeueOptions
	if err := decodeJSON(w, r, &opts); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.ingest.Requeue(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ----------------------------------------------------------------------------
// POST /api/ingest/jobs/{id}/recover
// ----------------------------------------------------------------------------

// handleRecover takes a multipart form with the corrected "file", an
// optional "caption" and the requeue flags force, reset_attempts and
// clear_error.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		s.writeError(w, r, badRequest("", "multipart/form-data required"))
		return
	}
	up, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts, err := formRequeueOptions(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filename := r.FormValue("filename")
	if filename == "" {
		filename = up.filename
	}

	job, err := s.ingest.RecoverWithUpload(r.Context(), r.PathValue("id"), ingest.Replacement{
		Filename: filename,
		MimeType: up.mimeType,
		Content:  up.content,
		Caption:  r.FormValue("caption"),
	}, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func formRequeueOptions(r *http.Request) (ingest.RequeueOptions, error) {
	var opts ingest.RequeueOptions
	flags := []struct {
		name string
		dst  *bool
	}{
		{"force", &opts.Force},
		{"reset_attempts", &opts.ResetAttempts},
		{"clear_error", &opts.ClearError},
	}
	for _, f := range flags {
		raw := r.FormValue(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, badRequest(f.name, "must be a boolean")
		}
		*f.dst = v
	}
	return opts, nil
}

// ----------------------------------------------------------------------------
// GET /api/documents/{id}, GET /api/search
// ----------------------------------------------------------------------------

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// reviewRequest is the body of POST /api/documents/{id}/review.
type reviewRequest struct {
	Status model.ReviewStatus `json:"status"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch req.Status {
	case model.ReviewNone, model.ReviewPending, model.ReviewApproved:
	default:
		s.writeError(w, r, badRequest("status", "must be one of none, pending, approved"))
		return
	}

	id := r.PathValue("id")
	if err := s.store.SetReviewStatus(r.Context(), id, req.Status, s.clock.Now()); err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("review status set", "document_id", id, "status", req.Status, "version", doc.Version)
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "search is not configured", Code: "unavailable"})
		return
	}
	q := r.URL.Query().Get("q")
	if strings.TrimSpace(q) == "" {
		s.writeError(w, r, badRequest("q", "required"))
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	hits, err := s.search.Search(r.Context(), q, r.URL.Query().Get("category"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits})
}
