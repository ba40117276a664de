package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/ruleset"
	"github.com/roach88/curator/internal/simulate"
)

// CreateRulesetRequest is the body of POST /api/rulesets.
type CreateRulesetRequest struct {
	Name string `json:"name"`
}

// SimulateRequest is the body of POST /api/rule-versions/{id}/simulate.
// The candidate comes from the path.
type SimulateRequest struct {
	Baseline  int64                `json:"baseline,omitempty"`
	Filter    model.DocumentFilter `json:"filter"`
	Limit     int                  `json:"limit,omitempty"`
	BatchSize int                  `json:"batch_size,omitempty"`
}

// BackfillRequest is the body of POST /api/rule-versions/{id}/backfill.
type BackfillRequest struct {
	BatchSize int                  `json:"batch_size,omitempty"`
	Filter    model.DocumentFilter `json:"filter"`
}

// ----------------------------------------------------------------------------
// /api/rulesets
// ----------------------------------------------------------------------------

func (s *Server) handleListRulesets(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRulesets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rulesets": list})
}

func (s *Server) handleCreateRuleset(w http.ResponseWriter, r *http.Request) {
	var req CreateRulesetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		s.writeError(w, r, badRequest("name", "required"))
		return
	}
	rs, err := s.store.CreateRuleset(r.Context(), name, s.clock.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("ruleset created", "ruleset", rs.Name)
	writeJSON(w, http.StatusCreated, rs)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if err := s.store.SetRulesetActive(r.Context(), name, enabled); err != nil {
			s.writeError(w, r, err)
			return
		}
		rs, err := s.store.GetRuleset(r.Context(), name)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.Info("ruleset toggled", "ruleset", name, "enabled", enabled)
		writeJSON(w, http.StatusOK, rs)
	}
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.store.ListVersions(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// handleCreateVersion takes a rule document as the body. With
// ?activate=true the new version is activated in the same request.
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	activate, err := queryBool(r, "activate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc, err := rules.Parse(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	now := s.clock.Now()
	v, err := s.store.CreateVersion(r.Context(), r.PathValue("name"), doc, now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if activate {
		if v, err = s.store.ActivateVersion(r.Context(), v.ID, now); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.logger.Info("rule version created",
		"ruleset", v.RulesetName,
		"version_no", v.VersionNo,
		"checksum", v.Checksum,
		"active", v.IsActive,
	)
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	b, err := ruleset.Export(r.Context(), s.store, r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleImport takes a bundle as the body; ?rename= overrides its name.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	b, err := ruleset.Decode(raw)
	if err != nil {
		if !errors.Is(err, ruleset.ErrFormat) {
			err = badRequest("", "%v", err)
		}
		s.writeError(w, r, err)
		return
	}
	rs, err := ruleset.Import(r.Context(), s.store, b, r.URL.Query().Get("rename"), s.clock.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("ruleset imported", "ruleset", rs.Name, "versions", len(b.Versions))
	writeJSON(w, http.StatusCreated, rs)
}

// ----------------------------------------------------------------------------
// /api/rule-versions/{id}
// ----------------------------------------------------------------------------

func (s *Server) version(r *http.Request) (*model.RuleVersion, error) {
	id, err := pathID(r)
	if err != nil {
		return nil, err
	}
	return s.store.GetVersion(r.Context(), id)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.version(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.store.ActivateVersion(r.Context(), id, s.clock.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("rule version activated", "ruleset", v.RulesetName, "version_no", v.VersionNo)
	writeJSON(w, http.StatusOK, v)
}

// handleTest evaluates the version against the feature bag in the body.
func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	v, err := s.version(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var f rules.Features
	if err := decodeJSON(w, r, &f); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rules.Evaluate(v.Rules, f))
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	v, err := s.version(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conflicts := rules.DetectConflicts(v.Rules)
	if conflicts == nil {
		conflicts = []rules.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req SimulateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.simulate.Run(r.Context(), simulate.Request{
		Candidate: id,
		Baseline:  req.Baseline,
		Filter:    req.Filter,
		Limit:     req.Limit,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ----------------------------------------------------------------------------
// Backfill
// ----------------------------------------------------------------------------

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req BackfillRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.backfill.Trigger(r.Context(), id, req.BatchSize, req.Filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetBackfill(w http.ResponseWriter, r *http.Request) {
	job, err := s.backfill.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
