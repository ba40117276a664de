// Package simulate previews a candidate rule version against archived
// documents without writing anything.
package simulate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/store"
)

const (
	// DefaultLimit caps the number of documents examined per run.
	DefaultLimit = 100

	// DefaultBatchSize is the page size documents are read in.
	DefaultBatchSize = 200
)

// Request describes one simulation run.
type Request struct {
	// Candidate is the rule version under test.
	Candidate int64 `json:"candidate"`

	// Baseline is compared for context only. Zero means the active version
	// of the candidate's ruleset, if any.
	Baseline int64 `json:"baseline,omitempty"`

	Filter    model.DocumentFilter `json:"filter"`
	Limit     int                  `json:"limit,omitempty"`
	BatchSize int                  `json:"batch_size,omitempty"`
}

// Sample is the prediction for one document.
type Sample struct {
	DocumentID       string              `json:"document_id"`
	Current          model.DerivedFields `json:"current"`
	Predicted        model.DerivedFields `json:"predicted"`
	BaselineCategory string              `json:"baseline_category,omitempty"`
	Changed          bool                `json:"changed"`
	ChangedFields    []string            `json:"changed_fields"`
	ReviewNeeded     bool                `json:"review_needed"`
	ReviewReasons    []string            `json:"review_reasons,omitempty"`
}

// Report summarizes a run.
type Report struct {
	CandidateVersionID int64    `json:"candidate_version_id"`
	BaselineVersionID  int64    `json:"baseline_version_id,omitempty"`
	Total              int      `json:"total"`

	// Matching counts every document the filter selects. It exceeds Total
	// when Limit cut the run short.
	Matching  int      `json:"matching"`
	Changed   int      `json:"changed"`
	Unchanged int      `json:"unchanged"`
	Samples   []Sample `json:"samples"`
}

// Engine runs simulations.
type Engine struct {
	store  *store.Store
	logger *slog.Logger
}

// NewEngine returns an Engine reading from st.
func NewEngine(st *store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, logger: logger}
}

// Run evaluates the candidate against up to req.Limit documents matching
// req.Filter, reading them in pages of req.BatchSize.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	candidate, err := e.store.GetVersion(ctx, req.Candidate)
	if err != nil {
		return nil, fmt.Errorf("simulate: candidate: %w", err)
	}
	baseline, err := e.baseline(ctx, candidate, req.Baseline)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	batch := req.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	matching, err := e.store.CountDocuments(ctx, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	report := &Report{CandidateVersionID: candidate.ID, Matching: matching, Samples: []Sample{}}
	if baseline != nil {
		report.BaselineVersionID = baseline.ID
	}

	cursor := ""
	for report.Total < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := e.store.ListDocuments(ctx, req.Filter, cursor, min(batch, limit-report.Total))
		if err != nil {
			return nil, fmt.Errorf("simulate: %w", err)
		}
		for i := range page.Documents {
			s := predict(&page.Documents[i], candidate.Rules, baseline)
			report.Samples = append(report.Samples, s)
			report.Total++
			if s.Changed {
				report.Changed++
			} else {
				report.Unchanged++
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	e.logger.Debug("simulation finished",
		"candidate", candidate.ID,
		"baseline", report.BaselineVersionID,
		"total", report.Total,
		"matching", report.Matching,
		"changed", report.Changed,
	)
	return report, nil
}

func (e *Engine) baseline(ctx context.Context, candidate *model.RuleVersion, id int64) (*model.RuleVersion, error) {
	if id != 0 {
		v, err := e.store.GetVersion(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("simulate: baseline: %w", err)
		}
		return v, nil
	}
	v, err := e.store.ActiveVersion(ctx, candidate.RulesetName)
	if errors.Is(err, store.ErrNoActiveVersion) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("simulate: baseline: %w", err)
	}
	return v, nil
}

// predict evaluates one document. Changed compares against the stored
// values, not the baseline.
func predict(doc *model.Document, candidate *rules.Document, baseline *model.RuleVersion) Sample {
	features := doc.Features()
	res := rules.Evaluate(candidate, features)

	current := doc.Derived()
	predicted := model.DerivedFrom(res)
	changed := current.ChangedFields(predicted)

	s := Sample{
		DocumentID:    doc.ID,
		Current:       current,
		Predicted:     predicted,
		Changed:       len(changed) > 0,
		ChangedFields: changed,
		ReviewNeeded:  res.ReviewNeeded,
		ReviewReasons: res.ReviewReasons,
	}
	if baseline != nil {
		s.BaselineCategory = rules.Evaluate(baseline.Rules, features).Category
	}
	return s
}
