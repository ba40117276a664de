package ingest

import (
	"context"
	"errors"
	"strings"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/store"
)

// stageOutcome is what a successful stage asks the worker to commit.
type stageOutcome struct {
	to       model.JobState
	event    string
	message  string
	payload  map[string]any
	mutate   func(job *model.IngestJob)
	document *model.Document
}

// runStage executes stage for job. It never writes job state itself.
func (s *Service) runStage(ctx context.Context, stage Stage, next model.JobState, job *model.IngestJob) (stageOutcome, error) {
	switch stage {
	case StageStore:
		return s.storeStage(ctx, job, next)
	case StageExtract:
		return s.extractStage(ctx, job, next)
	case StageClassify:
		return s.classifyStage(ctx, job, next)
	case StageIndex:
		return s.indexStage(ctx, job, next)
	case StagePublish:
		return s.publishStage(ctx, job, next)
	}
	return stageOutcome{}, Permanent(CodeInternal, "no stage for state "+string(job.State), nil)
}

func (s *Service) loadPayload(ctx context.Context, jobID string) (*model.IngestPayload, error) {
	p, err := s.store.GetPayload(ctx, jobID)
	if store.IsNotFound(err) {
		return nil, Permanent(CodePayloadMissing, "payload row missing", err)
	}
	return p, err
}

func (s *Service) storeStage(ctx context.Context, job *model.IngestJob, next model.JobState) (stageOutcome, error) {
	p, err := s.loadPayload(ctx, job.ID)
	if err != nil {
		return stageOutcome{}, err
	}
	ref, err := s.blobs.Put(ctx, p.Content)
	if err != nil {
		return stageOutcome{}, asStageError(err, Transient(CodeStorageUnavailable, "blob put failed", err))
	}
	return stageOutcome{
		to:      next,
		event:   model.EventStageCompleted,
		payload: map[string]any{"stage": string(StageStore), "storage_ref": ref},
		mutate:  func(j *model.IngestJob) { j.StorageRef = ref },
	}, nil
}

func (s *Service) extractStage(ctx context.Context, job *model.IngestJob, next model.JobState) (stageOutcome, error) {
	p, err := s.loadPayload(ctx, job.ID)
	if err != nil {
		return stageOutcome{}, err
	}
	if job.StorageRef == "" {
		return stageOutcome{}, Permanent(CodePayloadMissing, "job has no storage reference", nil)
	}
	content, err := s.blobs.Get(ctx, job.StorageRef)
	if errors.Is(err, ErrBlobNotFound) {
		return stageOutcome{}, Permanent(CodePayloadMissing, "stored content missing", err)
	}
	if err != nil {
		return stageOutcome{}, asStageError(err, Transient(CodeStorageUnavailable, "blob get failed", err))
	}

	ex, err := s.extractor.Extract(ctx, content, p.MimeType, p.Filename)
	if err != nil {
		return stageOutcome{}, err
	}

	features := featuresFor(p, ex)
	return stageOutcome{
		to:    next,
		event: model.EventStageCompleted,
		payload: map[string]any{
			"stage":      string(StageExtract),
			"body_chars": len([]rune(features.Body)),
		},
		mutate: func(j *model.IngestJob) { j.Features = &features },
	}, nil
}

// featuresFor builds the evaluator's feature bag. A caption overrides the
// description; a submitted title wins over one found in the content.
func featuresFor(p *model.IngestPayload, ex Extraction) rules.Features {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = strings.TrimSpace(ex.Title)
	}
	description := p.Description
	if strings.TrimSpace(p.Caption) != "" {
		description = p.Caption
	}
	return rules.Features{
		Title:       title,
		Description: description,
		Filename:    p.Filename,
		Body:        ex.Body,
		Tags:        p.Tags,
		EventDate:   p.EventDate,
	}
}

func (s *Service) classifyStage(ctx context.Context, job *model.IngestJob, next model.JobState) (stageOutcome, error) {
	if job.Features == nil {
		return stageOutcome{}, Permanent(CodePayloadMissing, "job has no extracted features", nil)
	}
	base, err := s.documentVersion(ctx, job.ID)
	if err != nil {
		return stageOutcome{}, err
	}
	version, result, err := s.evaluate(ctx, *job.Features)
	if err != nil {
		return stageOutcome{}, err
	}

	payload := map[string]any{
		"stage":           string(StageClassify),
		"rule_version_id": version.ID,
		"category":        result.Category,
		"matched":         string(result.Matched.Kind),
	}
	if result.ReviewNeeded {
		return reviewOutcome(job, result, base, payload), nil
	}
	return stageOutcome{
		to:      next,
		event:   model.EventStageCompleted,
		payload: payload,
		mutate: func(j *model.IngestJob) {
			j.Classification = &result
			j.DocumentVersion = base
		},
	}, nil
}

// evaluate runs the active rule version against f.
func (s *Service) evaluate(ctx context.Context, f rules.Features) (*model.RuleVersion, rules.Result, error) {
	version, err := s.store.ActiveVersion(ctx, s.ruleset)
	if err != nil {
		return nil, rules.Result{}, Transient(CodeRulesUnavailable, "no usable rule version for "+s.ruleset, err)
	}
	return version, rules.Evaluate(version.Rules, f), nil
}

// documentVersion returns the stored version of the job's document, or 0
// when it does not exist yet.
func (s *Service) documentVersion(ctx context.Context, jobID string) (int64, error) {
	doc, err := s.store.GetDocument(ctx, DocumentID(jobID))
	if store.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, Transient(CodeStorageUnavailable, "document read failed", err)
	}
	return doc.Version, nil
}

// reviewOutcome parks the job in NEEDS_REVIEW with a pending document
// written on top of version base.
func reviewOutcome(job *model.IngestJob, result rules.Result, base int64, payload map[string]any) stageOutcome {
	payload["review_reasons"] = result.ReviewReasons
	doc := documentFor(job.ID, *job.Features, result)
	doc.ReviewStatus = model.ReviewPending
	doc.Version = base
	return stageOutcome{
		to:      model.StateNeedsReview,
		event:   model.EventReviewRequired,
		message: strings.Join(result.ReviewReasons, ", "),
		payload: payload,
		mutate: func(j *model.IngestJob) {
			j.Classification = &result
			j.DocumentVersion = base
			j.DocumentID = doc.ID
		},
		document: doc,
	}
}

func (s *Service) indexStage(ctx context.Context, job *model.IngestJob, next model.JobState) (stageOutcome, error) {
	if job.Features == nil || job.Classification == nil {
		return stageOutcome{}, Permanent(CodePayloadMissing, "job has no classification", nil)
	}
	entry := indexEntry(job.ID, *job.Features, *job.Classification)
	if err := s.indexer.Upsert(ctx, entry); err != nil {
		return stageOutcome{}, asStageError(err, Transient(CodeIndexUnavailable, "index upsert failed", err))
	}
	return stageOutcome{
		to:      next,
		event:   model.EventStageCompleted,
		payload: map[string]any{"stage": string(StageIndex), "document_id": entry.DocumentID},
	}, nil
}

func indexEntry(jobID string, f rules.Features, r rules.Result) IndexEntry {
	return IndexEntry{
		DocumentID: DocumentID(jobID),
		Title:      f.Title,
		Body:       f.Body,
		Category:   r.Category,
		Tags:       r.Tags,
		EventDate:  r.EventDate,
	}
}

// publishStage writes the document on top of the version the classification
// was based on. If another writer (a backfill or a reviewer) changed the
// document since, the job is classified and indexed again first.
func (s *Service) publishStage(ctx context.Context, job *model.IngestJob, next model.JobState) (stageOutcome, error) {
	if job.Features == nil || job.Classification == nil {
		return stageOutcome{}, Permanent(CodePayloadMissing, "job has no classification", nil)
	}
	base, err := s.documentVersion(ctx, job.ID)
	if err != nil {
		return stageOutcome{}, err
	}

	result := *job.Classification
	payload := map[string]any{"stage": string(StagePublish), "document_id": DocumentID(job.ID)}
	if base != job.DocumentVersion {
		version, fresh, err := s.evaluate(ctx, *job.Features)
		if err != nil {
			return stageOutcome{}, err
		}
		payload["reclassified"] = true
		payload["rule_version_id"] = version.ID
		payload["category"] = fresh.Category
		s.logger.Info("document changed since classification, reclassifying",
			"job_id", job.ID,
			"classified_on", job.DocumentVersion,
			"stored", base,
		)
		if fresh.ReviewNeeded {
			return reviewOutcome(job, fresh, base, payload), nil
		}
		if err := s.indexer.Upsert(ctx, indexEntry(job.ID, *job.Features, fresh)); err != nil {
			return stageOutcome{}, asStageError(err, Transient(CodeIndexUnavailable, "index upsert failed", err))
		}
		result = fresh
	}

	doc := documentFor(job.ID, *job.Features, result)
	doc.Version = base
	return stageOutcome{
		to:      next,
		event:   model.EventStageCompleted,
		payload: payload,
		mutate: func(j *model.IngestJob) {
			j.Classification = &result
			j.DocumentVersion = base
			j.DocumentID = doc.ID
		},
		document: doc,
	}, nil
}

// documentFor projects a classified job onto an archive document. The
// review status is left empty so an existing document keeps its own.
func documentFor(jobID string, f rules.Features, r rules.Result) *model.Document {
	sourceTags := f.Tags
	if sourceTags == nil {
		sourceTags = []string{}
	}
	return &model.Document{
		ID:          DocumentID(jobID),
		JobID:       jobID,
		Title:       f.Title,
		Description: f.Description,
		Filename:    f.Filename,
		BodyText:    f.Body,
		SourceTags:  sourceTags,
		Category:    r.Category,
		Tags:        r.Tags,
		EventDate:   r.EventDate,

		DeclaredEventDate: f.EventDate,
	}
}

// asStageError keeps a collaborator's own classification when it returned
// a *StageError and uses fallback otherwise.
func asStageError(err error, fallback *StageError) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return fallback
}
