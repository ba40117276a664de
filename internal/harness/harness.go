package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/curator/internal/blob"
	"github.com/roach88/curator/internal/extract"
	"github.com/roach88/curator/internal/index"
	"github.com/roach88/curator/internal/ingest"
	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/rules"
	"github.com/roach88/curator/internal/store"
	"github.com/roach88/curator/internal/testutil"
)

// Epoch is the instant every scenario clock starts at.
var Epoch = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

// maxDrainRounds bounds the drain/fast-forward loop.
const maxDrainRounds = 100

const workerID = "harness"

// Harness is the scenario execution environment.
// It wires the real blob store, extractor and index behind fault injectors.
type Harness struct {
	store  *store.Store
	svc    *ingest.Service
	clock  *testutil.FakeClock
	faults *faultSet
}

// Run executes a scenario in a fresh temporary store and returns the result.
//
// Execution flow:
//  1. Create a store, blob directory and index under a temp dir
//  2. Activate the scenario's rule document
//  3. Execute flow steps, checking expect clauses
//  4. Collect the event trace and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "curator-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	st, err := store.Open(filepath.Join(dir, "scenario.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	if err := installRules(ctx, st, scenario.Rules); err != nil {
		return nil, err
	}

	blobs, err := blob.NewFS(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}
	idx, err := index.New(ctx, st.DB())
	if err != nil {
		return nil, err
	}

	h := &Harness{
		store:  st,
		clock:  testutil.NewFakeClock(Epoch),
		faults: newFaultSet(scenario.Faults),
	}
	opts := []ingest.Option{
		ingest.WithClock(h.clock),
		ingest.WithIDGenerator(testutil.NewSequentialIDs("job")),
		ingest.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), // Suppress logs
	}
	if scenario.MaxAttempts > 0 {
		opts = append(opts, ingest.WithMaxAttempts(scenario.MaxAttempts))
	}
	h.svc = ingest.NewService(st,
		&faultyBlobs{BlobStore: blobs, faults: h.faults},
		&faultyExtractor{Extractor: extract.New(), faults: h.faults},
		&faultyIndexer{Indexer: idx, faults: h.faults},
		opts...,
	)

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, err
		}
	}

	if err := h.collectTrace(ctx, result); err != nil {
		return nil, err
	}

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func installRules(ctx context.Context, st *store.Store, raw map[string]any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	doc, err := rules.Parse(data)
	if err != nil {
		return fmt.Errorf("scenario rules: %w", err)
	}
	if _, err := st.CreateRuleset(ctx, ingest.DefaultRuleset, Epoch); err != nil {
		return err
	}
	v, err := st.CreateVersion(ctx, ingest.DefaultRuleset, doc, Epoch)
	if err != nil {
		return err
	}
	_, err = st.ActivateVersion(ctx, v.ID, Epoch)
	return err
}

// executeStep runs one flow step. Step failures become result errors;
// only context cancellation aborts the run.
func (h *Harness) executeStep(ctx context.Context, i int, step FlowStep, result *Result) error {
	var err error
	switch {
	case step.Submit != nil:
		var job *model.IngestJob
		job, err = h.svc.Submit(ctx, step.Submit.toSubmission())
		if err == nil {
			result.Jobs = append(result.Jobs, job.ID)
		}
	case step.Drain:
		err = h.drain(ctx)
	case step.Requeue != nil:
		_, err = h.svc.Requeue(ctx, step.Requeue.Job, ingest.RequeueOptions{
			Force:         step.Requeue.Force,
			ResetAttempts: step.Requeue.ResetAttempts,
			ClearError:    step.Requeue.ClearError,
		})
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	switch {
	case step.Expect == nil && err != nil:
		result.AddError(fmt.Sprintf("flow[%d]: unexpected error: %v", i, err))
	case step.Expect != nil && err == nil:
		result.AddError(fmt.Sprintf("flow[%d]: expected error %q, step succeeded", i, step.Expect.Error))
	case step.Expect != nil && errorKind(err) != step.Expect.Error:
		result.AddError(fmt.Sprintf("flow[%d]: expected error %q, got %q (%v)", i, step.Expect.Error, errorKind(err), err))
	}
	return nil
}

// drain runs the worker until nothing is ready, then jumps the clock to the
// next retry and repeats until no job is waiting.
func (h *Harness) drain(ctx context.Context) error {
	for range maxDrainRounds {
		if _, err := h.svc.Drain(ctx, workerID); err != nil {
			return err
		}
		next, err := h.store.NextRetryAt(ctx, h.clock.Now())
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		h.clock.Set(*next)
	}
	return fmt.Errorf("jobs still retrying after %d rounds", maxDrainRounds)
}

func (h *Harness) collectTrace(ctx context.Context, result *Result) error {
	for _, id := range result.Jobs {
		events, err := h.store.ListEvents(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to read events of %s: %w", id, err)
		}
		for _, ev := range events {
			te := TraceEvent{Job: id, Seq: ev.Seq, To: string(ev.ToState), Type: ev.EventType}
			if ev.FromState != nil {
				te.From = string(*ev.FromState)
			}
			if code, ok := ev.Payload["code"].(string); ok {
				te.Code = code
			}
			result.Trace = append(result.Trace, te)
		}
	}
	return nil
}

// errorKind names the error families scenarios can expect.
func errorKind(err error) string {
	var (
		ve  *ingest.ValidationError
		adm *ingest.AdmissionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation"
	case store.IsDuplicate(err):
		return "duplicate"
	case errors.As(err, &adm):
		return string(adm.Reason)
	case store.IsNotFound(err):
		return "not-found"
	default:
		return "other"
	}
}

func (s *Submission) toSubmission() ingest.Submission {
	source := model.Source(s.Source)
	if source == "" {
		source = model.SourceAPI
	}
	return ingest.Submission{
		Source:      source,
		SourceRef:   s.SourceRef,
		Filename:    s.Filename,
		MimeType:    s.MimeType,
		Content:     []byte(s.Content),
		Title:       s.Title,
		Description: s.Description,
		Caption:     s.Caption,
		Tags:        s.Tags,
		EventDate:   s.EventDate,
	}
}

// ----------------------------------------------------------------------------
// Fault injection
// ----------------------------------------------------------------------------

type faultSet struct {
	mu     sync.Mutex
	faults []Fault
	used   []int
}

func newFaultSet(faults []Fault) *faultSet {
	return &faultSet{faults: faults, used: make([]int, len(faults))}
}

// trip returns the injected error for stage, if a fault is still armed.
func (f *faultSet) trip(stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, fl := range f.faults {
		if fl.Stage != stage {
			continue
		}
		if fl.Times > 0 && f.used[i] >= fl.Times {
			continue
		}
		f.used[i]++
		return fl.stageError()
	}
	return nil
}

var defaultFaultCodes = map[string][2]ingest.ErrorCode{
	// transient, permanent
	FaultStore:   {ingest.CodeStorageUnavailable, ingest.CodePayloadMissing},
	FaultExtract: {ingest.CodeExtractionTimeout, ingest.CodeCorrupt},
	FaultIndex:   {ingest.CodeIndexUnavailable, ingest.CodeInternal},
}

func (fl Fault) stageError() *ingest.StageError {
	codes := defaultFaultCodes[fl.Stage]
	msg := "injected " + fl.Stage + " fault"
	if fl.Kind == "permanent" {
		code := codes[1]
		if fl.Code != "" {
			code = ingest.ErrorCode(fl.Code)
		}
		return ingest.Permanent(code, msg, nil)
	}
	code := codes[0]
	if fl.Code != "" {
		code = ingest.ErrorCode(fl.Code)
	}
	return ingest.Transient(code, msg, nil)
}

type faultyBlobs struct {
	ingest.BlobStore
	faults *faultSet
}

func (b *faultyBlobs) Put(ctx context.Context, content []byte) (string, error) {
	if err := b.faults.trip(FaultStore); err != nil {
		return "", err
	}
	return b.BlobStore.Put(ctx, content)
}

type faultyExtractor struct {
	ingest.Extractor
	faults *faultSet
}

func (e *faultyExtractor) Extract(ctx context.Context, content []byte, mimeType, filename string) (ingest.Extraction, error) {
	if err := e.faults.trip(FaultExtract); err != nil {
		return ingest.Extraction{}, err
	}
	return e.Extractor.Extract(ctx, content, mimeType, filename)
}

type faultyIndexer struct {
	ingest.Indexer
	faults *faultSet
}

func (x *faultyIndexer) Upsert(ctx context.Context, e ingest.IndexEntry) error {
	if err := x.faults.trip(FaultIndex); err != nil {
		return err
	}
	return x.Indexer.Upsert(ctx, e)
}
