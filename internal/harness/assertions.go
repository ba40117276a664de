package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/curator/internal/model"
	"github.com/roach88/curator/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Job      string       // Job the assertion applies to
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // The job's events for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s (%s)\n", e.Type, e.Job)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nJob trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s -> %s %s", ev.Seq, ev.From, ev.To, ev.Type)
			if ev.Code != "" {
				fmt.Fprintf(&buf, " (%s)", ev.Code)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext provides store access for final_state assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertEventOrder:
			err = assertEventOrder(result.eventsFor(assertion.Job), assertion)
		case AssertEventCount:
			err = assertEventCount(result.eventsFor(assertion.Job), assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, result.eventsFor(assertion.Job), assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

// assertEventOrder checks that the listed event types appear in order.
// Other events may occur between them.
func assertEventOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, ev := range trace {
		if next < len(a.Events) && ev.Type == a.Events[next] {
			next++
		}
	}
	if next == len(a.Events) {
		return nil
	}
	actual := make([]string, len(trace))
	for i, ev := range trace {
		actual[i] = ev.Type
	}
	return &AssertionError{
		Type:     AssertEventOrder,
		Job:      a.Job,
		Expected: strings.Join(a.Events, " < "),
		Actual:   fmt.Sprintf("%s (missing %q)", strings.Join(actual, ", "), a.Events[next]),
		Trace:    trace,
	}
}

func assertEventCount(trace []TraceEvent, a Assertion) error {
	n := 0
	for _, ev := range trace {
		if ev.Type == a.Event {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertEventCount,
		Job:      a.Job,
		Expected: fmt.Sprintf("%d %s events", a.Count, a.Event),
		Actual:   fmt.Sprintf("%d", n),
		Trace:    trace,
	}
}

// assertFinalState compares job and document fields. Document fields
// (category, tags, event_date, review_status) require the job to have one.
func assertFinalState(ctx context.Context, st *store.Store, trace []TraceEvent, a Assertion) error {
	job, err := st.GetJob(ctx, a.Job)
	if err != nil {
		return &AssertionError{Type: AssertFinalState, Job: a.Job, Expected: "job exists", Actual: err.Error()}
	}
	var doc *model.Document
	if job.DocumentID != "" {
		if doc, err = st.GetDocument(ctx, job.DocumentID); err != nil {
			return fmt.Errorf("final_state %s: %w", a.Job, err)
		}
	}

	actual := map[string]any{
		"state":           string(job.State),
		"resume_state":    string(job.ResumeState),
		"attempt_count":   job.AttemptCount,
		"max_attempts":    job.MaxAttempts,
		"last_error_code": job.LastErrorCode,
		"dead_letter":     job.IsDeadLetter(),
		"document_id":     job.DocumentID,
	}
	if doc != nil {
		actual["category"] = doc.Category
		actual["tags"] = doc.Tags
		actual["event_date"] = doc.EventDate
		actual["review_status"] = string(doc.ReviewStatus)
	}

	var mismatches []string
	for _, field := range sortedKeys(a.Expect) {
		got, ok := actual[field]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: not available", field))
			continue
		}
		if !stateValuesEqual(a.Expect[field], got) {
			mismatches = append(mismatches, fmt.Sprintf("%s: want %v, got %v", field, normalize(a.Expect[field]), normalize(got)))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertFinalState,
		Job:      a.Job,
		Expected: fmt.Sprintf("%v", a.Expect),
		Actual:   strings.Join(mismatches, "; "),
		Trace:    trace,
	}
}

// stateValuesEqual compares a YAML-decoded expectation with a Go value.
// Lists compare element-wise as strings; scalars by their printed form.
func stateValuesEqual(expected, actual any) bool {
	return fmt.Sprint(normalize(expected)) == fmt.Sprint(normalize(actual))
}

func normalize(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]string, len(val))
		for i, e := range val {
			out[i] = fmt.Sprint(e)
		}
		return out
	case nil:
		return ""
	default:
		return val
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
