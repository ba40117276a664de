package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var meetingRules = map[string]any{
	"default_category": "기타",
	"category_rules": []any{
		map[string]any{
			"category":  "회의",
			"keywords":  map[string]any{"title": []any{"회의"}},
			"auto_tags": []any{"meeting"},
		},
	},
}

func submitStep(ref, filename, content, title string) FlowStep {
	return FlowStep{Submit: &Submission{SourceRef: ref, Filename: filename, Content: content, Title: title}}
}

func drainStep() FlowStep { return FlowStep{Drain: true} }

func runScenario(t *testing.T, s *Scenario) *Result {
	t.Helper()
	result, err := Run(s)
	require.NoError(t, err)
	return result
}

func TestRun_PublishesDocument(t *testing.T) {
	result := runScenario(t, &Scenario{
		Name:        "publish",
		Description: "happy path",
		Rules:       meetingRules,
		Flow: []FlowStep{
			submitStep("wiki:1", "minutes.txt", "안건", "주간 회의"),
			drainStep(),
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{
				"state":    "PUBLISHED",
				"category": "회의",
				"tags":     []any{"meeting"},
			}},
		},
	})

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"job-0001"}, result.Jobs)
	require.Len(t, result.Trace, 6)
	assert.Equal(t, "received", result.Trace[0].Type)
	assert.Equal(t, "PUBLISHED", result.Trace[5].To)
}

func TestRun_TransientIndexFaultRetries(t *testing.T) {
	result := runScenario(t, &Scenario{
		Name:        "index_retry",
		Description: "index recovers on the third attempt",
		Rules:       meetingRules,
		Faults:      []Fault{{Stage: FaultIndex, Kind: "transient", Times: 2}},
		Flow: []FlowStep{
			submitStep("", "minutes.txt", "안건", "회의"),
			drainStep(),
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{
				"state":           "PUBLISHED",
				"attempt_count":   2,
				"last_error_code": "index-unavailable",
			}},
			{Type: AssertEventCount, Job: "job-0001", Event: "retry_scheduled", Count: 2},
		},
	})

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	retries := 0
	for _, ev := range result.Trace {
		if ev.Type == "retry_scheduled" {
			retries++
			assert.Equal(t, "CLASSIFIED", ev.From)
			assert.Equal(t, "CLASSIFIED", ev.To)
			assert.Equal(t, "index-unavailable", ev.Code)
		}
	}
	assert.Equal(t, 2, retries)
}

func TestRun_PersistentFaultDeadLetters(t *testing.T) {
	result := runScenario(t, &Scenario{
		Name:        "dead_letter",
		Description: "storage never recovers",
		Rules:       meetingRules,
		MaxAttempts: 3,
		Faults:      []Fault{{Stage: FaultStore, Kind: "transient", Code: "storage-unavailable"}},
		Flow: []FlowStep{
			submitStep("", "a.txt", "x", ""),
			drainStep(),
			{Requeue: &RequeueStep{Job: "job-0001"}, Expect: &ExpectClause{Error: "attempts-exhausted"}},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{
				"state":         "FAILED",
				"resume_state":  "RECEIVED",
				"attempt_count": 3,
				"dead_letter":   true,
			}},
			{Type: AssertEventOrder, Job: "job-0001", Events: []string{"received", "retry_scheduled", "retry_scheduled", "failed"}},
		},
	})

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, "failed", last.Type)
	assert.Equal(t, "storage-unavailable", last.Code)
}

func TestRun_PermanentFaultFailsWithoutAttempt(t *testing.T) {
	result := runScenario(t, &Scenario{
		Name:        "permanent",
		Description: "corrupt content",
		Rules:       meetingRules,
		Faults:      []Fault{{Stage: FaultExtract, Kind: "permanent"}},
		Flow: []FlowStep{
			submitStep("", "a.txt", "x", ""),
			drainStep(),
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{
				"state":           "FAILED",
				"attempt_count":   0,
				"last_error_code": "extraction-corrupt",
				"dead_letter":     false,
				"resume_state":    "STORED",
			}},
			{Type: AssertEventCount, Job: "job-0001", Event: "retry_scheduled", Count: 0},
		},
	})

	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 3)
	assert.Equal(t, TraceEvent{Job: "job-0001", Seq: 3, From: "STORED", To: "FAILED", Type: "failed", Code: "extraction-corrupt"}, result.Trace[2])
}

func TestRun_ReviewOnDefault(t *testing.T) {
	rules := map[string]any{
		"default_category":  "기타",
		"review_on_default": true,
		"category_rules":    meetingRules["category_rules"],
	}
	result := runScenario(t, &Scenario{
		Name:        "review",
		Description: "nothing matches",
		Rules:       rules,
		Flow: []FlowStep{
			submitStep("", "receipt.txt", "영수증", ""),
			drainStep(),
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{
				"state":         "NEEDS_REVIEW",
				"category":      "기타",
				"review_status": "pending",
				"document_id":   "doc_job-0001",
			}},
			{Type: AssertEventOrder, Job: "job-0001", Events: []string{"received", "review_required"}},
		},
	})

	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_RequeuePublishedNeedsForce(t *testing.T) {
	result := runScenario(t, &Scenario{
		Name:        "force",
		Description: "published jobs restart at STORED only with force",
		Rules:       meetingRules,
		Flow: []FlowStep{
			submitStep("", "minutes.txt", "안건", "회의"),
			drainStep(),
			{Requeue: &RequeueStep{Job: "job-0001"}, Expect: &ExpectClause{Error: "force-required"}},
			{Requeue: &RequeueStep{Job: "job-0001", Force: true}},
			drainStep(),
			{Requeue: &RequeueStep{Job: "job-9999"}, Expect: &ExpectClause{Error: "not-found"}},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{"state": "PUBLISHED"}},
			{Type: AssertEventCount, Job: "job-0001", Event: "requeued", Count: 1},
			{Type: AssertEventCount, Job: "job-0001", Event: "stage_completed", Count: 9},
		},
	})

	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ValidationAndUnexpectedErrors(t *testing.T) {
	result := runScenario(t, &Scenario{
		Name:        "validation",
		Description: "empty content",
		Rules:       meetingRules,
		Flow: []FlowStep{
			{Submit: &Submission{Filename: "a.txt"}, Expect: &ExpectClause{Error: "validation"}},
			{Submit: &Submission{Filename: "b.txt"}},
			{Submit: &Submission{Filename: "c.txt", Content: "ok"}, Expect: &ExpectClause{Error: "validation"}},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{"state": "RECEIVED"}},
		},
	})

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "flow[1]: unexpected error")
	assert.Contains(t, result.Errors[1], `flow[2]: expected error "validation", step succeeded`)
}

func TestRun_FailedAssertionIsReported(t *testing.T) {
	result := runScenario(t, &Scenario{
		Name:        "wrong",
		Description: "assertion mismatch",
		Rules:       meetingRules,
		Flow:        []FlowStep{submitStep("", "minutes.txt", "안건", "회의"), drainStep()},
		Assertions: []Assertion{
			{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{"category": "계약"}},
		},
	})

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "category: want 계약, got 회의")
}

func TestRun_InvalidRules(t *testing.T) {
	_, err := Run(&Scenario{
		Name:        "bad_rules",
		Description: "no default category",
		Rules:       map[string]any{"category_rules": []any{}},
		Flow:        []FlowStep{drainStep()},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario rules")
}

func TestRunContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunContext(ctx, &Scenario{
		Name:        "cancelled",
		Description: "context already done",
		Rules:       meetingRules,
		Flow:        []FlowStep{submitStep("", "a.txt", "x", "")},
	})
	require.Error(t, err)
}
