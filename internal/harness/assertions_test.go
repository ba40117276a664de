package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Job: "job-0001", Seq: 1, To: "RECEIVED", Type: "received"},
		{Job: "job-0001", Seq: 2, From: "RECEIVED", To: "STORED", Type: "stage_completed"},
		{Job: "job-0001", Seq: 3, From: "STORED", To: "STORED", Type: "retry_scheduled", Code: "extraction-timeout"},
		{Job: "job-0001", Seq: 4, From: "STORED", To: "EXTRACTED", Type: "stage_completed"},
	}
}

func TestAssertEventOrder(t *testing.T) {
	trace := sampleTrace()

	err := assertEventOrder(trace, Assertion{Job: "job-0001", Events: []string{"received", "retry_scheduled", "stage_completed"}})
	assert.NoError(t, err)

	err = assertEventOrder(trace, Assertion{Job: "job-0001", Events: []string{"retry_scheduled", "received"}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertEventOrder, ae.Type)
	assert.Contains(t, ae.Actual, `missing "received"`)
	assert.Contains(t, err.Error(), "(extraction-timeout)")
}

func TestAssertEventCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertEventCount(trace, Assertion{Job: "job-0001", Event: "stage_completed", Count: 2}))
	assert.NoError(t, assertEventCount(trace, Assertion{Job: "job-0001", Event: "failed", Count: 0}))

	err := assertEventCount(trace, Assertion{Job: "job-0001", Event: "retry_scheduled", Count: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: 2 retry_scheduled events")
	assert.Contains(t, err.Error(), "Actual: 1")
}

func TestEvaluateAssertions_FinalStateNeedsStore(t *testing.T) {
	result := NewResult()
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertFinalState, Job: "job-0001", Expect: map[string]any{"state": "PUBLISHED"}},
		{Type: "bogus", Job: "job-0001"},
	}, nil)

	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "requires database context")
	assert.Contains(t, errs[1], `unknown assertion type "bogus"`)
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"string", "PUBLISHED", "PUBLISHED", true},
		{"yaml int vs int", 2, 2, true},
		{"bool", false, false, true},
		{"yaml list vs tags", []any{"meeting", "project:alpha"}, []string{"meeting", "project:alpha"}, true},
		{"list order matters", []any{"project:alpha", "meeting"}, []string{"meeting", "project:alpha"}, false},
		{"null is empty", nil, "", true},
		{"mismatch", "FAILED", "PUBLISHED", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestResult_EventsFor(t *testing.T) {
	r := NewResult()
	r.Trace = append(sampleTrace(), TraceEvent{Job: "job-0002", Seq: 1, To: "RECEIVED", Type: "received"})

	assert.Len(t, r.eventsFor("job-0001"), 4)
	assert.Len(t, r.eventsFor("job-0002"), 1)
	assert.Empty(t, r.eventsFor("job-0003"))

	assert.True(t, r.Pass)
	r.AddError("boom")
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"boom"}, r.Errors)
}
