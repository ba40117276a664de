package harness

// TraceEvent is one ingest event in the scenario trace.
type TraceEvent struct {
	Job  string `json:"job"`
	Seq  int64  `json:"seq"`
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Type string `json:"type"`

	// Code is the failure code recorded with failed and retry events.
	Code string `json:"code,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace holds every job's events, jobs in submission order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Jobs lists the submitted job ids in order.
	Jobs []string `json:"jobs"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Jobs:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// eventsFor returns the trace events of one job.
func (r *Result) eventsFor(job string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Job == job {
			out = append(out, ev)
		}
	}
	return out
}
