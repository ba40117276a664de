package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end pipeline run with expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Rules is the rule document activated before the flow runs.
	Rules map[string]any `yaml:"rules"`

	// MaxAttempts overrides the per-job attempt limit. Zero keeps the default.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Faults are collaborator failures injected while the flow runs.
	Faults []Fault `yaml:"faults,omitempty"`

	// Flow is executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Submission mirrors ingest.Submission with YAML-friendly types.
type Submission struct {
	Source      string   `yaml:"source,omitempty"`
	SourceRef   string   `yaml:"source_ref,omitempty"`
	Filename    string   `yaml:"filename"`
	MimeType    string   `yaml:"mime_type,omitempty"`
	Content     string   `yaml:"content"`
	Title       string   `yaml:"title,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Caption     string   `yaml:"caption,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
	EventDate   string   `yaml:"event_date,omitempty"`
}

// RequeueStep requeues a job by id.
type RequeueStep struct {
	Job           string `yaml:"job"`
	Force         bool   `yaml:"force,omitempty"`
	ResetAttempts bool   `yaml:"reset_attempts,omitempty"`
	ClearError    bool   `yaml:"clear_error,omitempty"`
}

// FlowStep is exactly one of submit, drain or requeue.
type FlowStep struct {
	Submit  *Submission  `yaml:"submit,omitempty"`
	Drain   bool         `yaml:"drain,omitempty"`
	Requeue *RequeueStep `yaml:"requeue,omitempty"`

	// Expect checks the step's error. Without it the step must succeed.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause names the error kind a step must fail with: "validation",
// "duplicate", "force-required" or "attempts-exhausted".
type ExpectClause struct {
	Error string `yaml:"error"`
}

// Fault makes a collaborator fail. Times is the number of calls that fail
// before it recovers; zero fails every call.
type Fault struct {
	Stage string `yaml:"stage"`
	Kind  string `yaml:"kind"`
	Code  string `yaml:"code,omitempty"`
	Times int    `yaml:"times,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of final_state, event_order, event_count.
	Type string `yaml:"type"`

	// Job is the job id the assertion applies to.
	Job string `yaml:"job"`

	// Expect holds field values for final_state. Subset match.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Events is the expected event type order for event_order.
	Events []string `yaml:"events,omitempty"`

	// Event and Count are used by event_count.
	Event string `yaml:"event,omitempty"`
	Count int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertEventOrder = "event_order"
	AssertEventCount = "event_count"
)

// Fault stages.
const (
	FaultStore   = "store"
	FaultExtract = "extract"
	FaultIndex   = "index"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Rules) == 0 {
		return fmt.Errorf("rules are required")
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, f := range s.Faults {
		switch f.Stage {
		case FaultStore, FaultExtract, FaultIndex:
		default:
			return fmt.Errorf("faults[%d]: unknown stage %q", i, f.Stage)
		}
		if f.Kind != "transient" && f.Kind != "permanent" {
			return fmt.Errorf("faults[%d]: kind must be transient or permanent", i)
		}
		if f.Times < 0 {
			return fmt.Errorf("faults[%d]: times must be non-negative", i)
		}
	}

	for i, step := range s.Flow {
		n := 0
		if step.Submit != nil {
			n++
		}
		if step.Drain {
			n++
		}
		if step.Requeue != nil {
			n++
			if step.Requeue.Job == "" {
				return fmt.Errorf("flow[%d].requeue: job is required", i)
			}
		}
		if n != 1 {
			return fmt.Errorf("flow[%d]: exactly one of submit, drain, requeue is required", i)
		}
		if step.Expect != nil && step.Expect.Error == "" {
			return fmt.Errorf("flow[%d].expect: error is required", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Job == "" {
		return fmt.Errorf("assertions[%d]: job is required", index)
	}

	switch a.Type {
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertEventOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("assertions[%d]: events list is required for event_order", index)
		}
	case AssertEventCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for event_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
