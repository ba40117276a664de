// Package harness runs pipeline scenarios end to end against a throwaway
// store and compares the resulting event traces with golden files.
//
// A scenario installs a rule document, submits documents, drives the worker
// until nothing is ready (fast-forwarding a fake clock across retry
// backoffs) and then checks assertions against the final state. Collaborator
// failures are injected per stage.
//
// # Scenario Format
//
//	name: meeting_published
//	description: "A meeting note is classified and published"
//	rules:
//	  default_category: 기타
//	  category_rules:
//	    - category: 회의
//	      keywords: { title: [회의] }
//	faults:
//	  - stage: index
//	    kind: transient
//	    times: 2
//	flow:
//	  - submit: { source_ref: "load:1", filename: minutes.txt, content: "안건", title: 주간 회의 }
//	  - drain: true
//	  - submit: { source_ref: "load:1", filename: minutes.txt, content: "안건" }
//	    expect: { error: duplicate }
//	assertions:
//	  - type: final_state
//	    job: job-0001
//	    expect: { state: PUBLISHED, category: 회의, attempt_count: 2 }
//	  - type: event_count
//	    job: job-0001
//	    event: retry_scheduled
//	    count: 2
//
// # Assertion Types
//
//   - final_state: compares job and document fields of one job
//   - event_order: the listed event types occur in order (gaps allowed)
//   - event_count: an event type occurs exactly N times for a job
//
// # Determinism
//
// Job ids are job-0001, job-0002, ... in submission order and the clock
// starts at a fixed instant, so traces are stable across runs.
package harness
