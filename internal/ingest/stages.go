package ingest

import "github.com/roach88/curator/internal/model"

// Stage names one unit of pipeline work.
type Stage string

const (
	StageStore    Stage = "store"
	StageExtract  Stage = "extract"
	StageClassify Stage = "classify"
	StageIndex    Stage = "index"
	StagePublish  Stage = "publish"
)

// pipeline maps each runnable state to the stage that advances it and the
// state reached on success.
var pipeline = map[model.JobState]struct {
	stage Stage
	next  model.JobState
}{
	model.StateReceived:   {StageStore, model.StateStored},
	model.StateStored:     {StageExtract, model.StateExtracted},
	model.StateExtracted:  {StageClassify, model.StateClassified},
	model.StateClassified: {StageIndex, model.StateIndexed},
	model.StateIndexed:    {StagePublish, model.StatePublished},
}

// stageFor returns the stage that runs in state, or false for terminal
// states.
func stageFor(state model.JobState) (Stage, model.JobState, bool) {
	p, ok := pipeline[state]
	return p.stage, p.next, ok
}

// DocumentID derives the archive document id from the job id, so index
// upserts and publication are idempotent across retries.
func DocumentID(jobID string) string {
	return "doc_" + jobID
}
