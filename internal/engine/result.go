package engine

import (
	"fmt"

	"github.com/fitsync/fitsync/internal/activity"
)

// Action is the per-activity sync outcome.
type Action string

const (
	ActionUploaded    Action = "uploaded"
	ActionSkipped     Action = "skipped"
	ActionReplaced    Action = "replaced"
	ActionFailed      Action = "failed"
	ActionWouldUpload Action = "would_upload" // dry run only
)

// Result records what happened to one candidate activity.
type Result struct {
	Source         string
	Destination    string
	Fingerprint    activity.Fingerprint
	SourceRemoteID string
	DestRemoteID   string // empty unless the destination got (or had) a copy
	Action         Action
	Reason         string
}

// RuleError records a failure that aborted a whole rule, such as a source
// or destination authentication failure.
type RuleError struct {
	Rule Rule
	Err  error
}

// Report aggregates the outcome of one sync run.
type Report struct {
	Results    []Result
	RuleErrors []RuleError
}

func (r *Report) count(a Action) int {
	n := 0
	for _, res := range r.Results {
		if res.Action == a {
			n++
		}
	}
	return n
}

func (r *Report) Uploaded() int    { return r.count(ActionUploaded) }
func (r *Report) Skipped() int     { return r.count(ActionSkipped) }
func (r *Report) Replaced() int    { return r.count(ActionReplaced) }
func (r *Report) WouldUpload() int { return r.count(ActionWouldUpload) }

// Failed counts per-activity failures plus aborted rules.
func (r *Report) Failed() int {
	return r.count(ActionFailed) + len(r.RuleErrors)
}

// Summary renders the run totals in one line.
func (r *Report) Summary() string {
	return fmt.Sprintf("uploaded=%d replaced=%d skipped=%d would_upload=%d failed=%d",
		r.Uploaded(), r.Replaced(), r.Skipped(), r.WouldUpload(), r.Failed())
}
