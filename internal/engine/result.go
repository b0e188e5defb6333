package engine

import (
	"time"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/threshold"
)

// Result contains the complete outcome of a run.
type Result struct {
	// Run metadata
	RunID       string        `json:"runId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	BaseURL     string        `json:"baseUrl"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`

	State       State  `json:"state"`
	AbortReason string `json:"abortReason,omitempty"`

	// Interrupted is set when the run was cancelled or hit maxDuration
	// before its scenarios finished on their own.
	Interrupted bool `json:"interrupted"`

	Scenarios map[string]*ScenarioResult `json:"scenarios,omitempty"`

	// Snapshot is the final aggregate; nil for runs aborted in setup.
	Snapshot *metrics.Snapshot `json:"-"`

	Thresholds []threshold.Result `json:"thresholds,omitempty"`
	Passed     bool               `json:"passed"`
}

// ScenarioResult summarizes one scenario.
type ScenarioResult struct {
	Name              string        `json:"name"`
	Executor          string        `json:"executor"`
	Duration          time.Duration `json:"duration"`
	Iterations        int64         `json:"iterations"`
	DroppedIterations int64         `json:"droppedIterations"`
	Interrupted       int64         `json:"interrupted"`
	PeakVUs           int           `json:"peakVUs"`
	Drained           bool          `json:"drained"`
}

// Aborted reports whether the run ended without producing load results.
func (r *Result) Aborted() bool {
	return r.State == StateAborted
}
