package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/threshold"
)

// Summary is the machine-readable report of a run.
type Summary struct {
	RunID       string    `json:"runId"`
	Name        string    `json:"name"`
	BaseURL     string    `json:"baseUrl"`
	State       string    `json:"state"`
	AbortReason string    `json:"abortReason,omitempty"`
	Interrupted bool      `json:"interrupted"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	DurationMs  float64   `json:"durationMs"`

	Scenarios  map[string]*engine.ScenarioResult `json:"scenarios,omitempty"`
	Metrics    map[string]MetricSummary          `json:"metrics,omitempty"`
	Thresholds []threshold.Result                `json:"thresholds,omitempty"`
	Passed     bool                              `json:"passed"`
}

// MetricSummary is the aggregate of one series. Which fields are set
// depends on the metric kind; time trends are in milliseconds.
type MetricSummary struct {
	Type string `json:"type"`

	Count int64 `json:"count,omitempty"`

	// Counter
	Sum       float64 `json:"sum,omitempty"`
	PerSecond float64 `json:"perSecond,omitempty"`

	// Rate
	Rate   *float64 `json:"rate,omitempty"`
	Passes int64    `json:"passes,omitempty"`
	Fails  int64    `json:"fails,omitempty"`

	// Trend
	Min         *float64 `json:"min,omitempty"`
	Avg         *float64 `json:"avg,omitempty"`
	Med         *float64 `json:"med,omitempty"`
	P90         *float64 `json:"p(90),omitempty"`
	P95         *float64 `json:"p(95),omitempty"`
	P99         *float64 `json:"p(99),omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Approximate bool     `json:"approximate,omitempty"`
}

// BuildSummary converts an engine result.
func BuildSummary(res *engine.Result) *Summary {
	s := &Summary{
		RunID:       res.RunID,
		Name:        res.Name,
		BaseURL:     res.BaseURL,
		State:       res.State.String(),
		AbortReason: res.AbortReason,
		Interrupted: res.Interrupted,
		StartTime:   res.StartTime,
		EndTime:     res.EndTime,
		DurationMs:  float64(res.Duration) / float64(time.Millisecond),
		Scenarios:   res.Scenarios,
		Thresholds:  res.Thresholds,
		Passed:      res.Passed,
	}
	if res.Snapshot == nil {
		return s
	}

	s.Metrics = make(map[string]MetricSummary, len(res.Snapshot.Metrics))
	for _, name := range res.Snapshot.Names() {
		s.Metrics[name] = summarize(res.Snapshot, res.Snapshot.Metrics[name])
	}
	return s
}

func summarize(snap *metrics.Snapshot, m *metrics.SeriesSnapshot) MetricSummary {
	ms := MetricSummary{Type: m.Kind.String(), Count: m.Count}
	switch m.Kind {
	case metrics.Counter:
		ms.Sum = m.Sum
		ms.PerSecond = snap.CounterRate(m.Name)
	case metrics.Rate:
		ms.Rate = ptr(m.Rate())
		ms.Passes = m.NonZero
		ms.Fails = m.Count - m.NonZero
	case metrics.Trend:
		ms.Min = ptr(m.Min)
		ms.Avg = ptr(m.Avg())
		ms.Med = ptr(m.Med())
		ms.P90 = ptr(m.Percentile(90))
		ms.P95 = ptr(m.Percentile(95))
		ms.P99 = ptr(m.Percentile(99))
		ms.Max = ptr(m.Max)
		ms.Approximate = m.Approximate
	}
	return ms
}

func ptr(v float64) *float64 {
	return &v
}

// WriteJSON writes the summary as indented JSON.
func WriteJSON(w io.Writer, s *Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName returns load-test-<scenario>-<timestamp>.json for a run that
// started at t.
func FileName(scenario string, t time.Time) string {
	if scenario == "" {
		scenario = "unknown"
	}
	scenario = unsafeFileChars.ReplaceAllString(scenario, "_")
	return fmt.Sprintf("load-test-%s-%s.json", scenario, t.UTC().Format("20060102T150405Z"))
}

// WriteFile writes the summary into dir, creating it if needed, and returns
// the file path.
func WriteFile(dir, scenario string, s *Summary) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, FileName(scenario, s.StartTime))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report file: %w", err)
	}
	if err := WriteJSON(f, s); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}
