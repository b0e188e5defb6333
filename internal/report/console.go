// Package report renders run results: a console summary for humans, a JSON
// summary for machines, a per-run result file and a live progress line.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/volley/internal/engine"
	"github.com/wesleyorama2/volley/internal/executor"
	"github.com/wesleyorama2/volley/internal/metrics"
)

const (
	clearLine     = "\r\033[2K"
	ruleWidth     = 56
	ruleCharacter = "━"
)

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer      io.Writer
	Quiet       bool
	ForceColors bool
	ForceTTY    bool
}

// Console writes human-readable output. Colour is used only on a terminal.
type Console struct {
	writer io.Writer
	isTTY  bool
	quiet  bool
	pal    *palette

	mu       sync.Mutex
	liveLine bool
}

// NewConsole creates a console writer.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	isTTY := cfg.ForceTTY || isTerminal(cfg.Writer)
	return &Console{
		writer: cfg.Writer,
		isTTY:  isTTY,
		quiet:  cfg.Quiet,
		pal:    newPalette(cfg.ForceColors || (isTTY && supportsColors())),
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintHeader prints the run banner.
func (c *Console) PrintHeader(name, baseURL string, scenarios []string) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rule := c.pal.title.Sprint(strings.Repeat(ruleCharacter, ruleWidth))
	c.writeln(rule)
	c.writeln(c.pal.label.Sprintf("%s - Running", name))
	c.writeln(rule)
	c.writeln(fmt.Sprintf("Target:     %s", c.pal.value.Sprint(baseURL)))
	c.writeln(fmt.Sprintf("Scenarios:  %s", c.pal.value.Sprint(strings.Join(scenarios, ", "))))
	c.writeln("")
}

// LiveStats is what the progress line shows.
type LiveStats struct {
	Elapsed   time.Duration
	Progress  float64
	ActiveVUs int
	Requests  int64
	Failed    int64
	Dropped   int64
	RPS       float64
	State     string
}

// LiveStatsFrom builds live stats from executor stats and the collector's
// running counters.
func LiveStatsFrom(progress map[string]*executor.Stats, c *metrics.Collector, elapsed time.Duration, state string) LiveStats {
	ls := LiveStats{Elapsed: elapsed, State: state}
	for _, s := range progress {
		ls.Progress += s.Progress
		ls.ActiveVUs += s.ActiveVUs
		ls.Dropped += s.DroppedIterations
	}
	if n := len(progress); n > 0 {
		ls.Progress /= float64(n)
	}
	if c != nil {
		ls.Requests = int64(c.Sum(metrics.HTTPReqs))
		ls.Failed = int64(c.Sum(metrics.HTTPReqFailed))
	}
	if elapsed > 0 {
		ls.RPS = float64(ls.Requests) / elapsed.Seconds()
	}
	return ls
}

// Update rewrites the progress line on a terminal, or prints a new line
// otherwise.
func (c *Console) Update(ls LiveStats) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	line := fmt.Sprintf("[%s] %s %3.0f%% | VUs: %d | Reqs: %s | RPS: %.1f | Failed: %s | Dropped: %s",
		formatDuration(ls.Elapsed),
		ls.State,
		ls.Progress*100,
		ls.ActiveVUs,
		formatNumber(ls.Requests),
		ls.RPS,
		formatNumber(ls.Failed),
		formatNumber(ls.Dropped))

	if c.isTTY {
		c.write(clearLine + c.pal.dim.Sprint(line))
		c.liveLine = true
		return
	}
	c.writeln(line)
}

// Watch calls Update every interval with stats from source until ctx is
// done.
func (c *Console) Watch(ctx context.Context, interval time.Duration, source func() LiveStats) {
	if c.quiet {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.endLive()
			return
		case <-ticker.C:
			c.Update(source())
		}
	}
}

func (c *Console) endLive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveLine {
		c.writeln("")
		c.liveLine = false
	}
}

// PrintAbort prints only the reason an aborted run stopped.
func (c *Console) PrintAbort(res *engine.Result) {
	c.endLive()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(c.pal.failure.Sprintf("%s - ABORTED", res.Name))
	c.writeln(fmt.Sprintf("Reason: %s", res.AbortReason))
}

// PrintSummary prints the end-of-run report. Aborted runs print only their
// reason.
func (c *Console) PrintSummary(res *engine.Result) {
	if res.Aborted() {
		c.PrintAbort(res)
		return
	}
	c.endLive()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		c.writeln(c.verdict(res.Passed))
		return
	}

	rule := c.pal.title.Sprint(strings.Repeat(ruleCharacter, ruleWidth))
	status := c.pal.success.Sprint("Completed ✓")
	if !res.Passed {
		status = c.pal.failure.Sprint("Failed ✗")
	}
	if res.Interrupted {
		status += " " + c.pal.warn.Sprint("(interrupted)")
	}

	c.writeln("")
	c.writeln(rule)
	c.writeln(fmt.Sprintf("%s - %s", c.pal.label.Sprint(res.Name), status))
	c.writeln(rule)
	c.writeln(fmt.Sprintf("Run ID:        %s", res.RunID))
	c.writeln(fmt.Sprintf("Target:        %s", res.BaseURL))
	c.writeln(fmt.Sprintf("Duration:      %s", c.pal.value.Sprint(formatDuration(res.Duration))))
	c.writeln("")

	c.printScenarios(res)
	if res.Snapshot != nil {
		c.printRequests(res.Snapshot)
		c.printLatency(res.Snapshot)
		c.printCustom(res.Snapshot)
	}
	c.printThresholds(res)
	c.writeln(fmt.Sprintf("Result: %s", c.verdict(res.Passed)))
}

func (c *Console) verdict(passed bool) string {
	if passed {
		return c.pal.success.Sprint("PASSED")
	}
	return c.pal.failure.Sprint("FAILED")
}

func (c *Console) printScenarios(res *engine.Result) {
	if len(res.Scenarios) == 0 {
		return
	}
	names := make([]string, 0, len(res.Scenarios))
	for name := range res.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	c.writeln(c.pal.label.Sprint("Scenarios:"))
	for _, name := range names {
		s := res.Scenarios[name]
		line := fmt.Sprintf("  %-16s %-22s iterations: %s  peak VUs: %d  dropped: %s",
			name, s.Executor, formatNumber(s.Iterations), s.PeakVUs, formatNumber(s.DroppedIterations))
		if s.Interrupted > 0 {
			line += c.pal.warn.Sprintf("  interrupted: %d", s.Interrupted)
		}
		c.writeln(line)
	}
	c.writeln("")
}

func (c *Console) printRequests(snap *metrics.Snapshot) {
	total := counterSum(snap, metrics.HTTPReqs)
	var failed int64
	if m, ok := snap.Get(metrics.HTTPReqFailed); ok {
		failed = m.NonZero
	}
	ok := total - failed

	var failRate float64
	if total > 0 {
		failRate = float64(failed) / float64(total)
	}
	failColor := c.pal.success
	if failRate > 0.01 {
		failColor = c.pal.warn
	}
	if failRate > 0.05 {
		failColor = c.pal.failure
	}

	c.writeln(c.pal.label.Sprint("Requests:"))
	c.writeln(fmt.Sprintf("  Total:       %s", c.pal.value.Sprint(formatNumber(total))))
	c.writeln(fmt.Sprintf("  Successful:  %s (%s)", formatNumber(ok), formatPercent(1-failRate)))
	c.writeln(fmt.Sprintf("  Failed:      %s", failColor.Sprintf("%s (%s)", formatNumber(failed), formatPercent(failRate))))
	c.writeln(fmt.Sprintf("  Throughput:  %.2f req/s", snap.CounterRate(metrics.HTTPReqs)))
	c.writeln("")
}

func (c *Console) printLatency(snap *metrics.Snapshot) {
	m, ok := snap.Get(metrics.HTTPReqDuration)
	if !ok {
		return
	}
	title := "Latency (http_req_duration):"
	if m.Approximate {
		title = "Latency (http_req_duration, approximate):"
	}
	c.writeln(c.pal.label.Sprint(title))
	rows := []struct {
		name  string
		value float64
	}{
		{"min", m.Min},
		{"avg", m.Avg()},
		{"med", m.Med()},
		{"p(90)", m.Percentile(90)},
		{"p(95)", m.Percentile(95)},
		{"p(99)", m.Percentile(99)},
		{"max", m.Max},
	}
	for _, r := range rows {
		c.writeln(fmt.Sprintf("  %-6s %s", r.name+":", formatMillis(r.value)))
	}
	c.writeln("")
}

// printCustom lists the non-request metrics that were recorded.
func (c *Console) printCustom(snap *metrics.Snapshot) {
	var lines []string
	for _, name := range []string{metrics.DroppedIterations, metrics.RateLimitHits} {
		if m, ok := snap.Get(name); ok {
			lines = append(lines, fmt.Sprintf("  %-20s %s", name, formatNumber(int64(m.Sum))))
		}
	}
	if m, ok := snap.Get(metrics.Checks); ok {
		lines = append(lines, fmt.Sprintf("  %-20s %s (%d/%d)", metrics.Checks, formatPercent(m.Rate()), m.NonZero, m.Count))
	}
	if m, ok := snap.Get(metrics.StatusPollLatency); ok {
		lines = append(lines, fmt.Sprintf("  %-20s p(95) %s over %d polls", metrics.StatusPollLatency, formatMillis(m.Percentile(95)), m.Count))
	}
	if m, ok := snap.Get(metrics.VUs); ok {
		lines = append(lines, fmt.Sprintf("  %-20s max %d", metrics.VUs, int64(m.Max)))
	}
	if len(lines) == 0 {
		return
	}
	c.writeln(c.pal.label.Sprint("Metrics:"))
	for _, l := range lines {
		c.writeln(l)
	}
	c.writeln("")
}

func (c *Console) printThresholds(res *engine.Result) {
	if len(res.Thresholds) == 0 {
		return
	}
	c.writeln(c.pal.label.Sprint("Thresholds:"))
	for _, t := range res.Thresholds {
		mark := c.pal.success.Sprint("✓")
		if !t.Passed {
			mark = c.pal.failure.Sprint("✗")
		}
		line := fmt.Sprintf("  %s %s %s", mark, t.Metric, t.Expression)
		if t.Passed {
			line += c.pal.dim.Sprintf(" (observed: %s)", observed(t.Metric, t.Observed))
		} else if t.Message != "" {
			line += " " + c.pal.failure.Sprint(t.Message)
		}
		c.writeln(line)
	}
	c.writeln("")
}

func observed(metric string, v float64) string {
	base, _, err := metrics.ParseName(metric)
	if err == nil && metrics.IsTime(base) {
		return formatMillis(v)
	}
	return fmt.Sprintf("%g", v)
}

func counterSum(snap *metrics.Snapshot, name string) int64 {
	if m, ok := snap.Get(name); ok {
		return int64(m.Sum)
	}
	return 0
}

func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}
