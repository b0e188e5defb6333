// Package executor turns a load profile into running virtual users: it
// scales the pool along the profile's curve, starts arrival-rate
// iterations on schedule, or hands out iteration budgets.
package executor

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/profile"
	"github.com/wesleyorama2/volley/internal/vu"
)

// controlInterval is how often VU executors re-evaluate their target and
// sample the active VU count.
const controlInterval = 100 * time.Millisecond

// DefaultGracefulStop is used when Options.GracefulStop is zero.
const DefaultGracefulStop = 30 * time.Second

// Executor defines the interface for load generation strategies.
//
// Run blocks until the profile's timeline is exhausted, its iteration
// budget is spent, or ctx is cancelled. In every case it stops starting
// iterations, drains the pool within the graceful stop period and returns.
type Executor interface {
	// Type returns the executor kind.
	Type() profile.Kind

	// Run drives pool until completion.
	Run(ctx context.Context, pool *vu.Pool, collector *metrics.Collector) error

	// Stats returns a point-in-time view of the executor.
	Stats() *Stats
}

// Options contains settings shared by all executors.
type Options struct {
	// Scenario names the scenario for logs and sample tags
	Scenario string

	// GracefulStop is how long in-flight iterations may drain
	GracefulStop time.Duration

	// Tags are attached to samples the executor itself records
	Tags map[string]string

	Logger *zap.Logger
}

// Stats contains real-time executor statistics.
type Stats struct {
	Scenario string       `json:"scenario"`
	Kind     profile.Kind `json:"executor"`

	// Timing
	StartTime     time.Time     `json:"startTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`
	PeakVUs   int `json:"peakVUs"`

	// Iteration stats
	Iterations        int64 `json:"iterations"`
	TotalIterations   int64 `json:"totalIterations,omitempty"`
	DroppedIterations int64 `json:"droppedIterations"`

	// Stage info (for ramping executors)
	CurrentStage int `json:"currentStage"`
	TotalStages  int `json:"totalStages"`

	// Rate info (for arrival-rate executors), per TimeUnit
	CurrentRate float64 `json:"currentRate,omitempty"`

	// Progress is 0..1
	Progress float64 `json:"progress"`

	// Drained is false when the graceful stop expired
	Drained bool `json:"drained"`
	Running bool `json:"running"`
}

// base carries state shared by every executor.
type base struct {
	kind    profile.Kind
	profile *profile.Profile
	opts    Options
	logger  *zap.Logger

	mu        sync.RWMutex
	startTime time.Time
	pool      *vu.Pool

	running   atomic.Bool
	drained   atomic.Bool
	targetVUs atomic.Int64
	dropped   atomic.Int64
}

func newBase(kind profile.Kind, p *profile.Profile, opts Options) base {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.GracefulStop <= 0 {
		opts.GracefulStop = DefaultGracefulStop
	}
	return base{
		kind:    kind,
		profile: p,
		opts:    opts,
		logger:  logger.With(zap.String("component", "executor"), zap.String("scenario", opts.Scenario), zap.String("executor", string(kind))),
	}
}

// Type returns the executor kind.
func (b *base) Type() profile.Kind {
	return b.kind
}

func (b *base) start(pool *vu.Pool) time.Time {
	now := time.Now()
	b.mu.Lock()
	b.startTime = now
	b.pool = pool
	b.mu.Unlock()
	b.running.Store(true)
	b.logger.Debug("executor started", zap.Duration("duration", b.profile.Duration()))
	return now
}

// windDown stops new iterations and drains the pool.
func (b *base) windDown(pool *vu.Pool) {
	b.logger.Debug("winding down", zap.Duration("gracefulStop", b.opts.GracefulStop))
	drained := pool.Shutdown(b.opts.GracefulStop)
	b.drained.Store(drained)
	pool.RecordVUs()
	b.running.Store(false)
}

func (b *base) tags() map[string]string {
	tags := make(map[string]string, len(b.opts.Tags)+1)
	for k, v := range b.opts.Tags {
		tags[k] = v
	}
	if b.opts.Scenario != "" {
		tags["scenario"] = b.opts.Scenario
	}
	return tags
}

// stats fills the fields every executor reports.
func (b *base) stats() *Stats {
	b.mu.RLock()
	start := b.startTime
	pool := b.pool
	b.mu.RUnlock()

	s := &Stats{
		Scenario:          b.opts.Scenario,
		Kind:              b.kind,
		StartTime:         start,
		TotalDuration:     b.profile.Duration(),
		TargetVUs:         int(b.targetVUs.Load()),
		DroppedIterations: b.dropped.Load(),
		TotalStages:       len(b.profile.Stages),
		Drained:           b.drained.Load(),
		Running:           b.running.Load(),
	}
	if !start.IsZero() {
		s.Elapsed = time.Since(start)
		if !s.Running && s.Elapsed > s.TotalDuration {
			s.Elapsed = s.TotalDuration
		}
	}
	if pool != nil {
		s.ActiveVUs = pool.Active()
		s.PeakVUs = pool.Peak()
		s.Iterations = pool.Started()
	}
	s.CurrentStage = b.stageAt(s.Elapsed)
	if s.TotalDuration > 0 {
		s.Progress = math.Min(1, float64(s.Elapsed)/float64(s.TotalDuration))
	}
	return s
}

func (b *base) stageAt(elapsed time.Duration) int {
	var offset time.Duration
	for i, st := range b.profile.Stages {
		offset += st.Duration
		if elapsed < offset {
			return i
		}
	}
	if n := len(b.profile.Stages); n > 0 {
		return n - 1
	}
	return 0
}

// sampleVUs records the active VU count every controlInterval until ctx is
// done.
func sampleVUs(ctx context.Context, pool *vu.Pool) {
	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pool.RecordVUs()
		}
	}
}
