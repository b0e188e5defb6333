package executor

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/profile"
	"github.com/wesleyorama2/volley/internal/vu"
)

// RampingVUs ramps VU count up and down according to stages.
//
// A controller re-evaluates the profile every 100ms and scales the pool to
// the interpolated target, so the active count never lags the curve by more
// than one tick.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from startVUs to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	base
}

// NewRampingVUs creates a ramping VUs executor.
func NewRampingVUs(p *profile.Profile, opts Options) *RampingVUs {
	return &RampingVUs{base: newBase(profile.RampingVUs, p, opts)}
}

// Run scales the pool along the profile until its timeline ends.
func (e *RampingVUs) Run(ctx context.Context, pool *vu.Pool, _ *metrics.Collector) error {
	return e.runVUs(ctx, pool)
}

// Stats returns current executor statistics.
func (e *RampingVUs) Stats() *Stats {
	return e.stats()
}

// runVUs is the controller loop shared by the VU-based executors.
func (b *base) runVUs(ctx context.Context, pool *vu.Pool) error {
	start := b.start(pool)
	total := b.profile.Duration()

	runCtx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	b.adjust(pool, 0)
	pool.RecordVUs()

	ticker := time.NewTicker(controlInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-runCtx.Done():
			break loop
		case <-ticker.C:
			b.adjust(pool, time.Since(start))
			pool.RecordVUs()
		}
	}

	if ctx.Err() != nil {
		b.logger.Info("run cancelled, stopping VUs", zap.Duration("elapsed", time.Since(start)))
	}
	b.windDown(pool)
	return nil
}

func (b *base) adjust(pool *vu.Pool, elapsed time.Duration) {
	target := int(math.Round(b.profile.TargetAt(elapsed)))
	b.targetVUs.Store(int64(target))
	pool.Scale(target)
}
