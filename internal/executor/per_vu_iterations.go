package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/profile"
	"github.com/wesleyorama2/volley/internal/vu"
)

// PerVUIterations runs vus VUs that each complete exactly iterations
// iterations, bounded by maxDuration.
type PerVUIterations struct {
	base
}

// NewPerVUIterations creates a per-VU iterations executor.
func NewPerVUIterations(p *profile.Profile, opts Options) *PerVUIterations {
	return &PerVUIterations{base: newBase(profile.PerVUIterations, p, opts)}
}

// Run starts the VUs and waits for their budgets to be spent.
func (e *PerVUIterations) Run(ctx context.Context, pool *vu.Pool, _ *metrics.Collector) error {
	limit := e.profile.Iterations
	pool.SetBudget(func(v *vu.VirtualUser) bool {
		return v.Iterations() < limit
	})
	return e.runIterations(ctx, pool)
}

// Stats returns current executor statistics.
func (e *PerVUIterations) Stats() *Stats {
	s := e.stats()
	s.TotalIterations = int64(e.profile.VUs) * e.profile.Iterations
	if s.TotalIterations > 0 {
		s.Progress = float64(s.Iterations) / float64(s.TotalIterations)
	}
	return s
}

// runIterations starts the profile's VUs and waits until they exit on their
// own, maxDuration elapses or ctx is cancelled.
func (b *base) runIterations(ctx context.Context, pool *vu.Pool) error {
	start := b.start(pool)
	b.targetVUs.Store(int64(b.profile.VUs))

	runCtx, cancel := context.WithTimeout(ctx, b.profile.Duration())
	defer cancel()
	go sampleVUs(runCtx, pool)

	pool.Scale(b.profile.VUs)
	pool.RecordVUs()

	if pool.Wait(runCtx) {
		b.logger.Debug("iteration budget spent", zap.Duration("elapsed", time.Since(start)))
	} else if ctx.Err() == nil {
		b.logger.Warn("maxDuration reached before iterations completed",
			zap.Duration("maxDuration", b.profile.Duration()),
			zap.Int64("started", pool.Started()))
	}

	b.windDown(pool)
	return nil
}
