package executor

import (
	"context"
	"sync/atomic"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/profile"
	"github.com/wesleyorama2/volley/internal/vu"
)

// SharedIterations runs vus VUs that together complete iterations
// iterations. Faster VUs take more of the budget.
type SharedIterations struct {
	base
	claimed atomic.Int64
}

// NewSharedIterations creates a shared iterations executor.
func NewSharedIterations(p *profile.Profile, opts Options) *SharedIterations {
	return &SharedIterations{base: newBase(profile.SharedIterations, p, opts)}
}

// Run starts the VUs and waits for the shared budget to be spent.
func (e *SharedIterations) Run(ctx context.Context, pool *vu.Pool, _ *metrics.Collector) error {
	total := e.profile.Iterations
	pool.SetBudget(func(*vu.VirtualUser) bool {
		return e.claimed.Add(1) <= total
	})
	return e.runIterations(ctx, pool)
}

// Stats returns current executor statistics.
func (e *SharedIterations) Stats() *Stats {
	s := e.stats()
	s.TotalIterations = e.profile.Iterations
	if s.TotalIterations > 0 {
		s.Progress = float64(s.Iterations) / float64(s.TotalIterations)
	}
	return s
}
