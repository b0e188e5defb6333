package executor

import (
	"context"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/profile"
	"github.com/wesleyorama2/volley/internal/vu"
)

// ConstantArrivalRate starts rate iterations per timeUnit for a fixed
// duration, spaced evenly. 200 per minute over two minutes starts exactly
// 400 iterations, one every 300ms.
type ConstantArrivalRate struct {
	base
}

// NewConstantArrivalRate creates a constant arrival rate executor.
func NewConstantArrivalRate(p *profile.Profile, opts Options) *ConstantArrivalRate {
	return &ConstantArrivalRate{base: newBase(profile.ConstantArrivalRate, p, opts)}
}

// Run schedules arrivals until the duration elapses.
func (e *ConstantArrivalRate) Run(ctx context.Context, pool *vu.Pool, collector *metrics.Collector) error {
	return e.runArrivals(ctx, pool, collector)
}

// Stats returns current executor statistics.
func (e *ConstantArrivalRate) Stats() *Stats {
	s := e.stats()
	s.TotalIterations = e.profile.TotalArrivals()
	s.CurrentRate = e.profile.TargetAt(0)
	return s
}
