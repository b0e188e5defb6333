package executor

import (
	"context"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/profile"
	"github.com/wesleyorama2/volley/internal/vu"
)

// ConstantVUs runs a fixed number of VUs for a fixed duration.
//
// Each VU runs iterations back to back, separated by the scenario's
// think-time, until the duration elapses.
type ConstantVUs struct {
	base
}

// NewConstantVUs creates a constant VUs executor.
func NewConstantVUs(p *profile.Profile, opts Options) *ConstantVUs {
	return &ConstantVUs{base: newBase(profile.ConstantVUs, p, opts)}
}

// Run holds the pool at the profile's VU count for its duration.
func (e *ConstantVUs) Run(ctx context.Context, pool *vu.Pool, _ *metrics.Collector) error {
	return e.runVUs(ctx, pool)
}

// Stats returns current executor statistics.
func (e *ConstantVUs) Stats() *Stats {
	return e.stats()
}
