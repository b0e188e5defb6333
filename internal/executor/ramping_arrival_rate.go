package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/profile"
	"github.com/wesleyorama2/volley/internal/vu"
)

// RampingArrivalRate starts iterations at a rate that follows stages,
// independent of how long each iteration takes (open model).
//
// Iteration n starts at the instant the integral of the rate curve reaches
// n. When every VU up to maxVUs is busy the iteration is dropped and counted
// in dropped_iterations; it is never retried or queued.
//
// Example stages:
//
//	startRate: 10
//	timeUnit: 1s
//	stages:
//	  - duration: 1m
//	    target: 100   # Ramp from 10 to 100 iterations/s
//	  - duration: 3m
//	    target: 100   # Hold
type RampingArrivalRate struct {
	base
}

// NewRampingArrivalRate creates a ramping arrival rate executor.
func NewRampingArrivalRate(p *profile.Profile, opts Options) *RampingArrivalRate {
	return &RampingArrivalRate{base: newBase(profile.RampingArrivalRate, p, opts)}
}

// Run schedules arrivals until the profile ends.
func (e *RampingArrivalRate) Run(ctx context.Context, pool *vu.Pool, collector *metrics.Collector) error {
	return e.runArrivals(ctx, pool, collector)
}

// Stats returns current executor statistics.
func (e *RampingArrivalRate) Stats() *Stats {
	s := e.stats()
	s.TotalIterations = e.profile.TotalArrivals()
	s.CurrentRate = e.profile.TargetAt(s.Elapsed)
	return s
}

// runArrivals is the scheduler loop shared by the arrival-rate executors.
func (b *base) runArrivals(ctx context.Context, pool *vu.Pool, collector *metrics.Collector) error {
	pool.Preallocate(b.profile.PreAllocatedVUs)
	start := b.start(pool)

	sampleCtx, stopSampling := context.WithCancel(ctx)
	go sampleVUs(sampleCtx, pool)

	tags := b.tags()
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}

	var n int64
loop:
	for ; ; n++ {
		offset, ok := b.profile.ArrivalOffset(n)
		if !ok || offset >= b.profile.Duration() {
			break
		}
		if wait := time.Until(start.Add(offset)); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				break loop
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			break
		}

		v, ok := pool.TryAcquire()
		if !ok {
			b.dropped.Add(1)
			if collector != nil {
				_ = collector.Record(metrics.CounterSample(metrics.DroppedIterations, 1, tags))
			}
			continue
		}
		pool.RunAsync(v)
	}

	stopSampling()
	if dropped := b.dropped.Load(); dropped > 0 {
		b.logger.Warn("iterations dropped, pool saturated",
			zap.Int64("dropped", dropped),
			zap.Int("maxVUs", b.profile.MaxVUs))
	}
	b.logger.Debug("arrivals scheduled", zap.Int64("count", n), zap.Duration("elapsed", time.Since(start)))

	// Hold until the timeline ends unless the run was cancelled.
	if rest := time.Until(start.Add(b.profile.Duration())); rest > 0 && ctx.Err() == nil {
		t := time.NewTimer(rest)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	b.windDown(pool)
	return nil
}
