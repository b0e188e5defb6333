// Package vu provides virtual users and the pool that runs them.
package vu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/wesleyorama2/volley/internal/metrics"
)

// State represents the lifecycle state of a Virtual User.
type State int32

const (
	// StateIdle indicates the VU is ready but not currently running.
	StateIdle State = iota
	// StateRunning indicates the VU is executing an iteration.
	StateRunning
	// StateStopping indicates the VU has been asked to stop.
	StateStopping
	// StateStopped indicates the VU has fully stopped.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Iteration identifies one execution of the request function.
type Iteration struct {
	Scenario string
	VU       int
	Iter     int64
	Tenant   string
}

// Result is what a request function reports for one iteration.
type Result struct {
	Status int
	// Latency of the request. When zero the pool uses the wall time of
	// the call.
	Latency time.Duration
	Success bool
	Tags    map[string]string
	Err     error
	// Samples are extra measurements such as checks or poll latency.
	Samples []metrics.Sample
}

// RequestFunc executes one iteration. It must be safe for concurrent use and
// must not share mutable state between calls.
type RequestFunc func(ctx context.Context, it Iteration) Result

// VirtualUser is one concurrent simulated client. It is owned by a Pool.
type VirtualUser struct {
	// ID is the 1-based ordinal of the VU within its pool
	ID int

	// Tenant assigned by the pool's tenant distribution
	Tenant string

	pool *Pool

	state     atomic.Int32
	iteration atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}
}

func newVirtualUser(id int, tenant string, pool *Pool) *VirtualUser {
	return &VirtualUser{
		ID:     id,
		Tenant: tenant,
		pool:   pool,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// GetState returns the current VU state.
func (v *VirtualUser) GetState() State {
	return State(v.state.Load())
}

// Iterations returns how many iterations the VU has started.
func (v *VirtualUser) Iterations() int64 {
	return v.iteration.Load()
}

// RequestStop signals the VU to stop after completing the current iteration.
func (v *VirtualUser) RequestStop() {
	if v.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		v.state.CompareAndSwap(int32(StateIdle), int32(StateStopping)) {
		close(v.stopCh)
	}
}

// WaitForStop waits for the VU to stop with a timeout.
func (v *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-v.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (v *VirtualUser) markStopped() {
	v.state.Store(int32(StateStopped))
	select {
	case <-v.doneCh:
	default:
		close(v.doneCh)
	}
}

func (v *VirtualUser) stopping() bool {
	s := v.GetState()
	return s == StateStopping || s == StateStopped
}

// runIteration executes one iteration and records its samples. Failures,
// timeouts and panics become failed samples; nothing is returned to the
// caller.
func (v *VirtualUser) runIteration(ctx context.Context) {
	v.state.CompareAndSwap(int32(StateIdle), int32(StateRunning))
	defer v.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))

	p := v.pool
	p.started.Add(1)
	it := Iteration{
		Scenario: p.cfg.Scenario,
		VU:       v.ID,
		Iter:     v.iteration.Add(1) - 1,
		Tenant:   v.Tenant,
	}

	reqCtx := ctx
	cancel := func() {}
	if p.cfg.Timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	}
	start := time.Now()
	res, panicked := callSafely(reqCtx, p.cfg.Exec, it)
	elapsed := time.Since(start)
	timedOut := errors.Is(reqCtx.Err(), context.DeadlineExceeded)
	cancel()

	// The pool gave up on this iteration after the graceful stop window;
	// its partial outcome says nothing about the target.
	if ctx.Err() != nil && !timedOut {
		p.interrupted.Add(1)
		return
	}

	tags := p.baseTags()
	for k, val := range res.Tags {
		tags[k] = val
	}
	switch {
	case panicked:
		tags["error"] = "panic"
		res.Success = false
	case timedOut:
		tags["error"] = "timeout"
		res.Success = false
	case res.Err != nil:
		tags["error"] = "request"
		res.Success = false
	}
	if res.Status != 0 {
		tags["status"] = strconv.Itoa(res.Status)
	}

	latency := res.Latency
	if latency == 0 {
		latency = elapsed
	}

	c := p.cfg.Collector
	_ = c.Record(metrics.CounterSample(metrics.HTTPReqs, 1, tags))
	_ = c.Record(metrics.DurationSample(metrics.HTTPReqDuration, latency, tags))
	_ = c.Record(metrics.RateSample(metrics.HTTPReqFailed, !res.Success, tags))
	_ = c.Record(metrics.RateSample(metrics.Errors, !res.Success, tags))
	for _, s := range res.Samples {
		if s.Tags == nil {
			s.Tags = p.baseTags()
		} else if _, ok := s.Tags["scenario"]; !ok && p.cfg.Scenario != "" {
			merged := p.baseTags()
			for k, val := range s.Tags {
				merged[k] = val
			}
			s.Tags = merged
		}
		_ = c.Record(s)
	}

	iterTags := p.baseTags()
	_ = c.Record(metrics.CounterSample(metrics.Iterations, 1, iterTags))
	_ = c.Record(metrics.DurationSample(metrics.IterationDuration, time.Since(start), iterTags))
}

func callSafely(ctx context.Context, fn RequestFunc, it Iteration) (res Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{Err: fmt.Errorf("panic in request function: %v", r)}
			panicked = true
		}
	}()
	return fn(ctx, it), false
}
