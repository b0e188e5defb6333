package vu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/metrics"
)

// hardStopWait bounds how long Shutdown waits for iterations after their
// context has been cancelled.
const hardStopWait = 2 * time.Second

// Budget is consulted before each iteration of a looping VU; returning
// false retires the VU.
type Budget func(v *VirtualUser) bool

// Tenants assigns tenant identifiers to VUs. A VU with ordinal id gets
// Prefix + ((id % Count) + 1), zero-padded to Pad digits. Fixed, when set,
// pins every VU to one tenant.
type Tenants struct {
	Fixed  string
	Prefix string
	Count  int
	Pad    int
}

// For returns the tenant of VU id.
func (t Tenants) For(id int) string {
	if t.Fixed != "" {
		return t.Fixed
	}
	if t.Count <= 0 {
		return ""
	}
	return fmt.Sprintf("%s%0*d", t.Prefix, t.Pad, (id%t.Count)+1)
}

// Config contains pool configuration.
type Config struct {
	// Scenario is added as the "scenario" tag on every sample
	Scenario string

	// Exec is the shared request function
	Exec RequestFunc

	// Collector receives every sample
	Collector *metrics.Collector

	// Timeout is the per-request timeout (0 disables it)
	Timeout time.Duration

	// Pacing between iterations of looping VUs
	Pacing Pacing

	// Tenants drives the tenant distribution
	Tenants Tenants

	// MaxVUs is a hard cap on concurrently live VUs (0 means no cap)
	MaxVUs int

	// Budget limits iterations of looping VUs (nil means unlimited)
	Budget Budget

	// Tags are added to every sample
	Tags map[string]string

	Logger *zap.Logger
}

// Pool owns the virtual users of one scenario.
//
// Looping VUs are started and retired with Scale; each runs iterations back
// to back with pacing until its budget is spent or it is stopped. For
// arrival-rate scheduling, TryAcquire hands out an idle VU (allocating a new
// one up to MaxVUs) and RunAsync runs exactly one iteration on it.
//
// Iterations run on a context detached from the run context: cancelling
// the run stops new iterations, while in-flight ones keep going until
// Shutdown's grace period expires.
type Pool struct {
	cfg    Config
	logger *zap.Logger

	iterCtx  context.Context
	hardStop context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	looping []*VirtualUser
	idle    []*VirtualUser
	live    int

	nextID      atomic.Int64
	peak        atomic.Int64
	wg          sync.WaitGroup
	started     atomic.Int64
	interrupted atomic.Int64
}

// NewPool creates a pool. ctx only contributes values to iteration contexts;
// its cancellation does not reach in-flight iterations.
func NewPool(ctx context.Context, cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	iterCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Pool{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "pool"), zap.String("scenario", cfg.Scenario)),
		iterCtx:  iterCtx,
		hardStop: cancel,
		stopCh:   make(chan struct{}),
	}
}

func (p *Pool) baseTags() map[string]string {
	tags := make(map[string]string, len(p.cfg.Tags)+4)
	for k, v := range p.cfg.Tags {
		tags[k] = v
	}
	if p.cfg.Scenario != "" {
		tags["scenario"] = p.cfg.Scenario
	}
	return tags
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pool) newVU() *VirtualUser {
	id := int(p.nextID.Add(1))
	return newVirtualUser(id, p.cfg.Tenants.For(id), p)
}

// Scale starts or retires looping VUs until target are active. The newest
// VUs are retired first. It returns the active count after adjustment.
func (p *Pool) Scale(target int) int {
	if p.cfg.MaxVUs > 0 && target > p.cfg.MaxVUs {
		target = p.cfg.MaxVUs
	}
	if target < 0 {
		target = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Drop VUs that have already exited.
	alive := p.looping[:0]
	for _, v := range p.looping {
		if v.GetState() != StateStopped {
			alive = append(alive, v)
		}
	}
	p.looping = alive

	if p.stopped() {
		return p.activeLocked()
	}

	current := p.activeLocked()
	if target > current {
		for i := current; i < target; i++ {
			v := p.newVU()
			p.looping = append(p.looping, v)
			p.wg.Add(1)
			go p.loop(v)
		}
		p.logger.Debug("scaled up", zap.Int("from", current), zap.Int("to", target))
	} else if target < current {
		excess := current - target
		for i := len(p.looping) - 1; i >= 0 && excess > 0; i-- {
			if !p.looping[i].stopping() {
				p.looping[i].RequestStop()
				excess--
			}
		}
		p.logger.Debug("scaled down", zap.Int("from", current), zap.Int("to", target))
	}

	active := p.activeLocked()
	p.notePeak(active + p.live - len(p.idle))
	return active
}

func (p *Pool) activeLocked() int {
	n := 0
	for _, v := range p.looping {
		if !v.stopping() {
			n++
		}
	}
	return n
}

func (p *Pool) notePeak(n int) {
	for {
		cur := p.peak.Load()
		if int64(n) <= cur || p.peak.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

func (p *Pool) loop(v *VirtualUser) {
	defer p.wg.Done()
	defer v.markStopped()

	for {
		if p.stopped() || v.stopping() {
			return
		}
		if p.cfg.Budget != nil && !p.cfg.Budget(v) {
			return
		}

		v.runIteration(p.iterCtx)

		if d := p.cfg.Pacing.Delay(); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-p.stopCh:
			case <-v.stopCh:
			case <-p.iterCtx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}
}

// Preallocate creates n idle VUs for arrival-rate scheduling.
func (p *Pool) Preallocate(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		if p.cfg.MaxVUs > 0 && p.live >= p.cfg.MaxVUs {
			return
		}
		p.idle = append(p.idle, p.newVU())
		p.live++
	}
}

// TryAcquire returns an idle VU, allocating one when every live VU is busy
// and the cap allows it. ok is false when the pool is saturated or stopping.
func (p *Pool) TryAcquire() (*VirtualUser, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped() {
		return nil, false
	}
	if n := len(p.idle); n > 0 {
		v := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.notePeak(p.live - len(p.idle))
		p.wg.Add(1)
		return v, true
	}
	if p.cfg.MaxVUs > 0 && p.live >= p.cfg.MaxVUs {
		return nil, false
	}
	p.live++
	p.logger.Debug("allocated VU", zap.Int("live", p.live))
	p.notePeak(p.live)
	p.wg.Add(1)
	return p.newVU(), true
}

// RunAsync runs one iteration on a VU obtained from TryAcquire and returns
// it to the idle list. Every successful TryAcquire must be followed by
// exactly one RunAsync.
func (p *Pool) RunAsync(v *VirtualUser) {
	go func() {
		defer p.wg.Done()
		v.runIteration(p.iterCtx)

		p.mu.Lock()
		p.idle = append(p.idle, v)
		p.mu.Unlock()
	}()
}

// Active returns the number of VUs currently running or looping.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeLocked() + p.live - len(p.idle)
}

// Live returns the number of allocated arrival-rate VUs.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Peak returns the highest number of concurrently busy VUs seen.
func (p *Pool) Peak() int {
	return int(p.peak.Load())
}

// Started returns how many iterations have begun.
func (p *Pool) Started() int64 {
	return p.started.Load()
}

// SetBudget installs the iteration budget of looping VUs. It must be called
// before the first Scale.
func (p *Pool) SetBudget(b Budget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.Budget = b
}

// Interrupted returns how many iterations were abandoned at hard stop.
func (p *Pool) Interrupted() int64 {
	return p.interrupted.Load()
}

// RecordVUs records the current active VU count as a "vus" sample.
func (p *Pool) RecordVUs() {
	if p.cfg.Collector == nil {
		return
	}
	_ = p.cfg.Collector.Record(metrics.TrendSample(metrics.VUs, float64(p.Active()), p.baseTags()))
}

// Wait blocks until every VU has exited or ctx is done. It reports whether
// the pool drained.
func (p *Pool) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop prevents any new iteration from starting. It does not wait.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	for _, v := range p.looping {
		v.RequestStop()
	}
}

// Shutdown stops the pool and lets in-flight iterations drain for up to
// grace. Iterations still running after that have their context cancelled
// and are not recorded. It reports whether everything drained in time.
func (p *Pool) Shutdown(grace time.Duration) bool {
	p.Stop()
	defer p.hardStop()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if p.Wait(ctx) {
		return true
	}

	p.logger.Warn("graceful stop expired, interrupting in-flight iterations",
		zap.Duration("gracefulStop", grace),
		zap.Int("active", p.Active()))
	p.hardStop()

	hardCtx, hardCancel := context.WithTimeout(context.Background(), hardStopWait)
	defer hardCancel()
	if !p.Wait(hardCtx) {
		p.logger.Warn("request functions ignored cancellation", zap.Int("active", p.Active()))
	}
	return false
}
