// Package engine orchestrates a load test run.
//
// A run moves through Setup, Running and WindingDown and ends Completed or
// Aborted. Setup builds one profile, VU pool and executor per scenario and
// probes the target; any failure there aborts the run before a single VU
// starts. Running executes every scenario concurrently. The final metrics
// snapshot is taken only after all executors have returned, so no sample
// recorded by a drained iteration is lost.
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("test.yaml")
//	eng, _ := engine.New(cfg, engine.WithLogger(logger))
//	result, _ := eng.Run(ctx)
//	fmt.Printf("Test passed: %v\n", result.Passed)
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/executor"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/profile"
	"github.com/wesleyorama2/volley/internal/target"
	"github.com/wesleyorama2/volley/internal/threshold"
	"github.com/wesleyorama2/volley/internal/vu"
)

// State is the lifecycle state of a run.
type State int32

const (
	StateSetup State = iota
	StateRunning
	StateWindingDown
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateSetup:
		return "setup"
	case StateRunning:
		return "running"
	case StateWindingDown:
		return "winding-down"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SetupError aborts a run before load starts.
type SetupError struct {
	Scenario string
	Err      error
}

func (e *SetupError) Error() string {
	if e.Scenario != "" {
		return fmt.Sprintf("setup failed for scenario %s: %v", e.Scenario, e.Err)
	}
	return fmt.Sprintf("setup failed: %v", e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// ExecFactory builds the request function of a scenario.
type ExecFactory func(name string, sc *config.ScenarioConfig) (vu.RequestFunc, error)

// ProbeFunc checks that the target is ready.
type ProbeFunc func(ctx context.Context) error

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver forwards every sample to o, for example a Prometheus exporter.
func WithObserver(o metrics.Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

// WithExecFactory replaces the router request function.
func WithExecFactory(f ExecFactory) Option {
	return func(e *Engine) {
		e.execFactory = f
	}
}

// WithProbe replaces the readiness probe.
func WithProbe(p ProbeFunc) Option {
	return func(e *Engine) {
		e.probe = p
	}
}

// WithStateListener is called on every state transition.
func WithStateListener(f func(State)) Option {
	return func(e *Engine) {
		e.onState = f
	}
}

// Engine runs one test configuration once.
type Engine struct {
	config *config.TestConfig
	logger *zap.Logger

	observers   []metrics.Observer
	execFactory ExecFactory
	probe       ProbeFunc
	onState     func(State)
	client      *target.Client

	// notifyMu orders state listener calls
	notifyMu sync.Mutex

	mu        sync.RWMutex
	state     State
	runners   []*scenarioRunner
	collector *metrics.Collector
	startTime time.Time
	used      bool
}

type scenarioRunner struct {
	name     string
	config   *config.ScenarioConfig
	profile  *profile.Profile
	pool     *vu.Pool
	executor executor.Executor
	duration time.Duration
}

// New validates cfg, applies defaults and creates an engine.
func New(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults(cfg)

	e := &Engine{
		config: cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "engine"))

	s := cfg.Settings
	e.client = target.NewClient(s.BaseURL,
		target.WithInsecureSkipVerify(s.InsecureSkipVerify),
		target.WithMaxIdleConnsPerHost(s.MaxIdleConnsPerHost),
	)
	for k, v := range s.Headers {
		target.WithHeader(k, v)(e.client)
	}
	if e.execFactory == nil {
		e.execFactory = e.routerExec
	}
	if e.probe == nil {
		e.probe = e.healthProbe
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() *config.TestConfig {
	return e.config
}

// State returns the current run state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if e.state == s {
		e.mu.Unlock()
		return
	}
	e.state = s
	e.mu.Unlock()
	e.notify(s)
}

// transition moves from one state to another only if the run is still in
// from.
func (e *Engine) transition(from, to State) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if e.state != from {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()
	e.notify(to)
}

func (e *Engine) notify(s State) {
	e.logger.Debug("state changed", zap.Stringer("state", s))
	if e.onState != nil {
		e.onState(s)
	}
}

// Run executes the test. It returns a result for every run that got past
// argument checks; a *SetupError is returned alongside an aborted result.
// Cancelling ctx stops new iterations, drains in-flight ones and still
// produces a full report.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.used {
		e.mu.Unlock()
		return nil, errors.New("engine has already run")
	}
	e.used = true
	e.startTime = time.Now()
	e.mu.Unlock()

	res := &Result{
		RunID:       uuid.NewString(),
		Name:        e.config.Name,
		Description: e.config.Description,
		BaseURL:     e.config.Settings.BaseURL,
		StartTime:   e.startTime,
	}
	logger := e.logger.With(zap.String("runId", res.RunID))

	e.setState(StateSetup)
	if err := e.setup(ctx); err != nil {
		return e.abort(res, err), err
	}

	logger.Info("run started",
		zap.Strings("scenarios", config.ScenarioNames(e.config)),
		zap.String("baseUrl", e.config.Settings.BaseURL))
	e.setState(StateRunning)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if maxDur := time.Duration(e.config.Settings.MaxDuration); maxDur > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, maxDur)
		defer cancel()
	}

	go func() {
		<-runCtx.Done()
		e.transition(StateRunning, StateWindingDown)
	}()

	runErr := e.execute(runCtx)
	res.Interrupted = runCtx.Err() != nil
	e.transition(StateRunning, StateWindingDown)

	// Every executor has returned; no more samples can arrive.
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)
	snap := e.collector.Snapshot()
	snap.Elapsed = res.Duration
	res.Snapshot = snap
	res.Scenarios = e.scenarioResults()

	res.Thresholds = threshold.Evaluate(snap, threshold.FromConfig(e.config.Thresholds))
	res.Passed = threshold.Passed(res.Thresholds)

	if runErr != nil {
		res.State = StateAborted
		res.AbortReason = runErr.Error()
		res.Passed = false
		e.setState(StateAborted)
		logger.Error("run aborted", zap.Error(runErr))
		return res, runErr
	}

	res.State = StateCompleted
	e.setState(StateCompleted)
	logger.Info("run completed",
		zap.Duration("duration", res.Duration),
		zap.Bool("passed", res.Passed),
		zap.Bool("interrupted", res.Interrupted))
	return res, nil
}

func (e *Engine) abort(res *Result, err error) *Result {
	res.State = StateAborted
	res.AbortReason = err.Error()
	res.EndTime = time.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)
	e.setState(StateAborted)
	e.logger.Error("run aborted during setup", zap.String("runId", res.RunID), zap.Error(err))
	return res
}

// setup builds every scenario and probes the target. No VU is started.
func (e *Engine) setup(ctx context.Context) error {
	collectorOpts := make([]metrics.Option, 0, len(e.observers))
	for _, o := range e.observers {
		collectorOpts = append(collectorOpts, metrics.WithObserver(o))
	}
	collector := metrics.NewCollector(collectorOpts...)

	for _, spec := range threshold.FromConfig(e.config.Thresholds) {
		if spec.Err != nil {
			continue
		}
		if _, tags, err := metrics.ParseName(spec.Metric); err == nil && len(tags) > 0 {
			if _, err := collector.AddSubmetric(spec.Metric); err != nil {
				return &SetupError{Err: err}
			}
		}
	}

	var runners []*scenarioRunner
	for _, name := range config.ScenarioNames(e.config) {
		r, err := e.buildRunner(ctx, name, e.config.Scenarios[name], collector)
		if err != nil {
			return &SetupError{Scenario: name, Err: err}
		}
		runners = append(runners, r)
	}

	e.mu.Lock()
	e.collector = collector
	e.runners = runners
	e.mu.Unlock()

	if e.config.Settings.Health.Skip {
		return nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.Settings.Health.Timeout))
	defer cancel()
	if err := e.probe(probeCtx); err != nil {
		return &SetupError{Err: err}
	}
	return nil
}

func (e *Engine) buildRunner(ctx context.Context, name string, sc *config.ScenarioConfig, collector *metrics.Collector) (*scenarioRunner, error) {
	s := e.config.Settings

	prof, err := profile.FromScenario(name, sc, e.logger)
	if err != nil {
		return nil, err
	}
	pacing, err := vu.PacingFromScenario(sc)
	if err != nil {
		return nil, err
	}
	exec, err := e.execFactory(name, sc)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(s.Timeout)
	if sc.Request.Timeout != "" {
		if timeout, err = config.ParseDurationString(sc.Request.Timeout); err != nil {
			return nil, err
		}
	}
	grace := time.Duration(s.GracefulStop)
	if sc.GracefulStop != "" {
		if grace, err = config.ParseDurationString(sc.GracefulStop); err != nil {
			return nil, err
		}
	}

	maxVUs := s.MaxVUs
	if prof.Kind.IsArrivalRate() {
		maxVUs = prof.MaxVUs
	}

	pool := vu.NewPool(ctx, vu.Config{
		Scenario:  name,
		Exec:      exec,
		Collector: collector,
		Timeout:   timeout,
		Pacing:    pacing,
		Tenants: scenarioTenants(s.Tenants, sc),
		MaxVUs: maxVUs,
		Tags:   sc.Tags,
		Logger: e.logger,
	})

	ex, err := executor.New(prof, executor.Options{
		Scenario:     name,
		GracefulStop: grace,
		Tags:         sc.Tags,
		Logger:       e.logger,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("scenario ready",
		zap.String("scenario", name),
		zap.String("executor", string(prof.Kind)),
		zap.Duration("duration", prof.Duration()),
		zap.Float64("maxTarget", prof.MaxTarget()))

	return &scenarioRunner{
		name:     name,
		config:   sc,
		profile:  prof,
		pool:     pool,
		executor: ex,
	}, nil
}

// routerExec is the default ExecFactory.
func (e *Engine) routerExec(name string, sc *config.ScenarioConfig) (vu.RequestFunc, error) {
	s := e.config.Settings
	var schema *target.Schema
	if s.ResponseSchema != "" {
		var err error
		if schema, err = target.LoadSchema(s.ResponseSchema); err != nil {
			return nil, err
		}
	}
	var maxLatency time.Duration
	if sc.Request.MaxLatency != "" {
		var err error
		if maxLatency, err = config.ParseDurationString(sc.Request.MaxLatency); err != nil {
			return nil, err
		}
	}
	pollRatio := s.StatusPollRatio
	if sc.Request.StatusPollRatio != nil {
		pollRatio = *sc.Request.StatusPollRatio
	}
	router := target.NewRouter(e.client, target.RouterOptions{
		Method:            sc.Request.Method,
		Path:              sc.Request.Path,
		TestName:          sc.Request.TestName,
		RequestIDPrefix:   sc.Request.RequestIDPrefix,
		AcceptStatus:      s.AcceptStatus,
		AcceptRateLimited: sc.Request.AcceptRateLimited,
		CheckTenant:       sc.Request.CheckTenant,
		MaxLatency:        maxLatency,
		RequireFields:     sc.Request.RequireFields,
		Headers:           sc.Request.Headers,
		StatusPollRatio:   pollRatio,
		Schema:            schema,
		Logger:            e.logger.With(zap.String("scenario", name)),
	})
	return router.Execute, nil
}

// scenarioTenants resolves the tenant assignment of a scenario. A scenario
// tenants block overrides the run-wide one; an unset prefix is inherited.
func scenarioTenants(run config.TenantSettings, sc *config.ScenarioConfig) vu.Tenants {
	t := run
	if sc.Tenants != nil {
		t = *sc.Tenants
		if t.Prefix == "" {
			t.Prefix = run.Prefix
		}
	}
	return vu.Tenants{
		Fixed:  sc.Request.Tenant,
		Prefix: t.Prefix,
		Count:  t.Count,
		Pad:    t.Pad,
	}
}

func (e *Engine) healthProbe(ctx context.Context) error {
	return e.client.Probe(ctx, e.config.Settings.Health.Path)
}

// execute runs every scenario concurrently and waits for all of them.
func (e *Engine) execute(ctx context.Context) error {
	e.mu.RLock()
	runners := e.runners
	collector := e.collector
	e.mu.RUnlock()

	var g errgroup.Group
	for _, r := range runners {
		r := r
		g.Go(func() error {
			start := time.Now()
			err := r.executor.Run(ctx, r.pool, collector)
			r.duration = time.Since(start)
			if err != nil {
				return fmt.Errorf("scenario %s: %w", r.name, err)
			}
			if n := r.pool.Interrupted(); n > 0 {
				e.logger.Warn("iterations interrupted at hard stop",
					zap.String("scenario", r.name),
					zap.Int64("interrupted", n))
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) scenarioResults() map[string]*ScenarioResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]*ScenarioResult, len(e.runners))
	for _, r := range e.runners {
		stats := r.executor.Stats()
		out[r.name] = &ScenarioResult{
			Name:              r.name,
			Executor:          string(r.profile.Kind),
			Duration:          r.duration,
			Iterations:        stats.Iterations,
			DroppedIterations: stats.DroppedIterations,
			Interrupted:       r.pool.Interrupted(),
			PeakVUs:           stats.PeakVUs,
			Drained:           stats.Drained,
		}
	}
	return out
}

// Progress returns live executor statistics keyed by scenario. It is empty
// before Running.
func (e *Engine) Progress() map[string]*executor.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]*executor.Stats, len(e.runners))
	for _, r := range e.runners {
		out[r.name] = r.executor.Stats()
	}
	return out
}

// Elapsed returns the time since Run started.
func (e *Engine) Elapsed() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.startTime.IsZero() {
		return 0
	}
	return time.Since(e.startTime)
}

// Collector returns the live collector, or nil before setup.
func (e *Engine) Collector() *metrics.Collector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collector
}
