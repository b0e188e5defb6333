package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/vu"
)

func staticExec(fn vu.RequestFunc) Option {
	return WithExecFactory(func(string, *config.ScenarioConfig) (vu.RequestFunc, error) {
		return fn, nil
	})
}

func noProbe() Option {
	return WithProbe(func(context.Context) error { return nil })
}

func testConfig(scenarios map[string]*config.ScenarioConfig, thresholds map[string][]string) *config.TestConfig {
	return &config.TestConfig{
		Name:       "engine-test",
		Settings:   config.Settings{BaseURL: "http://router.test:8081", GracefulStop: config.Duration(time.Second)},
		Scenarios:  scenarios,
		Thresholds: thresholds,
	}
}

func TestEngine_PerVUIterationsPass(t *testing.T) {
	cfg := testConfig(map[string]*config.ScenarioConfig{
		"smoke": {Executor: config.ExecutorPerVUIterations, VUs: 10, Iterations: 5, MaxDuration: "30s"},
	}, map[string][]string{
		"http_req_duration": {"p(95)<100"},
		"http_req_failed":   {"rate<0.01"},
	})

	exec := func(ctx context.Context, it vu.Iteration) vu.Result {
		return vu.Result{Status: 200, Latency: 50 * time.Millisecond, Success: true}
	}
	eng, err := New(cfg, staticExec(exec), noProbe())
	require.NoError(t, err)

	res, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.False(t, res.Interrupted)
	assert.True(t, res.Passed)
	assert.NotEmpty(t, res.RunID)

	reqs, ok := res.Snapshot.Get(metrics.HTTPReqs)
	require.True(t, ok)
	assert.Equal(t, 50.0, reqs.Sum)
	dur, _ := res.Snapshot.Get(metrics.HTTPReqDuration)
	assert.Equal(t, 50.0, dur.Percentile(95))

	require.Len(t, res.Thresholds, 2)
	for _, tr := range res.Thresholds {
		assert.True(t, tr.Passed, tr.Expression)
	}
	assert.Equal(t, 50.0, res.Thresholds[0].Observed)

	sr := res.Scenarios["smoke"]
	require.NotNil(t, sr)
	assert.Equal(t, int64(50), sr.Iterations)
	assert.Equal(t, 10, sr.PeakVUs)
	assert.True(t, sr.Drained)
}

func TestEngine_FailureRateFailsThreshold(t *testing.T) {
	cfg := testConfig(map[string]*config.ScenarioConfig{
		"flaky": {Executor: config.ExecutorSharedIterations, VUs: 5, Iterations: 500, MaxDuration: "30s"},
	}, map[string][]string{
		"http_req_failed": {"rate<0.1"},
	})

	var calls atomic.Int64
	exec := func(ctx context.Context, it vu.Iteration) vu.Result {
		if calls.Add(1)%5 == 0 {
			return vu.Result{Status: 500}
		}
		return vu.Result{Status: 200, Latency: time.Millisecond, Success: true}
	}
	eng, err := New(cfg, staticExec(exec), noProbe())
	require.NoError(t, err)

	res, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.False(t, res.Passed)
	require.Len(t, res.Thresholds, 1)
	assert.InDelta(t, 0.20, res.Thresholds[0].Observed, 1e-9)
	assert.NotEmpty(t, res.Thresholds[0].Message)
}

func TestEngine_ProbeFailureAborts(t *testing.T) {
	cfg := testConfig(map[string]*config.ScenarioConfig{
		"baseline": {Executor: config.ExecutorConstantVUs, VUs: 2, Duration: "1s"},
	}, nil)

	var calls atomic.Int64
	exec := func(ctx context.Context, it vu.Iteration) vu.Result {
		calls.Add(1)
		return vu.Result{Success: true}
	}
	probeErr := errors.New("connection refused")
	eng, err := New(cfg, staticExec(exec), WithProbe(func(context.Context) error { return probeErr }))
	require.NoError(t, err)

	res, err := eng.Run(context.Background())
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.ErrorIs(t, err, probeErr)

	require.NotNil(t, res)
	assert.True(t, res.Aborted())
	assert.Contains(t, res.AbortReason, "connection refused")
	assert.Nil(t, res.Snapshot)
	assert.False(t, res.Passed)
	assert.Equal(t, int64(0), calls.Load(), "no VU may start before setup succeeds")
	assert.Equal(t, StateAborted, eng.State())
}

func TestEngine_CancelDrainsAndReports(t *testing.T) {
	cfg := testConfig(map[string]*config.ScenarioConfig{
		"long": {Executor: config.ExecutorConstantVUs, VUs: 3, Duration: "1m"},
	}, map[string][]string{
		"http_req_failed": {"rate<0.01"},
	})

	exec := func(ctx context.Context, it vu.Iteration) vu.Result {
		time.Sleep(20 * time.Millisecond)
		return vu.Result{Status: 200, Success: true}
	}

	var mu sync.Mutex
	var states []State
	eng, err := New(cfg, staticExec(exec), noProbe(), WithStateListener(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := eng.Run(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, StateCompleted, res.State)
	assert.True(t, res.Interrupted)
	assert.True(t, res.Passed, "in-flight iterations finish cleanly on cancel")

	reqs, ok := res.Snapshot.Get(metrics.HTTPReqs)
	require.True(t, ok)
	assert.Greater(t, reqs.Sum, 0.0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateRunning, StateWindingDown, StateCompleted}, states)
}

func TestEngine_MaxDurationBoundsRun(t *testing.T) {
	cfg := testConfig(map[string]*config.ScenarioConfig{
		"long": {Executor: config.ExecutorConstantVUs, VUs: 1, Duration: "1m"},
	}, nil)
	cfg.Settings.MaxDuration = config.Duration(150 * time.Millisecond)

	exec := func(ctx context.Context, it vu.Iteration) vu.Result {
		time.Sleep(5 * time.Millisecond)
		return vu.Result{Status: 200, Success: true}
	}
	eng, err := New(cfg, staticExec(exec), noProbe())
	require.NoError(t, err)

	res, err := eng.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Less(t, res.Duration, 5*time.Second)
}

func TestEngine_SubmetricThresholds(t *testing.T) {
	cfg := testConfig(map[string]*config.ScenarioConfig{
		"fast": {Executor: config.ExecutorPerVUIterations, VUs: 2, Iterations: 5},
		"slow": {Executor: config.ExecutorPerVUIterations, VUs: 2, Iterations: 5},
	}, map[string][]string{
		"http_req_duration{scenario:fast}": {"max<100"},
		"http_req_duration{scenario:slow}": {"max<100"},
	})

	exec := WithExecFactory(func(name string, _ *config.ScenarioConfig) (vu.RequestFunc, error) {
		latency := 10 * time.Millisecond
		if name == "slow" {
			latency = 300 * time.Millisecond
		}
		return func(ctx context.Context, it vu.Iteration) vu.Result {
			return vu.Result{Status: 200, Latency: latency, Success: true}
		}, nil
	})
	eng, err := New(cfg, exec, noProbe())
	require.NoError(t, err)

	res, err := eng.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Thresholds, 2)
	assert.Equal(t, "http_req_duration{scenario:fast}", res.Thresholds[0].Metric)
	assert.True(t, res.Thresholds[0].Passed)
	assert.Equal(t, "http_req_duration{scenario:slow}", res.Thresholds[1].Metric)
	assert.False(t, res.Thresholds[1].Passed)
	assert.Equal(t, 300.0, res.Thresholds[1].Observed)
	assert.False(t, res.Passed)
}

func TestEngine_AgainstRouter(t *testing.T) {
	var health, api atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health.Add(1)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/api/test", func(w http.ResponseWriter, r *http.Request) {
		api.Add(1)
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"request_id":"` + r.Header.Get("X-Request-ID") + `","tenant_id":"` + r.Header.Get("X-Tenant-ID") + `"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := &config.TestConfig{
		Settings: config.Settings{
			BaseURL: server.URL,
			Tenants: config.TenantSettings{Count: 5},
		},
		Scenarios: map[string]*config.ScenarioConfig{
			"arrivals": {
				Executor:        config.ExecutorConstantArrivalRate,
				Rate:            20,
				Duration:        "500ms",
				PreAllocatedVUs: 2,
				MaxVUs:          10,
				Request:         config.RequestConfig{CheckTenant: true},
			},
		},
		Thresholds: map[string][]string{
			"checks":              {"rate>0.99"},
			"dropped_iterations":  {"count==0"},
			"http_req_failed":     {"rate==0"},
			"http_reqs":           {"count==10"},
			"status_poll_latency": {"max<1s"},
		},
	}
	eng, err := New(cfg)
	require.NoError(t, err)

	res, err := eng.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), health.Load())
	assert.Equal(t, int64(10), api.Load())
	for _, tr := range res.Thresholds {
		assert.True(t, tr.Passed, "%s %s: %s", tr.Metric, tr.Expression, tr.Message)
	}
	assert.True(t, res.Passed)
	assert.Equal(t, server.URL, res.BaseURL)
}

func TestEngine_ScenarioRequestSettings(t *testing.T) {
	var mu sync.Mutex
	tenants := map[string]bool{}
	tiers := map[string]bool{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/test", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		tenants[r.Header.Get("X-Tenant-ID")] = true
		tiers[r.Header.Get("X-Tenant-Tier")] = true
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"request_id":"x","status_url":"/status/x","stream_url":"/stream/x"}`))
	})
	mux.HandleFunc("/status/x", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"done"}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	always := 1.0
	cfg := &config.TestConfig{
		Settings: config.Settings{
			BaseURL:     server.URL,
			Tenants:     config.TenantSettings{Count: 5},
			Health:      config.HealthSettings{Skip: true},
			MaxDuration: config.Duration(10 * time.Second),
		},
		Scenarios: map[string]*config.ScenarioConfig{
			"capacity": {
				Executor:   config.ExecutorPerVUIterations,
				VUs:        3,
				Iterations: 2,
				Tenants:    &config.TenantSettings{Count: 100, Pad: 3},
				Tags:       map[string]string{"type": "api_request"},
				Request: config.RequestConfig{
					Headers:         map[string]string{"X-Tenant-Tier": "standard"},
					RequireFields:   []string{"status_url", "stream_url"},
					MaxLatency:      "5s",
					StatusPollRatio: &always,
				},
			},
		},
		Thresholds: map[string][]string{
			"http_req_duration{type:api_request}": {"p(95)<5000"},
			"http_req_failed{type:api_request}":   {"rate==0"},
			"checks":                              {"rate==1"},
			"status_poll_latency":                 {"count==6"},
		},
	}
	eng, err := New(cfg, noProbe())
	require.NoError(t, err)

	res, err := eng.Run(context.Background())
	require.NoError(t, err)
	for _, tr := range res.Thresholds {
		assert.True(t, tr.Passed, "%s %s: %s", tr.Metric, tr.Expression, tr.Message)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]bool{"standard": true}, tiers)
	assert.Len(t, tenants, 3)
	for tenant := range tenants {
		assert.Regexp(t, `^tenant-\d{3}$`, tenant)
	}
}

func TestScenarioTenants(t *testing.T) {
	run := config.TenantSettings{Prefix: "tenant-", Count: 5}

	got := scenarioTenants(run, &config.ScenarioConfig{})
	assert.Equal(t, vu.Tenants{Prefix: "tenant-", Count: 5}, got)

	got = scenarioTenants(run, &config.ScenarioConfig{Tenants: &config.TenantSettings{Count: 100, Pad: 3}})
	assert.Equal(t, vu.Tenants{Prefix: "tenant-", Count: 100, Pad: 3}, got)
	assert.Equal(t, "tenant-001", got.For(100))

	got = scenarioTenants(run, &config.ScenarioConfig{Request: config.RequestConfig{Tenant: "ratelimit-test"}})
	assert.Equal(t, "ratelimit-test", got.For(3))
}

func TestEngine_RunsOnce(t *testing.T) {
	cfg := testConfig(map[string]*config.ScenarioConfig{
		"once": {Executor: config.ExecutorSharedIterations, VUs: 1, Iterations: 1},
	}, nil)
	eng, err := New(cfg, staticExec(func(context.Context, vu.Iteration) vu.Result {
		return vu.Result{Status: 200, Success: true}
	}), noProbe())
	require.NoError(t, err)

	_, err = eng.Run(context.Background())
	require.NoError(t, err)
	_, err = eng.Run(context.Background())
	assert.Error(t, err)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(map[string]*config.ScenarioConfig{
		"bad": {Executor: "warp-speed"},
	}, map[string][]string{"http_req_duration": {"p95 about 3"}})

	_, err := New(cfg)
	var verrs *config.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.GreaterOrEqual(t, len(verrs.Errors), 2)
}
