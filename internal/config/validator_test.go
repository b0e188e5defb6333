package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(sc *ScenarioConfig) *TestConfig {
	return &TestConfig{
		Name:      "Test",
		Settings:  Settings{BaseURL: "http://localhost:8081"},
		Scenarios: map[string]*ScenarioConfig{"test": sc},
	}
}

func ratio(v float64) *float64 { return &v }

func TestValidate_MinimalValid(t *testing.T) {
	cfg := validConfig(&ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 10, Duration: "30s"})
	assert.NoError(t, cfg.Validate())
}

func TestValidate_NoScenarios(t *testing.T) {
	cfg := &TestConfig{Settings: Settings{BaseURL: "http://localhost:8081"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario")
}

func TestValidate_Scenarios(t *testing.T) {
	tests := []struct {
		name   string
		config *ScenarioConfig
		errMsg string
	}{
		{"constant-vus valid", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s"}, ""},
		{"constant-vus without vus", &ScenarioConfig{Executor: ExecutorConstantVUs, Duration: "1s"}, "vus must be greater than 0"},
		{"constant-vus without duration", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1}, "duration is required"},
		{"ramping-vus valid", &ScenarioConfig{Executor: ExecutorRampingVUs, Stages: []StageConfig{{Duration: "1m", Target: 10}}}, ""},
		{"ramping-vus zero-duration stage", &ScenarioConfig{Executor: ExecutorRampingVUs, Stages: []StageConfig{{Duration: "0s", Target: 10}, {Duration: "1m", Target: 10}}}, ""},
		{"ramping-vus without stages", &ScenarioConfig{Executor: ExecutorRampingVUs}, "at least one stage"},
		{"ramping-vus negative target", &ScenarioConfig{Executor: ExecutorRampingVUs, Stages: []StageConfig{{Duration: "1m", Target: -1}}}, "target cannot be negative"},
		{"ramping-vus negative start", &ScenarioConfig{Executor: ExecutorRampingVUs, StartVUs: -2, Stages: []StageConfig{{Duration: "1m"}}}, "startVUs cannot be negative"},
		{"arrival valid", &ScenarioConfig{Executor: ExecutorConstantArrivalRate, Rate: 200, TimeUnit: "1m", Duration: "2m", PreAllocatedVUs: 10, MaxVUs: 50}, ""},
		{"arrival zero rate", &ScenarioConfig{Executor: ExecutorConstantArrivalRate, Duration: "2m"}, "rate must be greater than 0"},
		{"arrival pool inverted", &ScenarioConfig{Executor: ExecutorConstantArrivalRate, Rate: 1, Duration: "2m", PreAllocatedVUs: 10, MaxVUs: 5}, "cannot be greater than maxVUs"},
		{"arrival zero time unit", &ScenarioConfig{Executor: ExecutorConstantArrivalRate, Rate: 1, Duration: "2m", TimeUnit: "0s"}, "timeUnit must be greater than 0"},
		{"ramping-arrival negative start", &ScenarioConfig{Executor: ExecutorRampingArrivalRate, StartRate: -1, Stages: []StageConfig{{Duration: "1m", Target: 5}}}, "startRate cannot be negative"},
		{"iterations valid", &ScenarioConfig{Executor: ExecutorPerVUIterations, VUs: 100, Iterations: 30, MaxDuration: "5m"}, ""},
		{"iterations missing", &ScenarioConfig{Executor: ExecutorSharedIterations, VUs: 1}, "iterations must be greater than 0"},
		{"iterations default vus", &ScenarioConfig{Executor: ExecutorSharedIterations, Iterations: 5}, ""},
		{"iterations negative vus", &ScenarioConfig{Executor: ExecutorPerVUIterations, VUs: -1, Iterations: 5}, "vus cannot be negative"},
		{"request checks valid", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s", Request: RequestConfig{MaxLatency: "2s", RequireFields: []string{"status_url"}, StatusPollRatio: ratio(0.1)}}, ""},
		{"bad max latency", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s", Request: RequestConfig{MaxLatency: "quick"}}, "request.maxLatency"},
		{"empty required field", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s", Request: RequestConfig{RequireFields: []string{"a", " "}}}, "requireFields[1]"},
		{"request poll ratio above one", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s", Request: RequestConfig{StatusPollRatio: ratio(2)}}, "request.statusPollRatio"},
		{"negative scenario tenants", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s", Tenants: &TenantSettings{Count: -3}}, "tenants.count"},
		{"iterations bad maxDuration", &ScenarioConfig{Executor: ExecutorSharedIterations, VUs: 1, Iterations: 1, MaxDuration: "later"}, "invalid duration"},
		{"missing executor", &ScenarioConfig{}, "executor type is required"},
		{"unknown executor", &ScenarioConfig{Executor: "warp-speed"}, "unknown executor type: warp-speed"},
		{"bad think time", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s", ThinkTime: "-1s"}, "cannot be negative"},
		{"random pacing inverted", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s", Pacing: &PacingConfig{Type: "random", Min: "2s", Max: "1s"}}, "min must be less than or equal to max"},
		{"unknown pacing", &ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s", Pacing: &PacingConfig{Type: "poisson"}}, "invalid pacing type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validConfig(tt.config).Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_Settings(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		errMsg string
	}{
		{"missing base url", func(s *Settings) { s.BaseURL = "" }, "baseUrl is required"},
		{"relative base url", func(s *Settings) { s.BaseURL = "/api" }, "invalid URL"},
		{"poll ratio above one", func(s *Settings) { s.StatusPollRatio = 1.5 }, "statusPollRatio"},
		{"negative tenants", func(s *Settings) { s.Tenants.Count = -1 }, "count cannot be negative"},
		{"negative max vus", func(s *Settings) { s.MaxVUs = -1 }, "maxVUs cannot be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(&ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s"})
			tt.modify(&cfg.Settings)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validConfig(&ScenarioConfig{Executor: ExecutorConstantVUs, VUs: 1, Duration: "1s"})
	cfg.Thresholds = map[string][]string{
		"http_req_duration":                {"p(95)<500", "p(99)<1000"},
		"http_req_duration{scenario:test}": {"max<2s"},
		"http_req_failed":                  {"rate<0.01"},
	}
	require.NoError(t, cfg.Validate())

	cfg.Thresholds["http_req_failed"] = []string{"rate<0.01", "rate about 3"}
	cfg.Thresholds["{broken"] = []string{"count>0"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "thresholds.http_req_failed[1]")
	assert.Contains(t, err.Error(), "thresholds.{broken")
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &TestConfig{
		Scenarios: map[string]*ScenarioConfig{
			"a": {Executor: ExecutorConstantVUs},
			"b": {Executor: "nope"},
		},
	}
	err := cfg.Validate()

	var verrs *ValidationErrors
	require.True(t, errors.As(err, &verrs))
	// a: vus, duration; b: executor; settings: baseUrl
	assert.Len(t, verrs.Errors, 4)
	assert.True(t, strings.HasPrefix(err.Error(), "4 validation errors:"))
}
