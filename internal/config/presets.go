package config

import (
	"fmt"
	"sort"
)

// Preset is a named, ready-to-run scenario. Settings, when set, adjusts the
// run-wide settings the scenario depends on. Thresholds are added to the
// defaults when the preset runs.
type Preset struct {
	Name        string
	Description string
	Scenario    ScenarioConfig
	Settings    func(*Settings)
	Thresholds  map[string][]string
}

// apiRequest tags the requests of scenarios whose thresholds target the
// API call alone.
var apiRequest = map[string]string{"type": "api_request"}

// routedFields are the fields of a 202 Accepted routing response.
var routedFields = []string{"request_id", "status_url", "stream_url"}

func pollRatio(r float64) *float64 { return &r }

var presets = map[string]Preset{
	"baseline": {
		Name:        "baseline",
		Description: "10 VUs for 2 minutes with 100ms think time",
		Scenario: ScenarioConfig{
			Executor:  ExecutorConstantVUs,
			VUs:       10,
			Duration:  "2m",
			ThinkTime: "100ms",
			Request:   RequestConfig{TestName: "load-test", RequestIDPrefix: "load", MaxLatency: "2s"},
		},
	},
	"rampup": {
		Name:        "rampup",
		Description: "ramp 10 -> 50 VUs, hold 3 minutes, ramp down",
		Scenario: ScenarioConfig{
			Executor:  ExecutorRampingVUs,
			StartVUs:  10,
			ThinkTime: "100ms",
			Stages: []StageConfig{
				{Duration: "1m", Target: 50},
				{Duration: "3m", Target: 50},
				{Duration: "1m", Target: 0},
			},
			Request: RequestConfig{TestName: "load-test", RequestIDPrefix: "load", MaxLatency: "2s"},
		},
	},
	"spike": {
		Name:        "spike",
		Description: "baseline of 10 VUs with a 100 VU spike",
		Scenario: ScenarioConfig{
			Executor:  ExecutorRampingVUs,
			StartVUs:  10,
			ThinkTime: "100ms",
			Stages: []StageConfig{
				{Duration: "30s", Target: 10},
				{Duration: "10s", Target: 100},
				{Duration: "30s", Target: 100},
				{Duration: "10s", Target: 10},
				{Duration: "30s", Target: 10},
			},
			Request: RequestConfig{TestName: "load-test", RequestIDPrefix: "load", MaxLatency: "2s"},
		},
	},
	"sustained": {
		Name:        "sustained",
		Description: "100 VUs for 10 minutes",
		Scenario: ScenarioConfig{
			Executor:  ExecutorConstantVUs,
			VUs:       100,
			Duration:  "10m",
			ThinkTime: "100ms",
			Request:   RequestConfig{TestName: "load-test", RequestIDPrefix: "load", MaxLatency: "2s"},
		},
	},
	"ratelimit": {
		Name:        "ratelimit",
		Description: "200 requests/minute for 2 minutes against a single tenant",
		Scenario: ScenarioConfig{
			Executor:        ExecutorConstantArrivalRate,
			Rate:            200,
			TimeUnit:        "1m",
			Duration:        "2m",
			PreAllocatedVUs: 10,
			MaxVUs:          50,
			Request: RequestConfig{
				TestName:          "rate-limit-test",
				RequestIDPrefix:   "ratelimit",
				Tenant:            "ratelimit-test",
				AcceptRateLimited: true,
				Timeout:           "10s",
			},
		},
	},
	"capacity": {
		Name:        "capacity",
		Description: "ramp 0 -> 100 -> 1000 VUs, hold 5 minutes over 100 tenants",
		Scenario: ScenarioConfig{
			Executor:  ExecutorRampingVUs,
			ThinkTime: "1s",
			Stages: []StageConfig{
				{Duration: "1m", Target: 100},
				{Duration: "2m", Target: 1000},
				{Duration: "5m", Target: 1000},
				{Duration: "1m", Target: 0},
			},
			Tenants: &TenantSettings{Count: 100, Pad: 3},
			Tags:    apiRequest,
			Request: RequestConfig{
				TestName:        "load test request",
				RequestIDPrefix: "load",
				MaxLatency:      "200ms",
				RequireFields:   routedFields,
				Headers:         map[string]string{"X-Tenant-Tier": "standard"},
				StatusPollRatio: pollRatio(0.1),
			},
		},
		Thresholds: map[string][]string{
			"http_req_duration{type:api_request}": {"p(95)<100", "p(99)<200"},
			"http_req_failed{type:api_request}":   {"rate<0.001"},
			"status_poll_latency":                 {"p(95)<50"},
		},
	},
	"multitenant": {
		Name:        "multitenant",
		Description: "100 VUs x 30 iterations spread over 5 tenants",
		Scenario: ScenarioConfig{
			Executor:    ExecutorPerVUIterations,
			VUs:         100,
			Iterations:  30,
			MaxDuration: "5m",
			ThinkTime:   "200ms",
			Request: RequestConfig{
				TestName:        "multi-tenant-test",
				RequestIDPrefix: "multitenant",
				CheckTenant:     true,
			},
		},
		Settings: func(s *Settings) {
			if s.Tenants.Count == 0 {
				s.Tenants.Count = 5
			}
		},
	},
}

// DefaultThresholds are the pass/fail criteria used when a preset runs
// without a config file. They are ordinary configuration values.
func DefaultThresholds() map[string][]string {
	return map[string][]string{
		"http_req_duration": {"p(95)<500", "p(99)<1000"},
		"http_req_failed":   {"rate<0.01"},
		"errors":            {"rate<0.01"},
	}
}

// PresetNames returns the built-in preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupPreset returns a copy of the named preset.
func LookupPreset(name string) (Preset, bool) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, false
	}
	p.Scenario = copyScenario(p.Scenario)
	if p.Thresholds != nil {
		th := make(map[string][]string, len(p.Thresholds))
		for k, v := range p.Thresholds {
			th[k] = append([]string(nil), v...)
		}
		p.Thresholds = th
	}
	return p, true
}

func copyScenario(sc ScenarioConfig) ScenarioConfig {
	sc.Stages = append([]StageConfig(nil), sc.Stages...)
	sc.Tags = copyStrings(sc.Tags)
	sc.Request.Headers = copyStrings(sc.Request.Headers)
	sc.Request.RequireFields = append([]string(nil), sc.Request.RequireFields...)
	if sc.Request.StatusPollRatio != nil {
		sc.Request.StatusPollRatio = pollRatio(*sc.Request.StatusPollRatio)
	}
	if sc.Tenants != nil {
		t := *sc.Tenants
		sc.Tenants = &t
	}
	if sc.Pacing != nil {
		pc := *sc.Pacing
		sc.Pacing = &pc
	}
	return sc
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FromPresets builds a TestConfig holding the named presets, or every preset
// when names is empty or SelectAll.
func FromPresets(baseURL string, names ...string) (*TestConfig, error) {
	if len(names) == 0 || (len(names) == 1 && names[0] == SelectAll) {
		names = PresetNames()
	}

	cfg := &TestConfig{
		Name:       "volley",
		Settings:   Settings{BaseURL: baseURL, Tenants: TenantSettings{Count: 5}},
		Scenarios:  make(map[string]*ScenarioConfig, len(names)),
		Thresholds: DefaultThresholds(),
	}

	for _, name := range names {
		p, ok := LookupPreset(name)
		if !ok {
			return nil, fmt.Errorf("unknown preset %q (available: %v)", name, PresetNames())
		}
		sc := p.Scenario
		cfg.Scenarios[name] = &sc
		if p.Settings != nil {
			p.Settings(&cfg.Settings)
		}
		for metric, exprs := range p.Thresholds {
			cfg.Thresholds[metric] = append(cfg.Thresholds[metric], exprs...)
		}
	}
	if len(names) == 1 {
		cfg.Name = names[0]
	}
	return cfg, nil
}
