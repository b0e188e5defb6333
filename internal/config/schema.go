// Package config provides the declarative test definition for volley: scenarios,
// load profiles, thresholds and global settings, plus parsing and validation.
package config

import (
	"time"
)

// Executor names accepted in ScenarioConfig.Executor.
const (
	ExecutorConstantVUs         = "constant-vus"
	ExecutorRampingVUs          = "ramping-vus"
	ExecutorConstantArrivalRate = "constant-arrival-rate"
	ExecutorRampingArrivalRate  = "ramping-arrival-rate"
	ExecutorPerVUIterations     = "per-vu-iterations"
	ExecutorSharedIterations    = "shared-iterations"
)

// TestConfig is the root configuration for a load test run.
//
// Example YAML:
//
//	name: "router load test"
//	settings:
//	  baseUrl: "http://localhost:8081"
//	  timeout: 30s
//	  tenants:
//	    count: 5
//	scenarios:
//	  baseline:
//	    executor: constant-vus
//	    vus: 10
//	    duration: 2m
//	thresholds:
//	  http_req_duration: ["p(95)<500", "p(99)<1000"]
//	  http_req_failed: ["rate<0.01"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings apply to every scenario
	Settings Settings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Scenarios keyed by name; each runs with its own executor
	Scenarios map[string]*ScenarioConfig `json:"scenarios" yaml:"scenarios"`

	// Thresholds map a metric name (optionally with a {tag:value} filter)
	// to pass/fail expressions evaluated at run end.
	Thresholds map[string][]string `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// Settings contains run-wide target, timing and tenant settings.
type Settings struct {
	// BaseURL is the router under test
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the per-request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxDuration caps the whole run, including graceful stop
	MaxDuration Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// GracefulStop is the default drain period for in-flight iterations
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// MaxVUs is a hard cap on concurrently live VUs per scenario
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Tenants controls the modulo tenant assignment of VUs
	Tenants TenantSettings `json:"tenants,omitempty" yaml:"tenants,omitempty"`

	// Health configures the readiness probe run during setup
	Health HealthSettings `json:"health,omitempty" yaml:"health,omitempty"`

	// AcceptStatus lists the status codes counted as success (default 200, 202)
	AcceptStatus []int `json:"acceptStatus,omitempty" yaml:"acceptStatus,omitempty"`

	// StatusPollRatio is the fraction of accepted responses whose status_url is polled
	StatusPollRatio float64 `json:"statusPollRatio,omitempty" yaml:"statusPollRatio,omitempty"`

	// ResponseSchema is an optional JSON schema file responses must satisfy
	ResponseSchema string `json:"responseSchema,omitempty" yaml:"responseSchema,omitempty"`

	// Headers are added to every request
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`
}

// TenantSettings drives the multi-tenant simulation. A VU with ordinal id is
// assigned tenant Prefix + ((id % Count) + 1).
type TenantSettings struct {
	Count  int    `json:"count,omitempty" yaml:"count,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// Pad zero-pads the tenant number to this width (baseline used tenant-001)
	Pad int `json:"pad,omitempty" yaml:"pad,omitempty"`
}

// HealthSettings configures the setup readiness probe.
type HealthSettings struct {
	Path    string   `json:"path,omitempty" yaml:"path,omitempty"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Skip    bool     `json:"skip,omitempty" yaml:"skip,omitempty"`
}

// ScenarioConfig defines one load profile plus the request it drives.
type ScenarioConfig struct {
	// Executor specifies the load generation strategy
	Executor string `json:"executor" yaml:"executor"`

	// VUs is the number of virtual users (VU and iteration executors)
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// StartVUs is the initial VU count for ramping-vus
	StartVUs int `json:"startVUs,omitempty" yaml:"startVUs,omitempty"`

	// Duration is how long to run (e.g., "30s", "2m")
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Iterations per VU (per-vu-iterations) or in total (shared-iterations)
	Iterations int64 `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// MaxDuration bounds iteration-based executors
	MaxDuration string `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// Rate is iterations per TimeUnit (arrival-rate executors)
	Rate float64 `json:"rate,omitempty" yaml:"rate,omitempty"`

	// StartRate is the initial rate for ramping-arrival-rate
	StartRate float64 `json:"startRate,omitempty" yaml:"startRate,omitempty"`

	// TimeUnit is the period Rate and stage targets refer to (default 1s)
	TimeUnit string `json:"timeUnit,omitempty" yaml:"timeUnit,omitempty"`

	// PreAllocatedVUs is the initial pool size for arrival-rate executors
	PreAllocatedVUs int `json:"preAllocatedVUs,omitempty" yaml:"preAllocatedVUs,omitempty"`

	// MaxVUs is the pool ceiling for arrival-rate executors
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Stages defines ramping stages
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// GracefulStop overrides the settings drain period
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// ThinkTime is a constant pause between iterations (shorthand for pacing)
	ThinkTime string `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	// Pacing controls time between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// Request describes what each iteration sends
	Request RequestConfig `json:"request,omitempty" yaml:"request,omitempty"`

	// Tags are attached to every sample of this scenario
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Tenants overrides settings.tenants for this scenario
	Tenants *TenantSettings `json:"tenants,omitempty" yaml:"tenants,omitempty"`
}

// StageConfig defines a single stage in a ramping executor.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count (ramping-vus) or rate per time unit (ramping-arrival-rate)
	Target float64 `json:"target" yaml:"target"`

	// Name is an optional label for reporting
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	Min      string `json:"min,omitempty" yaml:"min,omitempty"`
	Max      string `json:"max,omitempty" yaml:"max,omitempty"`
}

// RequestConfig describes the router request an iteration sends.
type RequestConfig struct {
	// Method defaults to POST
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Path defaults to /api/test
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// TestName is written into the payload "test" field
	TestName string `json:"testName,omitempty" yaml:"testName,omitempty"`

	// RequestIDPrefix prefixes generated X-Request-ID values
	RequestIDPrefix string `json:"requestIdPrefix,omitempty" yaml:"requestIdPrefix,omitempty"`

	// Tenant pins every request to one tenant instead of the modulo distribution
	Tenant string `json:"tenant,omitempty" yaml:"tenant,omitempty"`

	// CheckTenant requires the response tenant_id to match the request tenant
	CheckTenant bool `json:"checkTenant,omitempty" yaml:"checkTenant,omitempty"`

	// AcceptRateLimited counts 429 responses as successful
	AcceptRateLimited bool `json:"acceptRateLimited,omitempty" yaml:"acceptRateLimited,omitempty"`

	// Timeout overrides the settings timeout
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxLatency fails responses slower than this (e.g. "2s")
	MaxLatency string `json:"maxLatency,omitempty" yaml:"maxLatency,omitempty"`

	// RequireFields are top-level response fields checked for presence
	RequireFields []string `json:"requireFields,omitempty" yaml:"requireFields,omitempty"`

	// Headers are sent with every request of the scenario
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// StatusPollRatio overrides settings.statusPollRatio when set
	StatusPollRatio *float64 `json:"statusPollRatio,omitempty" yaml:"statusPollRatio,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
