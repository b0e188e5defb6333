package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultGracefulStop = 30 * time.Second
	DefaultHealthPath   = "/health"
	DefaultRequestPath  = "/api/test"
	DefaultTenantPrefix = "tenant-"
)

// SelectAll selects every scenario in Select.
const SelectAll = "all"

// LoadConfig loads a test configuration from a file.
//
// The file format is determined by extension:
//   - .yaml, .yml -> YAML
//   - .json -> JSON
func LoadConfig(path string) (*TestConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data, path)
}

// ParseConfig parses configuration data. The format follows the extension of
// path and falls back to YAML.
func ParseConfig(data []byte, path string) (*TestConfig, error) {
	var cfg TestConfig

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	return &cfg, nil
}

// ParseDurationString parses a duration string.
//
// Supported formats:
//   - Standard Go duration: "30s", "2m", "1h30m", "500ms"
//   - Seconds as integer: "30" (treated as 30 seconds)
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if seconds, err := strconv.Atoi(s); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	return 0, fmt.Errorf("invalid duration format: %s", s)
}

// ApplyDefaults fills in unset settings and scenario fields.
func ApplyDefaults(cfg *TestConfig) {
	s := &cfg.Settings
	if s.Timeout == 0 {
		s.Timeout = Duration(DefaultTimeout)
	}
	if s.GracefulStop == 0 {
		s.GracefulStop = Duration(DefaultGracefulStop)
	}
	if s.Health.Path == "" {
		s.Health.Path = DefaultHealthPath
	}
	if s.Health.Timeout == 0 {
		s.Health.Timeout = Duration(10 * time.Second)
	}
	if len(s.AcceptStatus) == 0 {
		s.AcceptStatus = []int{200, 202}
	}
	if s.Tenants.Prefix == "" {
		s.Tenants.Prefix = DefaultTenantPrefix
	}
	if s.MaxIdleConnsPerHost == 0 {
		s.MaxIdleConnsPerHost = 100
	}
	if cfg.Name == "" {
		cfg.Name = "volley"
	}

	for name, sc := range cfg.Scenarios {
		applyScenarioDefaults(name, sc)
	}
}

func applyScenarioDefaults(name string, sc *ScenarioConfig) {
	switch sc.Executor {
	case ExecutorConstantArrivalRate, ExecutorRampingArrivalRate:
		if sc.PreAllocatedVUs == 0 {
			sc.PreAllocatedVUs = 1
		}
		if sc.MaxVUs == 0 {
			sc.MaxVUs = sc.PreAllocatedVUs
		}
	case ExecutorPerVUIterations, ExecutorSharedIterations:
		if sc.VUs == 0 {
			sc.VUs = 1
		}
		if sc.MaxDuration == "" {
			sc.MaxDuration = "10m"
		}
	}

	if sc.Request.Method == "" {
		sc.Request.Method = "POST"
	}
	if sc.Request.Path == "" {
		sc.Request.Path = DefaultRequestPath
	}
	if sc.Request.TestName == "" {
		sc.Request.TestName = name
	}
	if sc.Request.RequestIDPrefix == "" {
		sc.Request.RequestIDPrefix = name
	}
}

// Select returns a copy of cfg that only contains the named scenarios.
// SelectAll or an empty list keeps every scenario.
func Select(cfg *TestConfig, names ...string) (*TestConfig, error) {
	out := *cfg
	if len(names) == 0 || (len(names) == 1 && names[0] == SelectAll) {
		return &out, nil
	}

	out.Scenarios = make(map[string]*ScenarioConfig, len(names))
	for _, name := range names {
		sc, ok := cfg.Scenarios[name]
		if !ok {
			return nil, fmt.Errorf("unknown scenario %q (available: %s)", name, strings.Join(ScenarioNames(cfg), ", "))
		}
		out.Scenarios[name] = sc
	}
	return &out, nil
}

// ScenarioNames returns the scenario names in sorted order.
func ScenarioNames(cfg *TestConfig) []string {
	names := make([]string, 0, len(cfg.Scenarios))
	for name := range cfg.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
