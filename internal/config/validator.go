package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/wesleyorama2/volley/internal/metrics"
	"github.com/wesleyorama2/volley/internal/threshold"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Validate checks the whole configuration and reports every problem found.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}
	for _, name := range ScenarioNames(c) {
		validateScenario(name, c.Scenarios[name], errs)
	}

	for metric, exprs := range c.Thresholds {
		if _, _, err := metrics.ParseName(metric); err != nil {
			errs.Add("thresholds."+metric, err.Error())
			continue
		}
		for i, expr := range exprs {
			if _, err := threshold.ParseExpression(expr); err != nil {
				errs.Add(fmt.Sprintf("thresholds.%s[%d]", metric, i), err.Error())
			}
		}
	}

	validateSettings(&c.Settings, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateScenario(name string, sc *ScenarioConfig, errs *ValidationErrors) {
	prefix := "scenarios." + name
	if sc == nil {
		errs.Add(prefix, "scenario is empty")
		return
	}

	switch sc.Executor {
	case ExecutorConstantVUs:
		requirePositive(prefix+".vus", sc.VUs, errs)
		requireDuration(prefix+".duration", sc.Duration, errs)
	case ExecutorRampingVUs:
		if sc.StartVUs < 0 {
			errs.Add(prefix+".startVUs", "startVUs cannot be negative")
		}
		requireStages(prefix, sc.Stages, errs)
	case ExecutorConstantArrivalRate:
		if sc.Rate <= 0 {
			errs.Add(prefix+".rate", "rate must be greater than 0")
		}
		requireDuration(prefix+".duration", sc.Duration, errs)
		validatePool(prefix, sc, errs)
	case ExecutorRampingArrivalRate:
		if sc.StartRate < 0 {
			errs.Add(prefix+".startRate", "startRate cannot be negative")
		}
		requireStages(prefix, sc.Stages, errs)
		validatePool(prefix, sc, errs)
	case ExecutorPerVUIterations, ExecutorSharedIterations:
		// vus defaults to 1
		if sc.VUs < 0 {
			errs.Add(prefix+".vus", "vus cannot be negative")
		}
		if sc.Iterations <= 0 {
			errs.Add(prefix+".iterations", "iterations must be greater than 0")
		}
		optionalDuration(prefix+".maxDuration", sc.MaxDuration, errs)
	case "":
		errs.Add(prefix+".executor", "executor type is required")
	default:
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	optionalDuration(prefix+".timeUnit", sc.TimeUnit, errs)
	optionalDuration(prefix+".gracefulStop", sc.GracefulStop, errs)
	optionalDuration(prefix+".thinkTime", sc.ThinkTime, errs)
	optionalDuration(prefix+".request.timeout", sc.Request.Timeout, errs)
	optionalDuration(prefix+".request.maxLatency", sc.Request.MaxLatency, errs)
	for i, field := range sc.Request.RequireFields {
		if strings.TrimSpace(field) == "" {
			errs.Add(fmt.Sprintf("%s.request.requireFields[%d]", prefix, i), "field name cannot be empty")
		}
	}
	if r := sc.Request.StatusPollRatio; r != nil && (*r < 0 || *r > 1) {
		errs.Add(prefix+".request.statusPollRatio", "statusPollRatio must be between 0 and 1")
	}
	if sc.Tenants != nil && sc.Tenants.Count < 0 {
		errs.Add(prefix+".tenants.count", "count cannot be negative")
	}
	if sc.TimeUnit != "" {
		if d, err := ParseDurationString(sc.TimeUnit); err == nil && d == 0 {
			errs.Add(prefix+".timeUnit", "timeUnit must be greater than 0")
		}
	}

	if sc.Pacing != nil {
		validatePacing(prefix+".pacing", sc.Pacing, errs)
	}
}

func validatePool(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.PreAllocatedVUs < 0 {
		errs.Add(prefix+".preAllocatedVUs", "preAllocatedVUs cannot be negative")
	}
	if sc.MaxVUs > 0 && sc.PreAllocatedVUs > sc.MaxVUs {
		errs.Add(prefix+".preAllocatedVUs", "preAllocatedVUs cannot be greater than maxVUs")
	}
}

func requirePositive(field string, v int, errs *ValidationErrors) {
	if v <= 0 {
		errs.Add(field, field[strings.LastIndex(field, ".")+1:]+" must be greater than 0")
	}
}

func requireDuration(field, value string, errs *ValidationErrors) {
	if value == "" {
		errs.Add(field, "duration is required")
		return
	}
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
		return
	}
	if d <= 0 {
		errs.Add(field, "duration must be greater than 0")
	}
}

func optionalDuration(field, value string, errs *ValidationErrors) {
	if value == "" {
		return
	}
	d, err := ParseDurationString(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration: %v", err))
		return
	}
	if d < 0 {
		errs.Add(field, "duration cannot be negative")
	}
}

// requireStages checks stage shape. Zero-duration stages are legal; the
// profile skips them with a warning.
func requireStages(prefix string, stages []StageConfig, errs *ValidationErrors) {
	if len(stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required")
	}
	for i, stage := range stages {
		field := fmt.Sprintf("%s.stages[%d]", prefix, i)
		if stage.Duration == "" {
			errs.Add(field+".duration", "duration is required")
		} else {
			optionalDuration(field+".duration", stage.Duration, errs)
		}
		if stage.Target < 0 {
			errs.Add(field+".target", "target cannot be negative")
		}
	}
}

func validatePacing(prefix string, pacing *PacingConfig, errs *ValidationErrors) {
	switch pacing.Type {
	case "none", "":
	case "constant":
		requireDuration(prefix+".duration", pacing.Duration, errs)
	case "random":
		requireDuration(prefix+".min", pacing.Min, errs)
		requireDuration(prefix+".max", pacing.Max, errs)
		minDur, _ := ParseDurationString(pacing.Min)
		maxDur, _ := ParseDurationString(pacing.Max)
		if minDur > maxDur {
			errs.Add(prefix, "min must be less than or equal to max")
		}
	default:
		errs.Add(prefix+".type", fmt.Sprintf("invalid pacing type: %s", pacing.Type))
	}
}

func validateSettings(s *Settings, errs *ValidationErrors) {
	if s.BaseURL == "" {
		errs.Add("settings.baseUrl", "baseUrl is required")
	} else if u, err := url.Parse(s.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %s", s.BaseURL))
	}
	if s.Timeout < 0 {
		errs.Add("settings.timeout", "timeout cannot be negative")
	}
	if s.MaxDuration < 0 {
		errs.Add("settings.maxDuration", "maxDuration cannot be negative")
	}
	if s.Tenants.Count < 0 {
		errs.Add("settings.tenants.count", "count cannot be negative")
	}
	if s.StatusPollRatio < 0 || s.StatusPollRatio > 1 {
		errs.Add("settings.statusPollRatio", "statusPollRatio must be between 0 and 1")
	}
	if s.MaxVUs < 0 {
		errs.Add("settings.maxVUs", "maxVUs cannot be negative")
	}
}
