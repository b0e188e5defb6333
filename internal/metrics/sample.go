package metrics

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Kind is the aggregation applied to a metric series.
type Kind int

const (
	// Counter sums sample values.
	Counter Kind = iota
	// Rate tracks the fraction of non-zero samples.
	Rate
	// Trend keeps the value distribution for percentile queries.
	Trend
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Rate:
		return "rate"
	case Trend:
		return "trend"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Built-in metric names.
const (
	HTTPReqs          = "http_reqs"
	HTTPReqDuration   = "http_req_duration"
	HTTPReqFailed     = "http_req_failed"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	DroppedIterations = "dropped_iterations"
	RateLimitHits     = "rate_limit_hits"
	Checks            = "checks"
	Errors            = "errors"
	StatusPollLatency = "status_poll_latency"
	VUs               = "vus"
)

var builtinKinds = map[string]Kind{
	HTTPReqs:          Counter,
	HTTPReqDuration:   Trend,
	HTTPReqFailed:     Rate,
	Iterations:        Counter,
	IterationDuration: Trend,
	DroppedIterations: Counter,
	RateLimitHits:     Counter,
	Checks:            Rate,
	Errors:            Rate,
	StatusPollLatency: Trend,
	VUs:               Trend,
}

// BuiltinKind returns the kind of a built-in metric.
func BuiltinKind(name string) (Kind, bool) {
	k, ok := builtinKinds[name]
	return k, ok
}

// timeMetrics are trends whose values are milliseconds.
var timeMetrics = map[string]bool{
	HTTPReqDuration:   true,
	IterationDuration: true,
	StatusPollLatency: true,
}

// IsTime reports whether the named metric holds millisecond durations.
func IsTime(name string) bool {
	return timeMetrics[name]
}

// Sample is a single measurement. Samples are values and never mutated
// after creation.
type Sample struct {
	Metric string
	Kind   Kind
	Value  float64
	Time   time.Time
	Tags   map[string]string
}

// CounterSample builds a counter increment.
func CounterSample(name string, v float64, tags map[string]string) Sample {
	return Sample{Metric: name, Kind: Counter, Value: v, Time: time.Now(), Tags: tags}
}

// RateSample builds a rate observation; ok counts as a non-zero value.
func RateSample(name string, ok bool, tags map[string]string) Sample {
	s := Sample{Metric: name, Kind: Rate, Time: time.Now(), Tags: tags}
	if ok {
		s.Value = 1
	}
	return s
}

// TrendSample builds a trend observation.
func TrendSample(name string, v float64, tags map[string]string) Sample {
	return Sample{Metric: name, Kind: Trend, Value: v, Time: time.Now(), Tags: tags}
}

// DurationSample builds a trend observation of d in milliseconds.
func DurationSample(name string, d time.Duration, tags map[string]string) Sample {
	return TrendSample(name, float64(d)/float64(time.Millisecond), tags)
}

var nameRe = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*)(\{(.*)\})?$`)

// ParseName splits "name{k:v,k2:v2}" into the metric name and its tag filter.
func ParseName(s string) (string, map[string]string, error) {
	m := nameRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", nil, fmt.Errorf("invalid metric name: %q", s)
	}
	if m[2] == "" {
		return m[1], nil, nil
	}

	tags := make(map[string]string)
	for _, part := range strings.Split(m[3], ",") {
		k, v, ok := strings.Cut(part, ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" {
			return "", nil, fmt.Errorf("invalid tag filter %q in metric %q", part, s)
		}
		tags[k] = v
	}
	return m[1], tags, nil
}

// SeriesKey builds the canonical key of a (sub)metric: tags sorted by key.
func SeriesKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(tags[k])
	}
	sb.WriteByte('}')
	return sb.String()
}

// CanonicalName parses s and returns its canonical series key.
func CanonicalName(s string) (string, error) {
	name, tags, err := ParseName(s)
	if err != nil {
		return "", err
	}
	return SeriesKey(name, tags), nil
}

func matchTags(filter, tags map[string]string) bool {
	for k, v := range filter {
		if tags[k] != v {
			return false
		}
	}
	return true
}
