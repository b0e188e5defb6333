// Package threshold parses pass/fail expressions such as "p(95)<500" or
// "rate<0.01" and evaluates them against a metrics snapshot.
package threshold

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/metrics"
)

// ParseError reports an expression that could not be parsed.
type ParseError struct {
	Expr   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid threshold %q: %s", e.Expr, e.Reason)
}

// Expression is a parsed threshold predicate.
type Expression struct {
	// Aggregate is one of avg, min, max, med, count, rate or p.
	Aggregate string
	// Percentile is set when Aggregate is "p".
	Percentile float64
	Operator   string
	// Value is the right-hand side. Durations are converted to milliseconds.
	Value float64
	// Duration is set when Value carried a time unit.
	Duration bool
}

func (e Expression) String() string {
	return aggregateName(e) + e.Operator + strconv.FormatFloat(e.Value, 'f', -1, 64)
}

var (
	exprRe = regexp.MustCompile(`^([a-z]+)\s*(?:\(\s*([0-9.]+)\s*\)|([0-9.]+))?\s*(<=|>=|===|==|!=|<|>|=)\s*(.+)$`)
	valRe  = regexp.MustCompile(`^(-?[0-9]*\.?[0-9]+)\s*([a-zµ]*)$`)
)

// ParseExpression parses expressions such as "p(95)<500", "p95 < 500ms",
// "avg<200", "rate<0.01", "count>100" or "max<=2s".
func ParseExpression(expr string) (Expression, error) {
	s := strings.ToLower(strings.TrimSpace(expr))
	m := exprRe.FindStringSubmatch(s)
	if m == nil {
		return Expression{}, &ParseError{Expr: expr, Reason: "expected <aggregate> <operator> <value>"}
	}

	e := Expression{Aggregate: m[1], Operator: m[4]}
	switch e.Operator {
	case "===", "=":
		e.Operator = "=="
	}

	pct := m[2]
	if pct == "" {
		pct = m[3]
	}
	switch e.Aggregate {
	case "p":
		if pct == "" {
			return Expression{}, &ParseError{Expr: expr, Reason: "percentile requires a value, e.g. p(95)"}
		}
		p, err := strconv.ParseFloat(pct, 64)
		if err != nil || p < 0 || p > 100 {
			return Expression{}, &ParseError{Expr: expr, Reason: fmt.Sprintf("percentile %q out of range 0-100", pct)}
		}
		e.Percentile = p
	case "avg", "min", "max", "med", "count", "rate":
		if pct != "" {
			return Expression{}, &ParseError{Expr: expr, Reason: fmt.Sprintf("unexpected argument to %s", e.Aggregate)}
		}
	default:
		return Expression{}, &ParseError{Expr: expr, Reason: fmt.Sprintf("unknown aggregate %q", e.Aggregate)}
	}

	v, isDur, err := parseValue(strings.TrimSpace(m[5]))
	if err != nil {
		return Expression{}, &ParseError{Expr: expr, Reason: err.Error()}
	}
	e.Value = v
	e.Duration = isDur
	return e, nil
}

func parseValue(s string) (float64, bool, error) {
	m := valRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false, fmt.Errorf("invalid value %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid value %q", s)
	}

	var unit time.Duration
	switch m[2] {
	case "":
		return n, false, nil
	case "us", "µs":
		unit = time.Microsecond
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	default:
		return 0, false, fmt.Errorf("unknown unit %q", m[2])
	}
	return n * float64(unit) / float64(time.Millisecond), true, nil
}

// Spec is one threshold: a (sub)metric name and an expression on it.
type Spec struct {
	Metric string
	Source string
	Expr   Expression
	// Err is set when Source could not be parsed; such a spec always fails.
	Err error
}

// FromConfig converts the config threshold map into specs ordered by metric
// and then declaration order.
func FromConfig(thresholds map[string][]string) []Spec {
	metricNames := make([]string, 0, len(thresholds))
	for name := range thresholds {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)

	var specs []Spec
	for _, name := range metricNames {
		key, err := metrics.CanonicalName(name)
		if err != nil {
			key = name
		}
		for _, src := range thresholds[name] {
			spec := Spec{Metric: key, Source: src}
			if err != nil {
				spec.Err = err
			} else {
				spec.Expr, spec.Err = ParseExpression(src)
			}
			specs = append(specs, spec)
		}
	}
	return specs
}

// Result is the outcome of one threshold.
type Result struct {
	Metric     string  `json:"metric"`
	Expression string  `json:"expression"`
	Observed   float64 `json:"observed"`
	Passed     bool    `json:"passed"`
	Message    string  `json:"message,omitempty"`
}

// Evaluate checks every spec against snap. A missing non-built-in metric or
// an unparsable expression fails its threshold.
func Evaluate(snap *metrics.Snapshot, specs []Spec) []Result {
	results := make([]Result, 0, len(specs))
	for _, spec := range specs {
		results = append(results, evaluate(snap, spec))
	}
	return results
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func evaluate(snap *metrics.Snapshot, spec Spec) Result {
	res := Result{Metric: spec.Metric, Expression: spec.Source}
	if spec.Err != nil {
		res.Message = spec.Err.Error()
		return res
	}

	series, ok := snap.Get(spec.Metric)
	if !ok {
		base, _, _ := metrics.ParseName(spec.Metric)
		kind, builtin := metrics.BuiltinKind(base)
		if !builtin {
			res.Message = fmt.Sprintf("unknown metric: %s", spec.Metric)
			return res
		}
		series = &metrics.SeriesSnapshot{Name: spec.Metric, Kind: kind, Time: metrics.IsTime(base)}
	}

	if spec.Expr.Duration && !series.Time {
		res.Message = fmt.Sprintf("%s is not a time metric; drop the unit", spec.Metric)
		return res
	}

	observed, err := aggregate(snap, series, spec.Expr)
	if err != nil {
		res.Message = err.Error()
		return res
	}

	res.Observed = observed
	res.Passed = compareValues(observed, spec.Expr.Operator, spec.Expr.Value)
	if !res.Passed {
		res.Message = fmt.Sprintf("%s is %s, threshold: %s %s",
			aggregateName(spec.Expr), formatValue(observed, series.Time), spec.Expr.Operator, formatValue(spec.Expr.Value, series.Time))
	}
	return res
}

func aggregate(snap *metrics.Snapshot, s *metrics.SeriesSnapshot, e Expression) (float64, error) {
	switch s.Kind {
	case metrics.Trend:
		switch e.Aggregate {
		case "avg":
			return s.Avg(), nil
		case "min":
			return s.Min, nil
		case "max":
			return s.Max, nil
		case "med":
			return s.Med(), nil
		case "p":
			return s.Percentile(e.Percentile), nil
		case "count":
			return float64(s.Count), nil
		}
	case metrics.Rate:
		switch e.Aggregate {
		case "rate":
			return s.Rate(), nil
		case "count":
			return float64(s.NonZero), nil
		}
	case metrics.Counter:
		switch e.Aggregate {
		case "count":
			return s.Sum, nil
		case "rate":
			return snap.CounterRate(s.Name), nil
		}
	}
	return 0, fmt.Errorf("%s metric %s does not support %s", s.Kind, s.Name, aggregateName(e))
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}

func aggregateName(e Expression) string {
	if e.Aggregate == "p" {
		return fmt.Sprintf("p(%s)", strconv.FormatFloat(e.Percentile, 'f', -1, 64))
	}
	return e.Aggregate
}

func formatValue(v float64, isTime bool) string {
	if isTime {
		return time.Duration(v * float64(time.Millisecond)).String()
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
