// Package profile turns a scenario definition into pure functions of elapsed
// time: the target concurrency or arrival rate at t, and the offsets at which
// arrival-rate iterations start. Nothing in this package sleeps or keeps
// state beyond the profile itself.
package profile

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/volley/internal/config"
)

// Kind is the executor a profile drives.
type Kind string

const (
	ConstantVUs         Kind = config.ExecutorConstantVUs
	RampingVUs          Kind = config.ExecutorRampingVUs
	ConstantArrivalRate Kind = config.ExecutorConstantArrivalRate
	RampingArrivalRate  Kind = config.ExecutorRampingArrivalRate
	PerVUIterations     Kind = config.ExecutorPerVUIterations
	SharedIterations    Kind = config.ExecutorSharedIterations
)

// IsArrivalRate reports whether targets are iteration rates.
func (k Kind) IsArrivalRate() bool {
	return k == ConstantArrivalRate || k == RampingArrivalRate
}

// IsIterationBased reports whether the profile is bounded by an iteration
// budget rather than by its timeline.
func (k Kind) IsIterationBased() bool {
	return k == PerVUIterations || k == SharedIterations
}

// Stage is one linear segment of the curve from From to To over Duration.
type Stage struct {
	Duration time.Duration
	From     float64
	To       float64
}

// Profile is a normalized load profile.
type Profile struct {
	Kind Kind

	// Stages have positive durations. Zero-duration stages from the
	// config are folded into the next stage's starting level.
	Stages []Stage

	// TimeUnit is the period arrival rates are expressed in.
	TimeUnit time.Duration

	// VUs and Iterations bound the iteration-based kinds; Iterations is
	// per VU for PerVUIterations and shared for SharedIterations.
	VUs        int
	Iterations int64

	// MaxVUs caps the pool for arrival-rate kinds. PreAllocatedVUs is the
	// pool size at start.
	PreAllocatedVUs int
	MaxVUs          int
}

// Point is one entry of a timeline.
type Point struct {
	At     time.Duration
	Target float64
}

// FromScenario builds a profile from a scenario config. The config is
// expected to have passed validation.
func FromScenario(name string, sc *config.ScenarioConfig, logger *zap.Logger) (*Profile, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Profile{
		Kind:            Kind(sc.Executor),
		TimeUnit:        time.Second,
		VUs:             sc.VUs,
		Iterations:      sc.Iterations,
		PreAllocatedVUs: sc.PreAllocatedVUs,
		MaxVUs:          sc.MaxVUs,
	}
	if sc.TimeUnit != "" {
		tu, err := config.ParseDurationString(sc.TimeUnit)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: timeUnit: %w", name, err)
		}
		if tu > 0 {
			p.TimeUnit = tu
		}
	}

	switch p.Kind {
	case ConstantVUs, ConstantArrivalRate:
		d, err := config.ParseDurationString(sc.Duration)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: duration: %w", name, err)
		}
		level := float64(sc.VUs)
		if p.Kind == ConstantArrivalRate {
			level = sc.Rate
		}
		if d > 0 {
			p.Stages = []Stage{{Duration: d, From: level, To: level}}
		}

	case RampingVUs, RampingArrivalRate:
		level := float64(sc.StartVUs)
		if p.Kind == RampingArrivalRate {
			level = sc.StartRate
		}
		for i, st := range sc.Stages {
			d, err := config.ParseDurationString(st.Duration)
			if err != nil {
				return nil, fmt.Errorf("scenario %s: stage %d: %w", name, i, err)
			}
			if d == 0 {
				logger.Warn("skipping zero-duration stage",
					zap.String("scenario", name),
					zap.Int("stage", i),
					zap.Float64("target", st.Target))
				level = st.Target
				continue
			}
			p.Stages = append(p.Stages, Stage{Duration: d, From: level, To: st.Target})
			level = st.Target
		}

	case PerVUIterations, SharedIterations:
		d, err := config.ParseDurationString(sc.MaxDuration)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: maxDuration: %w", name, err)
		}
		if d > 0 {
			level := float64(sc.VUs)
			p.Stages = []Stage{{Duration: d, From: level, To: level}}
		}

	default:
		return nil, fmt.Errorf("scenario %s: unknown executor type: %s", name, sc.Executor)
	}

	if len(p.Stages) == 0 {
		return nil, fmt.Errorf("scenario %s: profile has no stage with a positive duration", name)
	}
	return p, nil
}

// Duration is the total length of the timeline.
func (p *Profile) Duration() time.Duration {
	var total time.Duration
	for _, s := range p.Stages {
		total += s.Duration
	}
	return total
}

// MaxTarget is the highest level the curve reaches.
func (p *Profile) MaxTarget() float64 {
	var m float64
	for _, s := range p.Stages {
		m = math.Max(m, math.Max(s.From, s.To))
	}
	return m
}

// TargetAt returns the concurrency (VU kinds) or rate per TimeUnit (arrival
// kinds) at elapsed, interpolating linearly within a stage. Past the end it
// returns the final level.
func (p *Profile) TargetAt(elapsed time.Duration) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	for _, s := range p.Stages {
		if elapsed < s.Duration {
			frac := float64(elapsed) / float64(s.Duration)
			return s.From + (s.To-s.From)*frac
		}
		elapsed -= s.Duration
	}
	if len(p.Stages) == 0 {
		return 0
	}
	return p.Stages[len(p.Stages)-1].To
}

// Timeline samples the curve every step and at every stage boundary.
func (p *Profile) Timeline(step time.Duration) []Point {
	if step <= 0 {
		step = time.Second
	}
	total := p.Duration()
	at := map[time.Duration]bool{0: true, total: true}
	for t := step; t < total; t += step {
		at[t] = true
	}
	var offset time.Duration
	for _, s := range p.Stages {
		offset += s.Duration
		at[offset] = true
	}

	times := make([]time.Duration, 0, len(at))
	for t := range at {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	points := make([]Point, len(times))
	for i, t := range times {
		points[i] = Point{At: t, Target: p.levelAt(t)}
	}
	return points
}

// levelAt is TargetAt, except a boundary reports the end of the stage that
// finishes there rather than the start of the next.
func (p *Profile) levelAt(t time.Duration) float64 {
	var offset time.Duration
	for _, s := range p.Stages {
		if t <= offset+s.Duration {
			frac := float64(t-offset) / float64(s.Duration)
			return s.From + (s.To-s.From)*frac
		}
		offset += s.Duration
	}
	return p.TargetAt(t)
}

// Integral returns the area under the curve between from and to, in
// target-seconds.
func (p *Profile) Integral(from, to time.Duration) float64 {
	return p.cumulative(to) - p.cumulative(from)
}

func (p *Profile) cumulative(t time.Duration) float64 {
	if t <= 0 {
		return 0
	}
	var area float64
	for _, s := range p.Stages {
		d := s.Duration.Seconds()
		if t >= s.Duration {
			area += (s.From + s.To) / 2 * d
			t -= s.Duration
			continue
		}
		x := t.Seconds()
		slope := (s.To - s.From) / d
		area += s.From*x + slope*x*x/2
		return area
	}
	return area
}

// arrivalsUntil is the cumulative expected number of arrivals at t.
func (p *Profile) arrivalsUntil(t time.Duration) float64 {
	return p.cumulative(t) / p.TimeUnit.Seconds()
}

// epsilon absorbs floating point error when comparing arrival counts.
func epsilon(v float64) float64 {
	return 1e-9 * math.Max(1, math.Abs(v))
}

// TotalArrivals is the number of iterations an arrival-rate profile starts.
func (p *Profile) TotalArrivals() int64 {
	return arrivalsBefore(p.arrivalsUntil(p.Duration()))
}

// arrivalsBefore counts the arrivals n = 0, 1, ... whose cumulative
// position n is strictly below c.
func arrivalsBefore(c float64) int64 {
	if c <= 0 {
		return 0
	}
	return int64(math.Ceil(c - epsilon(c)))
}

// ArrivalsBetween counts the arrivals whose offset falls in [from, to).
func (p *Profile) ArrivalsBetween(from, to time.Duration) int64 {
	if to <= from {
		return 0
	}
	return arrivalsBefore(p.arrivalsUntil(to)) - arrivalsBefore(p.arrivalsUntil(from))
}

// ArrivalOffset returns when the n-th (0-based) arrival starts. ok is false
// once n is past the end of the profile.
//
// The cumulative arrival curve is inverted segment by segment: on a stage
// whose rate goes linearly from a to b per second over D seconds the count
// after x seconds is a*x + (b-a)*x^2/(2D).
func (p *Profile) ArrivalOffset(n int64) (time.Duration, bool) {
	if n < 0 {
		return 0, false
	}
	need := float64(n) * p.TimeUnit.Seconds()

	var offset time.Duration
	for _, s := range p.Stages {
		d := s.Duration.Seconds()
		area := (s.From + s.To) / 2 * d
		if need >= area-epsilon(area) {
			need -= area
			if need < 0 {
				need = 0
			}
			offset += s.Duration
			continue
		}

		a := s.From
		k := (s.To - s.From) / (2 * d)
		denom := a + math.Sqrt(a*a+4*k*need)
		var x float64
		if denom > 0 {
			x = 2 * need / denom
		}
		if x > d {
			x = d
		}
		return offset + time.Duration(x*float64(time.Second)), true
	}
	return 0, false
}
