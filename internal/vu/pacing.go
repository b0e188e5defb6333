package vu

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/wesleyorama2/volley/internal/config"
)

// PacingType identifies the type of pacing.
type PacingType string

const (
	PacingNone     PacingType = "none"
	PacingConstant PacingType = "constant"
	PacingRandom   PacingType = "random"
)

// Pacing controls the think-time a VU observes between iterations.
type Pacing struct {
	Type     PacingType
	Duration time.Duration
	Min      time.Duration
	Max      time.Duration
}

// PacingFromScenario builds the pacing of a scenario. An explicit pacing
// block wins over the thinkTime shorthand.
func PacingFromScenario(sc *config.ScenarioConfig) (Pacing, error) {
	if sc.Pacing != nil && sc.Pacing.Type != "" {
		p := Pacing{Type: PacingType(sc.Pacing.Type)}
		var err error
		if p.Duration, err = config.ParseDurationString(sc.Pacing.Duration); err != nil {
			return Pacing{}, fmt.Errorf("pacing.duration: %w", err)
		}
		if p.Min, err = config.ParseDurationString(sc.Pacing.Min); err != nil {
			return Pacing{}, fmt.Errorf("pacing.min: %w", err)
		}
		if p.Max, err = config.ParseDurationString(sc.Pacing.Max); err != nil {
			return Pacing{}, fmt.Errorf("pacing.max: %w", err)
		}
		return p, nil
	}

	if sc.ThinkTime != "" {
		d, err := config.ParseDurationString(sc.ThinkTime)
		if err != nil {
			return Pacing{}, fmt.Errorf("thinkTime: %w", err)
		}
		if d > 0 {
			return Pacing{Type: PacingConstant, Duration: d}, nil
		}
	}
	return Pacing{Type: PacingNone}, nil
}

// Delay returns the wait before the next iteration.
func (p Pacing) Delay() time.Duration {
	switch p.Type {
	case PacingConstant:
		return p.Duration
	case PacingRandom:
		diff := p.Max - p.Min
		if diff > 0 {
			return p.Min + time.Duration(rand.Int63n(int64(diff)))
		}
		return p.Min
	default:
		return 0
	}
}
