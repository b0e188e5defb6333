package executor

import (
	"fmt"

	"github.com/wesleyorama2/volley/internal/profile"
)

// New creates an executor for the profile's kind.
func New(p *profile.Profile, opts Options) (Executor, error) {
	if p == nil {
		return nil, fmt.Errorf("profile cannot be nil")
	}

	switch p.Kind {
	case profile.ConstantVUs:
		return NewConstantVUs(p, opts), nil
	case profile.RampingVUs:
		return NewRampingVUs(p, opts), nil
	case profile.ConstantArrivalRate:
		return NewConstantArrivalRate(p, opts), nil
	case profile.RampingArrivalRate:
		return NewRampingArrivalRate(p, opts), nil
	case profile.PerVUIterations:
		return NewPerVUIterations(p, opts), nil
	case profile.SharedIterations:
		return NewSharedIterations(p, opts), nil
	default:
		return nil, fmt.Errorf("unknown executor type: %s", p.Kind)
	}
}
