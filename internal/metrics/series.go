package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	// DefaultExactCap is how many trend values are kept verbatim before the
	// series switches to a histogram.
	DefaultExactCap = 100_000

	// Histogram values are fixed point with three decimals (microseconds
	// for millisecond trends). 3 significant figures bound the relative
	// error of any quantile to 0.1%.
	histScale   = 1000
	histMin     = 1
	histMax     = 3_600_000_000 // 1 hour in microseconds
	histSigFigs = 3
)

// series is the accumulating state of one metric or submetric.
type series struct {
	mu sync.Mutex

	name string
	kind Kind
	time bool

	count   int64
	nonZero int64
	sum     float64
	min     float64
	max     float64

	exactCap int
	values   []float64
	hist     *hdrhistogram.Histogram
}

func newSeries(name string, kind Kind, exactCap int) *series {
	base, _, _ := ParseName(name)
	return &series{
		name:     name,
		kind:     kind,
		time:     IsTime(base),
		exactCap: exactCap,
	}
}

func (s *series) add(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 || v < s.min {
		s.min = v
	}
	if s.count == 0 || v > s.max {
		s.max = v
	}
	s.count++
	s.sum += v
	if v != 0 {
		s.nonZero++
	}

	if s.kind != Trend {
		return
	}
	if s.hist != nil {
		recordHist(s.hist, v)
		return
	}
	s.values = append(s.values, v)
	if len(s.values) > s.exactCap {
		s.hist = hdrhistogram.New(histMin, histMax, histSigFigs)
		for _, x := range s.values {
			recordHist(s.hist, x)
		}
		s.values = nil
	}
}

func recordHist(h *hdrhistogram.Histogram, v float64) {
	scaled := int64(math.Round(v * histScale))
	if scaled < 0 {
		scaled = 0
	}
	if scaled > histMax {
		scaled = histMax
	}
	_ = h.RecordValue(scaled)
}

func (s *series) snapshot() *SeriesSnapshot {
	s.mu.Lock()

	snap := &SeriesSnapshot{
		Name:    s.name,
		Kind:    s.kind,
		Time:    s.time,
		Count:   s.count,
		NonZero: s.nonZero,
		Sum:     s.sum,
		Min:     s.min,
		Max:     s.max,
	}
	if s.kind != Trend {
		s.mu.Unlock()
		return snap
	}
	if s.hist != nil {
		snap.hist = hdrhistogram.Import(s.hist.Export())
		snap.Approximate = true
		s.mu.Unlock()
		return snap
	}
	snap.sorted = make([]float64, len(s.values))
	copy(snap.sorted, s.values)
	s.mu.Unlock()

	// Sort outside the lock.
	sort.Float64s(snap.sorted)
	return snap
}

// SeriesSnapshot is an immutable view of one series.
type SeriesSnapshot struct {
	Name string
	Kind Kind
	// Time is set when values are milliseconds.
	Time bool

	Count   int64
	NonZero int64
	Sum     float64
	Min     float64
	Max     float64

	// Approximate is set once the trend has moved to the histogram.
	Approximate bool

	sorted []float64
	hist   *hdrhistogram.Histogram
}

// Avg returns the mean sample value.
func (s *SeriesSnapshot) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Rate returns the fraction of non-zero samples.
func (s *SeriesSnapshot) Rate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.NonZero) / float64(s.Count)
}

// Med returns the median.
func (s *SeriesSnapshot) Med() float64 {
	return s.Percentile(50)
}

// Percentile returns the p-th percentile (0-100) using linear interpolation
// between closest ranks on exact data.
func (s *SeriesSnapshot) Percentile(p float64) float64 {
	if s.Count == 0 {
		return 0
	}
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}

	if s.hist != nil {
		switch p {
		case 0:
			return s.Min
		case 100:
			return s.Max
		}
		return float64(s.hist.ValueAtQuantile(p)) / histScale
	}
	return percentile(s.sorted, p)
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
