// Package metrics aggregates samples from virtual users into counters, rates
// and trends, and exposes immutable snapshots for threshold evaluation and
// reporting.
package metrics

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Observer receives every recorded sample after aggregation. Observers must
// be safe for concurrent use.
type Observer interface {
	Observe(Sample)
}

// Collector is the thread-safe sample aggregator shared by every VU.
//
// # Thread Safety
//
// Record may be called from any goroutine. The series map is guarded by an
// RWMutex that is only write-locked when a series is created; each series
// has its own mutex, so producers of different metrics never contend.
type Collector struct {
	mu         sync.RWMutex
	series     map[string]*series
	submetrics map[string][]submetric
	exactCap   int

	observers []Observer
}

type submetric struct {
	key  string
	tags map[string]string
}

// Option configures a Collector.
type Option func(*Collector)

// WithExactCap sets how many values a trend retains before switching to a
// histogram.
func WithExactCap(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.exactCap = n
		}
	}
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(c *Collector) {
		c.observers = append(c.observers, o)
	}
}

// NewCollector creates an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		series:     make(map[string]*series),
		submetrics: make(map[string][]submetric),
		exactCap:   DefaultExactCap,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddSubmetric registers a tag-filtered series such as
// "http_req_duration{scenario:baseline}". Matching samples recorded
// afterwards are aggregated into it as well as into the parent.
func (c *Collector) AddSubmetric(name string) (string, error) {
	base, tags, err := ParseName(name)
	if err != nil {
		return "", err
	}
	if len(tags) == 0 {
		return base, nil
	}
	key := SeriesKey(base, tags)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sm := range c.submetrics[base] {
		if sm.key == key {
			return key, nil
		}
	}
	c.submetrics[base] = append(c.submetrics[base], submetric{key: key, tags: tags})
	return key, nil
}

// Record aggregates a sample. It never blocks beyond the series' critical
// section and never drops a sample. A sample whose kind disagrees with an
// existing series of the same name is rejected with an error.
func (c *Collector) Record(s Sample) error {
	if s.Metric == "" {
		return fmt.Errorf("sample has no metric name")
	}

	c.mu.RLock()
	subs := c.submetrics[s.Metric]
	c.mu.RUnlock()

	if err := c.add(s.Metric, s.Kind, s.Value); err != nil {
		return err
	}
	for _, sm := range subs {
		if matchTags(sm.tags, s.Tags) {
			_ = c.add(sm.key, s.Kind, s.Value)
		}
	}

	for _, o := range c.observers {
		o.Observe(s)
	}
	return nil
}

func (c *Collector) add(key string, kind Kind, v float64) error {
	c.mu.RLock()
	sr, ok := c.series[key]
	c.mu.RUnlock()

	if !ok {
		c.mu.Lock()
		if sr, ok = c.series[key]; !ok {
			sr = newSeries(key, kind, c.exactCap)
			c.series[key] = sr
		}
		c.mu.Unlock()
	}

	if sr.kind != kind {
		return fmt.Errorf("metric %s is a %s, got %s sample", key, sr.kind, kind)
	}
	sr.add(v)
	return nil
}

// Count returns the number of samples recorded for a series without
// building a full snapshot.
func (c *Collector) Count(key string) int64 {
	c.mu.RLock()
	sr, ok := c.series[key]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.count
}

// Sum returns the running sum of a series.
func (c *Collector) Sum(key string) float64 {
	c.mu.RLock()
	sr, ok := c.series[key]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.sum
}

// Snapshot returns an immutable view of every series. Calling it twice with
// no Record in between yields equal snapshots.
func (c *Collector) Snapshot() *Snapshot {
	c.mu.RLock()
	all := make([]*series, 0, len(c.series))
	for _, sr := range c.series {
		all = append(all, sr)
	}
	c.mu.RUnlock()

	snap := &Snapshot{Metrics: make(map[string]*SeriesSnapshot, len(all))}
	for _, sr := range all {
		snap.Metrics[sr.name] = sr.snapshot()
	}
	return snap
}

// Snapshot is the point-in-time aggregate of a run.
type Snapshot struct {
	Metrics map[string]*SeriesSnapshot

	// Elapsed is the wall time the snapshot covers. The engine sets it; it
	// is used for per-second counter rates.
	Elapsed time.Duration
}

// Get returns the series stored under key, which may carry a tag filter.
func (s *Snapshot) Get(key string) (*SeriesSnapshot, bool) {
	if s == nil {
		return nil, false
	}
	if canonical, err := CanonicalName(key); err == nil {
		key = canonical
	}
	m, ok := s.Metrics[key]
	return m, ok
}

// Names returns the series keys in sorted order.
func (s *Snapshot) Names() []string {
	names := make([]string, 0, len(s.Metrics))
	for name := range s.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CounterRate returns a counter's sum per second of Elapsed.
func (s *Snapshot) CounterRate(key string) float64 {
	m, ok := s.Get(key)
	if !ok || s.Elapsed <= 0 {
		return 0
	}
	return m.Sum / s.Elapsed.Seconds()
}
