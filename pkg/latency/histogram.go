// Package latency implements fixed-geometry I/O latency histograms built from
// independent atomic bucket counters.
//
// A Histogram holds three scales (microseconds, milliseconds, seconds). Each
// scale is a fixed number of buckets of equal width; bucket i covers
// [i*Grain, (i+1)*Grain) in the scale's unit. Counters are only ever
// incremented by observers and zeroed by Reset.
package latency

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Unit identifies the time unit of a scale.
type Unit int

const (
	Microseconds Unit = iota
	Milliseconds
	Seconds
)

// Suffix returns the unit label used in formatted bucket lines.
func (u Unit) Suffix() string {
	switch u {
	case Microseconds:
		return "us"
	case Milliseconds:
		return "ms"
	case Seconds:
		return "s"
	default:
		return "?"
	}
}

// Duration returns the length of one unit.
func (u Unit) Duration() time.Duration {
	switch u {
	case Microseconds:
		return time.Microsecond
	case Milliseconds:
		return time.Millisecond
	default:
		return time.Second
	}
}

// Geometry describes the bucket layout of a single scale.
type Geometry struct {
	Grain   uint64 `yaml:"grain"`
	Buckets int    `yaml:"buckets"`
}

// Validate checks the geometry is usable.
func (g Geometry) Validate() error {
	if g.Grain == 0 {
		return fmt.Errorf("grain must be greater than 0")
	}
	if g.Buckets <= 0 {
		return fmt.Errorf("buckets must be greater than 0")
	}
	return nil
}

// Config holds the geometry of all three scales.
type Config struct {
	Micro Geometry `yaml:"us"`
	Milli Geometry `yaml:"ms"`
	Sec   Geometry `yaml:"s"`
}

// DefaultConfig returns the stock layout: 0-999us in 100us steps,
// 0-999ms in 100ms steps and 0-4s in 1s steps.
func DefaultConfig() Config {
	return Config{
		Micro: Geometry{Grain: 100, Buckets: 10},
		Milli: Geometry{Grain: 100, Buckets: 10},
		Sec:   Geometry{Grain: 1, Buckets: 5},
	}
}

// Validate checks every scale.
func (c Config) Validate() error {
	for _, s := range []struct {
		name string
		g    Geometry
	}{{"us", c.Micro}, {"ms", c.Milli}, {"s", c.Sec}} {
		if err := s.g.Validate(); err != nil {
			return fmt.Errorf("latency scale %s: %w", s.name, err)
		}
	}
	return nil
}

// Bucket is a structured view of one counter.
type Bucket struct {
	Lo    uint64 `json:"lo"`
	Hi    uint64 `json:"hi"`
	Count uint64 `json:"count"`
}

// Scale is a fixed array of atomic counters with a common grain.
type Scale struct {
	unit    Unit
	grain   uint64
	buckets []atomic.Uint64
}

func newScale(unit Unit, g Geometry) *Scale {
	return &Scale{
		unit:    unit,
		grain:   g.Grain,
		buckets: make([]atomic.Uint64, g.Buckets),
	}
}

// Unit returns the scale's time unit.
func (s *Scale) Unit() Unit { return s.unit }

// Grain returns the bucket width in the scale's unit.
func (s *Scale) Grain() uint64 { return s.grain }

// Len returns the number of buckets.
func (s *Scale) Len() int { return len(s.buckets) }

// Add increments bucket i by n. Out-of-range indexes are ignored.
func (s *Scale) Add(i int, n uint64) {
	if i < 0 || i >= len(s.buckets) {
		return
	}
	s.buckets[i].Add(n)
}

// Load returns the current value of bucket i, or 0 when out of range.
func (s *Scale) Load(i int) uint64 {
	if i < 0 || i >= len(s.buckets) {
		return 0
	}
	return s.buckets[i].Load()
}

// Index returns the bucket a value expressed in the scale's unit falls into,
// clamped to the last bucket.
func (s *Scale) Index(v uint64) int {
	i := v / s.grain
	if i >= uint64(len(s.buckets)) {
		return len(s.buckets) - 1
	}
	return int(i)
}

// Reset stores zero into every bucket. Each store is atomic; there is no
// atomicity across buckets.
func (s *Scale) Reset() {
	for i := range s.buckets {
		s.buckets[i].Store(0)
	}
}

// Buckets returns a (lo, hi, count) record per bucket in index order.
func (s *Scale) Buckets() []Bucket {
	out := make([]Bucket, len(s.buckets))
	var base uint64
	for i := range s.buckets {
		out[i] = Bucket{
			Lo:    base,
			Hi:    base + s.grain - 1,
			Count: s.buckets[i].Load(),
		}
		base += s.grain
	}
	return out
}

// AppendText appends one "<lo>-<hi>(<unit>):<count>\n" line per bucket to dst.
func (s *Scale) AppendText(dst []byte) []byte {
	suffix := s.unit.Suffix()
	var base uint64
	for i := range s.buckets {
		dst = strconv.AppendUint(dst, base, 10)
		dst = append(dst, '-')
		dst = strconv.AppendUint(dst, base+s.grain-1, 10)
		dst = append(dst, '(')
		dst = append(dst, suffix...)
		dst = append(dst, "):"...)
		dst = strconv.AppendUint(dst, s.buckets[i].Load(), 10)
		dst = append(dst, '\n')
		base += s.grain
	}
	return dst
}

// String renders the scale in the line format of AppendText.
func (s *Scale) String() string {
	return string(s.AppendText(make([]byte, 0, 24*len(s.buckets))))
}

// Histogram groups the microsecond, millisecond and second scales of one device.
type Histogram struct {
	us *Scale
	ms *Scale
	s  *Scale
}

// New allocates a histogram with the given geometry. The geometry must be valid.
func New(cfg Config) *Histogram {
	return &Histogram{
		us: newScale(Microseconds, cfg.Micro),
		ms: newScale(Milliseconds, cfg.Milli),
		s:  newScale(Seconds, cfg.Sec),
	}
}

// Scale returns the scale for unit u.
func (h *Histogram) Scale(u Unit) *Scale {
	switch u {
	case Microseconds:
		return h.us
	case Milliseconds:
		return h.ms
	default:
		return h.s
	}
}

// Scales returns the three scales from finest to coarsest.
func (h *Histogram) Scales() []*Scale {
	return []*Scale{h.us, h.ms, h.s}
}

// Observe records one operation of duration d: below a millisecond it lands
// in the microsecond scale, below a second in the millisecond scale, and in
// the second scale otherwise.
func (h *Histogram) Observe(d time.Duration) {
	if d < 0 {
		d = 0
	}
	var sc *Scale
	switch {
	case d < time.Millisecond:
		sc = h.us
	case d < time.Second:
		sc = h.ms
	default:
		sc = h.s
	}
	sc.Add(sc.Index(uint64(d/sc.unit.Duration())), 1)
}

// Reset zeroes every bucket of every scale.
func (h *Histogram) Reset() {
	h.us.Reset()
	h.ms.Reset()
	h.s.Reset()
}
