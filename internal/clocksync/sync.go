// Package clocksync estimates the offset between the local clock and the
// server clock from round-trip latency probes. Samples are noisy, so the
// estimate is an interquartile-trimmed mean over a small rolling window.
package clocksync

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// maxSamples bounds the rolling offset window.
	maxSamples = 10

	// qualityCeilingMs is the stddev at which sync quality reaches zero.
	qualityCeilingMs = 20.0

	// DefaultMaxAge is the freshness window for IsFresh.
	DefaultMaxAge = 30 * time.Second
)

// Manager holds a rolling window of clock-offset samples for one
// connection. Offsets are (serverClock − localClock) in milliseconds.
type Manager struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	samples  []float64
	lastSync time.Time
}

// NewManager returns an empty offset estimator.
func NewManager(clock clockwork.Clock) *Manager {
	return &Manager{clock: clock}
}

// AddOffset records one probe result, evicting the oldest sample once
// the window is full.
func (m *Manager) AddOffset(offsetMs float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, offsetMs)
	if len(m.samples) > maxSamples {
		m.samples = m.samples[len(m.samples)-maxSamples:]
	}
	m.lastSync = m.clock.Now()
}

// AverageOffset returns the trimmed-mean offset: samples are sorted,
// everything below the 25th and above the 75th percentile index is
// discarded, and the remainder averaged. Returns 0 with no samples.
func (m *Manager) AverageOffset() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return trimmedMean(m.samples)
}

// Quality scores sync confidence in [0,1]. Fewer than 3 samples scores
// 0; otherwise the standard deviation of all samples around the trimmed
// mean is compared against a 20ms ceiling.
func (m *Manager) Quality() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < 3 {
		return 0
	}
	center := trimmedMean(m.samples)
	var sumSq float64
	for _, s := range m.samples {
		d := s - center
		sumSq += d * d
	}
	stdDev := math.Sqrt(sumSq / float64(len(m.samples)))
	return math.Max(0, math.Min(1, 1-stdDev/qualityCeilingMs))
}

// IsFresh reports whether a probe landed within maxAge. Pass 0 to use
// DefaultMaxAge.
func (m *Manager) IsFresh(maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastSync.IsZero() {
		return false
	}
	return m.clock.Now().Sub(m.lastSync) < maxAge
}

// Drift compares the mean of the newest 3 samples against the mean of
// the 3 before them. Positive means the offset is growing (the local
// clock is falling behind the server). Needs 6 samples, else 0.
func (m *Manager) Drift() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.samples)
	if n < 6 {
		return 0
	}
	recent := mean(m.samples[n-3:])
	prior := mean(m.samples[n-6 : n-3])
	return recent - prior
}

// SampleCount returns the number of samples currently held.
func (m *Manager) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func trimmedMean(samples []float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)

	lo := n / 4
	hi := 3 * n / 4
	if hi <= lo {
		return mean(sorted)
	}
	return mean(sorted[lo : hi+1])
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
