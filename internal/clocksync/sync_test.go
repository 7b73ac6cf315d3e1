package clocksync

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestAverageOffsetDiscardsOutliers(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	for _, o := range []float64{10, 11, 12, 100, 13} {
		m.AddOffset(o)
	}

	avg := m.AverageOffset()
	assert.Less(t, avg, 20.0, "the 100ms outlier must not pull the mean")
	assert.InDelta(t, 12.0, avg, 1e-9)
}

func TestAverageOffsetEmpty(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	assert.Zero(t, m.AverageOffset())
}

func TestWindowEvictsOldest(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	for i := 0; i < 15; i++ {
		m.AddOffset(float64(i))
	}
	assert.Equal(t, 10, m.SampleCount())
	// Only samples 5..14 remain, so the trimmed mean reflects them.
	assert.InDelta(t, 9.5, m.AverageOffset(), 1e-9)
}

func TestQualityNeedsThreeSamples(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	m.AddOffset(10)
	m.AddOffset(10)
	assert.Zero(t, m.Quality())
}

func TestQualityConsistentVsVolatile(t *testing.T) {
	tight := NewManager(clockwork.NewFakeClock())
	for _, o := range []float64{10, 10.5, 9.5, 10.2} {
		tight.AddOffset(o)
	}
	assert.Greater(t, tight.Quality(), 0.8)

	volatile := NewManager(clockwork.NewFakeClock())
	for _, o := range []float64{10, 25, 5, 30} {
		volatile.AddOffset(o)
	}
	assert.Less(t, volatile.Quality(), 0.5)
}

func TestIsFresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(clock)

	assert.False(t, m.IsFresh(0), "no probes yet")

	m.AddOffset(5)
	assert.True(t, m.IsFresh(0))

	clock.Advance(29 * time.Second)
	assert.True(t, m.IsFresh(0))

	clock.Advance(2 * time.Second)
	assert.False(t, m.IsFresh(0))

	assert.True(t, m.IsFresh(time.Hour))
}

func TestDrift(t *testing.T) {
	m := NewManager(clockwork.NewFakeClock())
	assert.Zero(t, m.Drift())

	// Offset climbing: recent window averages higher than the prior one.
	for _, o := range []float64{10, 10, 10, 16, 16, 16} {
		m.AddOffset(o)
	}
	assert.InDelta(t, 6.0, m.Drift(), 1e-9)

	// Stable offsets show no drift.
	stable := NewManager(clockwork.NewFakeClock())
	for i := 0; i < 8; i++ {
		stable.AddOffset(12)
	}
	assert.Zero(t, stable.Drift())
}
