package timing

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoresync/backend/internal/beat"
)

func newTestEngine(tempo float64) (*Engine, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewEngine(clock, tempo, beat.TimeSignature{Numerator: 4, Denominator: 4}), clock
}

func TestBeatDuration(t *testing.T) {
	for _, tempo := range []float64{40, 60, 120, 300} {
		e, _ := newTestEngine(tempo)
		assert.InDelta(t, 60000/tempo, e.BeatDuration(), 1e-9)
	}
}

func TestSetTempoClamps(t *testing.T) {
	e, _ := newTestEngine(120)
	e.SetTempo(500, 0)
	assert.Equal(t, 300.0, e.Tempo())
	e.SetTempo(5, 0)
	assert.Equal(t, 40.0, e.Tempo())
}

func TestPositionWhileRunning(t *testing.T) {
	e, clock := newTestEngine(120)
	e.Start(-1)
	clock.Advance(2250 * time.Millisecond) // 4.5 beats at 120 BPM

	pos := e.Position()
	assert.True(t, pos.IsRunning)
	assert.InDelta(t, 4.5, pos.TotalBeats, 1e-9)
	assert.InDelta(t, 0.5, pos.Beat, 1e-9)
	assert.Equal(t, 1, pos.Measure)
	assert.InDelta(t, 2250, pos.ElapsedMs, 1e-9)
}

func TestPauseFreezesAndResumeContinues(t *testing.T) {
	e, clock := newTestEngine(120)
	e.Start(-1)
	clock.Advance(1000 * time.Millisecond)
	e.Pause()
	clock.Advance(5000 * time.Millisecond)

	pos := e.Position()
	assert.False(t, pos.IsRunning)
	assert.InDelta(t, 2.0, pos.TotalBeats, 1e-9)

	e.Start(-1)
	clock.Advance(500 * time.Millisecond)
	assert.InDelta(t, 3.0, e.Position().TotalBeats, 1e-9)
}

func TestStopZeroesState(t *testing.T) {
	e, clock := newTestEngine(120)
	e.Start(-1)
	clock.Advance(3 * time.Second)
	e.Stop()

	pos := e.Position()
	assert.False(t, pos.IsRunning)
	assert.Zero(t, pos.TotalBeats)
	assert.Zero(t, pos.ElapsedMs)
}

func TestSeekWhileRunning(t *testing.T) {
	e, clock := newTestEngine(120)
	e.Start(-1)
	clock.Advance(1000 * time.Millisecond)

	e.Seek(16)
	assert.InDelta(t, 16.0, e.Position().TotalBeats, 1e-9)

	clock.Advance(500 * time.Millisecond)
	assert.InDelta(t, 17.0, e.Position().TotalBeats, 1e-9)
}

func TestStartFromBeat(t *testing.T) {
	e, clock := newTestEngine(120)
	e.Start(8)
	assert.InDelta(t, 8.0, e.Position().TotalBeats, 1e-9)
	clock.Advance(500 * time.Millisecond)
	assert.InDelta(t, 9.0, e.Position().TotalBeats, 1e-9)
}

func TestSetTempoPreservesPosition(t *testing.T) {
	e, clock := newTestEngine(120)
	e.Start(-1)
	clock.Advance(2000 * time.Millisecond) // 4 beats

	e.SetTempo(60, 0)
	assert.InDelta(t, 4.0, e.Position().TotalBeats, 1e-9)

	clock.Advance(1000 * time.Millisecond) // one beat at 60 BPM
	assert.InDelta(t, 5.0, e.Position().TotalBeats, 1e-9)
}

func TestTempoFadeEasesAndSnaps(t *testing.T) {
	e, clock := newTestEngine(100)
	e.SetTempo(200, 100*time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(50 * time.Millisecond)
	require.Eventually(t, func() bool {
		got := e.Tempo()
		return got > 100 && got < 200
	}, time.Second, time.Millisecond, "tempo should be mid-fade")

	clock.Advance(60 * time.Millisecond)
	require.Eventually(t, func() bool {
		return e.Tempo() == 200.0
	}, time.Second, time.Millisecond, "tempo should snap to target")
}

func TestSetTempoCancelsFadeInFlight(t *testing.T) {
	e, clock := newTestEngine(100)
	e.SetTempo(200, time.Second)
	clock.BlockUntil(1)

	e.SetTempo(150, 0)
	assert.Equal(t, 150.0, e.Tempo())

	// The cancelled fade must not touch tempo afterwards.
	clock.Advance(2 * time.Second)
	assert.Equal(t, 150.0, e.Tempo())
}

func TestMeasureDuration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := NewEngine(clock, 120, beat.TimeSignature{Numerator: 3, Denominator: 4})
	assert.InDelta(t, 1500.0, e.MeasureDuration(), 1e-9)
}

func TestPredictNextBeats(t *testing.T) {
	e, clock := newTestEngine(120)
	e.Start(-1)
	clock.Advance(250 * time.Millisecond) // half a beat in

	times := e.PredictNextBeats(3)
	require.Len(t, times, 3)
	now := clock.Now()
	assert.Equal(t, now.Add(250*time.Millisecond), times[0])
	assert.Equal(t, now.Add(750*time.Millisecond), times[1])
	assert.Equal(t, now.Add(1250*time.Millisecond), times[2])
}
