// Package timing implements the client-side transport engine: a
// Stopped→Running⇄Paused state machine that maps wall-clock time onto
// musical position and supports seeks and eased tempo fades.
package timing

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/scoresync/backend/internal/beat"
)

// fadeTick is the granularity of tempo fade updates.
const fadeTick = time.Millisecond

// Position is a snapshot of the engine's musical position.
type Position struct {
	Beat       float64
	Measure    int
	TotalBeats float64
	ElapsedMs  float64
	IsRunning  bool
}

// Engine tracks musical position against a clock. All methods are safe
// for concurrent use; the fade ticker runs on its own goroutine and
// mutates tempo under the same lock.
type Engine struct {
	mu sync.Mutex

	clock clockwork.Clock

	tempo float64
	sig   beat.TimeSignature

	isRunning   bool
	isPaused    bool
	startTime   time.Time
	pausedTime  time.Time
	totalPaused time.Duration
	seekBeat    float64

	fadeCancel chan struct{}
}

// NewEngine returns a stopped engine at the given tempo and signature.
// Tempo is clamped, an invalid signature falls back to 4/4.
func NewEngine(clock clockwork.Clock, tempo float64, sig beat.TimeSignature) *Engine {
	if !sig.Valid() {
		sig = beat.TimeSignature{Numerator: 4, Denominator: 4}
	}
	return &Engine{
		clock: clock,
		tempo: beat.ClampTempo(tempo),
		sig:   sig,
	}
}

// Start begins (or resumes) playback. A fromBeat >= 0 seeks before
// starting; pass a negative value to keep the current position.
func (e *Engine) Start(fromBeat float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if fromBeat >= 0 {
		e.seekLocked(fromBeat)
	}

	now := e.clock.Now()
	switch {
	case e.isPaused:
		e.totalPaused += now.Sub(e.pausedTime)
		e.isPaused = false
	case !e.isRunning:
		e.startTime = now.Add(-time.Duration(beat.BeatsToTime(e.seekBeat, e.tempo) * float64(time.Millisecond)))
		e.totalPaused = 0
	}
	e.isRunning = true
}

// Pause freezes position. Only valid while running; otherwise a no-op.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isRunning || e.isPaused {
		return
	}
	e.isPaused = true
	e.pausedTime = e.clock.Now()
}

// Stop halts playback and zeroes all timing state.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cancelFadeLocked()
	e.isRunning = false
	e.isPaused = false
	e.startTime = time.Time{}
	e.pausedTime = time.Time{}
	e.totalPaused = 0
	e.seekBeat = 0
}

// Seek jumps to the given beat. While running the start time is
// back-dated so elapsed-time math lands on the requested beat
// immediately, with no pause/resume cycle.
func (e *Engine) Seek(targetBeat float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seekLocked(targetBeat)
}

func (e *Engine) seekLocked(targetBeat float64) {
	if targetBeat < 0 {
		targetBeat = 0
	}
	offset := time.Duration(beat.BeatsToTime(targetBeat, e.tempo) * float64(time.Millisecond))
	switch {
	case e.isPaused:
		e.startTime = e.pausedTime.Add(-offset)
		e.totalPaused = 0
	case e.isRunning:
		e.startTime = e.clock.Now().Add(-offset)
		e.totalPaused = 0
	default:
		e.seekBeat = targetBeat
	}
}

// SetTempo changes tempo, clamped into the valid range. With fade == 0
// the change is immediate. Otherwise tempo ramps along an ease-in-out
// curve on a repeating 1ms tick and snaps exactly to the target when the
// fade completes. A new SetTempo cancels any fade in flight.
func (e *Engine) SetTempo(target float64, fade time.Duration) {
	target = beat.ClampTempo(target)

	e.mu.Lock()
	e.cancelFadeLocked()
	if fade <= 0 {
		e.setTempoLocked(target)
		e.mu.Unlock()
		return
	}

	from := e.tempo
	cancel := make(chan struct{})
	e.fadeCancel = cancel
	started := e.clock.Now()
	e.mu.Unlock()

	go e.runFade(from, target, fade, started, cancel)
}

func (e *Engine) runFade(from, target float64, fade time.Duration, started time.Time, cancel chan struct{}) {
	ticker := e.clock.NewTicker(fadeTick)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-ticker.Chan():
			p := float64(e.clock.Now().Sub(started)) / float64(fade)
			if p >= 1 {
				e.mu.Lock()
				if e.fadeCancel == cancel {
					e.setTempoLocked(target)
					e.fadeCancel = nil
				}
				e.mu.Unlock()
				log.Debug().Float64("tempo", target).Dur("fade", fade).Msg("tempo fade complete")
				return
			}
			e.mu.Lock()
			if e.fadeCancel != cancel {
				e.mu.Unlock()
				return
			}
			e.setTempoLocked(from + (target-from)*easeInOut(p))
			e.mu.Unlock()
		}
	}
}

// easeInOut is the quadratic ease curve used for tempo fades.
func easeInOut(p float64) float64 {
	if p < 0.5 {
		return 2 * p * p
	}
	return -1 + (4-2*p)*p
}

// setTempoLocked applies a new tempo while preserving the current beat
// position: the start time is re-anchored so the elapsed-time mapping
// stays continuous across the change.
func (e *Engine) setTempoLocked(tempo float64) {
	if tempo == e.tempo {
		return
	}
	if e.isRunning {
		pos := e.totalBeatsLocked()
		e.tempo = tempo
		offset := time.Duration(beat.BeatsToTime(pos, e.tempo) * float64(time.Millisecond))
		anchor := e.clock.Now()
		if e.isPaused {
			anchor = e.pausedTime
		}
		e.startTime = anchor.Add(-offset)
		e.totalPaused = 0
		return
	}
	e.tempo = tempo
}

// cancelFadeLocked stops any in-flight fade goroutine.
func (e *Engine) cancelFadeLocked() {
	if e.fadeCancel != nil {
		close(e.fadeCancel)
		e.fadeCancel = nil
	}
}

// Tempo returns the current tempo in BPM.
func (e *Engine) Tempo() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tempo
}

// SetTimeSignature replaces the meter. Invalid signatures are ignored.
func (e *Engine) SetTimeSignature(sig beat.TimeSignature) {
	if !sig.Valid() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sig = sig
}

// TimeSignature returns the current meter.
func (e *Engine) TimeSignature() beat.TimeSignature {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sig
}

// totalBeatsLocked derives the beat count from elapsed wall time.
func (e *Engine) totalBeatsLocked() float64 {
	if !e.isRunning {
		return e.seekBeat
	}
	end := e.clock.Now()
	if e.isPaused {
		end = e.pausedTime
	}
	elapsed := end.Sub(e.startTime) - e.totalPaused
	return beat.TimeToBeats(float64(elapsed)/float64(time.Millisecond), e.tempo)
}

// Position reports the current musical position.
func (e *Engine) Position() Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.totalBeatsLocked()
	elapsed := beat.BeatsToTime(total, e.tempo)
	return Position{
		Beat:       math.Mod(total, float64(e.sig.Numerator)),
		Measure:    int(total) / e.sig.Numerator,
		TotalBeats: total,
		ElapsedMs:  elapsed,
		IsRunning:  e.isRunning && !e.isPaused,
	}
}

// BeatDuration returns the length of one beat in milliseconds.
func (e *Engine) BeatDuration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return beat.BeatsToTime(1, e.tempo)
}

// MeasureDuration returns the length of one measure in milliseconds.
func (e *Engine) MeasureDuration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return beat.BeatsToTime(1, e.tempo) * float64(e.sig.Numerator)
}

// PredictNextBeats returns n absolute future timestamps, one beat apart,
// anchored to the next beat boundary after now.
func (e *Engine) PredictNextBeats(n int) []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n <= 0 {
		return nil
	}
	beatDur := time.Duration(beat.BeatsToTime(1, e.tempo) * float64(time.Millisecond))
	total := e.totalBeatsLocked()
	frac := total - math.Floor(total)
	toNext := time.Duration((1 - frac) * float64(beatDur))

	out := make([]time.Time, n)
	first := e.clock.Now().Add(toNext)
	for i := range out {
		out[i] = first.Add(time.Duration(i) * beatDur)
	}
	return out
}
