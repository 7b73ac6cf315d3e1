// Package beat holds the pure tempo math shared by the timing engine and
// the metronome: beats↔milliseconds conversion, beat-strength
// classification, swing offsets and subdivision quantization.
package beat

import "math"

// Tempo bounds in BPM. Commands outside this range clamp rather than error.
const (
	MinTempo = 40.0
	MaxTempo = 300.0
)

const msPerMinute = 60000.0

// Subdivision is a fractional beat unit.
type Subdivision int

const (
	Quarter Subdivision = iota
	Eighth
	Sixteenth
	Triplet
)

// Beats returns the length of one subdivision step in beat units.
func (s Subdivision) Beats() float64 {
	switch s {
	case Eighth:
		return 0.5
	case Sixteenth:
		return 0.25
	case Triplet:
		return 1.0 / 3.0
	default:
		return 1.0
	}
}

func (s Subdivision) String() string {
	switch s {
	case Eighth:
		return "eighth"
	case Sixteenth:
		return "sixteenth"
	case Triplet:
		return "triplet"
	default:
		return "quarter"
	}
}

// TimeSignature is numerator/denominator, e.g. 4/4 or 6/8.
type TimeSignature struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// Valid reports whether the signature is one the engine accepts.
func (ts TimeSignature) Valid() bool {
	if ts.Numerator < 1 {
		return false
	}
	switch ts.Denominator {
	case 1, 2, 4, 8, 16:
		return true
	}
	return false
}

// ClampTempo forces tempo into [MinTempo, MaxTempo].
func ClampTempo(tempo float64) float64 {
	return math.Min(MaxTempo, math.Max(MinTempo, tempo))
}

// BeatsToTime converts a beat count to milliseconds at the given tempo.
func BeatsToTime(beats, tempo float64) float64 {
	return beats * msPerMinute / tempo
}

// TimeToBeats converts milliseconds to a beat count at the given tempo.
func TimeToBeats(timeMs, tempo float64) float64 {
	return timeMs * tempo / msPerMinute
}

// IsDownbeat reports whether the beat index lands on beat one of a measure.
func IsDownbeat(beatIndex int, sig TimeSignature) bool {
	if sig.Numerator <= 0 {
		return false
	}
	return beatIndex%sig.Numerator == 0
}

// IsStrongBeat reports whether the beat index is metrically strong.
// In 4/4 beats 0 and 2 are strong; every other meter marks only beat 0.
func IsStrongBeat(beatIndex int, sig TimeSignature) bool {
	if sig.Numerator <= 0 {
		return false
	}
	pos := beatIndex % sig.Numerator
	if sig.Numerator == 4 {
		return pos == 0 || pos == 2
	}
	return pos == 0
}

// boundaryEps tolerates float accumulation when deciding whether a
// position sits exactly on an eighth boundary.
const boundaryEps = 1e-9

// SwingAdjustment returns the lateness, in beat units, to apply at the
// given beat position. Swing only affects off-beat eighths: a ratio of
// 0.67 delays them by 0.17 beats. Every other subdivision gets 0.
func SwingAdjustment(beatPosition, swingRatio float64, sub Subdivision) float64 {
	if sub != Eighth {
		return 0
	}
	eighths := beatPosition / Eighth.Beats()
	if math.Abs(eighths-math.Round(eighths)) < boundaryEps {
		return 0
	}
	return swingRatio - 0.5
}

// QuantizeToSubdivision snaps a time to the nearest subdivision grid line
// at the given tempo and returns it in milliseconds.
func QuantizeToSubdivision(timeMs, tempo float64, sub Subdivision) float64 {
	step := sub.Beats()
	beats := TimeToBeats(timeMs, tempo)
	snapped := math.Round(beats/step) * step
	return BeatsToTime(snapped, tempo)
}
