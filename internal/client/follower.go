// Package client holds the follower-side glue: it turns latency probes
// and position ticks into a local view of the server timeline. The
// metronome on a follower device renders against this view instead of
// trusting its own clock.
package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/scoresync/backend/internal/clocksync"
	"github.com/scoresync/backend/internal/gateway"
)

// Follower tracks the server clock and the last authoritative position
// for one connection.
type Follower struct {
	clock clockwork.Clock
	sync  *clocksync.Manager

	mu        sync.Mutex
	tempoBPM  float64
	isPlaying bool

	// Last authoritative position push, in server time.
	lastPositionMs float64
	lastServerTs   float64
	hasTick        bool
}

// NewFollower returns a follower with an empty offset window.
func NewFollower(clock clockwork.Clock) *Follower {
	return &Follower{
		clock: clock,
		sync:  clocksync.NewManager(clock),
	}
}

// NewProbe returns the payload for an outgoing latency probe, stamped
// with the local clock.
func (f *Follower) NewProbe() gateway.LatencyProbePayload {
	return gateway.LatencyProbePayload{Timestamp: epochMillis(f.clock.Now())}
}

// ApplyLatencyResponse folds one completed probe into the offset window.
// The server timestamp is assumed to sit at the midpoint of the round
// trip, so offset = serverTs − (sendTs+recvTs)/2.
func (f *Follower) ApplyLatencyResponse(p gateway.LatencyResponsePayload) {
	recvMs := epochMillis(f.clock.Now())
	midpoint := (p.ClientTimestamp + recvMs) / 2
	f.sync.AddOffset(float64(p.ServerTimestamp) - midpoint)
}

// ApplyScrollTick records an authoritative position push.
func (f *Follower) ApplyScrollTick(p gateway.ScrollTickPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPositionMs = p.PositionMs
	f.lastServerTs = float64(p.ServerTimestamp)
	f.hasTick = true
	f.isPlaying = true
}

// ApplySyncResponse resets the local view from an authoritative refresh.
func (f *Follower) ApplySyncResponse(p gateway.SyncResponsePayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tempoBPM = p.TempoBPM
	f.isPlaying = p.IsPlaying
	f.lastPositionMs = p.Position
	f.lastServerTs = float64(p.ServerTimestamp)
	f.hasTick = true
}

// ApplySnapshot resets the local view from a full session snapshot.
// Snapshots carry no server timestamp, so the position is anchored at
// the estimated server time of arrival.
func (f *Follower) ApplySnapshot(p gateway.SnapshotPayload) {
	serverNow := f.serverNowMs()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.tempoBPM = p.TempoBPM
	f.isPlaying = p.IsPlaying
	f.lastPositionMs = p.Position
	f.lastServerTs = serverNow
	f.hasTick = true
}

// Position extrapolates the playback position to the local now. Between
// ticks the position advances with the estimated server clock; while
// stopped it stays pinned to the last authoritative value.
func (f *Follower) Position() float64 {
	serverNow := f.serverNowMs()

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasTick {
		return 0
	}
	if !f.isPlaying {
		return f.lastPositionMs
	}
	return f.lastPositionMs + (serverNow - f.lastServerTs)
}

// TempoBPM returns the last known tempo, 0 before any snapshot.
func (f *Follower) TempoBPM() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tempoBPM
}

// IsPlaying returns the last known transport state.
func (f *Follower) IsPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.isPlaying
}

// Offset returns the estimated (server − local) clock offset in ms.
func (f *Follower) Offset() float64 {
	return f.sync.AverageOffset()
}

// Quality returns the sync confidence in [0,1].
func (f *Follower) Quality() float64 {
	return f.sync.Quality()
}

// IsSynced reports whether a probe landed recently enough to trust the
// offset. Pass 0 for the default freshness window.
func (f *Follower) IsSynced(maxAge time.Duration) bool {
	return f.sync.IsFresh(maxAge)
}

// ServerToLocalTime translates a server epoch-ms timestamp into local
// wall time using the current offset estimate.
func (f *Follower) ServerToLocalTime(serverMs float64) time.Time {
	localMs := serverMs - f.sync.AverageOffset()
	return time.UnixMilli(int64(localMs))
}

// LocalToServerTime translates a local wall time into server epoch ms.
func (f *Follower) LocalToServerTime(t time.Time) float64 {
	return epochMillis(t) + f.sync.AverageOffset()
}

// serverNowMs estimates the current server clock reading.
func (f *Follower) serverNowMs() float64 {
	return epochMillis(f.clock.Now()) + f.sync.AverageOffset()
}

func epochMillis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}
