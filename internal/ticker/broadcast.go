// Package ticker drives the authoritative position ticks: while a
// session plays, a per-session loop recomputes positionMs from elapsed
// wall time, persists it, and fans it out to every member. Clients only
// smooth between these ticks; they never own the position.
package ticker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/scoresync/backend/internal/session"
)

// DefaultInterval is the tick cadence while playing.
const DefaultInterval = 100 * time.Millisecond

// errNotPlaying aborts a tick mutation without persisting anything.
var errNotPlaying = errors.New("session not playing")

// Broadcaster pushes a position tick to all members of a session. The
// gateway implements this over its connection pools.
type Broadcaster interface {
	BroadcastTick(sessionID string, positionMs float64, serverTimestamp time.Time)
}

// Loop owns one goroutine per playing session.
type Loop struct {
	clock       clockwork.Clock
	sessions    *session.Manager
	broadcaster Broadcaster
	interval    time.Duration

	mu      sync.Mutex
	running map[string]chan struct{}
}

// NewLoop builds a tick loop over the session manager.
func NewLoop(clock clockwork.Clock, sessions *session.Manager, b Broadcaster, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Loop{
		clock:       clock,
		sessions:    sessions,
		broadcaster: b,
		interval:    interval,
		running:     make(map[string]chan struct{}),
	}
}

// Start begins ticking a session. Starting an already ticking session is
// a no-op, so play commands are idempotent here.
func (l *Loop) Start(ctx context.Context, sessionID string) {
	l.mu.Lock()
	if _, ok := l.running[sessionID]; ok {
		l.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	l.running[sessionID] = stop
	l.mu.Unlock()

	log.Debug().Str("session_id", sessionID).Msg("tick loop started")
	go l.run(ctx, sessionID, stop)
}

// Stop cancels the tick loop for one session.
func (l *Loop) Stop(sessionID string) {
	l.mu.Lock()
	stop, ok := l.running[sessionID]
	if ok {
		delete(l.running, sessionID)
	}
	l.mu.Unlock()

	if ok {
		close(stop)
		log.Debug().Str("session_id", sessionID).Msg("tick loop stopped")
	}
}

// StopAll cancels every running loop, for shutdown.
func (l *Loop) StopAll() {
	l.mu.Lock()
	for id, stop := range l.running {
		close(stop)
		delete(l.running, id)
	}
	l.mu.Unlock()
}

// IsRunning reports whether a session currently has a tick loop.
func (l *Loop) IsRunning(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.running[sessionID]
	return ok
}

func (l *Loop) run(ctx context.Context, sessionID string, stop chan struct{}) {
	ticker := l.clock.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Stop(sessionID)
			return
		case <-stop:
			return
		case <-ticker.Chan():
			if !l.tick(ctx, sessionID) {
				// Session stopped playing or vanished; the loop
				// retires itself rather than ticking a frozen session.
				l.Stop(sessionID)
				return
			}
		}
	}
}

// tick advances and persists positionMs, then broadcasts it. Returns
// false once the session is no longer playing.
func (l *Loop) tick(ctx context.Context, sessionID string) bool {
	now := l.clock.Now()
	var positionMs float64

	_, err := l.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		if !sess.IsPlaying {
			return errNotPlaying
		}
		elapsed := now.Sub(sess.PlaybackStartedAt)
		positionMs = sess.PositionAtStart + float64(elapsed)/float64(time.Millisecond)
		sess.PositionMs = positionMs
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNotPlaying) && !errors.Is(err, session.ErrSessionNotFound) {
			log.Error().Err(err).Str("session_id", sessionID).Msg("tick persist failed")
		}
		return false
	}

	l.broadcaster.BroadcastTick(sessionID, positionMs, now)
	return true
}
