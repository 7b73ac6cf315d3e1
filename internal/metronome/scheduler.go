// Package metronome provides a look-ahead scheduler for recurring
// callbacks that must fire within a few milliseconds of their target
// time. A coarse driver loop scans pending entries every 25ms and arms a
// precise one-shot timer for anything falling inside the look-ahead
// horizon, so callback precision does not depend on the driver cadence.
package metronome

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// driverInterval is how often the scan loop wakes up.
	driverInterval = 25 * time.Millisecond

	// DefaultLookAhead is the arming horizon for one-shot timers.
	DefaultLookAhead = 100 * time.Millisecond

	minLookAhead = 50 * time.Millisecond
	maxLookAhead = 500 * time.Millisecond
)

// Callback receives the originally scheduled fire time, not the actual
// one, so consumers can measure their own jitter.
type Callback func(scheduled time.Time)

type entry struct {
	id       string
	callback Callback
	next     time.Time
	interval time.Duration
}

// Scheduler fires recurring callbacks at precise future timestamps.
type Scheduler struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	entries   map[string]*entry
	armed     map[string][]clockwork.Timer
	lookAhead time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewScheduler returns a scheduler with the default look-ahead. Call Run
// to start the driver loop.
func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:     clock,
		entries:   make(map[string]*entry),
		armed:     make(map[string][]clockwork.Timer),
		lookAhead: DefaultLookAhead,
	}
}

// Run starts the driver loop and blocks until ctx is cancelled or Stop
// is called.
func (s *Scheduler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	defer close(done)

	ticker := s.clock.NewTicker(driverInterval)
	defer ticker.Stop()

	log.Debug().Dur("driver_interval", driverInterval).Msg("metronome scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.cancelAllTimers()
			log.Debug().Msg("metronome scheduler stopped")
			return
		case <-ticker.Chan():
			s.scan(ctx)
		}
	}
}

// Stop cancels the driver loop and every armed timer, then waits for the
// loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Schedule registers a recurring callback and returns its id. A zero
// start time means the first fire lands one interval from now.
func (s *Scheduler) Schedule(cb Callback, interval time.Duration, start time.Time) string {
	id := uuid.New().String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if start.IsZero() {
		start = s.clock.Now().Add(interval)
	}
	s.entries[id] = &entry{id: id, callback: cb, next: start, interval: interval}

	log.Debug().Str("schedule_id", id).Dur("interval", interval).Time("first_fire", start).Msg("callback scheduled")
	return id
}

// Cancel removes an entry and stops any timers already armed for it.
// Returns whether the id existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	for _, t := range s.armed[id] {
		stopAndDrainTimer(t)
	}
	delete(s.armed, id)
	return true
}

// SetLookAhead adjusts the arming horizon, clamped into [50ms, 500ms].
func (s *Scheduler) SetLookAhead(d time.Duration) {
	if d < minLookAhead {
		d = minLookAhead
	}
	if d > maxLookAhead {
		d = maxLookAhead
	}
	s.mu.Lock()
	s.lookAhead = d
	s.mu.Unlock()
}

// LookAhead returns the current arming horizon.
func (s *Scheduler) LookAhead() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookAhead
}

// scan arms one-shot timers for every slot inside the horizon. Slots
// already in the past are skipped without firing: if the process stalls
// for several intervals there must be no backlog of stale callbacks.
func (s *Scheduler) scan(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	horizon := now.Add(s.lookAhead)

	for _, e := range s.entries {
		for e.next.Before(horizon) {
			if !e.next.Before(now) {
				s.armLocked(ctx, e, e.next)
			}
			e.next = e.next.Add(e.interval)
		}
	}
}

// armLocked starts a precise one-shot timer for a single slot.
func (s *Scheduler) armLocked(ctx context.Context, e *entry, at time.Time) {
	timer := s.clock.NewTimer(at.Sub(s.clock.Now()))
	s.armed[e.id] = append(s.armed[e.id], timer)

	go func(id string, cb Callback) {
		select {
		case <-timer.Chan():
			s.forgetTimer(id, timer)
			if s.hasEntry(id) {
				cb(at)
			}
		case <-ctx.Done():
			stopAndDrainTimer(timer)
		}
	}(e.id, e.callback)
}

func (s *Scheduler) hasEntry(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// forgetTimer drops a fired timer from the armed list.
func (s *Scheduler) forgetTimer(id string, timer clockwork.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	armed := s.armed[id]
	for i, t := range armed {
		if t == timer {
			s.armed[id] = append(armed[:i], armed[i+1:]...)
			break
		}
	}
	if len(s.armed[id]) == 0 {
		delete(s.armed, id)
	}
}

func (s *Scheduler) cancelAllTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timers := range s.armed {
		for _, t := range timers {
			stopAndDrainTimer(t)
		}
		delete(s.armed, id)
	}
}

// stopAndDrainTimer stops a timer and drains its channel so the waiting
// goroutine cannot leak, per the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
