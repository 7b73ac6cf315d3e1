// Package session owns the authoritative session state: the data model,
// the durable document store with its in-memory fallback, and a manager
// that serializes every mutation per session id.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/scoresync/backend/internal/beat"
)

const (
	// DefaultIdleTimeout is how long a session may sit inactive before
	// cleanup may remove it.
	DefaultIdleTimeout = 30 * time.Minute

	// storeOpTimeout bounds every store round trip so a dead store can
	// never stall tick broadcasting.
	storeOpTimeout = 2 * time.Second
)

// Patch carries the mutable session fields for UpdateSession; nil fields
// are left untouched.
type Patch struct {
	TempoBPM       *float64
	TimeSignature  *beat.TimeSignature
	PositionMs     *float64
	IsPlaying      *bool
	LeaderSocketID *string
}

// Manager serializes all access to session state. Every mutation for a
// given session id runs under that session's lock, so handlers, role
// changes and tick broadcasts can never interleave on the same session.
type Manager struct {
	clock    clockwork.Clock
	primary  Store
	fallback Store
	degraded atomic.Bool

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// socket → session reverse index. Maintained exclusively by
	// AddMember/RemoveMember.
	indexMu     sync.RWMutex
	socketIndex map[string]string

	idleTimeout time.Duration
}

// NewManager builds a manager over a durable store. The fallback is
// always an in-memory store; pass primary == nil to run memory-only.
func NewManager(clock clockwork.Clock, primary Store, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	m := &Manager{
		clock:       clock,
		primary:     primary,
		fallback:    NewMemoryStore(clock),
		locks:       make(map[string]*sync.Mutex),
		socketIndex: make(map[string]string),
		idleTimeout: idleTimeout,
	}
	if primary == nil {
		m.degraded.Store(true)
	}
	return m
}

// lockFor returns the mutex serializing one session id.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

// store returns the store currently in service.
func (m *Manager) store() Store {
	if m.degraded.Load() {
		return m.fallback
	}
	return m.primary
}

// failover flips to the in-memory store after a primary error.
func (m *Manager) failover(err error) {
	if m.degraded.CompareAndSwap(false, true) {
		log.Error().Err(err).Msg("durable store unreachable, degrading to in-memory sessions")
	}
}

// Degraded reports whether the manager is running on the memory store.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, storeOpTimeout)
}

func (m *Manager) storeGet(ctx context.Context, id string) (*Session, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	sess, err := m.store().Get(opCtx, id)
	if err != nil && !m.degraded.Load() {
		m.failover(err)
		return m.fallback.Get(ctx, id)
	}
	return sess, err
}

func (m *Manager) storePut(ctx context.Context, sess *Session) error {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	err := m.store().Put(opCtx, sess)
	if err != nil && !m.degraded.Load() {
		m.failover(err)
		return m.fallback.Put(ctx, sess)
	}
	return err
}

// CreateSession creates a session with defaults (120 BPM, 4/4, stopped).
// Creating an id that already exists returns the existing session.
func (m *Manager) CreateSession(ctx context.Context, id string) (*Session, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := m.storeGet(ctx, id); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := m.clock.Now()
	sess := &Session{
		ID:            id,
		TempoBPM:      120,
		TimeSignature: beat.TimeSignature{Numerator: 4, Denominator: 4},
		LastActiveAt:  now,
		Members:       []Member{},
	}
	if err := m.storePut(ctx, sess); err != nil {
		return nil, err
	}
	log.Info().Str("session_id", id).Msg("session created")
	return sess.clone(), nil
}

// GetSession returns a copy of the session, or (nil, nil) when unknown.
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	return m.storeGet(ctx, id)
}

// Mutate loads a session, applies fn under the session lock, validates
// invariants and persists the result. The returned session is the
// post-mutation copy. fn returning an error aborts without persisting.
func (m *Manager) Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return m.mutateLocked(ctx, id, fn)
}

func (m *Manager) mutateLocked(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	sess, err := m.storeGet(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := validate(sess); err != nil {
		return nil, err
	}

	sess.LastActiveAt = m.clock.Now()
	if err := m.storePut(ctx, sess); err != nil {
		return nil, err
	}
	return sess.clone(), nil
}

// validate enforces the session invariants no mutation may break.
func validate(sess *Session) error {
	sess.TempoBPM = beat.ClampTempo(sess.TempoBPM)
	if !sess.TimeSignature.Valid() {
		return fmt.Errorf("invalid time signature %d/%d", sess.TimeSignature.Numerator, sess.TimeSignature.Denominator)
	}
	if sess.PositionMs < 0 {
		return fmt.Errorf("negative position %f", sess.PositionMs)
	}
	if sess.LeaderSocketID != "" && sess.Member(sess.LeaderSocketID) == nil {
		return fmt.Errorf("leader %s is not a session member", sess.LeaderSocketID)
	}
	// Roles must mirror the leader field.
	for i := range sess.Members {
		if sess.Members[i].SocketID == sess.LeaderSocketID {
			sess.Members[i].Role = RoleLeader
		} else {
			sess.Members[i].Role = RoleFollower
		}
	}
	return nil
}

// UpdateSession merges non-nil patch fields and bumps LastActiveAt.
func (m *Manager) UpdateSession(ctx context.Context, id string, patch Patch) (*Session, error) {
	return m.Mutate(ctx, id, func(sess *Session) error {
		if patch.TempoBPM != nil {
			sess.TempoBPM = *patch.TempoBPM
		}
		if patch.TimeSignature != nil {
			sess.TimeSignature = *patch.TimeSignature
		}
		if patch.PositionMs != nil {
			sess.PositionMs = *patch.PositionMs
		}
		if patch.IsPlaying != nil {
			sess.IsPlaying = *patch.IsPlaying
		}
		if patch.LeaderSocketID != nil {
			sess.LeaderSocketID = *patch.LeaderSocketID
		}
		return nil
	})
}

// DeleteSession removes the session document and any reverse-index
// entries pointing at it.
func (m *Manager) DeleteSession(ctx context.Context, id string) (bool, error) {
	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	existed, err := m.store().Delete(opCtx, id)
	if err != nil && !m.degraded.Load() {
		m.failover(err)
		existed, err = m.fallback.Delete(ctx, id)
	}
	if err != nil {
		return false, err
	}

	m.indexMu.Lock()
	for socketID, sessID := range m.socketIndex {
		if sessID == id {
			delete(m.socketIndex, socketID)
		}
	}
	m.indexMu.Unlock()

	if existed {
		log.Info().Str("session_id", id).Msg("session deleted")
	}
	return existed, nil
}

// AddMember adds a member (or reconnects an existing one) and records
// the socket → session mapping.
func (m *Manager) AddMember(ctx context.Context, sessionID string, socketID, displayName string) (*Session, error) {
	sess, err := m.Mutate(ctx, sessionID, func(sess *Session) error {
		if existing := sess.Member(socketID); existing != nil {
			existing.Connected = true
			if displayName != "" {
				existing.DisplayName = displayName
			}
			return nil
		}
		sess.Members = append(sess.Members, Member{
			SocketID:    socketID,
			DisplayName: displayName,
			Role:        RoleFollower,
			JoinedAt:    m.clock.Now(),
			Connected:   true,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.indexMu.Lock()
	m.socketIndex[socketID] = sessionID
	m.indexMu.Unlock()
	return sess, nil
}

// RemoveMember drops a member, its reverse-index entry, and any pending
// leader request it holds.
func (m *Manager) RemoveMember(ctx context.Context, sessionID, socketID string) (*Session, error) {
	sess, err := m.Mutate(ctx, sessionID, func(sess *Session) error {
		idx := -1
		for i := range sess.Members {
			if sess.Members[i].SocketID == socketID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrMemberNotFound
		}
		sess.Members = append(sess.Members[:idx], sess.Members[idx+1:]...)
		removeRequest(sess, socketID)
		if sess.LeaderSocketID == socketID {
			sess.LeaderSocketID = ""
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.indexMu.Lock()
	delete(m.socketIndex, socketID)
	m.indexMu.Unlock()
	return sess, nil
}

// GetMember returns one member of a session.
func (m *Manager) GetMember(ctx context.Context, sessionID, socketID string) (*Member, error) {
	sess, err := m.storeGet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	member := sess.Member(socketID)
	if member == nil {
		return nil, ErrMemberNotFound
	}
	return member, nil
}

// GetAllMembers returns members in insertion order.
func (m *Manager) GetAllMembers(ctx context.Context, sessionID string) ([]Member, error) {
	sess, err := m.storeGet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess.Members, nil
}

// GetMemberCount returns the member count for a session.
func (m *Manager) GetMemberCount(ctx context.Context, sessionID string) (int, error) {
	members, err := m.GetAllMembers(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// AddLeaderRequest appends a pending handoff request; a socket may hold
// at most one.
func (m *Manager) AddLeaderRequest(ctx context.Context, sessionID, socketID, displayName string) (*Session, error) {
	return m.Mutate(ctx, sessionID, func(sess *Session) error {
		if sess.HasLeaderRequest(socketID) {
			return ErrDuplicateRequest
		}
		sess.LeaderRequests = append(sess.LeaderRequests, LeaderRequest{
			SocketID:    socketID,
			DisplayName: displayName,
			RequestedAt: m.clock.Now(),
		})
		return nil
	})
}

// GetLeaderRequests returns pending requests in FIFO order.
func (m *Manager) GetLeaderRequests(ctx context.Context, sessionID string) ([]LeaderRequest, error) {
	sess, err := m.storeGet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess.LeaderRequests, nil
}

// RemoveLeaderRequest drops one pending request if present.
func (m *Manager) RemoveLeaderRequest(ctx context.Context, sessionID, socketID string) (*Session, error) {
	return m.Mutate(ctx, sessionID, func(sess *Session) error {
		removeRequest(sess, socketID)
		return nil
	})
}

func removeRequest(sess *Session, socketID string) {
	for i, r := range sess.LeaderRequests {
		if r.SocketID == socketID {
			sess.LeaderRequests = append(sess.LeaderRequests[:i], sess.LeaderRequests[i+1:]...)
			return
		}
	}
}

// GetSessionBySocketID resolves the reverse index. Returns (nil, nil)
// once the member has been removed.
func (m *Manager) GetSessionBySocketID(ctx context.Context, socketID string) (*Session, error) {
	m.indexMu.RLock()
	sessionID, ok := m.socketIndex[socketID]
	m.indexMu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.storeGet(ctx, sessionID)
}

// CleanupExpiredSessions deletes sessions idle past the threshold with
// no connected members. Playing sessions are never touched.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	opCtx, cancel := m.opCtx(ctx)
	sessions, err := m.store().List(opCtx)
	cancel()
	if err != nil {
		if !m.degraded.Load() {
			m.failover(err)
			sessions, err = m.fallback.List(ctx)
		}
		if err != nil {
			return 0, err
		}
	}

	cutoff := m.clock.Now().Add(-m.idleTimeout)
	removed := 0
	for _, sess := range sessions {
		if sess.IsPlaying || sess.ConnectedCount() > 0 {
			continue
		}
		if sess.LastActiveAt.After(cutoff) {
			continue
		}
		existed, err := m.DeleteSession(ctx, sess.ID)
		if err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("cleanup delete failed")
			continue
		}
		if existed {
			removed++
		}
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Msg("expired sessions cleaned up")
	}
	return removed, nil
}

// HealthCheck pings the durable store. A successful ping restores the
// primary after a failover; contents written while degraded stay in
// memory (restart-level data loss is acceptable, a crash is not).
func (m *Manager) HealthCheck(ctx context.Context) error {
	if m.primary == nil {
		return nil
	}
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()

	if err := m.primary.Ping(opCtx); err != nil {
		m.failover(err)
		return err
	}
	if m.degraded.CompareAndSwap(true, false) {
		log.Info().Msg("durable store reachable again, leaving degraded mode")
	}
	return nil
}
