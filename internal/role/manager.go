// Package role implements leadership: assignment, the request/approve/
// deny handoff protocol, and automatic promotion when a leader drops.
package role

import (
	"context"
	"errors"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/scoresync/backend/internal/session"
)

var (
	// ErrNotLeader is returned when a leader-only action comes from a
	// follower or an unknown socket.
	ErrNotLeader = errors.New("action requires leader role")

	// ErrNoSuchRequest is returned when an approval or denial names a
	// requester without a pending request.
	ErrNoSuchRequest = errors.New("no pending leader request for socket")
)

// Events receives leadership notifications. The gateway implements this
// over its websocket connection pools.
type Events interface {
	// LeaderRequestSent acknowledges a pending request to its requester.
	LeaderRequestSent(sessionID, requesterID string)

	// LeaderHandoffRequest asks the current leader to approve or deny.
	LeaderHandoffRequest(sessionID, leaderID string, req session.LeaderRequest)

	// LeaderChanged announces a new leader to the whole session.
	LeaderChanged(sessionID, newLeaderID string)

	// LeaderAutoAssigned announces a promotion after leader loss.
	LeaderAutoAssigned(sessionID, newLeaderID string)
}

// NopEvents discards all notifications.
type NopEvents struct{}

func (NopEvents) LeaderRequestSent(string, string)                           {}
func (NopEvents) LeaderHandoffRequest(string, string, session.LeaderRequest) {}
func (NopEvents) LeaderChanged(string, string)                               {}
func (NopEvents) LeaderAutoAssigned(string, string)                          {}

// MemberRole is the answer to a role query.
type MemberRole struct {
	Role     session.Role `json:"role"`
	IsLeader bool         `json:"isLeader"`
}

// Validation is the result of a leader-only authorization check.
type Validation struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Manager mutates leadership through the session manager, so every
// change runs under the session's serialization lock.
type Manager struct {
	clock    clockwork.Clock
	sessions *session.Manager
	events   Events
}

// NewManager wires leadership onto a session manager.
func NewManager(clock clockwork.Clock, sessions *session.Manager, events Events) *Manager {
	if events == nil {
		events = NopEvents{}
	}
	return &Manager{clock: clock, sessions: sessions, events: events}
}

// AssignLeader makes socketID the session leader, demoting any previous
// leader. Fails if the member does not exist.
func (m *Manager) AssignLeader(ctx context.Context, sessionID, socketID string) (*session.Session, error) {
	changed := false
	sess, err := m.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		if sess.Member(socketID) == nil {
			return session.ErrMemberNotFound
		}
		changed = sess.LeaderSocketID != socketID
		sess.LeaderSocketID = socketID
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Re-assigning the current leader is a no-op: no duplicate events.
	if changed {
		log.Info().Str("session_id", sessionID).Str("leader", socketID).Msg("leader assigned")
		m.events.LeaderChanged(sessionID, socketID)
	}
	return sess, nil
}

// RequestLeader records a pending handoff request and notifies both the
// requester and the current leader.
func (m *Manager) RequestLeader(ctx context.Context, sessionID, socketID string) (*session.Session, error) {
	var req session.LeaderRequest
	sess, err := m.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		member := sess.Member(socketID)
		if member == nil {
			return session.ErrMemberNotFound
		}
		if sess.HasLeaderRequest(socketID) {
			return session.ErrDuplicateRequest
		}
		req = session.LeaderRequest{
			SocketID:    socketID,
			DisplayName: member.DisplayName,
			RequestedAt: m.clock.Now(),
		}
		sess.LeaderRequests = append(sess.LeaderRequests, req)
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("session_id", sessionID).Str("requester", socketID).Msg("leader handoff requested")
	m.events.LeaderRequestSent(sessionID, socketID)
	if leader := sess.Leader(); leader != nil {
		m.events.LeaderHandoffRequest(sessionID, leader.SocketID, req)
	}
	return sess, nil
}

// ApproveLeaderRequest transfers leadership to the requester. Only the
// current leader may approve; on success every pending request for the
// session is cleared, not just the approved one.
func (m *Manager) ApproveLeaderRequest(ctx context.Context, sessionID, approverID, requesterID string) (*session.Session, error) {
	sess, err := m.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		if sess.LeaderSocketID == "" || sess.LeaderSocketID != approverID {
			return ErrNotLeader
		}
		if !sess.HasLeaderRequest(requesterID) {
			return ErrNoSuchRequest
		}
		if sess.Member(requesterID) == nil {
			return session.ErrMemberNotFound
		}
		sess.LeaderSocketID = requesterID
		sess.LeaderRequests = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", sessionID).
		Str("old_leader", approverID).
		Str("new_leader", requesterID).
		Msg("leader handoff approved")
	m.events.LeaderChanged(sessionID, requesterID)
	return sess, nil
}

// DenyLeaderRequest removes one pending request. Only the current
// leader may deny; other pending requests are untouched.
func (m *Manager) DenyLeaderRequest(ctx context.Context, sessionID, approverID, requesterID string) (*session.Session, error) {
	sess, err := m.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		if sess.LeaderSocketID == "" || sess.LeaderSocketID != approverID {
			return ErrNotLeader
		}
		if !sess.HasLeaderRequest(requesterID) {
			return ErrNoSuchRequest
		}
		remaining := sess.LeaderRequests[:0]
		for _, r := range sess.LeaderRequests {
			if r.SocketID != requesterID {
				remaining = append(remaining, r)
			}
		}
		sess.LeaderRequests = remaining
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("session_id", sessionID).Str("requester", requesterID).Msg("leader handoff denied")
	return sess, nil
}

// HandleLeaderDisconnect stops playback and promotes the longest-joined
// connected member. Fails unless leaderID is the current leader; the
// gateway guarantees it fires at most once per disconnect.
func (m *Manager) HandleLeaderDisconnect(ctx context.Context, sessionID, leaderID string) (*session.Session, error) {
	successor := ""
	sess, err := m.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		if sess.LeaderSocketID != leaderID {
			return ErrNotLeader
		}

		// Freeze transport first so followers stop extrapolating
		// against a leaderless timeline.
		sess.IsPlaying = false

		successor = ""
		var best *session.Member
		for i := range sess.Members {
			mem := &sess.Members[i]
			if !mem.Connected || mem.SocketID == leaderID {
				continue
			}
			if best == nil || mem.JoinedAt.Before(best.JoinedAt) {
				best = mem
			}
		}
		if best != nil {
			successor = best.SocketID
		}
		sess.LeaderSocketID = successor
		return nil
	})
	if err != nil {
		return nil, err
	}

	if successor != "" {
		log.Info().
			Str("session_id", sessionID).
			Str("old_leader", leaderID).
			Str("new_leader", successor).
			Msg("leader disconnected, promoted senior member")
		m.events.LeaderAutoAssigned(sessionID, successor)
	} else {
		log.Info().Str("session_id", sessionID).Str("old_leader", leaderID).Msg("leader disconnected, no successor")
		m.events.LeaderChanged(sessionID, "")
	}
	return sess, nil
}

// ValidateLeaderAction reports whether socketID may issue leader-only
// commands for the session.
func (m *Manager) ValidateLeaderAction(ctx context.Context, sessionID, socketID string) Validation {
	sess, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return Validation{Valid: false, Error: "Action requires leader role"}
	}
	if sess.Member(socketID) == nil || sess.LeaderSocketID != socketID {
		return Validation{Valid: false, Error: "Action requires leader role"}
	}
	return Validation{Valid: true}
}

// GetMemberRole reports a member's role.
func (m *Manager) GetMemberRole(ctx context.Context, sessionID, socketID string) (MemberRole, error) {
	member, err := m.sessions.GetMember(ctx, sessionID, socketID)
	if err != nil {
		return MemberRole{}, err
	}
	return MemberRole{Role: member.Role, IsLeader: member.Role == session.RoleLeader}, nil
}
