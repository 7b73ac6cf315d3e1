// Package gateway is the transport layer: WebSocket connection pools,
// the framed JSON protocol, and the dispatcher that routes client
// commands into the session and role managers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/scoresync/backend/internal/role"
	"github.com/scoresync/backend/internal/session"
	"github.com/scoresync/backend/internal/ticker"
)

// defaultDisplayName labels members who join without a name.
const defaultDisplayName = "Musician"

// Sender abstracts outbound delivery so the dispatcher can be tested
// without sockets. ConnectionManager implements it.
type Sender interface {
	SendToSocket(socketID string, env Envelope)
	BroadcastToSession(sessionID string, env Envelope)
}

// Handler routes inbound commands. All mutations go through the session
// manager, so per-session serialization holds regardless of how many
// sockets issue commands concurrently.
type Handler struct {
	clock    clockwork.Clock
	sessions *session.Manager
	roles    *role.Manager
	ticks    *ticker.Loop
	sender   Sender
}

// NewHandler wires the dispatcher.
func NewHandler(clock clockwork.Clock, sessions *session.Manager, roles *role.Manager, ticks *ticker.Loop, sender Sender) *Handler {
	return &Handler{
		clock:    clock,
		sessions: sessions,
		roles:    roles,
		ticks:    ticks,
		sender:   sender,
	}
}

// HandleMessage parses and dispatches one inbound frame. Malformed or
// unauthorized commands answer with an error event and mutate nothing.
func (h *Handler) HandleMessage(ctx context.Context, socketID string, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.sendError(socketID, "malformed message")
		return
	}

	switch env.Type {
	case TypeJoinSession:
		var p JoinSessionPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.handleJoin(ctx, socketID, p)

	case TypeSetRole:
		var p SetRolePayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.handleSetRole(ctx, socketID, p)

	case TypeSetTempo:
		var p SetTempoPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.handleSetTempo(ctx, socketID, p)

	case TypePlay:
		var p TransportPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.handlePlay(ctx, socketID, p.SessionID)

	case TypePause:
		var p TransportPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.handlePause(ctx, socketID, p.SessionID)

	case TypeStop:
		var p TransportPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.handleStop(ctx, socketID, p.SessionID)

	case TypeSeek:
		var p SeekPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.handleSeek(ctx, socketID, p)

	case TypeLatencyProbe:
		var p LatencyProbePayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.sender.SendToSocket(socketID, NewEnvelope(TypeLatencyResponse, LatencyResponsePayload{
			ClientTimestamp: p.Timestamp,
			ServerTimestamp: epochMillis(h.clock.Now()),
		}))

	case TypeSyncRequest:
		var p SyncRequestPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		h.handleSyncRequest(ctx, socketID, p.SessionID)

	case TypeApproveLeader:
		var p HandoffPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		if _, err := h.roles.ApproveLeaderRequest(ctx, p.SessionID, socketID, p.RequesterSocketID); err != nil {
			h.sendCommandError(socketID, err)
			return
		}
		h.broadcastSnapshot(ctx, p.SessionID, "")

	case TypeDenyLeader:
		var p HandoffPayload
		if !h.parse(socketID, env.Data, &p) {
			return
		}
		if _, err := h.roles.DenyLeaderRequest(ctx, p.SessionID, socketID, p.RequesterSocketID); err != nil {
			h.sendCommandError(socketID, err)
		}

	default:
		log.Debug().Str("socket_id", socketID).Str("type", string(env.Type)).Msg("unknown message type")
		h.sendError(socketID, "unknown message type")
	}
}

// HandleDisconnect runs once per dropped socket: membership update, and
// leader promotion when the leader vanished.
func (h *Handler) HandleDisconnect(ctx context.Context, socketID string) {
	sess, err := h.sessions.GetSessionBySocketID(ctx, socketID)
	if err != nil {
		log.Error().Err(err).Str("socket_id", socketID).Msg("disconnect lookup failed")
		return
	}
	if sess == nil {
		return
	}

	if sess.LeaderSocketID == socketID {
		// Promote before removal so the successor search still sees the
		// full membership; the departing leader is excluded explicitly.
		if _, err := h.roles.HandleLeaderDisconnect(ctx, sess.ID, socketID); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("leader disconnect handling failed")
		}
		h.ticks.Stop(sess.ID)
	}

	updated, err := h.sessions.RemoveMember(ctx, sess.ID, socketID)
	if err != nil {
		if !errors.Is(err, session.ErrMemberNotFound) {
			log.Error().Err(err).Str("session_id", sess.ID).Msg("remove member failed")
		}
		return
	}

	h.sender.BroadcastToSession(sess.ID, NewEnvelope(TypeRoomStats, RoomStatsPayload{
		SessionID:   sess.ID,
		MemberCount: len(updated.Members),
	}))
	h.broadcastSnapshot(ctx, sess.ID, "")
}

func (h *Handler) handleJoin(ctx context.Context, socketID string, p JoinSessionPayload) {
	if p.SessionID == "" {
		h.sendError(socketID, "sessionId is required")
		return
	}
	name := p.DisplayName
	if name == "" {
		name = defaultDisplayName
	}

	if _, err := h.sessions.CreateSession(ctx, p.SessionID); err != nil {
		h.sendError(socketID, "session unavailable")
		return
	}
	sess, err := h.sessions.AddMember(ctx, p.SessionID, socketID, name)
	if err != nil {
		h.sendCommandError(socketID, err)
		return
	}

	h.sender.SendToSocket(socketID, NewEnvelope(TypeSnapshot, snapshotOf(sess, h.clock.Now(), "Joined session")))
	h.sender.BroadcastToSession(p.SessionID, NewEnvelope(TypeRoomStats, RoomStatsPayload{
		SessionID:   p.SessionID,
		MemberCount: len(sess.Members),
	}))
}

// handleSetRole claims leadership. A leaderless session grants it
// immediately; otherwise the request goes through the handoff protocol.
// Repeating the claim as the current leader changes nothing.
func (h *Handler) handleSetRole(ctx context.Context, socketID string, p SetRolePayload) {
	if p.Role != string(session.RoleLeader) {
		h.sendError(socketID, "only the leader role can be requested")
		return
	}

	sess, err := h.sessions.GetSession(ctx, p.SessionID)
	if err != nil || sess == nil {
		h.sendError(socketID, "unknown session")
		return
	}

	if sess.LeaderSocketID == "" || sess.LeaderSocketID == socketID {
		if _, err := h.roles.AssignLeader(ctx, p.SessionID, socketID); err != nil {
			h.sendCommandError(socketID, err)
			return
		}
		h.broadcastSnapshot(ctx, p.SessionID, "")
		return
	}

	if _, err := h.roles.RequestLeader(ctx, p.SessionID, socketID); err != nil {
		h.sendCommandError(socketID, err)
	}
}

func (h *Handler) handleSetTempo(ctx context.Context, socketID string, p SetTempoPayload) {
	if !h.requireLeader(ctx, p.SessionID, socketID) {
		return
	}
	if _, err := h.sessions.UpdateSession(ctx, p.SessionID, session.Patch{TempoBPM: &p.Tempo}); err != nil {
		h.sendCommandError(socketID, err)
		return
	}
	h.broadcastSnapshot(ctx, p.SessionID, "")
}

func (h *Handler) handlePlay(ctx context.Context, socketID, sessionID string) {
	if !h.requireLeader(ctx, sessionID, socketID) {
		return
	}
	now := h.clock.Now()
	_, err := h.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		if sess.IsPlaying {
			return nil
		}
		sess.IsPlaying = true
		sess.PlaybackStartedAt = now
		sess.PositionAtStart = sess.PositionMs
		return nil
	})
	if err != nil {
		h.sendCommandError(socketID, err)
		return
	}
	h.ticks.Start(context.WithoutCancel(ctx), sessionID)
	h.broadcastSnapshot(ctx, sessionID, "")
}

func (h *Handler) handlePause(ctx context.Context, socketID, sessionID string) {
	if !h.requireLeader(ctx, sessionID, socketID) {
		return
	}
	now := h.clock.Now()
	_, err := h.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		if !sess.IsPlaying {
			return nil
		}
		sess.PositionMs = sess.PositionAtStart + float64(now.Sub(sess.PlaybackStartedAt))/float64(time.Millisecond)
		sess.IsPlaying = false
		return nil
	})
	if err != nil {
		h.sendCommandError(socketID, err)
		return
	}
	h.ticks.Stop(sessionID)
	h.broadcastSnapshot(ctx, sessionID, "")
}

func (h *Handler) handleStop(ctx context.Context, socketID, sessionID string) {
	if !h.requireLeader(ctx, sessionID, socketID) {
		return
	}
	_, err := h.sessions.Mutate(ctx, sessionID, func(sess *session.Session) error {
		sess.IsPlaying = false
		sess.PositionMs = 0
		sess.PositionAtStart = 0
		return nil
	})
	if err != nil {
		h.sendCommandError(socketID, err)
		return
	}
	h.ticks.Stop(sessionID)
	h.broadcastSnapshot(ctx, sessionID, "")
}

func (h *Handler) handleSeek(ctx context.Context, socketID string, p SeekPayload) {
	if !h.requireLeader(ctx, p.SessionID, socketID) {
		return
	}
	if p.PositionMs < 0 {
		h.sendError(socketID, "positionMs must be non-negative")
		return
	}
	now := h.clock.Now()
	_, err := h.sessions.Mutate(ctx, p.SessionID, func(sess *session.Session) error {
		sess.PositionMs = p.PositionMs
		if sess.IsPlaying {
			sess.PositionAtStart = p.PositionMs
			sess.PlaybackStartedAt = now
		}
		return nil
	})
	if err != nil {
		h.sendCommandError(socketID, err)
		return
	}
	h.broadcastSnapshot(ctx, p.SessionID, "")
}

func (h *Handler) handleSyncRequest(ctx context.Context, socketID, sessionID string) {
	sess, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		h.sendError(socketID, "unknown session")
		return
	}
	now := h.clock.Now()
	h.sender.SendToSocket(socketID, NewEnvelope(TypeSyncResponse, SyncResponsePayload{
		TempoBPM:        sess.TempoBPM,
		Position:        livePosition(sess, now),
		IsPlaying:       sess.IsPlaying,
		LeaderSocketID:  sess.LeaderSocketID,
		ServerTimestamp: epochMillis(now),
	}))
}

// requireLeader gates leader-only commands. A rejected command answers
// with an error event and leaves the session untouched.
func (h *Handler) requireLeader(ctx context.Context, sessionID, socketID string) bool {
	v := h.roles.ValidateLeaderAction(ctx, sessionID, socketID)
	if !v.Valid {
		h.sendError(socketID, v.Error)
		return false
	}
	return true
}

func (h *Handler) broadcastSnapshot(ctx context.Context, sessionID, message string) {
	sess, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return
	}
	h.sender.BroadcastToSession(sessionID, NewEnvelope(TypeSnapshot, snapshotOf(sess, h.clock.Now(), message)))
}

func (h *Handler) parse(socketID string, data json.RawMessage, out any) bool {
	if err := json.Unmarshal(data, out); err != nil {
		h.sendError(socketID, "malformed payload")
		return false
	}
	return true
}

func (h *Handler) sendError(socketID, message string) {
	h.sender.SendToSocket(socketID, NewEnvelope(TypeError, ErrorPayload{Message: message}))
}

// sendCommandError maps manager errors onto wire errors.
func (h *Handler) sendCommandError(socketID string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		h.sendError(socketID, "unknown session")
	case errors.Is(err, session.ErrMemberNotFound):
		h.sendError(socketID, "unknown member")
	case errors.Is(err, session.ErrDuplicateRequest):
		h.sendError(socketID, "leader request already pending")
	case errors.Is(err, role.ErrNotLeader):
		h.sendError(socketID, "Action requires leader role")
	case errors.Is(err, role.ErrNoSuchRequest):
		h.sendError(socketID, "no pending request for that member")
	default:
		log.Error().Err(err).Msg("command failed")
		h.sendError(socketID, "internal error")
	}
}
