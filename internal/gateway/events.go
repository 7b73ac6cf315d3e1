package gateway

import (
	"time"

	"github.com/scoresync/backend/internal/session"
)

// RoleEvents translates leadership notifications into wire messages.
// It implements role.Events over any Sender.
type RoleEvents struct {
	sender Sender
}

// NewRoleEvents wires leadership events onto a sender.
func NewRoleEvents(sender Sender) *RoleEvents {
	return &RoleEvents{sender: sender}
}

func (e *RoleEvents) LeaderRequestSent(sessionID, requesterID string) {
	e.sender.SendToSocket(requesterID, NewEnvelope(TypeLeaderRequestSent, LeaderRequestSentPayload{
		SessionID: sessionID,
		Message:   "Leader request sent",
	}))
}

func (e *RoleEvents) LeaderHandoffRequest(sessionID, leaderID string, req session.LeaderRequest) {
	e.sender.SendToSocket(leaderID, NewEnvelope(TypeLeaderHandoffRequest, LeaderHandoffRequestPayload{
		SessionID:         sessionID,
		RequesterSocketID: req.SocketID,
		DisplayName:       req.DisplayName,
		RequestedAt:       epochMillis(req.RequestedAt),
	}))
}

func (e *RoleEvents) LeaderChanged(sessionID, newLeaderID string) {
	e.sender.BroadcastToSession(sessionID, NewEnvelope(TypeLeaderChanged, LeaderChangedPayload{
		SessionID:      sessionID,
		LeaderSocketID: newLeaderID,
	}))
}

func (e *RoleEvents) LeaderAutoAssigned(sessionID, newLeaderID string) {
	e.sender.BroadcastToSession(sessionID, NewEnvelope(TypeLeaderAutoAssigned, LeaderChangedPayload{
		SessionID:      sessionID,
		LeaderSocketID: newLeaderID,
	}))
}

// TickBroadcaster implements ticker.Broadcaster over a Sender.
type TickBroadcaster struct {
	sender Sender
}

// NewTickBroadcaster wires position ticks onto a sender.
func NewTickBroadcaster(sender Sender) *TickBroadcaster {
	return &TickBroadcaster{sender: sender}
}

func (b *TickBroadcaster) BroadcastTick(sessionID string, positionMs float64, serverTimestamp time.Time) {
	b.sender.BroadcastToSession(sessionID, NewEnvelope(TypeScrollTick, ScrollTickPayload{
		PositionMs:      positionMs,
		ServerTimestamp: epochMillis(serverTimestamp),
	}))
}
