package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scoresync/backend/internal/session"
)

// Envelope frames every message in both directions: a type tag plus a
// type-specific payload. The set of types is closed; unknown tags are
// rejected at dispatch.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// MessageType tags one wire message variant.
type MessageType string

// Client → server commands.
const (
	TypeJoinSession   MessageType = "join_session"
	TypeSetRole       MessageType = "set_role"
	TypeSetTempo      MessageType = "set_tempo"
	TypePlay          MessageType = "play"
	TypePause         MessageType = "pause"
	TypeStop          MessageType = "stop"
	TypeSeek          MessageType = "seek"
	TypeLatencyProbe  MessageType = "latency_probe"
	TypeSyncRequest   MessageType = "sync_request"
	TypeApproveLeader MessageType = "approve_leader"
	TypeDenyLeader    MessageType = "deny_leader"
)

// Server → client messages.
const (
	TypeSnapshot             MessageType = "snapshot"
	TypeScrollTick           MessageType = "scroll_tick"
	TypeLatencyResponse      MessageType = "latency_response"
	TypeSyncResponse         MessageType = "sync_response"
	TypeLeaderRequestSent    MessageType = "leader_request_sent"
	TypeLeaderHandoffRequest MessageType = "leader_handoff_request"
	TypeLeaderChanged        MessageType = "leader_changed"
	TypeLeaderAutoAssigned   MessageType = "leader_auto_assigned"
	TypeRoomStats            MessageType = "room_stats"
	TypeError                MessageType = "error"
)

// JoinSessionPayload subscribes the socket to a session, creating it on
// first use.
type JoinSessionPayload struct {
	SessionID   string `json:"sessionId"`
	DisplayName string `json:"displayName,omitempty"`
}

// SetRolePayload claims or requests the leader role.
type SetRolePayload struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
}

// SetTempoPayload changes session tempo (leader only).
type SetTempoPayload struct {
	SessionID string  `json:"sessionId"`
	Tempo     float64 `json:"tempo"`
}

// TransportPayload carries play/pause/stop.
type TransportPayload struct {
	SessionID string `json:"sessionId"`
}

// SeekPayload jumps the session position (leader only).
type SeekPayload struct {
	SessionID  string  `json:"sessionId"`
	PositionMs float64 `json:"positionMs"`
}

// LatencyProbePayload is a client clock probe; Timestamp is the client's
// epoch milliseconds at send time, echoed back verbatim.
type LatencyProbePayload struct {
	Timestamp float64 `json:"timestamp"`
}

// SyncRequestPayload asks for an authoritative state refresh.
type SyncRequestPayload struct {
	SessionID string `json:"sessionId"`
}

// HandoffPayload names the requester for approve_leader / deny_leader.
type HandoffPayload struct {
	SessionID         string `json:"sessionId"`
	RequesterSocketID string `json:"requesterSocketId"`
}

// MemberInfo is the wire form of a session member.
type MemberInfo struct {
	SocketID    string `json:"socketId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	JoinedAt    int64  `json:"joinedAt"`
	Connected   bool   `json:"connected"`
}

// SnapshotPayload is the full session view returned for every transport
// and membership command. Tempo and TempoBPM carry the same value; both
// stay on the wire for client compatibility.
type SnapshotPayload struct {
	Message        string       `json:"message,omitempty"`
	Tempo          float64      `json:"tempo"`
	TempoBPM       float64      `json:"tempoBpm"`
	Position       float64      `json:"position"`
	IsPlaying      bool         `json:"isPlaying"`
	LeaderSocketID string       `json:"leaderSocketId"`
	Members        []MemberInfo `json:"members"`
}

// ScrollTickPayload is the authoritative position push, ~100ms cadence
// while playing.
type ScrollTickPayload struct {
	PositionMs      float64 `json:"positionMs"`
	ServerTimestamp int64   `json:"serverTimestamp"`
}

// LatencyResponsePayload answers a probe with both clocks.
type LatencyResponsePayload struct {
	ClientTimestamp float64 `json:"clientTimestamp"`
	ServerTimestamp int64   `json:"serverTimestamp"`
}

// SyncResponsePayload answers sync_request.
type SyncResponsePayload struct {
	TempoBPM        float64 `json:"tempoBpm"`
	Position        float64 `json:"position"`
	IsPlaying       bool    `json:"isPlaying"`
	LeaderSocketID  string  `json:"leaderSocketId"`
	ServerTimestamp int64   `json:"serverTimestamp"`
}

// LeaderRequestSentPayload acknowledges a pending handoff request.
type LeaderRequestSentPayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// LeaderHandoffRequestPayload asks the leader to approve or deny.
type LeaderHandoffRequestPayload struct {
	SessionID         string `json:"sessionId"`
	RequesterSocketID string `json:"requesterSocketId"`
	DisplayName       string `json:"displayName"`
	RequestedAt       int64  `json:"requestedAt"`
}

// LeaderChangedPayload announces the new leader (empty id means none).
type LeaderChangedPayload struct {
	SessionID      string `json:"sessionId"`
	LeaderSocketID string `json:"leaderSocketId"`
}

// RoomStatsPayload reports membership counts.
type RoomStatsPayload struct {
	SessionID   string `json:"sessionId"`
	MemberCount int    `json:"memberCount"`
}

// ErrorPayload surfaces a rejected command.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals a payload into a framed message.
func NewEnvelope(t MessageType, payload any) Envelope {
	data, err := json.Marshal(payload)
	if err != nil {
		// Payload structs are plain data; a marshal failure is a bug.
		panic(fmt.Sprintf("marshal %s payload: %v", t, err))
	}
	return Envelope{Type: t, Data: data}
}

// epochMillis is the wire representation of server timestamps.
func epochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// snapshotOf renders a session into its wire form. The live position is
// derived from the playback anchor so a snapshot between ticks is never
// stale.
func snapshotOf(sess *session.Session, now time.Time, message string) SnapshotPayload {
	members := make([]MemberInfo, 0, len(sess.Members))
	for _, m := range sess.Members {
		members = append(members, MemberInfo{
			SocketID:    m.SocketID,
			DisplayName: m.DisplayName,
			Role:        string(m.Role),
			JoinedAt:    epochMillis(m.JoinedAt),
			Connected:   m.Connected,
		})
	}
	return SnapshotPayload{
		Message:        message,
		Tempo:          sess.TempoBPM,
		TempoBPM:       sess.TempoBPM,
		Position:       livePosition(sess, now),
		IsPlaying:      sess.IsPlaying,
		LeaderSocketID: sess.LeaderSocketID,
		Members:        members,
	}
}

// livePosition extrapolates positionMs to now while playing.
func livePosition(sess *session.Session, now time.Time) float64 {
	if !sess.IsPlaying {
		return sess.PositionMs
	}
	return sess.PositionAtStart + float64(now.Sub(sess.PlaybackStartedAt))/float64(time.Millisecond)
}
