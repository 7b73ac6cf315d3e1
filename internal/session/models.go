package session

import (
	"time"

	"github.com/scoresync/backend/internal/beat"
)

// Role is a member's part in the session.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Member is one connected device in a session. Members keep insertion
// order inside Session.Members; role mirrors Session.LeaderSocketID.
type Member struct {
	SocketID    string    `json:"socketId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role"`
	JoinedAt    time.Time `json:"joinedAt"`
	Connected   bool      `json:"connected"`
}

// LeaderRequest is a pending handoff request, FIFO by RequestedAt.
type LeaderRequest struct {
	SocketID    string    `json:"socketId"`
	DisplayName string    `json:"displayName"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Session is the authoritative state for one sync group, persisted as a
// single document keyed by ID.
type Session struct {
	ID             string             `json:"sessionId"`
	TempoBPM       float64            `json:"tempoBpm"`
	TimeSignature  beat.TimeSignature `json:"timeSignature"`
	PositionMs     float64            `json:"positionMs"`
	IsPlaying      bool               `json:"isPlaying"`
	LeaderSocketID string             `json:"leaderSocketId,omitempty"`

	// Wall-clock anchor for deriving PositionMs while playing.
	PlaybackStartedAt time.Time `json:"playbackStartedAt,omitempty"`
	PositionAtStart   float64   `json:"positionAtStart"`

	LastActiveAt   time.Time       `json:"lastActiveAt"`
	Members        []Member        `json:"members"`
	LeaderRequests []LeaderRequest `json:"leaderRequests,omitempty"`
}

// Member returns the member with the given socket id, or nil.
func (s *Session) Member(socketID string) *Member {
	for i := range s.Members {
		if s.Members[i].SocketID == socketID {
			return &s.Members[i]
		}
	}
	return nil
}

// ConnectedCount returns the number of currently connected members.
func (s *Session) ConnectedCount() int {
	n := 0
	for i := range s.Members {
		if s.Members[i].Connected {
			n++
		}
	}
	return n
}

// Leader returns the current leader member, or nil if the session has
// none.
func (s *Session) Leader() *Member {
	if s.LeaderSocketID == "" {
		return nil
	}
	return s.Member(s.LeaderSocketID)
}

// HasLeaderRequest reports whether the socket already has a pending
// handoff request.
func (s *Session) HasLeaderRequest(socketID string) bool {
	for _, r := range s.LeaderRequests {
		if r.SocketID == socketID {
			return true
		}
	}
	return false
}

// clone returns a deep copy so callers can never mutate stored state
// outside the manager's per-session lock.
func (s *Session) clone() *Session {
	cp := *s
	cp.Members = append([]Member(nil), s.Members...)
	cp.LeaderRequests = append([]LeaderRequest(nil), s.LeaderRequests...)
	return &cp
}
