package role

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoresync/backend/internal/session"
)

// eventLog records leadership notifications for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) LeaderRequestSent(sessionID, requesterID string) {
	l.add("request_sent:" + requesterID)
}

func (l *eventLog) LeaderHandoffRequest(sessionID, leaderID string, req session.LeaderRequest) {
	l.add("handoff:" + leaderID + "<-" + req.SocketID)
}

func (l *eventLog) LeaderChanged(sessionID, newLeaderID string) {
	l.add("changed:" + newLeaderID)
}

func (l *eventLog) LeaderAutoAssigned(sessionID, newLeaderID string) {
	l.add("auto:" + newLeaderID)
}

func setup(t *testing.T) (*Manager, *session.Manager, *eventLog, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	sessions := session.NewManager(clock, session.NewMemoryStore(clock), 0)
	events := &eventLog{}
	return NewManager(clock, sessions, events), sessions, events, clock
}

func join(t *testing.T, sessions *session.Manager, sessionID string, socketIDs ...string) {
	t.Helper()
	ctx := context.Background()
	_, err := sessions.CreateSession(ctx, sessionID)
	require.NoError(t, err)
	for _, id := range socketIDs {
		_, err := sessions.AddMember(ctx, sessionID, id, "name-"+id)
		require.NoError(t, err)
	}
}

func TestAssignLeader(t *testing.T) {
	m, sessions, events, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "s1", "s2")

	sess, err := m.AssignLeader(ctx, "room", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.LeaderSocketID)
	assert.Equal(t, session.RoleLeader, sess.Member("s1").Role)
	assert.Equal(t, session.RoleFollower, sess.Member("s2").Role)

	// Transfer demotes the old leader.
	sess, err = m.AssignLeader(ctx, "room", "s2")
	require.NoError(t, err)
	assert.Equal(t, session.RoleFollower, sess.Member("s1").Role)
	assert.Equal(t, session.RoleLeader, sess.Member("s2").Role)
	assert.Equal(t, []string{"changed:s1", "changed:s2"}, events.all())
}

func TestAssignLeaderUnknownMember(t *testing.T) {
	m, sessions, _, _ := setup(t)
	join(t, sessions, "room", "s1")

	_, err := m.AssignLeader(context.Background(), "room", "ghost")
	assert.ErrorIs(t, err, session.ErrMemberNotFound)
}

func TestAssignLeaderIdempotent(t *testing.T) {
	m, sessions, events, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "s1")

	_, err := m.AssignLeader(ctx, "room", "s1")
	require.NoError(t, err)
	_, err = m.AssignLeader(ctx, "room", "s1")
	require.NoError(t, err)

	assert.Equal(t, []string{"changed:s1"}, events.all(), "repeat assignment emits no duplicate events")
}

func TestRequestLeaderNotifiesBothSides(t *testing.T) {
	m, sessions, events, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "s1", "s2")
	_, err := m.AssignLeader(ctx, "room", "s1")
	require.NoError(t, err)

	sess, err := m.RequestLeader(ctx, "room", "s2")
	require.NoError(t, err)
	require.Len(t, sess.LeaderRequests, 1)
	assert.Equal(t, "s2", sess.LeaderRequests[0].SocketID)
	assert.Contains(t, events.all(), "request_sent:s2")
	assert.Contains(t, events.all(), "handoff:s1<-s2")
}

func TestRequestLeaderUnknownSession(t *testing.T) {
	m, _, _, _ := setup(t)
	_, err := m.RequestLeader(context.Background(), "nope", "s1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestApproveClearsAllPendingRequests(t *testing.T) {
	m, sessions, _, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "lead", "f1", "f2", "f3")
	_, err := m.AssignLeader(ctx, "room", "lead")
	require.NoError(t, err)

	for _, f := range []string{"f1", "f2", "f3"} {
		_, err := m.RequestLeader(ctx, "room", f)
		require.NoError(t, err)
	}
	reqs, err := sessions.GetLeaderRequests(ctx, "room")
	require.NoError(t, err)
	require.Len(t, reqs, 3, "all concurrent requests recorded as pending")

	sess, err := m.ApproveLeaderRequest(ctx, "room", "lead", "f2")
	require.NoError(t, err)
	assert.Equal(t, "f2", sess.LeaderSocketID)
	assert.Empty(t, sess.LeaderRequests, "approval clears every pending request")
	assert.Equal(t, session.RoleFollower, sess.Member("lead").Role)
}

func TestApproveRequiresLeader(t *testing.T) {
	m, sessions, _, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "lead", "f1", "f2")
	_, err := m.AssignLeader(ctx, "room", "lead")
	require.NoError(t, err)
	_, err = m.RequestLeader(ctx, "room", "f1")
	require.NoError(t, err)

	_, err = m.ApproveLeaderRequest(ctx, "room", "f2", "f1")
	assert.ErrorIs(t, err, ErrNotLeader)

	sess, err := sessions.GetSession(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, "lead", sess.LeaderSocketID, "rejected approval leaves state unchanged")
	assert.Len(t, sess.LeaderRequests, 1)
}

func TestApproveWithoutMatchingRequest(t *testing.T) {
	m, sessions, _, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "lead", "f1")
	_, err := m.AssignLeader(ctx, "room", "lead")
	require.NoError(t, err)

	_, err = m.ApproveLeaderRequest(ctx, "room", "lead", "f1")
	assert.ErrorIs(t, err, ErrNoSuchRequest)
}

func TestDenyRemovesOnlyThatRequest(t *testing.T) {
	m, sessions, _, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "lead", "f1", "f2")
	_, err := m.AssignLeader(ctx, "room", "lead")
	require.NoError(t, err)
	_, err = m.RequestLeader(ctx, "room", "f1")
	require.NoError(t, err)
	_, err = m.RequestLeader(ctx, "room", "f2")
	require.NoError(t, err)

	sess, err := m.DenyLeaderRequest(ctx, "room", "lead", "f1")
	require.NoError(t, err)
	require.Len(t, sess.LeaderRequests, 1)
	assert.Equal(t, "f2", sess.LeaderRequests[0].SocketID)
	assert.Equal(t, "lead", sess.LeaderSocketID)
}

func TestLeaderDisconnectPromotesSeniorMember(t *testing.T) {
	m, sessions, events, clock := setup(t)
	ctx := context.Background()

	_, err := sessions.CreateSession(ctx, "room")
	require.NoError(t, err)
	// Members join at t, t+2s, t+4s; the oldest is the leader.
	for _, id := range []string{"old", "mid", "new"} {
		_, err := sessions.AddMember(ctx, "room", id, id)
		require.NoError(t, err)
		clock.Advance(2 * time.Second)
	}
	_, err = m.AssignLeader(ctx, "room", "old")
	require.NoError(t, err)
	_, err = sessions.UpdateSession(ctx, "room", session.Patch{IsPlaying: boolPtr(true)})
	require.NoError(t, err)

	sess, err := m.HandleLeaderDisconnect(ctx, "room", "old")
	require.NoError(t, err)
	assert.Equal(t, "mid", sess.LeaderSocketID, "earliest joined survivor wins")
	assert.False(t, sess.IsPlaying, "playback stops at the moment of promotion")
	assert.Contains(t, events.all(), "auto:mid")
}

func TestLeaderDisconnectNoSuccessor(t *testing.T) {
	m, sessions, events, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "solo")
	_, err := m.AssignLeader(ctx, "room", "solo")
	require.NoError(t, err)

	sess, err := m.HandleLeaderDisconnect(ctx, "room", "solo")
	require.NoError(t, err)
	assert.Empty(t, sess.LeaderSocketID)
	assert.Contains(t, events.all(), "changed:")
}

func TestLeaderDisconnectWrongLeader(t *testing.T) {
	m, sessions, _, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "s1", "s2")
	_, err := m.AssignLeader(ctx, "room", "s1")
	require.NoError(t, err)

	_, err = m.HandleLeaderDisconnect(ctx, "room", "s2")
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestValidateLeaderAction(t *testing.T) {
	m, sessions, _, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "s1", "s2")
	_, err := m.AssignLeader(ctx, "room", "s1")
	require.NoError(t, err)

	assert.True(t, m.ValidateLeaderAction(ctx, "room", "s1").Valid)

	v := m.ValidateLeaderAction(ctx, "room", "s2")
	assert.False(t, v.Valid)
	assert.Equal(t, "Action requires leader role", v.Error)

	assert.False(t, m.ValidateLeaderAction(ctx, "room", "ghost").Valid)
	assert.False(t, m.ValidateLeaderAction(ctx, "nope", "s1").Valid)
}

func TestGetMemberRole(t *testing.T) {
	m, sessions, _, _ := setup(t)
	ctx := context.Background()
	join(t, sessions, "room", "s1", "s2")
	_, err := m.AssignLeader(ctx, "room", "s1")
	require.NoError(t, err)

	r, err := m.GetMemberRole(ctx, "room", "s1")
	require.NoError(t, err)
	assert.True(t, r.IsLeader)
	assert.Equal(t, session.RoleLeader, r.Role)

	r, err = m.GetMemberRole(ctx, "room", "s2")
	require.NoError(t, err)
	assert.False(t, r.IsLeader)

	_, err = m.GetMemberRole(ctx, "room", "ghost")
	assert.ErrorIs(t, err, session.ErrMemberNotFound)
}

func boolPtr(b bool) *bool { return &b }
