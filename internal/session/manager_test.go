package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scoresync/backend/internal/beat"
)

// failingStore simulates an unreachable durable store.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) (*Session, error) { return nil, errStoreDown }
func (failingStore) Put(context.Context, *Session) error           { return errStoreDown }
func (failingStore) Delete(context.Context, string) (bool, error)  { return false, errStoreDown }
func (failingStore) List(context.Context) ([]*Session, error)      { return nil, errStoreDown }
func (failingStore) Ping(context.Context) error                    { return errStoreDown }

func newTestManager(t *testing.T) (*Manager, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	return NewManager(clock, NewMemoryStore(clock), 0), clock
}

func TestCreateAndGetSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 120.0, sess.TempoBPM)
	assert.Equal(t, beat.TimeSignature{Numerator: 4, Denominator: 4}, sess.TimeSignature)
	assert.False(t, sess.IsPlaying)

	got, err := m.GetSession(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "room-1", got.ID)

	missing, err := m.GetSession(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateSessionIdempotent(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = m.UpdateSession(ctx, "room-1", Patch{TempoBPM: ptr(90.0)})
	require.NoError(t, err)

	sess, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, sess.TempoBPM, "re-create must not reset existing state")
}

func TestUpdateSessionClampsTempo(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)

	sess, err := m.UpdateSession(ctx, "room-1", Patch{TempoBPM: ptr(500.0)})
	require.NoError(t, err)
	assert.Equal(t, 300.0, sess.TempoBPM)

	sess, err = m.UpdateSession(ctx, "room-1", Patch{TempoBPM: ptr(1.0)})
	require.NoError(t, err)
	assert.Equal(t, 40.0, sess.TempoBPM)
}

func TestMutateRejectsLeaderWhoIsNotMember(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)

	_, err = m.Mutate(ctx, "room-1", func(sess *Session) error {
		sess.LeaderSocketID = "ghost"
		return nil
	})
	require.Error(t, err)

	sess, err := m.GetSession(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, sess.LeaderSocketID, "rejected mutation must not persist")
}

func TestMembersKeepInsertionOrder(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.AddMember(ctx, "room-1", id, "player "+id)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	members, err := m.GetAllMembers(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "a", members[0].SocketID)
	assert.Equal(t, "b", members[1].SocketID)
	assert.Equal(t, "c", members[2].SocketID)

	count, err := m.GetMemberCount(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestReverseIndexLifecycle(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = m.AddMember(ctx, "room-1", "sock-1", "ann")
	require.NoError(t, err)

	sess, err := m.GetSessionBySocketID(ctx, "sock-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "room-1", sess.ID)

	_, err = m.RemoveMember(ctx, "room-1", "sock-1")
	require.NoError(t, err)

	sess, err = m.GetSessionBySocketID(ctx, "sock-1")
	require.NoError(t, err)
	assert.Nil(t, sess, "index entry must die with the member")
}

func TestRemoveMemberClearsLeaderAndRequest(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)
	_, err = m.AddMember(ctx, "room-1", "sock-1", "ann")
	require.NoError(t, err)
	_, err = m.AddMember(ctx, "room-1", "sock-2", "ben")
	require.NoError(t, err)

	_, err = m.UpdateSession(ctx, "room-1", Patch{LeaderSocketID: ptr("sock-1")})
	require.NoError(t, err)
	_, err = m.AddLeaderRequest(ctx, "room-1", "sock-2", "ben")
	require.NoError(t, err)

	_, err = m.RemoveMember(ctx, "room-1", "sock-2")
	require.NoError(t, err)
	reqs, err := m.GetLeaderRequests(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, reqs, "requester disconnect drops the pending request")

	sess, err := m.RemoveMember(ctx, "room-1", "sock-1")
	require.NoError(t, err)
	assert.Empty(t, sess.LeaderSocketID, "leader removal clears the leader field")
}

func TestLeaderRequestFIFOAndDuplicates(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err)

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := m.AddMember(ctx, "room-1", id, id)
		require.NoError(t, err)
	}
	for _, id := range []string{"s2", "s3", "s1"} {
		_, err := m.AddLeaderRequest(ctx, "room-1", id, id)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	_, err = m.AddLeaderRequest(ctx, "room-1", "s2", "s2")
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	reqs, err := m.GetLeaderRequests(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, reqs, 3)
	assert.Equal(t, "s2", reqs[0].SocketID)
	assert.Equal(t, "s3", reqs[1].SocketID)
	assert.Equal(t, "s1", reqs[2].SocketID)

	_, err = m.RemoveLeaderRequest(ctx, "room-1", "s3")
	require.NoError(t, err)
	reqs, err = m.GetLeaderRequests(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "s2", reqs[0].SocketID)
	assert.Equal(t, "s1", reqs[1].SocketID)
}

func TestCleanupSkipsActiveSessions(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()

	// Idle, empty session: eligible.
	_, err := m.CreateSession(ctx, "stale")
	require.NoError(t, err)

	// Playing session: never touched, even when idle past the window.
	_, err = m.CreateSession(ctx, "playing")
	require.NoError(t, err)
	_, err = m.UpdateSession(ctx, "playing", Patch{IsPlaying: ptr(true)})
	require.NoError(t, err)

	// Session with a connected member: kept.
	_, err = m.CreateSession(ctx, "occupied")
	require.NoError(t, err)
	_, err = m.AddMember(ctx, "occupied", "sock-1", "ann")
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)

	removed, err := m.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stale, _ := m.GetSession(ctx, "stale")
	assert.Nil(t, stale)
	playing, _ := m.GetSession(ctx, "playing")
	assert.NotNil(t, playing)
	occupied, _ := m.GetSession(ctx, "occupied")
	assert.NotNil(t, occupied)
}

func TestCleanupRespectsFreshSessions(t *testing.T) {
	m, clock := newTestManager(t)
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "fresh")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	removed, err := m.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestFailoverToMemory(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewManager(clock, failingStore{}, 0)
	ctx := context.Background()

	assert.False(t, m.Degraded())

	sess, err := m.CreateSession(ctx, "room-1")
	require.NoError(t, err, "create must survive a dead primary")
	require.NotNil(t, sess)
	assert.True(t, m.Degraded())

	// Subsequent operations keep working against memory.
	_, err = m.AddMember(ctx, "room-1", "sock-1", "ann")
	require.NoError(t, err)
	got, err := m.GetSession(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Members, 1)

	assert.Error(t, m.HealthCheck(ctx), "health check reports the dead primary")
	assert.True(t, m.Degraded())
}

func TestHealthCheckRestoresPrimary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	primary := NewMemoryStore(clock)
	m := NewManager(clock, primary, 0)
	m.degraded.Store(true)

	require.NoError(t, m.HealthCheck(context.Background()))
	assert.False(t, m.Degraded())
}

func TestMutateUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Mutate(context.Background(), "nope", func(*Session) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func ptr[T any](v T) *T { return &v }
