package server

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestHubAdmit tests session admission.
// It verifies that an admitted session is active, carries its identity and
// that admitting the same connection twice yields the same session.
func TestHubAdmit(t *testing.T) {
	hub := NewHub(HubConfig{SendQueueSize: 4})
	conn := newFakeConn()

	s := hub.Admit(conn, "Rehan", "192.168.1.10:5555")
	require.Equal(t, StateActive, s.State())
	require.Equal(t, "Rehan", s.Identity)
	require.Equal(t, 1, hub.Len())

	again := hub.Admit(conn, "Rehan", "192.168.1.10:5555")
	require.Same(t, s, again)
	require.Equal(t, 1, hub.Len())

	other := hub.Admit(newFakeConn(), "Rehan", "192.168.1.10:5556")
	require.NotSame(t, s, other)
	require.NotEqual(t, s.ID, other.ID)
	require.ElementsMatch(t, []string{"Rehan", "Rehan"}, hub.Identities())
}

// TestHubRemove tests that removal is idempotent.
// It verifies that the second removal is a no-op and that the outbound queue
// is closed.
func TestHubRemove(t *testing.T) {
	hub := NewHub(HubConfig{SendQueueSize: 4})
	s := hub.Admit(newFakeConn(), "Rehan", "")

	require.True(t, hub.Remove(s))
	require.False(t, hub.Remove(s))
	require.False(t, hub.Remove(nil))
	require.Equal(t, StateClosed, s.State())
	require.Zero(t, hub.Len())

	_, ok := <-s.Outbound()
	require.False(t, ok)

	require.False(t, hub.Send(s, []byte("late")))
	require.Zero(t, hub.Broadcast([]byte("late")))
}

// TestHubBroadcastExactlyOnce tests fan-out.
// It verifies that every active session receives a broadcast exactly once
// and removed sessions receive nothing.
func TestHubBroadcastExactlyOnce(t *testing.T) {
	hub := NewHub(HubConfig{SendQueueSize: 8})
	a := hub.Admit(newFakeConn(), "Rehan", "")
	b := hub.Admit(newFakeConn(), "Ayesha", "")
	c := hub.Admit(newFakeConn(), "LocalDev", "")
	hub.Remove(c)

	require.Equal(t, 2, hub.Broadcast([]byte(`{"event":"system"}`)))

	for _, s := range []*Session{a, b} {
		require.Len(t, s.Outbound(), 1)
		require.Equal(t, `{"event":"system"}`, string(<-s.Outbound()))
	}
}

// TestHubFullQueueRemovesSession tests slow consumer handling.
// It verifies that a session whose queue is full is removed instead of
// blocking the broadcaster, while other sessions keep receiving.
func TestHubFullQueueRemovesSession(t *testing.T) {
	hub := NewHub(HubConfig{SendQueueSize: 1})
	slow := hub.Admit(newFakeConn(), "Rehan", "")
	fast := hub.Admit(newFakeConn(), "Ayesha", "")

	require.Equal(t, 2, hub.Broadcast([]byte("one")))
	<-fast.Outbound()

	require.Equal(t, 1, hub.Broadcast([]byte("two")))
	require.Equal(t, StateClosed, slow.State())
	require.Equal(t, 1, hub.Len())
	require.Equal(t, "two", string(<-fast.Outbound()))

	require.True(t, hub.Send(fast, []byte("three")))
	require.False(t, hub.Send(fast, []byte("four")))
	require.Equal(t, StateClosed, fast.State())
	require.Zero(t, hub.Len())
}

// TestHubCloseAll tests shutdown of every session.
// It verifies that all sessions are removed and carry the requested close code.
func TestHubCloseAll(t *testing.T) {
	hub := NewHub(HubConfig{SendQueueSize: 2})
	sessions := []*Session{
		hub.Admit(newFakeConn(), "Rehan", ""),
		hub.Admit(newFakeConn(), "Ayesha", ""),
	}

	require.Equal(t, 2, hub.CloseAll(websocket.CloseGoingAway))
	require.Zero(t, hub.Len())
	require.Empty(t, hub.Sessions())
	for _, s := range sessions {
		require.Equal(t, StateClosed, s.State())
		require.EqualValues(t, websocket.CloseGoingAway, s.closeCode.Load())
	}
}

// TestHubClockDrivesRateLimit tests that sessions take the hub clock.
// It verifies that an exhausted session recovers only when the hub clock moves.
func TestHubClockDrivesRateLimit(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	hub := NewHub(HubConfig{
		SendQueueSize: 4,
		RateLimit:     RateLimitConfig{Burst: 1, RefillInterval: time.Minute},
		Now:           func() time.Time { return now },
	})
	s := hub.Admit(newFakeConn(), "Rehan", "")

	require.True(t, s.rateLimiter.allow())
	require.False(t, s.rateLimiter.allow())
	now = now.Add(time.Minute)
	require.True(t, s.rateLimiter.allow())
}
