package server

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestServeRelaysFrames tests the read and write pumps together.
// It verifies that queued frames are written, inbound chat is relayed and a
// transport EOF removes the session.
func TestServeRelaysFrames(t *testing.T) {
	g := newTestGateway(t, newMemoryStore(), defaultGatewayOptions())
	conn := newFakeConn()

	s, err := g.Connect(context.Background(), conn, "192.168.1.10:4000")
	require.NoError(t, err)
	g.Serve(s)

	require.Equal(t, "Rehan joined", decodeSystem(t, readEnvelope(t, conn.out)).Msg)

	conn.in <- sendFrame("hello")
	require.Equal(t, "hello", decodeChat(t, readEnvelope(t, conn.out)).Text)

	conn.in <- []byte("garbage")
	conn.in <- sendFrame("still here")
	require.Equal(t, "still here", decodeChat(t, readEnvelope(t, conn.out)).Text)

	close(conn.in)
	require.Eventually(t, func() bool { return g.Hub().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, StateClosed, s.State())
	require.EqualValues(t, defaultConfig().MaxMessageSize, conn.limit())
	require.NoError(t, g.Shutdown(time.Second))
}

// TestShutdownSendsGoingAway tests graceful shutdown.
// It verifies that live sessions receive a going-away close frame and that
// Shutdown waits for the pumps.
func TestShutdownSendsGoingAway(t *testing.T) {
	g := newTestGateway(t, newMemoryStore(), defaultGatewayOptions())
	conn := newFakeConn()

	s, err := g.Connect(context.Background(), conn, "192.168.1.10:4000")
	require.NoError(t, err)
	g.Serve(s)
	readEnvelope(t, conn.out)

	require.NoError(t, g.Shutdown(2*time.Second))
	require.Zero(t, g.Hub().Len())
	require.Equal(t, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), conn.lastCloseFrame())
}

// TestSessionStateString tests the state names used in logs.
func TestSessionStateString(t *testing.T) {
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "unknown", SessionState(42).String())
}

// TestWriteFailureRemovesSession tests delivery failure on the transport.
// It verifies that a session whose writes fail is closed and removed while
// the other sessions keep receiving broadcasts.
func TestWriteFailureRemovesSession(t *testing.T) {
	g := newTestGateway(t, newMemoryStore(), defaultGatewayOptions())
	defer func() { _ = g.Shutdown(time.Second) }()

	good := newFakeConn()
	gs, err := g.Connect(context.Background(), good, "192.168.1.10:4000")
	require.NoError(t, err)
	g.Serve(gs)
	require.Equal(t, "Rehan joined", decodeSystem(t, readEnvelope(t, good.out)).Msg)

	bad := newFakeConn()
	bad.failWrites.Store(true)
	bs, err := g.Connect(context.Background(), bad, "192.168.1.11:4000")
	require.NoError(t, err)
	g.Serve(bs)
	require.Equal(t, "Ayesha joined", decodeSystem(t, readEnvelope(t, good.out)).Msg)

	require.Eventually(t, func() bool { return g.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, StateClosed, bs.State())
	require.Equal(t, StateActive, gs.State())
	require.Eventually(t, bad.isClosed, 2*time.Second, 10*time.Millisecond)

	good.in <- sendFrame("anyone left?")
	msg := decodeChat(t, readEnvelope(t, good.out))
	require.Equal(t, "Rehan", msg.From)
	require.Equal(t, "anyone left?", msg.Text)
}

// TestConnectAfterShutdown tests that a stopped gateway admits nobody.
// It verifies that the connection is refused and closed, and that Serve on a
// session from before the shutdown starts no pumps.
func TestConnectAfterShutdown(t *testing.T) {
	g := newTestGateway(t, newMemoryStore(), defaultGatewayOptions())
	early := newFakeConn()
	es, err := g.Connect(context.Background(), early, "192.168.1.11:4000")
	require.NoError(t, err)

	require.NoError(t, g.Shutdown(time.Second))

	conn := newFakeConn()
	s, err := g.Connect(context.Background(), conn, "192.168.1.10:4000")
	require.ErrorIs(t, err, ErrSessionClosed)
	require.Nil(t, s)
	require.Zero(t, g.Hub().Len())
	require.True(t, conn.isClosed())

	g.Serve(es)
	require.True(t, early.isClosed())
	require.Equal(t, StateClosed, es.State())
	require.NoError(t, g.Shutdown(time.Second))
}
