package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/lanchat/internal/identity"
	"github.com/Tyrowin/lanchat/internal/store"
)

var (
	errFakeClosed = errors.New("use of closed network connection")
	errFakeWrite  = errors.New("connection reset by peer")
)

// fakeConn is an in-memory Conn. Frames pushed on in are read by the read
// pump; text frames written by the write pump arrive on out.
type fakeConn struct {
	in  chan []byte
	out chan []byte

	mu         sync.Mutex
	closeFrame []byte
	readLimit  int64
	closed     chan struct{}
	closeOnce  sync.Once

	// failWrites makes every write fail as a dead peer would.
	failWrites atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, frame, nil
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	if c.failWrites.Load() {
		return errFakeWrite
	}
	switch messageType {
	case websocket.TextMessage:
		c.out <- data
	case websocket.CloseMessage:
		c.mu.Lock()
		c.closeFrame = data
		c.mu.Unlock()
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetReadLimit(limit int64) {
	c.mu.Lock()
	c.readLimit = limit
	c.mu.Unlock()
}

func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) limit() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLimit
}

func (c *fakeConn) lastCloseFrame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFrame
}

var fixedNow = time.Date(2026, 10, 18, 14, 3, 7, 0, time.UTC)

type gatewayOptions struct {
	table         map[string]string
	allowLoopback bool
	historyLimit  int
	queueSize     int
	rateLimit     RateLimitConfig
}

func defaultGatewayOptions() gatewayOptions {
	return gatewayOptions{
		table:         map[string]string{"192.168.1.10": "Rehan", "192.168.1.11": "Ayesha"},
		allowLoopback: true,
		historyLimit:  50,
		queueSize:     256,
		rateLimit:     RateLimitConfig{Burst: 100, RefillInterval: time.Second},
	}
}

func newTestGateway(t *testing.T, st store.Store, opts gatewayOptions) *Gateway {
	t.Helper()
	resolver, err := identity.NewResolver(opts.table, opts.allowLoopback)
	require.NoError(t, err)
	hub := NewHub(HubConfig{SendQueueSize: opts.queueSize, RateLimit: opts.rateLimit})
	return NewGateway(resolver, st, hub, GatewayConfig{
		HistoryLimit: opts.historyLimit,
		Location:     time.UTC,
		Now:          func() time.Time { return fixedNow },
	})
}

func newMemoryStore() *store.Memory {
	return store.NewMemory(store.Options{Now: func() time.Time { return fixedNow }})
}

// drain returns every frame queued for s without blocking.
func drain(s *Session) []Envelope {
	var out []Envelope
	for {
		select {
		case frame, ok := <-s.Outbound():
			if !ok {
				return out
			}
			var env Envelope
			if err := json.Unmarshal(frame, &env); err == nil {
				out = append(out, env)
			}
		default:
			return out
		}
	}
}

func decodeChat(t *testing.T, env Envelope) ChatMessage {
	t.Helper()
	require.Equal(t, EventMessage, env.Event)
	var msg ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	return msg
}

func decodeSystem(t *testing.T, env Envelope) SystemNotice {
	t.Helper()
	require.Equal(t, EventSystem, env.Event)
	var notice SystemNotice
	require.NoError(t, json.Unmarshal(env.Data, &notice))
	return notice
}

func sendFrame(text string) []byte {
	frame, _ := json.Marshal(map[string]any{
		"event": EventSendMessage,
		"data":  map[string]string{"text": text},
	})
	return frame
}

func readEnvelope(t *testing.T, ch <-chan []byte) Envelope {
	t.Helper()
	select {
	case frame := <-ch:
		var env Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Envelope{}
	}
}

func connect(t *testing.T, g *Gateway, remoteAddr string) *Session {
	t.Helper()
	s, err := g.Connect(context.Background(), newFakeConn(), remoteAddr)
	require.NoError(t, err)
	return s
}
