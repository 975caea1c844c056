// Package server manages individual websocket sessions, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// SessionState is the membership state of a session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one admitted realtime connection bound to an identity. The
// identity never changes for the lifetime of the session.
type Session struct {
	ID       uuid.UUID
	Identity string
	Addr     string

	conn        Conn
	send        chan []byte
	state       atomic.Int32
	closeCode   atomic.Int32
	rateLimiter *rateLimiter
}

func newSession(conn Conn, identity, addr string, queueSize int, limit RateLimitConfig, now func() time.Time) *Session {
	s := &Session{
		ID:          uuid.New(),
		Identity:    identity,
		Addr:        addr,
		conn:        conn,
		send:        make(chan []byte, queueSize),
		rateLimiter: newRateLimiter(limit, now),
	}
	s.state.Store(int32(StateConnecting))
	s.closeCode.Store(websocket.CloseNormalClosure)
	return s
}

// State returns the current membership state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Outbound returns the session's queue of encoded frames. It is closed when
// the session is removed from the hub.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

func (s *Session) logger() *zerolog.Logger {
	l := log.With().
		Str("session", s.ID.String()).
		Str("identity", s.Identity).
		Str("addr", s.Addr).
		Logger()
	return &l
}

// setupReadConnection configures the read limit, deadlines and pong handler.
func (s *Session) setupReadConnection(maxMessageSize int64) {
	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger().Debug().Err(err).Msg("[chat] set initial read deadline")
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError records why the read loop ended.
func (s *Session) logReadError(err error) {
	l := s.logger()
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		l.Warn().Msg("[chat] frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		l.Info().Msg("[chat] client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		l.Info().Err(err).Msg("[chat] connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		l.Warn().Err(err).Msg("[chat] unexpected websocket close")
	default:
		l.Info().Err(err).Msg("[chat] websocket read ended")
	}
}

// readPump feeds inbound frames to the gateway until the transport fails,
// then reports the disconnect.
func (s *Session) readPump(g *Gateway) {
	defer func() {
		g.Disconnect(s)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger().Debug().Err(err).Msg("[chat] close in read pump")
		}
	}()

	s.setupReadConnection(g.cfg.MaxMessageSize)

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if err := g.Receive(g.ctx, s, frame); err != nil {
			s.logger().Debug().Err(err).Msg("[chat] inbound frame dropped")
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
// A write failure is a disconnect.
func (s *Session) writePump(g *Gateway) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		g.Disconnect(s)
		if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
			s.logger().Debug().Err(err).Msg("[chat] close in write pump")
		}
	}()

	for s.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (s *Session) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-s.send:
		if !ok {
			s.writeCloseMessage()
			return false
		}
		return s.writeFrame(websocket.TextMessage, frame)
	case <-ticker.C:
		return s.writeFrame(websocket.PingMessage, nil)
	}
}

func (s *Session) writeFrame(messageType int, data []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.logger().Debug().Err(err).Msg("[chat] set write deadline")
		return false
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			s.logger().Info().Err(err).Msg("[chat] write failed; dropping session")
		}
		return false
	}
	return true
}

func (s *Session) writeCloseMessage() {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(int(s.closeCode.Load()), "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		s.logger().Debug().Err(err).Msg("[chat] write close message")
	}
}
