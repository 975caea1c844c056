// Package server tracks admitted sessions and fans events out to them via
// the Hub type.
package server

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// HubConfig sizes the sessions a hub creates.
type HubConfig struct {
	SendQueueSize int
	RateLimit     RateLimitConfig
	// Now drives the per-session rate limiters; nil means time.Now.
	Now func() time.Time
}

// Hub is the registry of active sessions for the single shared room.
// Enqueueing happens under the read lock and removal (which closes the
// session's queue) under the write lock, so a queue is never written after it
// has been closed.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	byConn   map[Conn]*Session
	cfg      HubConfig
}

// NewHub creates an empty registry.
func NewHub(cfg HubConfig) *Hub {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	return &Hub{
		sessions: make(map[*Session]struct{}),
		byConn:   make(map[Conn]*Session),
		cfg:      cfg,
	}
}

// Admit registers a new active session for conn. A connection maps to at
// most one session: admitting the same live connection again returns the
// existing session.
func (h *Hub) Admit(conn Conn, identity, addr string) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn != nil {
		if s, ok := h.byConn[conn]; ok {
			return s
		}
	}

	s := newSession(conn, identity, addr, h.cfg.SendQueueSize, h.cfg.RateLimit, h.cfg.Now)
	s.state.Store(int32(StateActive))
	h.sessions[s] = struct{}{}
	if conn != nil {
		h.byConn[conn] = s
	}
	log.Info().Str("session", s.ID.String()).Str("identity", identity).Str("addr", addr).
		Int("sessions", len(h.sessions)).Msg("[chat] session admitted")
	return s
}

// Remove closes and unregisters s. It reports whether s was registered;
// removing an already removed session is a no-op.
func (h *Hub) Remove(s *Session) bool {
	if s == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) bool {
	if _, ok := h.sessions[s]; !ok {
		return false
	}
	delete(h.sessions, s)
	if s.conn != nil && h.byConn[s.conn] == s {
		delete(h.byConn, s.conn)
	}
	s.state.Store(int32(StateClosed))
	close(s.send)
	log.Info().Str("session", s.ID.String()).Str("identity", s.Identity).
		Int("sessions", len(h.sessions)).Msg("[chat] session removed")
	return true
}

// Send queues payload for s alone. A full queue counts as a delivery
// failure and removes the session.
func (h *Hub) Send(s *Session, payload []byte) bool {
	h.mu.RLock()
	ok := h.enqueueLocked(s, payload)
	h.mu.RUnlock()
	if !ok {
		h.dropFailed([]*Session{s})
	}
	return ok
}

// Broadcast queues payload for every active session and returns how many
// accepted it. Sessions whose queue is full are removed and get nothing
// further.
func (h *Hub) Broadcast(payload []byte) int {
	h.mu.RLock()
	var failed []*Session
	delivered := 0
	for s := range h.sessions {
		if h.enqueueLocked(s, payload) {
			delivered++
		} else {
			failed = append(failed, s)
		}
	}
	h.mu.RUnlock()

	h.dropFailed(failed)
	return delivered
}

// enqueueLocked never blocks. Caller holds at least the read lock.
func (h *Hub) enqueueLocked(s *Session, payload []byte) bool {
	if _, ok := h.sessions[s]; !ok {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) dropFailed(failed []*Session) {
	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range failed {
		if h.removeLocked(s) {
			log.Warn().Str("session", s.ID.String()).Str("identity", s.Identity).
				Msg("[chat] session removed due to full send buffer")
		}
	}
}

// Len returns the number of active sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of the active sessions.
func (h *Hub) Sessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(h.sessions)
}

// Identities returns the identities of the active sessions; an identity with
// several sessions appears once per session.
func (h *Hub) Identities() []string {
	return lo.Map(h.Sessions(), func(s *Session, _ int) string { return s.Identity })
}

// CloseAll removes every session, asking each write pump to send code as the
// close frame.
func (h *Hub) CloseAll(code int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.sessions {
		s.closeCode.Store(int32(code))
		if h.removeLocked(s) {
			n++
		}
	}
	return n
}
