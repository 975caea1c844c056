// Package server implements the realtime gateway: the per-connection state
// machine that admits sessions, replays history and relays chat.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/Tyrowin/lanchat/internal/identity"
	"github.com/Tyrowin/lanchat/internal/store"
)

var (
	// ErrUnauthorized means the peer's address resolves to no identity.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrMalformedInput covers frames that are dropped without feedback.
	ErrMalformedInput = errors.New("malformed input")
	// ErrRateLimited means the session exceeded its inbound budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrSessionClosed is returned for events on a session that is not active.
	ErrSessionClosed = errors.New("session closed")
)

// GatewayConfig holds the gateway's tunables.
type GatewayConfig struct {
	HistoryLimit   int
	MaxTextLength  int
	MaxMessageSize int64
	Location       *time.Location
	// Now stamps system notices; it defaults to time.Now.
	Now func() time.Time
}

// GatewayConfigFrom derives the gateway settings from the process config.
func GatewayConfigFrom(cfg *Config) (GatewayConfig, error) {
	loc, err := cfg.Location()
	if err != nil {
		return GatewayConfig{}, err
	}
	return GatewayConfig{
		HistoryLimit:   cfg.HistoryLimit,
		MaxTextLength:  cfg.MaxTextLength,
		MaxMessageSize: cfg.MaxMessageSize,
		Location:       loc,
	}, nil
}

// Gateway drives every connection through Connecting -> Active -> Closed
// (or Connecting -> Rejected). The publish lock serializes history replay
// and append+broadcast so all sessions observe broadcasts in store order and
// a joining session never sees live traffic ahead of its history.
type Gateway struct {
	resolver *identity.Resolver
	store    store.Store
	hub      *Hub
	cfg      GatewayConfig

	publishMu sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewGateway wires a gateway over its collaborators.
func NewGateway(resolver *identity.Resolver, st store.Store, hub *Hub, cfg GatewayConfig) *Gateway {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = 500
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}
	if cfg.HistoryLimit < 0 {
		cfg.HistoryLimit = 0
	}
	if cfg.HistoryLimit > MaxHistoryLimit {
		cfg.HistoryLimit = MaxHistoryLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		resolver: resolver,
		store:    st,
		hub:      hub,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Hub returns the session registry.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Resolver returns the identity resolver.
func (g *Gateway) Resolver() *identity.Resolver {
	return g.resolver
}

// Authorize resolves the identity for remoteAddr.
func (g *Gateway) Authorize(remoteAddr string) (string, error) {
	name, ok := g.resolver.ResolveRemote(remoteAddr)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnauthorized, identity.Host(remoteAddr))
	}
	return name, nil
}

// Connect is the connect event: authorize, then join. A rejected peer leaves
// no trace in the registry and triggers no broadcast.
func (g *Gateway) Connect(ctx context.Context, conn Conn, remoteAddr string) (*Session, error) {
	name, err := g.Authorize(remoteAddr)
	if err != nil {
		log.Warn().Str("addr", identity.Host(remoteAddr)).Msg("[chat] DENY (not in authorized users)")
		return nil, err
	}
	return g.Join(ctx, conn, name, remoteAddr)
}

// Join admits an already authorized connection: the session becomes active,
// receives the recent history privately (oldest first), and then every
// session, the new one included, is told who joined. After Shutdown the
// connection is closed and ErrSessionClosed is returned.
func (g *Gateway) Join(ctx context.Context, conn Conn, name, remoteAddr string) (*Session, error) {
	g.publishMu.Lock()
	defer g.publishMu.Unlock()

	if g.ctx.Err() != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, ErrSessionClosed
	}

	history := g.history(ctx)
	s := g.hub.Admit(conn, name, remoteAddr)
	for _, frame := range history {
		if !g.hub.Send(s, frame) {
			break
		}
	}

	notice := SystemNotice{Msg: joinedNotice(name), Time: timeLabel(g.cfg.Now(), g.cfg.Location)}
	frame, err := encodeEvent(EventSystem, notice)
	if err != nil {
		log.Error().Err(err).Msg("[chat] encode join notice")
		return s, nil
	}
	g.hub.Broadcast(frame)
	return s, nil
}

// history loads and encodes the replay window. A read failure is logged and
// the joiner simply gets no history.
func (g *Gateway) history(ctx context.Context) [][]byte {
	if g.cfg.HistoryLimit == 0 {
		return nil
	}
	msgs, err := g.store.Recent(ctx, g.cfg.HistoryLimit)
	if err != nil {
		log.Error().Err(err).Msg("[chat] load history failed")
		return nil
	}
	frames := lo.FilterMap(msgs, func(m store.Message, _ int) ([]byte, bool) {
		frame, err := encodeEvent(EventMessage, g.chatMessage(m))
		return frame, err == nil
	})
	return frames
}

func (g *Gateway) chatMessage(m store.Message) ChatMessage {
	return ChatMessage{From: m.Author, Text: m.Text, Time: timeLabel(m.CreatedAt, g.cfg.Location)}
}

// Receive dispatches one inbound frame from s. Every rejection is silent
// towards the client; the returned error only tells the caller why.
func (g *Gateway) Receive(ctx context.Context, s *Session, frame []byte) error {
	if s == nil || s.State() != StateActive {
		return ErrSessionClosed
	}
	if !s.rateLimiter.allow() {
		return ErrRateLimited
	}
	ev, err := decodeInbound(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}
	switch ev := ev.(type) {
	case sendMessageEvent:
		return g.sendMessage(ctx, s, ev.text)
	default:
		return ErrMalformedInput
	}
}

// sendMessage persists then broadcasts. Nothing is broadcast when the append
// fails.
func (g *Gateway) sendMessage(ctx context.Context, s *Session, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty text", ErrMalformedInput)
	}
	if utf8.RuneCountInString(text) > g.cfg.MaxTextLength {
		return fmt.Errorf("%w: text longer than %d characters", ErrMalformedInput, g.cfg.MaxTextLength)
	}

	g.publishMu.Lock()
	defer g.publishMu.Unlock()

	if s.State() != StateActive {
		return ErrSessionClosed
	}
	m, err := g.store.Append(ctx, s.Identity, text)
	if err != nil {
		s.logger().Error().Err(err).Msg("[chat] persist message failed; not broadcasting")
		return err
	}
	frame, err := encodeEvent(EventMessage, g.chatMessage(m))
	if err != nil {
		return err
	}
	n := g.hub.Broadcast(frame)
	s.logger().Debug().Uint64("id", m.ID).Int("recipients", n).Msg("[chat] message relayed")
	return nil
}

// Disconnect is the disconnect event. It is safe to call more than once.
func (g *Gateway) Disconnect(s *Session) {
	g.hub.Remove(s)
}

// Serve runs the session's read and write pumps in the background. Once the
// gateway is shut down it only closes the connection.
func (g *Gateway) Serve(s *Session) {
	g.publishMu.Lock()
	if g.ctx.Err() != nil {
		g.publishMu.Unlock()
		g.hub.Remove(s)
		if s.conn != nil {
			_ = s.conn.Close()
		}
		return
	}
	g.wg.Add(2)
	g.publishMu.Unlock()

	go func() {
		defer g.wg.Done()
		s.writePump(g)
	}()
	go func() {
		defer g.wg.Done()
		s.readPump(g)
	}()
}

// Shutdown closes every session with a going-away frame and waits for the
// pumps to finish, or returns context.DeadlineExceeded after timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	log.Info().Msg("[chat] shutting down sessions")
	// Holding the publish lock orders this against Join and Serve: nothing is
	// admitted or started after the sessions are closed.
	g.publishMu.Lock()
	g.cancel()
	n := g.hub.CloseAll(websocket.CloseGoingAway)
	g.publishMu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Int("sessions", n).Msg("[chat] sessions closed")
		return nil
	case <-time.After(timeout):
		log.Warn().Msg("[chat] session shutdown timed out")
		return context.DeadlineExceeded
	}
}
