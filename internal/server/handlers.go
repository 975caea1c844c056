// Package server exposes HTTP handlers: the identity gate, the websocket
// upgrade, the chat page and the health check.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/lanchat/internal/identity"
)

type identityKey struct{}

// WithIdentity stores the resolved identity in ctx.
func WithIdentity(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, identityKey{}, name)
}

// IdentityFrom returns the identity stored by RequireIdentity.
func IdentityFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(identityKey{}).(string)
	return name, ok && name != ""
}

// RequireIdentity refuses requests from addresses the resolver does not know
// with 403 before any content is produced.
func RequireIdentity(resolver *identity.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, ok := resolver.ResolveRemote(r.RemoteAddr)
			if !ok {
				hlog.FromRequest(r).Warn().Str("ip", identity.Host(r.RemoteAddr)).
					Msg("[chat] DENY (not in authorized users)")
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), name)))
		})
	}
}

// Handlers binds the HTTP surface to a gateway.
type Handlers struct {
	gateway  *Gateway
	upgrader websocket.Upgrader
	page     *pageRenderer
}

// NewHandlers builds the handlers. origins is the allow-list for browser
// websocket upgrades; see originPolicy for the empty-list behaviour.
func NewHandlers(g *Gateway, origins []string, allowAllOrigins bool, title string) *Handlers {
	policy := newOriginPolicy(origins, allowAllOrigins)
	return &Handlers{
		gateway: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		page: newPageRenderer(title),
	}
}

// WebSocket upgrades an authorized request and hands the connection to the
// gateway. Unauthorized peers are refused with 403 before the upgrade, which
// clients can tell apart from a network failure.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	name, ok := IdentityFrom(r.Context())
	if !ok {
		var err error
		if name, err = h.gateway.Authorize(r.RemoteAddr); err != nil {
			log.Warn().Str("ip", identity.Host(r.RemoteAddr)).Msg("[chat] DENY websocket")
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Info().Err(err).Str("addr", r.RemoteAddr).Msg("[chat] websocket upgrade failed")
		return
	}

	s, err := h.gateway.Join(r.Context(), conn, name, r.RemoteAddr)
	if err != nil {
		log.Info().Err(err).Str("addr", r.RemoteAddr).Msg("[chat] websocket refused during shutdown")
		return
	}
	h.gateway.Serve(s)
}

// Index renders the chat page for the resolved identity.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	name, ok := IdentityFrom(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.page.render(w, name); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("[chat] render page")
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "ok")
}
