// Package server wires HTTP handlers into a chi router.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// RouterOptions toggles router behaviour.
type RouterOptions struct {
	// TrustProxy takes the client address from X-Forwarded-For / X-Real-IP.
	// Only enable it behind a reverse proxy that sets those headers.
	TrustProxy bool
}

// SetupRoutes configures the router: the gated page and websocket endpoints
// and the ungated health check.
func SetupRoutes(h *Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	if opts.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("[http] request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", HealthHandler)

	r.Group(func(r chi.Router) {
		r.Use(RequireIdentity(h.gateway.Resolver()))
		r.Get("/", h.Index)
		r.Get("/ws", h.WebSocket)
	})

	return r
}
