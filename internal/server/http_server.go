// Package server constructs and stops the chat HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// WriteTimeout is left unset: hijacked websocket connections manage their own deadlines.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer starts the HTTP server and blocks until it stops. A server
// closed through ShutdownServer returns nil.
func StartServer(server *http.Server) error {
	log.Info().Str("addr", server.Addr).Msg("[chat] listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	log.Info().Msg("[chat] shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("[chat] HTTP server shutdown error")
		return err
	}

	log.Info().Msg("[chat] HTTP server shutdown completed")
	return nil
}
