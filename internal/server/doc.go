// Package server implements the chat gateway's realtime and HTTP surface.
//
// The implementation is organized into files for configuration, the session
// registry (hub), per-connection sessions, the gateway state machine, the
// wire protocol, routing, and HTTP handlers.
package server
