// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn().Str("origin", origin).Msg("[chat] ignoring invalid origin in configuration")
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// originPolicy decides which browser origins may open a websocket.
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
}

func newOriginPolicy(origins []string, allowAll bool) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}, len(origins)), allowAll: allowAll}
	for _, origin := range origins {
		p.allowed[origin] = struct{}{}
	}
	return p
}

// allow accepts requests without an Origin header (non-browser clients),
// origins on the allow-list, and, when no list is configured, origins whose
// host matches the request host.
func (p *originPolicy) allow(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return true
	}
	if p.allowAll {
		return true
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if len(p.allowed) == 0 {
		u, err := url.Parse(normalizedOrigin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.allow(r) {
		return true
	}

	log.Warn().Str("origin", r.Header.Get("Origin")).Str("addr", r.RemoteAddr).
		Msg("[chat] blocked websocket connection from disallowed origin")
	return false
}
