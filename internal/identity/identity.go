// Package identity resolves the exam session a request belongs to.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
)

const (
	SessionHeaderName     = "X-Proctor-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	clientIPKey
)

// SessionIDFromContext extracts the exam session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return DefaultSessionIDValue
}

// ClientIPFromContext returns the client IP recorded by Middleware.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// NormalizeSessionID trims id and falls back to the default session only when
// nothing is left. Any other value is an opaque key and is kept as given.
func NormalizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionIDValue
	}
	return id
}

// SessionIDFromRequest reads the session ID from the header, then the query.
func SessionIDFromRequest(r *http.Request) string {
	sid := strings.TrimSpace(r.Header.Get(SessionHeaderName))
	if sid == "" {
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return NormalizeSessionID(sid)
}

// Resolve picks the body session ID when present, otherwise the one carried
// by the request context.
func Resolve(ctx context.Context, bodyID string) string {
	if strings.TrimSpace(bodyID) != "" {
		return NormalizeSessionID(bodyID)
	}
	return SessionIDFromContext(ctx)
}

// Middleware injects the per-request exam session ID and client IP.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), sessionIDKey, SessionIDFromRequest(r))
		ctx = context.WithValue(ctx, clientIPKey, IPFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
