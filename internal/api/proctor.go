package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ashureev/proctord/internal/domain"
	"github.com/ashureev/proctord/internal/identity"
	"github.com/ashureev/proctord/internal/middleware"
	"github.com/ashureev/proctord/internal/proctor"
	"github.com/go-chi/chi/v5"
)

const defaultMaxFrameBytes = 4 << 20

// AuditReader lists the persisted audit trail of a session.
type AuditReader interface {
	ListEvents(ctx context.Context, sessionID string) ([]domain.AuditRecord, error)
}

// StreamCloser closes live streams bound to a session.
type StreamCloser interface {
	CloseSession(sessionID string) int
}

// ProctorDeps are the collaborators of ProctorHandler. Only Engine is required.
type ProctorDeps struct {
	Engine        *proctor.Engine
	Limiter       *middleware.RateLimiter
	Audit         AuditReader
	Streams       StreamCloser
	MaxFrameBytes int64
}

// ProctorHandler serves frame decisions and session queries.
type ProctorHandler struct {
	engine        *proctor.Engine
	limiter       *middleware.RateLimiter
	audit         AuditReader
	streams       StreamCloser
	maxFrameBytes int64
}

// NewProctorHandler creates a new proctoring handler.
func NewProctorHandler(deps ProctorDeps) *ProctorHandler {
	if deps.MaxFrameBytes <= 0 {
		deps.MaxFrameBytes = defaultMaxFrameBytes
	}
	return &ProctorHandler{
		engine:        deps.Engine,
		limiter:       deps.Limiter,
		audit:         deps.Audit,
		streams:       deps.Streams,
		maxFrameBytes: deps.MaxFrameBytes,
	}
}

// RegisterRoutes registers proctoring routes.
func (h *ProctorHandler) RegisterRoutes(r chi.Router) {
	r.Post("/proctor", h.Proctor)
	r.Get("/session-status/{id}", h.SessionStatus)
	r.Post("/reset-session/{id}", h.ResetSession)
	r.Get("/session-events/{id}", h.SessionEvents)
	r.Get("/session-audit/{id}", h.SessionAudit)
}

// Proctor evaluates one frame and returns the verdict.
func (h *ProctorHandler) Proctor(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "Frame too large")
			return
		}
		Error(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var in proctor.FrameInput
	decoded := len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &in) == nil
	empty := !decoded || (in.SessionID == "" && in.Image == "" && in.Classification == nil && len(in.DebugInfo) == 0)
	in.SessionID = identity.Resolve(r.Context(), in.SessionID)

	if !h.limiter.Allow(in.SessionID) {
		slog.Warn("Frame rate limit exceeded", "session_id", in.SessionID, "ip", identity.ClientIPFromContext(r.Context()))
		Error(w, http.StatusTooManyRequests, "Too many frames, slow down")
		return
	}

	if empty {
		JSON(w, http.StatusOK, h.engine.Reject(r.Context(), in.SessionID, proctor.WarnNoData, nil))
		return
	}

	JSON(w, http.StatusOK, h.engine.Evaluate(r.Context(), in))
}

// SessionStatus returns the live status of a session.
func (h *ProctorHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(r)
	if !ok {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	st, err := h.engine.Status(id)
	if err != nil {
		writeLookupError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// ResetSession forgets a session. It always succeeds.
func (h *ProctorHandler) ResetSession(w http.ResponseWriter, r *http.Request) {
	if id, ok := sessionParam(r); ok {
		h.engine.Reset(id)
		h.limiter.Forget(id)
		if h.streams != nil {
			if n := h.streams.CloseSession(id); n > 0 {
				slog.Info("Closed streams for reset session", "session_id", id, "streams", n)
			}
		}
	}
	JSON(w, http.StatusOK, map[string]string{"message": "Session reset successfully"})
}

// SessionEvents returns the in-memory event log of a session.
func (h *ProctorHandler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionParam(r)
	if !ok {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	ev, err := h.engine.Events(id)
	if err != nil {
		writeLookupError(w, id, err)
		return
	}
	JSON(w, http.StatusOK, ev)
}

// SessionAudit returns the persisted audit trail of a session, including
// events recorded before a reset.
func (h *ProctorHandler) SessionAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		Error(w, http.StatusServiceUnavailable, "Audit trail disabled")
		return
	}
	id, ok := sessionParam(r)
	if !ok {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	records, err := h.audit.ListEvents(r.Context(), id)
	if err != nil {
		slog.Error("Failed to list audit events", "error", err, "session_id", id)
		Error(w, http.StatusInternalServerError, "Failed to load audit trail")
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"records":    records,
	})
}

// sessionParam returns the {id} path segment. chi routes on the raw path when
// the request carried escapes such as %2F, so the segment is decoded here.
func sessionParam(r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if r.URL.RawPath != "" {
		decoded, err := url.PathUnescape(id)
		if err != nil {
			return "", false
		}
		id = decoded
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

func writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, proctor.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "Session not found")
		return
	}
	slog.Error("Session lookup failed", "error", err, "session_id", id)
	Error(w, http.StatusInternalServerError, "Session lookup failed")
}
