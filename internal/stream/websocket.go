package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/proctord/internal/identity"
	"github.com/ashureev/proctord/internal/middleware"
	"github.com/ashureev/proctord/internal/proctor"
	"github.com/coder/websocket"
)

const (
	writeTimeout         = 5 * time.Second
	defaultMaxFrameBytes = 4 << 20
)

// Handler streams frames from a client and answers each with a verdict.
type Handler struct {
	engine        *proctor.Engine
	sm            *SessionManager
	limiter       *middleware.RateLimiter
	allowedOrigin string
	isDev         bool
	maxFrameBytes int64
}

// NewHandler creates a new WebSocket handler. limiter may be nil.
func NewHandler(engine *proctor.Engine, sm *SessionManager, limiter *middleware.RateLimiter, allowedOrigin string, isDev bool, maxFrameBytes int64) *Handler {
	if maxFrameBytes <= 0 {
		maxFrameBytes = defaultMaxFrameBytes
	}
	return &Handler{
		engine:        engine,
		sm:            sm,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		maxFrameBytes: maxFrameBytes,
	}
}

// inbound is a client message. Frame fields are used only for type "frame".
type inbound struct {
	Type           string                       `json:"type"`
	Image          string                       `json:"image,omitempty"`
	Classification *proctor.ClassificationInput `json:"classification,omitempty"`
	DebugInfo      map[string]any               `json:"debug_info,omitempty"`
}

// outbound is a server message.
type outbound struct {
	Type      string           `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Verdict   *proctor.Verdict `json:"verdict,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// ConnectKey keys stream connect throttling by exam session.
func ConnectKey(r *http.Request) string {
	return identity.SessionIDFromContext(r.Context())
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()
	ws.SetReadLimit(h.maxFrameBytes)

	h.sm.Register(sessionID, ws)
	defer h.sm.Unregister(sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := h.writeJSON(ctx, ws, outbound{Type: "ready", SessionID: sessionID}); err != nil {
		slog.Debug("Failed to send ready", "error", err)
		return
	}
	h.readLoop(ctx, ws, sessionID)
	slog.Info("Proctor stream ended", "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed", "session_id", sessionID, "status", websocket.CloseStatus(err))
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			if err := h.writeJSON(ctx, ws, outbound{Type: "error", Error: "invalid message"}); err != nil {
				return
			}
			continue
		}

		var reply outbound
		switch msg.Type {
		case "ping":
			reply = outbound{Type: "pong"}
		case "frame":
			if !h.limiter.Allow(sessionID) {
				reply = outbound{Type: "rate_limited"}
				break
			}
			v := h.engine.Evaluate(ctx, proctor.FrameInput{
				SessionID:      sessionID,
				Image:          msg.Image,
				Classification: msg.Classification,
				DebugInfo:      msg.DebugInfo,
			})
			reply = outbound{Type: "verdict", Verdict: &v}
		default:
			reply = outbound{Type: "error", Error: "unknown message type"}
		}

		if err := h.writeJSON(ctx, ws, reply); err != nil {
			slog.Debug("Failed to send reply", "error", err, "session_id", sessionID)
			return
		}
		if reply.Verdict != nil && reply.Verdict.Terminated {
			slog.Info("Closing stream of terminated session", "session_id", sessionID)
			_ = ws.Close(websocket.StatusNormalClosure, "session terminated")
			return
		}
	}
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
