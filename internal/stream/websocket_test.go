package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/proctord/internal/identity"
	"github.com/ashureev/proctord/internal/middleware"
	"github.com/ashureev/proctord/internal/proctor"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv *httptest.Server
	sm  *SessionManager
}

func newTestEnv(t *testing.T, policy proctor.Policy, limit int, allowedOrigin string) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := proctor.NewEngine(proctor.NewStore(), policy)
	sm := NewSessionManager()
	h := NewHandler(engine, sm, middleware.NewRateLimiter(ctx, limit, time.Minute), allowedOrigin, false, 0)

	r := chi.NewRouter()
	r.Use(identity.Middleware)
	r.Handle("/ws/proctor", h)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sm: sm}
}

func (e *testEnv) dial(t *testing.T, sessionID string, header http.Header) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/proctor?session_id=" + sessionID
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func recv(t *testing.T, conn *websocket.Conn) outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg outbound
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func readErr(conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	return err
}

func frame(kind string) map[string]any {
	return map[string]any{"type": "frame", "classification": map[string]any{"kind": kind}}
}

func TestStream_FrameVerdicts(t *testing.T) {
	env := newTestEnv(t, proctor.DefaultPolicy(), 0, "*")
	conn := env.dial(t, "exam-1", nil)

	ready := recv(t, conn)
	assert.Equal(t, "ready", ready.Type)
	assert.Equal(t, "exam-1", ready.SessionID)

	send(t, conn, frame("no_face"))
	msg := recv(t, conn)
	require.Equal(t, "verdict", msg.Type)
	require.NotNil(t, msg.Verdict)
	assert.Equal(t, 1, msg.Verdict.WarningCount)
	require.NotNil(t, msg.Verdict.CorrectionWindow)

	send(t, conn, map[string]string{"type": "ping"})
	assert.Equal(t, "pong", recv(t, conn).Type)

	send(t, conn, map[string]string{"type": "dance"})
	assert.Equal(t, "error", recv(t, conn).Type)

	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte("{")))
	assert.Equal(t, "invalid message", recv(t, conn).Error)
}

func TestStream_ClosesAfterTermination(t *testing.T) {
	policy := proctor.DefaultPolicy()
	policy.MaxWarnings = 1
	env := newTestEnv(t, policy, 0, "*")
	conn := env.dial(t, "exam-1", nil)
	recv(t, conn)

	send(t, conn, frame("multiple_faces"))
	msg := recv(t, conn)
	require.NotNil(t, msg.Verdict)
	assert.True(t, msg.Verdict.Terminated)

	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(readErr(conn)))
}

func TestStream_RateLimited(t *testing.T) {
	env := newTestEnv(t, proctor.DefaultPolicy(), 1, "*")
	conn := env.dial(t, "exam-1", nil)
	recv(t, conn)

	send(t, conn, frame("none"))
	assert.Equal(t, "verdict", recv(t, conn).Type)
	send(t, conn, frame("none"))
	assert.Equal(t, "rate_limited", recv(t, conn).Type)
}

func TestStream_NewConnectionReplacesOld(t *testing.T) {
	env := newTestEnv(t, proctor.DefaultPolicy(), 0, "*")
	first := env.dial(t, "exam-1", nil)
	recv(t, first)

	closed := make(chan error, 1)
	go func() { closed <- readErr(first) }()

	second := env.dial(t, "exam-1", nil)
	assert.Equal(t, "ready", recv(t, second).Type)

	select {
	case err := <-closed:
		assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	case <-time.After(5 * time.Second):
		t.Fatal("replaced stream was not closed")
	}
	assert.Equal(t, 1, env.sm.Count())
}

func TestStream_CloseSession(t *testing.T) {
	env := newTestEnv(t, proctor.DefaultPolicy(), 0, "*")
	conn := env.dial(t, "exam-1", nil)
	recv(t, conn)

	assert.Equal(t, 1, env.sm.CloseSession("exam-1"))
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(readErr(conn)))
}

func TestStream_OriginRejected(t *testing.T) {
	env := newTestEnv(t, proctor.DefaultPolicy(), 0, "http://exam.local")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/proctor"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.local"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStream_ConnectThrottledPerSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := proctor.NewEngine(proctor.NewStore(), proctor.DefaultPolicy())
	h := NewHandler(engine, NewSessionManager(), nil, "*", false, 0)
	r := chi.NewRouter()
	r.Use(identity.Middleware)
	r.With(middleware.RateLimit(middleware.NewRateLimiter(ctx, 1, time.Minute), ConnectKey)).Get("/ws/proctor", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv}

	first := env.dial(t, "exam-1", nil)
	assert.Equal(t, "ready", recv(t, first).Type)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	_, resp, err := websocket.Dial(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/proctor?session_id=exam-1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	other := env.dial(t, "exam-2", nil)
	assert.Equal(t, "ready", recv(t, other).Type)
}

func TestStream_SessionIDKeptAsGiven(t *testing.T) {
	env := newTestEnv(t, proctor.DefaultPolicy(), 0, "*")
	conn := env.dial(t, "exam%20A", nil)
	assert.Equal(t, "exam A", recv(t, conn).SessionID)
	assert.Equal(t, 1, env.sm.CloseSession("exam A"))
}
