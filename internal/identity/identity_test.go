package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSessionID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", DefaultSessionIDValue},
		{"   ", DefaultSessionIDValue},
		{"exam-42", "exam-42"},
		{" exam:7.a_b ", "exam:7.a_b"},
		{"exam A", "exam A"},
		{"../etc/passwd", "../etc/passwd"},
		{strings.Repeat("a", 129), strings.Repeat("a", 129)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeSessionID(tt.in), "input %q", tt.in)
	}
}

func TestSessionIDFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/proctor?session_id=from-query", nil)
	assert.Equal(t, "from-query", SessionIDFromRequest(r))

	r.Header.Set(SessionHeaderName, "from-header")
	assert.Equal(t, "from-header", SessionIDFromRequest(r))

	r = httptest.NewRequest(http.MethodPost, "/proctor?session_id=exam%20A", nil)
	assert.Equal(t, "exam A", SessionIDFromRequest(r))

	r = httptest.NewRequest(http.MethodPost, "/proctor", nil)
	assert.Equal(t, DefaultSessionIDValue, SessionIDFromRequest(r))
}

func TestMiddlewareAndResolve(t *testing.T) {
	var gotSession, gotIP string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = Resolve(r.Context(), "")
		gotIP = ClientIPFromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	r.Header.Set(SessionHeaderName, "exam-1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, "exam-1", gotSession)
	assert.Equal(t, "10.0.0.7", gotIP)

	assert.Equal(t, "body-id", Resolve(context.Background(), "body-id"))
	assert.Equal(t, DefaultSessionIDValue, Resolve(context.Background(), ""))
}
