package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"modelrouter/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiddlewareServer(clientKeys ...string) *Server {
	gin.SetMode(gin.TestMode)
	keys := make(map[string]bool, len(clientKeys))
	for _, k := range clientKeys {
		keys[k] = true
	}
	return &Server{validClientKeys: keys}
}

// runMiddleware invokes h on a fresh context and returns the recorder and context.
func runMiddleware(h gin.HandlerFunc, method string, headers map[string]string) (*httptest.ResponseRecorder, *gin.Context) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/v1/chat/completions", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	h(c)
	return w, c
}

func TestAuthenticateClient(t *testing.T) {
	tests := []struct {
		name        string
		keys        []string
		headers     map[string]string
		wantStatus  int
		wantAborted bool
	}{
		{
			name:       "bearer token",
			keys:       []string{"client-a", "client-b"},
			headers:    map[string]string{"Authorization": "Bearer client-b"},
			wantStatus: http.StatusOK,
		},
		{
			name:       "x-api-key",
			keys:       []string{"client-a"},
			headers:    map[string]string{"x-api-key": "client-a"},
			wantStatus: http.StatusOK,
		},
		{
			name:        "wrong bearer token",
			keys:        []string{"client-a"},
			headers:     map[string]string{"Authorization": "Bearer client-z"},
			wantStatus:  http.StatusForbidden,
			wantAborted: true,
		},
		{
			name:        "x-api-key checked before bearer",
			keys:        []string{"client-a"},
			headers:     map[string]string{"x-api-key": "client-z", "Authorization": "Bearer client-a"},
			wantStatus:  http.StatusForbidden,
			wantAborted: true,
		},
		{
			name:        "no key given",
			keys:        []string{"client-a"},
			wantStatus:  http.StatusUnauthorized,
			wantAborted: true,
		},
		{
			name:        "no keys configured",
			headers:     map[string]string{"Authorization": "Bearer client-a"},
			wantStatus:  http.StatusServiceUnavailable,
			wantAborted: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMiddlewareServer(tt.keys...)
			w, c := runMiddleware(s.authenticateClient, http.MethodPost, tt.headers)
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantAborted, c.IsAborted())
		})
	}
}

func TestIsValidClientKey(t *testing.T) {
	s := newMiddlewareServer("client-a")
	assert.True(t, s.isValidClientKey("client-a"))
	assert.False(t, s.isValidClientKey("client-"))
	assert.False(t, s.isValidClientKey("client-ab"))
	assert.False(t, s.isValidClientKey(""))
}

func TestCorsMiddleware(t *testing.T) {
	s := newMiddlewareServer()
	w, c := runMiddleware(s.corsMiddleware(), http.MethodGet, nil)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Groq-Api-Key")
	assert.False(t, c.IsAborted())

	s.config = config.ServerConfig{CORSAllowOrigin: "https://console.example.com"}
	w, c = runMiddleware(s.corsMiddleware(), http.MethodOptions, nil)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, c.IsAborted(), "preflight skips the handler")
}

func TestRequestIDMiddleware(t *testing.T) {
	s := newMiddlewareServer()

	w, c := runMiddleware(s.requestIDMiddleware(), http.MethodGet, nil)
	generated := w.Header().Get("X-Request-ID")
	require.NotEmpty(t, generated)
	assert.Equal(t, generated, c.GetString(requestIDKey))

	w, _ = runMiddleware(s.requestIDMiddleware(), http.MethodGet, map[string]string{"X-Request-ID": "trace-17"})
	assert.Equal(t, "trace-17", w.Header().Get("X-Request-ID"))

	oversized := strings.Repeat("x", 200)
	w, _ = runMiddleware(s.requestIDMiddleware(), http.MethodGet, map[string]string{"X-Request-ID": oversized})
	assert.NotEqual(t, oversized, w.Header().Get("X-Request-ID"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newMiddlewareServer()
	s.rateLimiter = newRateLimiter(2)
	defer s.rateLimiter.stop()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		c.Request.RemoteAddr = "192.0.2.10:4321"
		s.rateLimitMiddleware()(c)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := newRateLimiter(1)

	require.True(t, rl.allow("198.51.100.1"))
	assert.False(t, rl.allow("198.51.100.1"))
	assert.True(t, rl.allow("198.51.100.2"), "each client has its own bucket")

	rl.stop()
	rl.stop()
}
