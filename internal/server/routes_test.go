package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"modelrouter/internal/config"
	"modelrouter/internal/core"
	"modelrouter/internal/storage"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCompleter struct {
	mu       sync.Mutex
	replies  map[string]string
	failures map[string]error
	calls    []string
	keys     []string
	messages [][]core.ChatMessage
}

func newStubCompleter() *stubCompleter {
	return &stubCompleter{replies: map[string]string{}, failures: map[string]error{}}
}

func (s *stubCompleter) Complete(_ context.Context, _, apiKey, model string, messages []core.ChatMessage) (*core.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, model)
	s.keys = append(s.keys, apiKey)
	s.messages = append(s.messages, append([]core.ChatMessage(nil), messages...))
	if err, ok := s.failures[model]; ok {
		return nil, err
	}
	reply, ok := s.replies[model]
	if !ok {
		return nil, errors.New("no reply for " + model)
	}
	return &core.Completion{Content: reply}, nil
}

type testServerOptions struct {
	history     core.HistoryStore
	credentials core.Credentials
	prompt      string
}

func testCatalog() *storage.MemoryCatalog {
	return storage.NewMemoryCatalog(
		core.ModelRecord{ModelID: "llama-a", Provider: core.ProviderGroq, Category: core.CategoryText, Rating: 4},
		core.ModelRecord{ModelID: "mistral-b", Provider: core.ProviderMistral, Category: core.CategoryText, Rating: 3},
		core.ModelRecord{ModelID: "codestral", Provider: core.ProviderMistral, Category: core.CategoryCoding, Rating: 5},
	)
}

func newTestServer(t *testing.T, completer core.Completer, opts testServerOptions) *Server {
	t.Helper()

	st := storage.NewFileStorage(filepath.Join(t.TempDir(), "stats.json"))
	catalog := testCatalog()

	creds := opts.credentials
	if creds == (core.Credentials{}) {
		creds = core.Credentials{GroqAPIKey: "gsk-test", MistralAPIKey: "ms-test"}
	}

	cfg := config.ServerConfig{
		Port:          "0",
		GinMode:       "test",
		ClientAPIKeys: []string{"test-key"},
		RateLimit:     1000,
		SystemPrompt:  opts.prompt,
		Credentials:   creds,
		Router:        config.RouterSettings{RatingDivisor: core.DefaultRatingDivisor, AttemptTimeout: time.Second},
		HTTPClientSettings: config.HTTPClientSettings{
			MaxIdleConns:        1,
			MaxIdleConnsPerHost: 1,
			MaxConnsPerHost:     1,
			IdleConnTimeout:     time.Second,
			TLSHandshakeTimeout: time.Second,
			RequestTimeout:      time.Second,
		},
		Storage:   st,
		Catalog:   catalog,
		History:   opts.history,
		Completer: completer,
		Logger:    &core.NopLogger{},
	}

	server, err := NewServer(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = server.Close()
		_ = catalog.Close()
		_ = st.Close()
	})

	return server
}

func doRequest(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(core.HeaderContentType, core.ContentTypeJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

var authHeader = map[string]string{"Authorization": "Bearer test-key"}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(config.ServerConfig{})
	assert.Error(t, err)

	_, err = NewServer(config.ServerConfig{Logger: &core.NopLogger{}})
	assert.Error(t, err)

	st := storage.NewFileStorage(filepath.Join(t.TempDir(), "stats.json"))
	_, err = NewServer(config.ServerConfig{Logger: &core.NopLogger{}, Storage: st})
	assert.Error(t, err)
}

func TestServerRoutes_PublicEndpoints(t *testing.T) {
	server := newTestServer(t, newStubCompleter(), testServerOptions{})

	w := doRequest(t, server, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, server, http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody(t, w)
	assert.Contains(t, stats, "stats24h")
	assert.Contains(t, stats, "modelUsage")
	assert.EqualValues(t, 3, stats["catalogSize"])

	w = doRequest(t, server, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerRoutes_APIRequiresAuth(t *testing.T) {
	server := newTestServer(t, newStubCompleter(), testServerOptions{})

	w := doRequest(t, server, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, server, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestListModels(t *testing.T) {
	server := newTestServer(t, newStubCompleter(), testServerOptions{})

	w := doRequest(t, server, http.MethodGet, "/v1/models", "", authHeader)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "list", body["object"])
	assert.Len(t, body["data"], 3)

	w = doRequest(t, server, http.MethodGet, "/v1/models?category=coding", "", authHeader)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeBody(t, w)["data"].([]any)
	require.Len(t, data, 1)
	entry := data[0].(map[string]any)
	assert.Equal(t, "codestral", entry["id"])
	assert.Equal(t, "mistral", entry["owned_by"])

	w = doRequest(t, server, http.MethodGet, "/v1/models?category=smell", "", authHeader)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	hits, misses := server.metricsService.CacheCounts()
	assert.EqualValues(t, 1, misses)
	assert.EqualValues(t, 1, hits)
}

func TestChatCompletions_Success(t *testing.T) {
	completer := newStubCompleter()
	completer.replies["llama-a"] = "llama-a: Hello there"
	server := newTestServer(t, completer, testServerOptions{prompt: "be brief"})

	w := doRequest(t, server, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-a","messages":[{"role":"user","content":"hi"}]}`, authHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "chat.completion", body["object"])
	assert.Equal(t, "llama-a", body["model"])
	assert.Equal(t, "groq", body["provider"])
	assert.Equal(t, "text", body["category"])
	assert.True(t, strings.HasPrefix(body["id"].(string), core.ResponseIDPrefix))

	choice := body["choices"].([]any)[0].(map[string]any)
	message := choice["message"].(map[string]any)
	assert.Equal(t, "Hello there", message["content"])
	assert.Equal(t, "assistant", message["role"])
	assert.Equal(t, "stop", choice["finish_reason"])

	require.Len(t, completer.messages, 1)
	sent := completer.messages[0]
	require.Len(t, sent, 2)
	assert.Equal(t, core.RoleSystem, sent[0].Role)
	assert.Equal(t, "be brief", sent[0].Content)

	rec, err := server.catalog.Get(context.Background(), "llama-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.TotalRequests)
}

func TestChatCompletions_KeepsCallerSystemTurn(t *testing.T) {
	completer := newStubCompleter()
	completer.replies["llama-a"] = "ok"
	server := newTestServer(t, completer, testServerOptions{prompt: "be brief"})

	w := doRequest(t, server, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-a","messages":[{"role":"system","content":"mine"},{"role":"user","content":"hi"}]}`, authHeader)
	require.Equal(t, http.StatusOK, w.Code)

	sent := completer.messages[0]
	require.Len(t, sent, 2)
	assert.Equal(t, "mine", sent[0].Content)
}

func TestChatCompletions_PartContentAndHeaderKeys(t *testing.T) {
	completer := newStubCompleter()
	completer.replies["llama-a"] = "ok"
	server := newTestServer(t, completer, testServerOptions{})

	headers := map[string]string{
		"Authorization":       "Bearer test-key",
		core.HeaderGroqAPIKey: "gsk-from-header",
	}
	w := doRequest(t, server, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-a","messages":[{"role":"user","content":[{"type":"text","text":"hello "},{"type":"image_url","image_url":{"url":"x"}},{"type":"text","text":"world"}]}]}`,
		headers)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Len(t, completer.keys, 1)
	assert.Equal(t, "gsk-from-header", completer.keys[0])
	assert.Equal(t, "hello world", completer.messages[0][0].Content)
}

func TestChatCompletions_FallbackReportsAttempts(t *testing.T) {
	completer := newStubCompleter()
	completer.failures["llama-a"] = &core.UpstreamError{Provider: "groq", Model: "llama-a", StatusCode: 503}
	completer.replies["mistral-b"] = "from mistral"
	server := newTestServer(t, completer, testServerOptions{})

	w := doRequest(t, server, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-a","messages":[{"role":"user","content":"hi"}]}`, authHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "mistral-b", body["model"])
	attempts := body["attempts"].([]any)
	require.Len(t, attempts, 2)
	assert.Contains(t, attempts[0].(map[string]any)["error"], "503")
	assert.NotContains(t, attempts[1].(map[string]any), "error")
}

func TestChatCompletions_ErrorMapping(t *testing.T) {
	failing := newStubCompleter()
	failing.failures["llama-a"] = errors.New("boom")
	failing.failures["mistral-b"] = errors.New("boom")

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantType   string
	}{
		{"malformed body", `{"model":`, http.StatusBadRequest, "invalid_request"},
		{"missing messages", `{"model":"llama-a","messages":[]}`, http.StatusBadRequest, "invalid_request"},
		{"unknown category", `{"model":"llama-a","category":"smell","messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest, "unsupported_category"},
		{"disabled category", `{"model":"llama-a","category":"vision","messages":[{"role":"user","content":"hi"}]}`, http.StatusBadRequest, "unsupported_category"},
		{"unknown model", `{"model":"ghost","messages":[{"role":"user","content":"hi"}]}`, http.StatusNotFound, "unknown_model"},
		{"all failed", `{"model":"llama-a","messages":[{"role":"user","content":"hi"}]}`, http.StatusBadGateway, "all_models_failed"},
	}

	server := newTestServer(t, failing, testServerOptions{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, server, http.MethodPost, "/v1/chat/completions", tt.body, authHeader)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			assert.Equal(t, tt.wantType, decodeBody(t, w)["type"])
		})
	}
}

func TestChatCompletions_NoEligibleModel(t *testing.T) {
	completer := newStubCompleter()
	server := newTestServer(t, completer, testServerOptions{credentials: core.Credentials{GroqAPIKey: "gsk-only"}})

	w := doRequest(t, server, http.MethodPost, "/v1/chat/completions",
		`{"model":"codestral","category":"coding","messages":[{"role":"user","content":"hi"}]}`, authHeader)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
	assert.Empty(t, completer.calls)
}

func TestChatCompletions_Stream(t *testing.T) {
	completer := newStubCompleter()
	completer.replies["llama-a"] = "streamed"
	server := newTestServer(t, completer, testServerOptions{})

	w := doRequest(t, server, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-a","stream":true,"messages":[{"role":"user","content":"hi"}]}`, authHeader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, core.ContentTypeEventStream, w.Header().Get(core.HeaderContentType))

	var events []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, core.StreamChunkPrefix) {
			events = append(events, strings.TrimPrefix(line, core.StreamChunkPrefix))
		}
	}
	require.Len(t, events, 3)
	assert.Contains(t, events[0], `"content":"streamed"`)
	assert.Contains(t, events[1], `"finish_reason":"stop"`)
	assert.Equal(t, core.StreamChunkDoneMessage, events[2])
}

func TestChatCompletions_SessionHistory(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	sqlCatalog, err := storage.NewSQLCatalog(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlCatalog.Close() })

	completer := newStubCompleter()
	completer.replies["llama-a"] = "remembered"
	server := newTestServer(t, completer, testServerOptions{history: sqlCatalog})

	w := doRequest(t, server, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-a","session_id":"s1","messages":[{"role":"user","content":"note this"}]}`, authHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "s1", decodeBody(t, w)["session_id"])

	w = doRequest(t, server, http.MethodGet, "/v1/sessions/s1/messages", "", authHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	messages := decodeBody(t, w)["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "note this", messages[0].(map[string]any)["content"])
	assert.Equal(t, "remembered", messages[1].(map[string]any)["content"])
	assert.Equal(t, "llama-a", messages[1].(map[string]any)["model"])

	w = doRequest(t, server, http.MethodGet, "/v1/sessions/s1/messages?limit=1", "", authHeader)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["messages"], 1)

	w = doRequest(t, server, http.MethodGet, "/v1/sessions/s1/messages?limit=zero", "", authHeader)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletions_SessionHistoryStoresUserTurn(t *testing.T) {
	db, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	sqlCatalog, err := storage.NewSQLCatalog(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlCatalog.Close() })

	completer := newStubCompleter()
	completer.replies["llama-a"] = "final answer"
	server := newTestServer(t, completer, testServerOptions{history: sqlCatalog})

	w := doRequest(t, server, http.MethodPost, "/v1/chat/completions",
		`{"model":"llama-a","session_id":"s2","messages":[{"role":"user","content":"the question"},{"role":"assistant","content":"partial draft"}]}`,
		authHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(t, server, http.MethodGet, "/v1/sessions/s2/messages", "", authHeader)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	messages := decodeBody(t, w)["messages"].([]any)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, core.RoleUser, first["role"])
	assert.Equal(t, "the question", first["content"])
	assert.Equal(t, "final answer", messages[1].(map[string]any)["content"])
}

func TestSessionMessages_WithoutHistory(t *testing.T) {
	server := newTestServer(t, newStubCompleter(), testServerOptions{})

	w := doRequest(t, server, http.MethodGet, "/v1/sessions/s1/messages", "", authHeader)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestServerClose_Idempotent(t *testing.T) {
	server := newTestServer(t, newStubCompleter(), testServerOptions{})
	assert.NoError(t, server.Close())
	assert.NoError(t, server.Close())
}
