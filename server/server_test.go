package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/becomeliminal/nim-history/chat"
	"github.com/becomeliminal/nim-history/history"
	"github.com/becomeliminal/nim-history/history/embedder/hashing"
	"github.com/becomeliminal/nim-history/history/journal/badger"
	"github.com/becomeliminal/nim-history/history/store/chromem"
	"github.com/becomeliminal/nim-history/observability"
	"github.com/becomeliminal/nim-history/server"
)

// stubChat echoes the message back or fails with the configured error.
type stubChat struct {
	mu  sync.Mutex
	err error
}

func (s *stubChat) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubChat) Run(ctx context.Context, in chat.Input) (*chat.Output, error) {
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	scope := in.Scope
	if scope == "" {
		scope = chat.DefaultScope
	}
	return &chat.Output{Response: "echo: " + in.Message, Scope: scope}, nil
}

type testEnv struct {
	ts      *httptest.Server
	manager *history.Manager
	chat    *stubChat
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	journal, err := badger.Open(badger.InMemoryConfig())
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	store, err := chromem.New(chromem.Config{})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	manager, err := history.NewManager(journal, store, hashing.New(0), &history.Config{
		MaxHistory:   30,
		OpTimeout:    5 * time.Second,
		ContextLimit: 5,
	}, history.WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	c := &stubChat{}
	srv := server.New(c, manager, server.Options{PersistDir: "/data/history", Gatherer: reg})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, manager: manager, chat: c}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return res.StatusCode, out
}

func (e *testEnv) add(t *testing.T, scope, user, assistant string) {
	t.Helper()
	if _, err := e.manager.AddMessage(context.Background(), scope, user, assistant); err != nil {
		t.Fatalf("AddMessage() error = %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/healthz", "")
	if status != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("GET /healthz = %d %v", status, body)
	}
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/chat", `{"scope":"minecraft","message":"hi"}`)
	if status != http.StatusOK {
		t.Fatalf("POST /chat status = %d, body %v", status, body)
	}
	if body["response"] != "echo: hi" || body["scope"] != "minecraft" {
		t.Fatalf("POST /chat body = %v", body)
	}

	status, body = env.do(t, http.MethodPost, "/chat", "")
	if status != http.StatusBadRequest || body["code"] != "invalid_request" {
		t.Fatalf("empty body = %d %v", status, body)
	}
}

func TestChatErrorTranslation(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{chat.ErrEmptyMessage, http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("x: %w", history.ErrInvalidScope), http.StatusBadRequest, "invalid_scope"},
		{fmt.Errorf("load: %w: %w", history.ErrStorageTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout, "storage_timeout"},
		{fmt.Errorf("load: %w", history.ErrStorage), http.StatusInternalServerError, "storage_error"},
		{fmt.Errorf("claude API error"), http.StatusInternalServerError, "internal_error"},
	}

	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			env.chat.fail(tt.err)
			status, body := env.do(t, http.MethodPost, "/chat", `{"message":"hi"}`)
			if status != tt.wantStatus || body["code"] != tt.wantCode {
				t.Fatalf("status = %d body = %v, want %d %s", status, body, tt.wantStatus, tt.wantCode)
			}
			if body["error"] == "" {
				t.Fatal("error message is empty")
			}
		})
	}
}

func TestGetHistory(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "minecraft", "first", "a")
	env.add(t, "minecraft", "second", "b")

	status, body := env.do(t, http.MethodGet, "/chat/history/Minecraft?limit=1", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	if body["scope"] != "minecraft" || body["message_count"] != float64(1) {
		t.Fatalf("body = %v", body)
	}
	messages := body["messages"].([]any)
	msg := messages[0].(map[string]any)
	if msg["user_message"] != "second" {
		t.Fatalf("message = %v, want the most recent", msg)
	}
	if _, ok := msg["embedding"]; ok {
		t.Fatal("embedding leaked into the response")
	}

	status, body = env.do(t, http.MethodGet, "/chat/history/minecraft?hours_ago=1", "")
	if status != http.StatusOK || body["message_count"] != float64(2) {
		t.Fatalf("hours_ago=1 = %d %v", status, body)
	}

	for _, path := range []string{"/chat/history/minecraft?limit=abc", "/chat/history/minecraft?hours_ago=-1"} {
		status, body = env.do(t, http.MethodGet, path, "")
		if status != http.StatusBadRequest {
			t.Fatalf("GET %s = %d %v, want 400", path, status, body)
		}
	}

	status, body = env.do(t, http.MethodGet, "/chat/history/unknown", "")
	if status != http.StatusOK || body["message_count"] != float64(0) {
		t.Fatalf("unknown scope = %d %v", status, body)
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "minecraft", "Where is diamond ore?", "Diamond ore sits near Y -59.")
	env.add(t, "minecraft", "Best bread recipe?", "Three wheat in a row.")

	status, body := env.do(t, http.MethodPost, "/chat/history/search?scope=minecraft&query=diamond+ore&n_results=1", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %v", status, body)
	}
	results := body["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v, want 1", results)
	}
	hit := results[0].(map[string]any)
	if hit["user_message"] != "Where is diamond ore?" {
		t.Fatalf("top hit = %v", hit)
	}
	if _, ok := hit["score"]; !ok {
		t.Fatal("hit has no score")
	}

	status, _ = env.do(t, http.MethodPost, "/chat/history/search?query=diamond", "")
	if status != http.StatusBadRequest {
		t.Fatalf("missing scope status = %d, want 400", status)
	}
}

func TestClearAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "minecraft", "q", "a")

	status, body := env.do(t, http.MethodGet, "/chat/history/minecraft/stats", "")
	if status != http.StatusOK {
		t.Fatalf("stats status = %d", status)
	}
	stats := body["stats"].(map[string]any)
	if stats["total_messages"] != float64(1) || stats["oldest_timestamp"] == nil {
		t.Fatalf("stats = %v", stats)
	}

	for i := 0; i < 2; i++ {
		status, body = env.do(t, http.MethodDelete, "/chat/history/minecraft", "")
		if status != http.StatusOK || body["message"] != "Chat history cleared for minecraft" {
			t.Fatalf("DELETE #%d = %d %v", i+1, status, body)
		}
	}

	_, body = env.do(t, http.MethodGet, "/chat/history/minecraft/stats", "")
	stats = body["stats"].(map[string]any)
	if stats["total_messages"] != float64(0) || stats["oldest_timestamp"] != nil || stats["newest_timestamp"] != nil {
		t.Fatalf("stats after clear = %v", stats)
	}
}

func TestListScopes(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "terraria", "q", "a")
	env.add(t, "minecraft", "q", "a")
	env.add(t, "minecraft", "q2", "a")

	status, body := env.do(t, http.MethodGet, "/chat/history/scopes", "")
	if status != http.StatusOK || body["total_scopes"] != float64(2) {
		t.Fatalf("GET scopes = %d %v", status, body)
	}
	first := body["scopes"].([]any)[0].(map[string]any)
	if first["scope"] != "minecraft" || first["total_messages"] != float64(2) {
		t.Fatalf("first scope = %v", first)
	}
}

func TestSettings(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/chat/settings/history", "")
	if status != http.StatusOK || body["max_history"] != float64(30) || body["persist_directory"] != "/data/history" {
		t.Fatalf("GET settings = %d %v", status, body)
	}

	for _, bad := range []string{"0", "101"} {
		status, body = env.do(t, http.MethodPost, "/chat/settings/history?max_history="+bad, "")
		if status != http.StatusBadRequest || body["code"] != "invalid_config" {
			t.Fatalf("max_history=%s = %d %v, want 400", bad, status, body)
		}
	}
	status, _ = env.do(t, http.MethodPost, "/chat/settings/history?max_history=lots", "")
	if status != http.StatusBadRequest {
		t.Fatalf("non-integer max_history status = %d", status)
	}

	status, body = env.do(t, http.MethodPost, "/chat/settings/history?max_history=50", "")
	if status != http.StatusOK || body["max_history"] != float64(50) {
		t.Fatalf("POST settings = %d %v", status, body)
	}
	if env.manager.MaxHistory() != 50 {
		t.Fatalf("MaxHistory() = %d, want 50", env.manager.MaxHistory())
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "minecraft", "q", "a")

	res, err := http.Get(env.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /metrics status = %d", res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	if !strings.Contains(string(data), "test_history_operations_total") {
		t.Fatalf("metrics output missing history counters:\n%s", data)
	}
}

func TestChatWebSocket(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(chat.Input{Scope: "zelda", Message: "hello"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var out chat.Output
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if out.Response != "echo: hello" || out.Scope != "zelda" {
		t.Fatalf("reply = %+v", out)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var errReply map[string]any
	if err := conn.ReadJSON(&errReply); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if errReply["code"] != "invalid_client_message" {
		t.Fatalf("error reply = %v", errReply)
	}
	if err := conn.WriteJSON(chat.Input{Scope: "Scopes", Message: "hello"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	errReply = nil
	if err := conn.ReadJSON(&errReply); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if errReply["code"] != "invalid_scope" {
		t.Fatalf("reserved scope reply = %v", errReply)
	}
}

func TestListingRouteNameIsReserved(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "minecraft", "hello", "world")

	tests := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/chat", `{"scope":"Scopes","message":"hi"}`},
		{http.MethodPost, "/chat", `{"scope":"  scopes ","message":"hi"}`},
		{http.MethodDelete, "/chat/history/Scopes", ""},
		{http.MethodGet, "/chat/history/SCOPES/stats", ""},
		{http.MethodPost, "/chat/history/search?scope=scopes&query=hello", ""},
	}
	for _, tt := range tests {
		status, body := env.do(t, tt.method, tt.path, tt.body)
		if status != http.StatusBadRequest || body["code"] != "invalid_scope" {
			t.Errorf("%s %s = %d %v, want 400 invalid_scope", tt.method, tt.path, status, body)
		}
	}

	status, body := env.do(t, http.MethodGet, "/chat/history/scopes", "")
	if status != http.StatusOK {
		t.Fatalf("list scopes = %d %v", status, body)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/chat/ws"
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("dial with foreign origin succeeded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", res)
	}
}
