// Package server exposes chat and history management over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/becomeliminal/nim-history/chat"
	"github.com/becomeliminal/nim-history/history"
	"github.com/becomeliminal/nim-history/observability"
)

// Chat answers chat requests. *chat.Engine satisfies it.
type Chat interface {
	Run(ctx context.Context, in chat.Input) (*chat.Output, error)
}

// History is the history surface served over HTTP. *history.Manager satisfies it.
type History interface {
	GetRecentHistory(ctx context.Context, scope string, q history.RecentQuery) ([]*history.Record, error)
	SearchHistory(ctx context.Context, scope, query string, nResults int) ([]history.SearchResult, error)
	ClearHistory(ctx context.Context, scope string) error
	GetStats(ctx context.Context, scope string) (history.Stats, error)
	ListScopes(ctx context.Context) ([]string, error)
	MaxHistory() int
	SetMaxHistory(n int) error
}

// Options configures the server.
type Options struct {
	// PersistDir is reported by the settings endpoint.
	PersistDir string

	// AllowAnyOrigin accepts cross-origin websocket connections.
	AllowAnyOrigin bool

	// Gatherer backs /metrics. Nil uses the default gatherer.
	Gatherer prometheus.Gatherer
}

// Server routes requests to the chat engine and the history manager.
type Server struct {
	chat     Chat
	history  History
	opts     Options
	upgrader websocket.Upgrader
}

// New creates a server.
func New(c Chat, h History, opts Options) *Server {
	return &Server{
		chat:    c,
		history: h,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.Handler(s.opts.Gatherer))

	r.Post("/chat", s.handleChat)
	r.Get("/chat/ws", s.handleChatWS)

	r.Get("/chat/history/scopes", s.handleListScopes)
	r.Post("/chat/history/search", s.handleSearch)
	r.Get("/chat/history/{scope}", s.handleGetHistory)
	r.Delete("/chat/history/{scope}", s.handleClearHistory)
	r.Get("/chat/history/{scope}/stats", s.handleStats)

	r.Get("/chat/settings/history", s.handleGetSettings)
	r.Post("/chat/settings/history", s.handleUpdateSettings)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var in chat.Input
	if err := decodeJSON(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := checkScope(in.Scope); err != nil {
		respondErr(w, "chat", err)
		return
	}
	out, err := s.chat.Run(r.Context(), in)
	if err != nil {
		respondErr(w, "chat", err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// handleChatWS answers one chat.Input per text frame, in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log.Printf("[HTTP] websocket connected: %s", r.RemoteAddr)
	defer log.Printf("[HTTP] websocket disconnected: %s", r.RemoteAddr)

	conn.SetReadLimit(1 << 20)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var reply any
		var in chat.Input
		if err := json.Unmarshal(data, &in); err != nil {
			reply = errorResponse{Error: err.Error(), Code: "invalid_client_message"}
		} else if err := checkScope(in.Scope); err != nil {
			_, code, message := classify("chat", err)
			reply = errorResponse{Error: message, Code: code}
		} else if out, err := s.chat.Run(r.Context(), in); err != nil {
			_, code, message := classify("chat", err)
			reply = errorResponse{Error: message, Code: code}
		} else {
			reply = out
		}

		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

type scopeSummary struct {
	Scope         string `json:"scope"`
	TotalMessages int    `json:"total_messages"`
}

func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request) {
	names, err := s.history.ListScopes(r.Context())
	if err != nil {
		respondErr(w, "list scopes", err)
		return
	}
	scopes := make([]scopeSummary, 0, len(names))
	for _, name := range names {
		stats, err := s.history.GetStats(r.Context(), name)
		if err != nil {
			respondErr(w, "list scopes", err)
			return
		}
		scopes = append(scopes, scopeSummary{Scope: name, TotalMessages: stats.TotalMessages})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scopes":       scopes,
		"total_scopes": len(scopes),
	})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, chi.URLParam(r, "scope"))
	if !ok {
		return
	}
	limit, ok := intQuery(w, r, "limit", 0)
	if !ok {
		return
	}
	hoursAgo, ok := intQuery(w, r, "hours_ago", 0)
	if !ok {
		return
	}

	records, err := s.history.GetRecentHistory(r.Context(), scope, history.RecentQuery{Limit: limit, HoursAgo: hoursAgo})
	if err != nil {
		respondErr(w, "get history", err)
		return
	}
	messages := make([]messageView, 0, len(records))
	for _, rec := range records {
		messages = append(messages, newMessageView(rec))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scope":         scope,
		"message_count": len(messages),
		"messages":      messages,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope, ok := scopeParam(w, q.Get("scope"))
	if !ok {
		return
	}
	query := q.Get("query")
	nResults, ok := intQuery(w, r, "n_results", 5)
	if !ok {
		return
	}

	results, err := s.history.SearchHistory(r.Context(), scope, query, nResults)
	if err != nil {
		respondErr(w, "search history", err)
		return
	}
	hits := make([]searchView, 0, len(results))
	for _, res := range results {
		hits = append(hits, searchView{messageView: newMessageView(res.Record), Score: res.Score})
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scope":   scope,
		"query":   query,
		"results": hits,
	})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, chi.URLParam(r, "scope"))
	if !ok {
		return
	}
	if err := s.history.ClearHistory(r.Context(), scope); err != nil {
		respondErr(w, "clear history", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Chat history cleared for %s", scope),
		"scope":   scope,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParam(w, chi.URLParam(r, "scope"))
	if !ok {
		return
	}
	stats, err := s.history.GetStats(r.Context(), scope)
	if err != nil {
		respondErr(w, "get stats", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"scope": scope,
		"stats": stats,
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"max_history":       s.history.MaxHistory(),
		"persist_directory": s.opts.PersistDir,
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("max_history"))
	if raw == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "query parameter max_history is required")
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "max_history must be an integer")
		return
	}
	if err := s.history.SetMaxHistory(n); err != nil {
		respondErr(w, "update settings", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message":     "Chat history settings updated",
		"max_history": n,
	})
}

// messageView is a record as returned to clients, without its embedding.
type messageView struct {
	ID                string    `json:"id"`
	Timestamp         time.Time `json:"timestamp"`
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
}

func newMessageView(r *history.Record) messageView {
	return messageView{
		ID:                r.ID,
		Timestamp:         r.Timestamp,
		UserMessage:       r.UserMessage,
		AssistantResponse: r.AssistantResponse,
	}
}

type searchView struct {
	messageView
	Score float32 `json:"score"`
}

// reservedScope is the path segment of the scope listing route, so a scope of
// that name could not be addressed under /chat/history/{scope}.
const reservedScope = "scopes"

// checkScope rejects scopes the HTTP surface cannot address. Blank scopes
// pass; the engine falls back to its default.
func checkScope(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	scope, err := history.NormalizeScope(raw)
	if err != nil {
		return err
	}
	if scope == reservedScope {
		return fmt.Errorf("%w: %q is reserved", history.ErrInvalidScope, scope)
	}
	return nil
}

func scopeParam(w http.ResponseWriter, raw string) (string, bool) {
	if strings.TrimSpace(raw) == "" {
		respondError(w, http.StatusBadRequest, "invalid_scope", "scope is required")
		return "", false
	}
	if err := checkScope(raw); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_scope", err.Error())
		return "", false
	}
	scope, _ := history.NormalizeScope(raw)
	return scope, true
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("%s must be a non-negative integer", key))
		return 0, false
	}
	return n, true
}
