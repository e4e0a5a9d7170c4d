// Package api serves the request/response surface of the chat service: chat
// listing and creation, message history, posting and read receipts for
// clients without a live connection, plus health and metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/hub"
	"github.com/tasklink/chat-realtime/internal/metrics"
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	FromRequest(r *http.Request) (chat.Identity, error)
}

// ChatStore is the durable side of the API.
type ChatStore interface {
	EnsureChat(ctx context.Context, userID, providerID string) (chat.Chat, error)
	GetChat(ctx context.Context, chatID string) (chat.Chat, error)
	ListChats(ctx context.Context, id chat.Identity) ([]chat.ChatSummary, error)
	ListMessages(ctx context.Context, chatID string, limit int, before time.Time) ([]chat.Message, error)
	Ping(ctx context.Context) error
}

// Messenger is the live side of the API. Writes go through it so joined
// connections see them.
type Messenger interface {
	PostMessage(ctx context.Context, sender chat.Identity, chatID, content string) (chat.Message, error)
	MarkReadAs(ctx context.Context, reader chat.Identity, chatID string) (int64, error)
	IsOnline(id chat.Identity) bool
	Stats() hub.Stats
}

// PresenceMirror reports connection counts across every instance.
type PresenceMirror interface {
	ConnectionCount(ctx context.Context, id chat.Identity) (int64, error)
}

// Deps wires the router. Presence and WebSocket are optional.
type Deps struct {
	Auth      Authenticator
	Store     ChatStore
	Hub       Messenger
	Presence  PresenceMirror
	WebSocket http.Handler
	Logger    *slog.Logger
}

// Handler holds the API dependencies.
type Handler struct {
	auth     Authenticator
	store    ChatStore
	hub      Messenger
	presence PresenceMirror
	logger   *slog.Logger
	started  time.Time
}

// NewRouter builds the HTTP surface: /api routes behind authentication,
// /ws when a WebSocket handler is given, /health and /metrics.
func NewRouter(d Deps) *mux.Router {
	h := &Handler{
		auth:     d.Auth,
		store:    d.Store,
		hub:      d.Hub,
		presence: d.Presence,
		logger:   d.Logger.With("component", "api"),
		started:  time.Now(),
	}

	r := mux.NewRouter()
	r.Use(h.accessLog)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if d.WebSocket != nil {
		r.Handle("/ws", d.WebSocket).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(h.authenticate)
	api.HandleFunc("/chats", h.ListChats).Methods(http.MethodGet)
	api.HandleFunc("/chats", h.CreateChat).Methods(http.MethodPost)
	api.HandleFunc("/chats/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	api.HandleFunc("/chats/{id}/messages", h.PostMessage).Methods(http.MethodPost)
	api.HandleFunc("/chats/{id}/read", h.MarkRead).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}/presence", h.Presence).Methods(http.MethodGet)

	return r
}

// WithCORS allows credentialed requests from the given origins.
func WithCORS(next http.Handler, origins []string) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(next)
}
