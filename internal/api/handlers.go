package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/hub"
)

const (
	maxBodyBytes  = 16 << 10
	healthTimeout = 2 * time.Second
)

var errBadRequest = errors.New("bad request")

type createChatRequest struct {
	ProviderID string `json:"providerId"`
	UserID     string `json:"userId"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

type markReadResponse struct {
	ChatID  string `json:"chatId"`
	Updated int64  `json:"updated"`
}

type presenceResponse struct {
	UserID     string `json:"userId"`
	IsProvider bool   `json:"isProvider"`
	Online     bool   `json:"online"`
}

type healthResponse struct {
	Status  string    `json:"status"`
	Storage string    `json:"storage"`
	Uptime  string    `json:"uptime"`
	Hub     hub.Stats `json:"hub"`
}

// ListChats returns the caller's chats with last message and unread count.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	chats, err := h.store.ListChats(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if chats == nil {
		chats = []chat.ChatSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// CreateChat returns the chat between the caller and the named counterpart,
// creating it if needed. Customers name a providerId, providers a userId.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	var req createChatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	userID, providerID := id.UserID, strings.TrimSpace(req.ProviderID)
	if id.IsProvider {
		userID, providerID = strings.TrimSpace(req.UserID), id.UserID
	}
	if userID == "" || providerID == "" {
		writeError(w, fmt.Errorf("%w: counterpart id is required", errBadRequest))
		return
	}
	if userID == providerID {
		writeError(w, fmt.Errorf("%w: cannot open a chat with yourself", errBadRequest))
		return
	}

	c, err := h.store.EnsureChat(r.Context(), userID, providerID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Debug("chat ensured", "chat_id", c.ID, "user_id", userID, "provider_id", providerID)
	writeJSON(w, http.StatusOK, c)
}

// ListMessages pages backwards through a chat's history. lastTimestamp is
// the oldest timestamp the caller holds, as RFC 3339 or Unix milliseconds.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := mux.Vars(r)["id"]
	if _, err := h.participantChat(r.Context(), chatID); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: invalid limit %q", errBadRequest, v))
			return
		}
		limit = n
	}
	before, err := parseTimestamp(q.Get("lastTimestamp"))
	if err != nil {
		writeError(w, err)
		return
	}

	msgs, err := h.store.ListMessages(r.Context(), chatID, limit, before)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// PostMessage stores a message and fans it out to joined connections.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	chatID := mux.Vars(r)["id"]

	var req postMessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.hub.PostMessage(r.Context(), id, chatID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead marks the chat read for the caller's role.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	chatID := mux.Vars(r)["id"]

	n, err := h.hub.MarkReadAs(r.Context(), id, chatID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{ChatID: chatID, Updated: n})
}

// Presence reports whether an identity has any live connection. The local
// registry answers first; the session mirror covers other instances.
func (h *Handler) Presence(w http.ResponseWriter, r *http.Request) {
	target := chat.Identity{
		UserID:     mux.Vars(r)["id"],
		IsProvider: r.URL.Query().Get("provider") == "true",
	}

	online := h.hub.IsOnline(target)
	if !online && h.presence != nil {
		n, err := h.presence.ConnectionCount(r.Context(), target)
		if err != nil {
			h.logger.Warn("presence mirror lookup failed", "user_id", target.UserID, "error", err)
		}
		online = n > 0
	}
	writeJSON(w, http.StatusOK, presenceResponse{
		UserID:     target.UserID,
		IsProvider: target.IsProvider,
		Online:     online,
	})
}

// Health reports hub counts and storage reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{
		Status:  "ok",
		Storage: "ok",
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Hub:     h.hub.Stats(),
	}
	status := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("storage ping failed", "error", err)
		resp.Status = "degraded"
		resp.Storage = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// participantChat loads a chat the caller takes part in.
func (h *Handler) participantChat(ctx context.Context, chatID string) (chat.Chat, error) {
	c, err := h.store.GetChat(ctx, chatID)
	if errors.Is(err, chat.ErrChatNotFound) {
		return chat.Chat{}, fmt.Errorf("%w: %s", chat.ErrForbidden, chatID)
	}
	if err != nil {
		return chat.Chat{}, err
	}
	if !c.Participants().Includes(identityFrom(ctx)) {
		return chat.Chat{}, fmt.Errorf("%w: %s", chat.ErrForbidden, chatID)
	}
	return c, nil
}

func parseTimestamp(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid lastTimestamp %q", errBadRequest, v)
	}
	return t, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", errBadRequest, err)
	}
	return nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := chat.Code(err)
	if errors.Is(err, errBadRequest) {
		code = chat.CodeProtocolError
	}

	status := http.StatusInternalServerError
	switch code {
	case chat.CodeUnauthorized:
		status = http.StatusUnauthorized
	case chat.CodeForbidden:
		status = http.StatusForbidden
	case chat.CodeNotFound:
		status = http.StatusNotFound
	case chat.CodeInvalidContent, chat.CodeProtocolError:
		status = http.StatusBadRequest
	case chat.CodeNotJoined:
		status = http.StatusConflict
	case chat.CodePersistenceFailure:
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if code == chat.CodeInternal {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
