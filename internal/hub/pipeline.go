package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/metrics"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

// Send persists a message from a joined connection and fans it out:
// message:received to the other joined connections and message:sent with
// tempID to the sender. The sender's typing indicator is stopped first.
// Failures go back to the caller only; nothing is broadcast.
func (h *Hub) Send(ctx context.Context, connID, chatID, content, tempID string) (chat.Message, error) {
	m, r, unlock, err := h.lockJoined(connID, chatID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, err
	}
	defer unlock()

	if err := chat.ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, err
	}

	h.stopTypingLocked(r, m)

	msg, err := h.persist(ctx, chatID, m.id, content)
	if err != nil {
		h.logger.Warn("persist failed", "conn_id", connID, "chat_id", chatID, "temp_id", tempID, "error", err)
		return chat.Message{}, err
	}

	h.broadcastLocked(r, protocol.MessageReceived{Message: msg}, connID)
	h.sendTo(m, protocol.MessageSent{Message: msg, TempID: tempID})
	return msg, nil
}

// PostMessage is the request/response counterpart of Send for clients
// without a live connection. The sender must be a participant; joining is not
// required. The persisted message goes to every joined connection.
func (h *Hub) PostMessage(ctx context.Context, sender chat.Identity, chatID, content string) (chat.Message, error) {
	p, err := h.lookupParticipants(ctx, chatID)
	if err != nil {
		return chat.Message{}, err
	}
	if !p.Includes(sender) {
		return chat.Message{}, fmt.Errorf("%w: %s", chat.ErrForbidden, chatID)
	}
	if err := chat.ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Message{}, err
	}

	r, unlock := h.lockRoom(chatID)
	defer unlock()

	msg, err := h.persist(ctx, chatID, sender, content)
	if err != nil {
		return chat.Message{}, err
	}

	frame, err := protocol.Encode(protocol.MessageReceived{Message: msg})
	if err != nil {
		return msg, nil
	}
	if r != nil {
		h.fanOutLocked(r, frame, protocol.EventMessageReceived, "")
	}
	h.publish(chatID, frame, "")
	return msg, nil
}

// persist writes through to storage under the persist timeout. Every failure,
// including a timeout, is reported as chat.ErrPersistence and never retried.
func (h *Hub) persist(ctx context.Context, chatID string, sender chat.Identity, content string) (chat.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.PersistTimeout)
	defer cancel()

	start := time.Now()
	msg, err := h.store.PersistMessage(ctx, chatID, sender, content)
	metrics.PersistLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, chat.ErrPersistence) {
			return chat.Message{}, err
		}
		return chat.Message{}, fmt.Errorf("%w: %v", chat.ErrPersistence, err)
	}
	metrics.MessagesTotal.WithLabelValues("persisted").Inc()
	return msg, nil
}
