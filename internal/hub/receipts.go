package hub

import (
	"context"
	"fmt"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

// MarkRead marks every message of a joined chat read for the connection's
// role. messages:read goes to the other joined connections only when some
// flag actually changed, so repeating the call is silent.
func (h *Hub) MarkRead(ctx context.Context, connID, chatID string) error {
	m, r, unlock, err := h.lockJoined(connID, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	changed, err := h.markChatRead(ctx, chatID, m.id.Role())
	if err != nil {
		return err
	}
	if changed > 0 {
		h.broadcastLocked(r, protocol.MessagesRead{ChatID: chatID, IsProvider: m.id.IsProvider}, connID)
	}
	return nil
}

// MarkReadAs is the request/response counterpart of MarkRead for a
// participant that may not hold a live connection.
func (h *Hub) MarkReadAs(ctx context.Context, reader chat.Identity, chatID string) (int64, error) {
	p, err := h.lookupParticipants(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if !p.Includes(reader) {
		return 0, fmt.Errorf("%w: %s", chat.ErrForbidden, chatID)
	}

	r, unlock := h.lockRoom(chatID)
	defer unlock()

	changed, err := h.markChatRead(ctx, chatID, reader.Role())
	if err != nil {
		return 0, err
	}
	if changed == 0 {
		return 0, nil
	}

	frame, err := protocol.Encode(protocol.MessagesRead{ChatID: chatID, IsProvider: reader.IsProvider})
	if err != nil {
		return changed, nil
	}
	if r != nil {
		h.fanOutLocked(r, frame, protocol.EventMessagesRead, "")
	}
	h.publish(chatID, frame, "")
	return changed, nil
}

func (h *Hub) markChatRead(ctx context.Context, chatID string, role chat.Role) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.PersistTimeout)
	defer cancel()

	n, err := h.store.MarkChatRead(ctx, chatID, role)
	if err != nil {
		return 0, fmt.Errorf("%w: mark read: %v", chat.ErrPersistence, err)
	}
	return n, nil
}
