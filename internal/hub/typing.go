package hub

import (
	"time"

	"github.com/tasklink/chat-realtime/internal/protocol"
)

// typingEntry is one connection's live typing indicator in a room. Each
// refresh installs a new entry, so an expiry callback acts only if its own
// entry is still current.
type typingEntry struct {
	timer *time.Timer
}

// StartTyping marks the connection as typing in a joined chat. typing:started
// goes to the other joined connections only on the rising edge; later calls
// within the window just push the expiry out.
func (h *Hub) StartTyping(connID, chatID string) error {
	m, r, unlock, err := h.lockJoined(connID, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	e := &typingEntry{}
	e.timer = time.AfterFunc(h.cfg.TypingWindow, func() { h.expireTyping(r, m, e) })

	r.mu.Lock()
	prev, active := r.typing[connID]
	r.typing[connID] = e
	r.mu.Unlock()

	if active {
		prev.timer.Stop()
		return nil
	}
	h.broadcastLocked(r, protocol.TypingStarted{
		ChatID:     chatID,
		UserID:     m.id.UserID,
		IsProvider: m.id.IsProvider,
	}, connID)
	return nil
}

// StopTyping clears the connection's typing indicator in a joined chat and
// broadcasts typing:stopped if it was active.
func (h *Hub) StopTyping(connID, chatID string) error {
	m, r, unlock, err := h.lockJoined(connID, chatID)
	if err != nil {
		return err
	}
	defer unlock()

	h.stopTypingLocked(r, m)
	return nil
}

// stopTypingLocked cancels m's indicator in r. Caller holds r.order, so the
// typing:stopped frame is ordered before anything the caller fans out next.
func (h *Hub) stopTypingLocked(r *room, m *member) bool {
	connID := m.conn.ID()

	r.mu.Lock()
	e, active := r.typing[connID]
	if active {
		delete(r.typing, connID)
	}
	r.mu.Unlock()

	if !active {
		return false
	}
	e.timer.Stop()
	h.broadcastLocked(r, protocol.TypingStopped{
		ChatID:     r.id,
		UserID:     m.id.UserID,
		IsProvider: m.id.IsProvider,
	}, connID)
	return true
}

func (h *Hub) expireTyping(r *room, m *member, e *typingEntry) {
	r.order.Lock()
	defer r.order.Unlock()

	connID := m.conn.ID()
	r.mu.Lock()
	current := r.typing[connID] == e
	if current {
		delete(r.typing, connID)
	}
	r.mu.Unlock()
	if !current {
		return
	}

	h.broadcastLocked(r, protocol.TypingStopped{
		ChatID:     r.id,
		UserID:     m.id.UserID,
		IsProvider: m.id.IsProvider,
	}, connID)
}

// IsTyping reports whether the connection has a live indicator in the chat.
func (h *Hub) IsTyping(connID, chatID string) bool {
	r := h.room(chatID)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.typing[connID]
	return ok
}
