package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/metrics"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

// room is the live state of one chat: who is joined and who is typing.
// A room exists only while at least one connection is joined.
type room struct {
	id           string
	participants chat.Participants

	order sync.Mutex // serializes joins, leaves and fan-out for the chat

	mu     sync.Mutex
	closed bool
	joined map[string]*member
	typing map[string]*typingEntry
}

func newRoom(chatID string, p chat.Participants) *room {
	return &room{
		id:           chatID,
		participants: p,
		joined:       make(map[string]*member),
		typing:       make(map[string]*typingEntry),
	}
}

func (r *room) has(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[connID]
	return ok && !r.closed
}

// targets returns joined members except exclude.
func (r *room) targets(exclude string) []*member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*member, 0, len(r.joined))
	for connID, m := range r.joined {
		if connID != exclude {
			out = append(out, m)
		}
	}
	return out
}

// Join subscribes the connection to the chat's live events after checking
// that its identity is one of the chat's participants. Joining twice is
// harmless. On success the connection receives chat:joined.
func (h *Hub) Join(ctx context.Context, connID, chatID string) error {
	m, err := h.member(connID)
	if err != nil {
		return err
	}

	p, err := h.lookupParticipants(ctx, chatID)
	if err != nil {
		return err
	}
	if !p.Includes(m.id) {
		return fmt.Errorf("%w: %s", chat.ErrForbidden, chatID)
	}

	for {
		r := h.roomFor(chatID, p)
		r.order.Lock()
		joined, retry, err := h.addToRoom(r, m)
		r.order.Unlock()
		if err != nil {
			h.collectRoom(r)
			return err
		}
		if retry {
			continue
		}
		if joined {
			h.logger.Debug("joined chat", "conn_id", connID, "chat_id", chatID)
		}
		break
	}

	peer := chat.Identity{UserID: p.Peer(m.id), IsProvider: !m.id.IsProvider}
	h.sendTo(m, protocol.ChatJoined{
		ChatID:       chatID,
		Participants: p,
		PeerOnline:   h.IsOnline(peer),
	})
	return nil
}

// addToRoom reports retry when the room was garbage collected between lookup
// and locking.
func (h *Hub) addToRoom(r *room, m *member) (joined, retry bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, true, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, false, ErrUnknownConnection
	}
	if _, ok := r.joined[m.conn.ID()]; ok {
		return false, false, nil
	}
	r.joined[m.conn.ID()] = m
	m.joined[r.id] = struct{}{}
	return true, false, nil
}

// Leave drops the connection's subscription. Any typing indicator it had in
// the chat is stopped. Leaving a chat that is not joined is a no-op.
func (h *Hub) Leave(connID, chatID string) error {
	m, err := h.member(connID)
	if err != nil {
		return err
	}
	h.leave(m, chatID)
	return nil
}

func (h *Hub) leave(m *member, chatID string) {
	m.mu.Lock()
	delete(m.joined, chatID)
	m.mu.Unlock()

	r := h.room(chatID)
	if r == nil {
		return
	}

	r.order.Lock()
	h.stopTypingLocked(r, m)
	r.mu.Lock()
	delete(r.joined, m.conn.ID())
	empty := len(r.joined) == 0
	r.mu.Unlock()
	r.order.Unlock()

	if empty {
		h.collectRoom(r)
	}
}

// Broadcast delivers ev to every connection joined to the chat except
// exclude, on this instance and, through the relay, on every other one.
func (h *Hub) Broadcast(chatID string, ev protocol.ServerEvent, exclude string) error {
	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if r, unlock := h.lockRoom(chatID); r != nil {
		h.fanOutLocked(r, frame, ev.EventName(), exclude)
		unlock()
	}
	h.publish(chatID, frame, exclude)
	return nil
}

// DeliverRelayed fans out an event produced by another instance to the
// connections joined here. Events this instance published are ignored.
func (h *Hub) DeliverRelayed(ev chat.RelayEvent) {
	if ev.Origin == h.cfg.InstanceID {
		return
	}
	r, unlock := h.lockRoom(ev.ChatID)
	defer unlock()
	if r == nil {
		return
	}
	metrics.RelayedEvents.Inc()
	h.fanOutLocked(r, ev.Frame, "relayed", ev.Exclude)
}

// broadcastLocked encodes ev, fans it out locally and relays it. Caller holds
// r.order.
func (h *Hub) broadcastLocked(r *room, ev protocol.ServerEvent, exclude string) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		h.logger.Error("encode failed", "event", ev.EventName(), "error", err)
		return
	}
	h.fanOutLocked(r, frame, ev.EventName(), exclude)
	h.publish(r.id, frame, exclude)
}

func (h *Hub) fanOutLocked(r *room, frame []byte, event, exclude string) {
	for _, m := range r.targets(exclude) {
		h.deliverFrame(m, frame, event)
	}
}

func (h *Hub) publish(chatID string, frame []byte, exclude string) {
	if h.relay == nil {
		return
	}
	err := h.relay.Publish(chat.RelayEvent{
		Origin:  h.cfg.InstanceID,
		ChatID:  chatID,
		Exclude: exclude,
		Frame:   frame,
	})
	if err != nil {
		h.logger.Warn("relay publish failed", "chat_id", chatID, "error", err)
	}
}

// Joined returns the chats the connection is currently joined to.
func (h *Hub) Joined(connID string) []string {
	m, err := h.member(connID)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.joined))
	for chatID := range m.joined {
		out = append(out, chatID)
	}
	return out
}

// joinedRoom returns the room if the member is joined to the chat. Caller
// must re-check with room.has once it holds room.order.
func (h *Hub) joinedRoom(m *member, chatID string) (*room, error) {
	if !m.isJoined(chatID) {
		return nil, fmt.Errorf("%w: %s", chat.ErrNotJoined, chatID)
	}
	r := h.room(chatID)
	if r == nil {
		return nil, fmt.Errorf("%w: %s", chat.ErrNotJoined, chatID)
	}
	return r, nil
}

// lockJoined resolves the connection and locks the chat's room for a
// membership-gated operation. The returned unlock must be called.
func (h *Hub) lockJoined(connID, chatID string) (*member, *room, func(), error) {
	m, err := h.member(connID)
	if err != nil {
		return nil, nil, nil, err
	}
	r, err := h.joinedRoom(m, chatID)
	if err != nil {
		return nil, nil, nil, err
	}
	r.order.Lock()
	if !r.has(connID) {
		r.order.Unlock()
		return nil, nil, nil, fmt.Errorf("%w: %s", chat.ErrNotJoined, chatID)
	}
	return m, r, r.order.Unlock, nil
}

// lockRoom locks the live room of a chat, if any. The returned unlock must be
// called; it is a no-op when there is no room.
func (h *Hub) lockRoom(chatID string) (*room, func()) {
	for {
		r := h.room(chatID)
		if r == nil {
			return nil, func() {}
		}
		r.order.Lock()
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			return r, r.order.Unlock
		}
		r.order.Unlock()
	}
}

func (h *Hub) room(chatID string) *room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	return h.rooms[chatID]
}

func (h *Hub) roomFor(chatID string, p chat.Participants) *room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	r, ok := h.rooms[chatID]
	if !ok {
		r = newRoom(chatID, p)
		h.rooms[chatID] = r
		metrics.ActiveRooms.Inc()
	}
	return r
}

// collectRoom removes a room whose joined set is empty. A join racing with
// collection sees the closed flag and creates a fresh room.
func (h *Hub) collectRoom(r *room) {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.joined) > 0 {
		return
	}
	r.closed = true
	if h.rooms[r.id] == r {
		delete(h.rooms, r.id)
		metrics.ActiveRooms.Dec()
	}
}

func (h *Hub) snapshotRooms() []*room {
	h.roomsMu.Lock()
	defer h.roomsMu.Unlock()
	out := make([]*room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	return out
}

func (h *Hub) lookupParticipants(ctx context.Context, chatID string) (chat.Participants, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.LookupTimeout)
	defer cancel()

	p, err := h.participants.ChatParticipants(ctx, chatID)
	if err == nil {
		return p, nil
	}
	// An unknown chat looks the same as someone else's chat.
	if errors.Is(err, chat.ErrChatNotFound) {
		return chat.Participants{}, fmt.Errorf("%w: %s", chat.ErrForbidden, chatID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return chat.Participants{}, fmt.Errorf("participants lookup timed out after %s: %w", h.cfg.LookupTimeout.Round(time.Millisecond), err)
	}
	return chat.Participants{}, fmt.Errorf("participants lookup: %w", err)
}
