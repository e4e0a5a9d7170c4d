package hub

import (
	"fmt"
	"sort"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/metrics"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

// Register adds a connection. If it is the identity's first live connection,
// user:online goes to every peer joined to a chat shared with the identity.
// Registering a handle that is already registered is a protocol error.
func (h *Hub) Register(c Conn) error {
	m := newMember(c)

	h.mu.Lock()
	if _, dup := h.members[c.ID()]; dup {
		h.mu.Unlock()
		return fmt.Errorf("%w: connection %s already registered", chat.ErrProtocol, c.ID())
	}
	h.members[c.ID()] = m

	conns, ok := h.identities[m.id]
	if !ok {
		conns = make(map[string]*member)
		h.identities[m.id] = conns
	}
	conns[c.ID()] = m
	metrics.ConnectionsTotal.Inc()

	if len(conns) == 1 {
		metrics.OnlineIdentities.Inc()
		metrics.PresenceTransitions.WithLabelValues("online").Inc()
		h.queuePresenceLocked(m.id, protocol.UserOnline{UserID: m.id.UserID})
	}
	h.mu.Unlock()
	h.flushPresence()

	h.logger.Debug("connection registered", "conn_id", c.ID(), "user_id", m.id.UserID, "provider", m.id.IsProvider)
	return nil
}

// Unregister removes a connection, leaves every chat it joined and cancels
// its typing timers. user:offline fires exactly once when the identity's last
// connection goes. Unregistering an unknown handle is a no-op.
func (h *Hub) Unregister(connID string) {
	h.mu.Lock()
	m, ok := h.members[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.members, connID)
	metrics.ConnectionsTotal.Dec()

	m.mu.Lock()
	m.closed = true
	joined := make([]string, 0, len(m.joined))
	for chatID := range m.joined {
		joined = append(joined, chatID)
	}
	m.mu.Unlock()

	if conns := h.identities[m.id]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.identities, m.id)
			metrics.OnlineIdentities.Dec()
			metrics.PresenceTransitions.WithLabelValues("offline").Inc()
			h.queuePresenceLocked(m.id, protocol.UserOffline{UserID: m.id.UserID})
		}
	}
	h.mu.Unlock()
	h.flushPresence()

	for _, chatID := range joined {
		h.leave(m, chatID)
	}

	h.logger.Debug("connection unregistered", "conn_id", connID, "user_id", m.id.UserID, "chats_left", len(joined))
}

// IsOnline reports whether the identity has at least one live connection.
func (h *Hub) IsOnline(id chat.Identity) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.identities[id]) > 0
}

// ConnectionsFor returns the identity's live connections, ordered by handle.
func (h *Hub) ConnectionsFor(id chat.Identity) []Conn {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.identities[id]))
	for _, m := range h.identities[id] {
		conns = append(conns, m.conn)
	}
	h.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// presenceNotice is one presence transition waiting to be written.
type presenceNotice struct {
	frame   []byte
	event   string
	targets []*member
}

// queuePresenceLocked resolves the connections that should hear about id's
// transition: every connection joined to a chat the identity participates
// in, once per connection, skipping the identity's own. Caller holds h.mu so
// transitions are queued in registry order; flushPresence writes them.
func (h *Hub) queuePresenceLocked(id chat.Identity, ev protocol.ServerEvent) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		h.logger.Error("encode failed", "event", ev.EventName(), "error", err)
		return
	}

	seen := make(map[string]struct{})
	var targets []*member
	for _, r := range h.snapshotRooms() {
		if !r.participants.Includes(id) {
			continue
		}
		r.mu.Lock()
		for connID, m := range r.joined {
			if m.id == id {
				continue
			}
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}
			targets = append(targets, m)
		}
		r.mu.Unlock()
	}
	if len(targets) == 0 {
		return
	}

	h.presenceMu.Lock()
	h.presenceQueue = append(h.presenceQueue, presenceNotice{frame: frame, event: ev.EventName(), targets: targets})
	h.presenceMu.Unlock()
}

// flushPresence writes queued presence transitions in order. Only one caller
// drains at a time; the others return at once and leave their notices to it.
func (h *Hub) flushPresence() {
	h.presenceMu.Lock()
	if h.presenceDraining {
		h.presenceMu.Unlock()
		return
	}
	h.presenceDraining = true
	for len(h.presenceQueue) > 0 {
		n := h.presenceQueue[0]
		h.presenceQueue[0] = presenceNotice{}
		h.presenceQueue = h.presenceQueue[1:]
		h.presenceMu.Unlock()

		for _, m := range n.targets {
			h.deliverFrame(m, n.frame, n.event)
		}

		h.presenceMu.Lock()
	}
	h.presenceQueue = nil
	h.presenceDraining = false
	h.presenceMu.Unlock()
}
