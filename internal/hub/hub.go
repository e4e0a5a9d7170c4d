// Package hub is the in-memory core of the real-time chat subsystem. It owns
// the connection registry, per-chat membership, the message pipeline, typing
// indicators and read receipts.
//
// Lock order, outermost first: Hub.mu (registry), Hub.roomsMu, room.order,
// room.mu, member.mu, Hub.presenceMu. room.order serializes every membership
// change and fan-out decision of one chat; room.mu guards the joined set and
// typing entries so presence fan-out can read them without waiting on
// persistence. No socket write happens under Hub.mu or member.mu.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

var (
	// ErrUnknownConnection is returned for operations on a connection handle
	// that is not (or no longer) registered.
	ErrUnknownConnection = errors.New("connection not registered")
)

// Conn is one live transport session as seen by the hub.
type Conn interface {
	ID() string
	Identity() chat.Identity
	Send(frame []byte) error
}

// Store is the durable storage the hub writes through.
type Store interface {
	PersistMessage(ctx context.Context, chatID string, sender chat.Identity, content string) (chat.Message, error)
	MarkChatRead(ctx context.Context, chatID string, role chat.Role) (int64, error)
}

// Relay carries chat-scoped broadcasts to other server instances.
type Relay interface {
	Publish(ev chat.RelayEvent) error
}

// Config tunes the hub.
type Config struct {
	InstanceID     string        // identifies this instance on the relay
	TypingWindow   time.Duration // typing indicator expiry
	PersistTimeout time.Duration // bound on PersistMessage and MarkChatRead
	LookupTimeout  time.Duration // bound on participant lookups
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingWindow:   3 * time.Second,
		PersistTimeout: 5 * time.Second,
		LookupTimeout:  3 * time.Second,
	}
}

// Hub tracks connections, chat rooms and their ephemeral state.
type Hub struct {
	cfg          Config
	store        Store
	participants chat.ParticipantSource
	relay        Relay
	logger       *slog.Logger

	mu         sync.Mutex
	members    map[string]*member                    // conn id -> member
	identities map[chat.Identity]map[string]*member // identity -> live connections

	roomsMu sync.Mutex
	rooms   map[string]*room // chat id -> room with joined connections

	// Presence transitions are queued under mu and written by whichever
	// caller finds the queue idle, so they leave in registry order.
	presenceMu       sync.Mutex
	presenceQueue    []presenceNotice
	presenceDraining bool
}

// New creates a Hub. relay may be nil for a single-instance deployment.
func New(cfg Config, store Store, participants chat.ParticipantSource, relay Relay, logger *slog.Logger) *Hub {
	def := DefaultConfig()
	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = def.TypingWindow
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	return &Hub{
		cfg:          cfg,
		store:        store,
		participants: participants,
		relay:        relay,
		logger:       logger.With("component", "hub"),
		members:      make(map[string]*member),
		identities:   make(map[chat.Identity]map[string]*member),
		rooms:        make(map[string]*room),
	}
}

// Stats is a point-in-time snapshot used by health and metrics endpoints.
type Stats struct {
	Connections int `json:"connections"`
	Online      int `json:"online"`
	Rooms       int `json:"rooms"`
}

// Stats returns current counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	st := Stats{Connections: len(h.members), Online: len(h.identities)}
	h.mu.Unlock()

	h.roomsMu.Lock()
	st.Rooms = len(h.rooms)
	h.roomsMu.Unlock()
	return st
}

// member is the hub's record of a registered connection.
type member struct {
	conn Conn
	id   chat.Identity

	mu     sync.Mutex
	closed bool
	joined map[string]struct{}
}

func newMember(c Conn) *member {
	return &member{
		conn:   c,
		id:     c.Identity(),
		joined: make(map[string]struct{}),
	}
}

// deliver writes a frame unless the member has been unregistered. The write
// itself happens outside mu so a stalled socket never holds up Unregister.
func (m *member) deliver(frame []byte) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrUnknownConnection
	}
	return m.conn.Send(frame)
}

func (m *member) isJoined(chatID string) bool {
	m.mu.Lock()
	_, ok := m.joined[chatID]
	m.mu.Unlock()
	return ok
}

func (h *Hub) member(connID string) (*member, error) {
	h.mu.Lock()
	m, ok := h.members[connID]
	h.mu.Unlock()
	if !ok {
		return nil, ErrUnknownConnection
	}
	return m, nil
}

// sendTo encodes ev and delivers it to one member. Write failures are logged;
// the transport layer notices dead sockets on its own.
func (h *Hub) sendTo(m *member, ev protocol.ServerEvent) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		h.logger.Error("encode failed", "event", ev.EventName(), "error", err)
		return
	}
	h.deliverFrame(m, frame, ev.EventName())
}

func (h *Hub) deliverFrame(m *member, frame []byte, event string) {
	if err := m.deliver(frame); err != nil && !errors.Is(err, ErrUnknownConnection) {
		h.logger.Warn("deliver failed", "conn_id", m.conn.ID(), "event", event, "error", err)
	}
}

// Reply sends an event to a single registered connection. Used by the
// transport for acknowledgments and per-request errors.
func (h *Hub) Reply(connID string, ev protocol.ServerEvent) error {
	m, err := h.member(connID)
	if err != nil {
		return err
	}
	h.sendTo(m, ev)
	return nil
}
