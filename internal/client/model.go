package client

import (
	"time"

	"github.com/tasklink/chat-realtime/internal/chat"
	"github.com/tasklink/chat-realtime/internal/protocol"
)

// State is the connection lifecycle as seen by the consumer.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// Status is the delivery state of a message in the local list.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one message in the local list. Optimistic entries carry a TempID
// and no ID until the server acknowledges them.
type Entry struct {
	TempID         string
	ID             string
	ChatID         string
	SenderID       string
	Content        string
	Timestamp      time.Time
	Status         Status
	Mine           bool
	ReadByUser     bool
	ReadByProvider bool
}

// ReadByPeer reports whether the other party has read the entry.
func (e Entry) ReadByPeer(self chat.Identity) bool {
	if self.IsProvider {
		return e.ReadByUser
	}
	return e.ReadByProvider
}

// View is an immutable snapshot of the client state.
type View struct {
	State        State
	Self         chat.Identity
	ConnectionID string
	ChatID       string
	Participants chat.Participants
	Messages     []Entry
	PeerOnline   bool
	PeerTyping   bool
	LastError    *protocol.ErrorMsg
}

// Model is the client state machine. It performs no I/O: inputs are server
// events and user intents, outputs are the client events to send. It is not
// safe for concurrent use.
type Model struct {
	state        State
	self         chat.Identity
	connID       string
	chatID       string
	participants chat.Participants
	entries      []Entry
	peerOnline   bool
	peerTyping   bool
	lastErr      *protocol.ErrorMsg
}

// NewModel returns a disconnected model for the given identity.
func NewModel(self chat.Identity) *Model {
	return &Model{self: self}
}

// State returns the current lifecycle state.
func (m *Model) State() State { return m.state }

// ChatID returns the active chat, if any.
func (m *Model) ChatID() string { return m.chatID }

// Connecting records a dial attempt.
func (m *Model) Connecting() {
	m.state = StateConnecting
}

// Connected records a completed handshake and returns the join for the
// active chat, if there is one.
func (m *Model) Connected() []protocol.ClientEvent {
	m.state = StateConnected
	if m.chatID == "" {
		return nil
	}
	return []protocol.ClientEvent{protocol.JoinChat{ChatID: m.chatID}}
}

// Disconnected records a lost connection. The active chat is kept so it can
// be joined again after reconnecting.
func (m *Model) Disconnected() {
	m.state = StateDisconnected
	m.connID = ""
	m.peerTyping = false
	m.peerOnline = false
}

// OpenChat makes chatID the active chat. The local list is cleared except
// for still-pending optimistic entries when the same chat is reopened.
func (m *Model) OpenChat(chatID string) []protocol.ClientEvent {
	var out []protocol.ClientEvent
	if m.chatID != "" && m.chatID != chatID && m.online() {
		out = append(out, protocol.LeaveChat{ChatID: m.chatID})
	}

	if chatID == m.chatID {
		kept := m.entries[:0]
		for _, e := range m.entries {
			if e.Status == StatusSending && e.ID == "" {
				kept = append(kept, e)
			}
		}
		m.entries = kept
	} else {
		m.entries = nil
		m.participants = chat.Participants{}
	}
	m.chatID = chatID
	m.peerTyping = false
	m.peerOnline = false
	m.lastErr = nil

	if m.online() {
		m.state = StateConnected
		out = append(out, protocol.JoinChat{ChatID: chatID})
	}
	return out
}

// CloseChat leaves the active chat and clears the local list.
func (m *Model) CloseChat() []protocol.ClientEvent {
	if m.chatID == "" {
		return nil
	}
	var out []protocol.ClientEvent
	if m.online() {
		out = append(out, protocol.LeaveChat{ChatID: m.chatID})
		m.state = StateConnected
	}
	m.chatID = ""
	m.participants = chat.Participants{}
	m.entries = nil
	m.peerTyping = false
	m.peerOnline = false
	return out
}

// Send appends an optimistic entry and returns the frame that carries it.
// The entry stays sending until acknowledged or failed.
func (m *Model) Send(content, tempID string, now time.Time) (protocol.ClientEvent, error) {
	if m.chatID == "" {
		return nil, chat.ErrNotJoined
	}
	if err := chat.ValidateContent(content); err != nil {
		return nil, err
	}
	m.entries = append(m.entries, Entry{
		TempID:    tempID,
		ChatID:    m.chatID,
		SenderID:  m.self.UserID,
		Content:   content,
		Timestamp: now,
		Status:    StatusSending,
		Mine:      true,
	})
	return protocol.SendMessage{ChatID: m.chatID, Content: content, TempID: tempID}, nil
}

// LoadHistory merges persisted messages of the active chat, skipping any
// already present.
func (m *Model) LoadHistory(chatID string, msgs []chat.Message) {
	if chatID != m.chatID {
		return
	}
	var older []Entry
	for _, msg := range msgs {
		if m.indexByID(msg.ID) >= 0 {
			continue
		}
		older = append(older, m.entryFrom(msg, ""))
	}
	m.entries = append(older, m.entries...)
}

// Apply reduces one server event into the state.
func (m *Model) Apply(ev protocol.ServerEvent) {
	switch e := ev.(type) {
	case protocol.ConnectionSuccess:
		m.connID = e.ConnectionID
		m.self = chat.Identity{UserID: e.UserID, IsProvider: e.IsProvider}
		if m.state < StateConnected {
			m.state = StateConnected
		}
	case protocol.ChatJoined:
		if e.ChatID != m.chatID {
			return
		}
		m.state = StateJoined
		m.participants = e.Participants
		m.peerOnline = e.PeerOnline
	case protocol.MessageSent:
		m.ack(e)
	case protocol.MessageReceived:
		if e.ChatID != m.chatID || m.indexByID(e.ID) >= 0 {
			return
		}
		m.entries = append(m.entries, m.entryFrom(e.Message, ""))
		if e.SenderID == m.peerID() {
			m.peerTyping = false
		}
	case protocol.TypingStarted:
		if e.ChatID == m.chatID && m.isPeer(e.UserID, e.IsProvider) {
			m.peerTyping = true
		}
	case protocol.TypingStopped:
		if e.ChatID == m.chatID && m.isPeer(e.UserID, e.IsProvider) {
			m.peerTyping = false
		}
	case protocol.MessagesRead:
		if e.ChatID != m.chatID {
			return
		}
		for i := range m.entries {
			if e.IsProvider {
				m.entries[i].ReadByProvider = true
			} else {
				m.entries[i].ReadByUser = true
			}
		}
	case protocol.UserOnline:
		if e.UserID == m.peerID() {
			m.peerOnline = true
		}
	case protocol.UserOffline:
		if e.UserID == m.peerID() {
			m.peerOnline = false
			m.peerTyping = false
		}
	case protocol.ErrorMsg:
		m.fail(e)
	case protocol.Pong:
	}
}

// View returns a snapshot safe to hand to another goroutine.
func (m *Model) View() View {
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	v := View{
		State:        m.state,
		Self:         m.self,
		ConnectionID: m.connID,
		ChatID:       m.chatID,
		Participants: m.participants,
		Messages:     entries,
		PeerOnline:   m.peerOnline,
		PeerTyping:   m.peerTyping,
	}
	if m.lastErr != nil {
		e := *m.lastErr
		v.LastError = &e
	}
	return v
}

// ack replaces the optimistic entry in place. An ack for an id already in the
// list, for instance after history was reloaded, drops the optimistic copy.
func (m *Model) ack(e protocol.MessageSent) {
	if e.ChatID != m.chatID {
		return
	}
	ti := m.indexByTempID(e.TempID)
	if ii := m.indexByID(e.ID); ii >= 0 {
		if ti >= 0 && ti != ii {
			m.entries = append(m.entries[:ti], m.entries[ti+1:]...)
		}
		return
	}
	entry := m.entryFrom(e.Message, e.TempID)
	if ti < 0 {
		m.entries = append(m.entries, entry)
		return
	}
	m.entries[ti] = entry
}

func (m *Model) fail(e protocol.ErrorMsg) {
	if e.Code == chat.CodePersistenceFailure && e.TempID != "" {
		if i := m.indexByTempID(e.TempID); i >= 0 {
			m.entries[i].Status = StatusFailed
		}
	}
	err := e
	m.lastErr = &err
}

func (m *Model) entryFrom(msg chat.Message, tempID string) Entry {
	return Entry{
		TempID:         tempID,
		ID:             msg.ID,
		ChatID:         msg.ChatID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Timestamp:      msg.Timestamp,
		Status:         StatusSent,
		Mine:           msg.SenderID == m.self.UserID,
		ReadByUser:     msg.ReadByUser,
		ReadByProvider: msg.ReadByProvider,
	}
}

func (m *Model) indexByTempID(tempID string) int {
	if tempID == "" {
		return -1
	}
	for i, e := range m.entries {
		if e.TempID == tempID && e.ID == "" {
			return i
		}
	}
	return -1
}

func (m *Model) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i, e := range m.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (m *Model) peerID() string {
	if m.participants == (chat.Participants{}) {
		return ""
	}
	return m.participants.Peer(m.self)
}

func (m *Model) isPeer(userID string, isProvider bool) bool {
	return userID == m.peerID() && isProvider != m.self.IsProvider
}

func (m *Model) online() bool {
	return m.state == StateConnected || m.state == StateJoined
}
