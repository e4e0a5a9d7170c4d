// Package protocol defines the WebSocket frames exchanged between chat clients
// and the server. Every frame is a JSON object {"event": <name>, "data": <payload>}.
// Each direction is a closed set of variants: ClientEvent for client -> server
// and ServerEvent for server -> client.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tasklink/chat-realtime/internal/chat"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Client -> Server events.
const (
	EventChatJoin     = "chat:join"
	EventChatLeave    = "chat:leave"
	EventMessageSend  = "message:send"
	EventTypingStart  = "typing:start"
	EventTypingStop   = "typing:stop"
	EventMessagesRead = "messages:read" // same name in both directions
	EventPing         = "ping"
)

// Server -> Client events.
const (
	EventConnectionSuccess = "connection:success"
	EventChatJoined        = "chat:joined"
	EventMessageReceived   = "message:received"
	EventMessageSent       = "message:sent"
	EventTypingStarted     = "typing:started"
	EventTypingStopped     = "typing:stopped"
	EventUserOnline        = "user:online"
	EventUserOffline       = "user:offline"
	EventError             = "error"
	EventPong              = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the outer frame. Data is decoded later into the concrete
// variant selected by Event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server variants
// ---------------------------------------------------------------------------

// ClientEvent is implemented only by the client -> server variants below.
type ClientEvent interface {
	clientEvent()
	EventName() string
}

// JoinChat asks to subscribe the connection to a chat's live events.
type JoinChat struct {
	ChatID string `json:"chatId"`
}

// LeaveChat drops the connection's subscription to a chat.
type LeaveChat struct {
	ChatID string `json:"chatId"`
}

// SendMessage sends content to a joined chat. TempID is the client's
// correlation token for its optimistic copy.
type SendMessage struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
	TempID  string `json:"tempId"`
}

// StartTyping signals the user is typing in a chat.
type StartTyping struct {
	ChatID string `json:"chatId"`
}

// StopTyping signals the user stopped typing.
type StopTyping struct {
	ChatID string `json:"chatId"`
}

// MarkRead marks every message of a chat as read for the caller's role.
type MarkRead struct {
	ChatID string `json:"chatId"`
}

// Ping is an application-level keepalive.
type Ping struct{}

func (JoinChat) clientEvent()    {}
func (LeaveChat) clientEvent()   {}
func (SendMessage) clientEvent() {}
func (StartTyping) clientEvent() {}
func (StopTyping) clientEvent()  {}
func (MarkRead) clientEvent()    {}
func (Ping) clientEvent()        {}

func (JoinChat) EventName() string    { return EventChatJoin }
func (LeaveChat) EventName() string   { return EventChatLeave }
func (SendMessage) EventName() string { return EventMessageSend }
func (StartTyping) EventName() string { return EventTypingStart }
func (StopTyping) EventName() string  { return EventTypingStop }
func (MarkRead) EventName() string    { return EventMessagesRead }
func (Ping) EventName() string        { return EventPing }

// ---------------------------------------------------------------------------
// Server -> Client variants
// ---------------------------------------------------------------------------

// ServerEvent is implemented only by the server -> client variants below.
type ServerEvent interface {
	serverEvent()
	EventName() string
}

// ConnectionSuccess is sent once after a successful handshake.
type ConnectionSuccess struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	IsProvider   bool   `json:"isProvider"`
}

// ChatJoined acknowledges a join and reports whether the peer is online.
type ChatJoined struct {
	ChatID       string            `json:"chatId"`
	Participants chat.Participants `json:"participants"`
	PeerOnline   bool              `json:"peerOnline"`
}

// MessageReceived carries a persisted message to the other joined connections.
type MessageReceived struct {
	chat.Message
}

// MessageSent acknowledges a send to the sending connection only.
type MessageSent struct {
	chat.Message
	TempID string `json:"tempId"`
}

// TypingStarted reports a rising typing edge.
type TypingStarted struct {
	ChatID     string `json:"chatId"`
	UserID     string `json:"userId"`
	IsProvider bool   `json:"isProvider"`
}

// TypingStopped reports that typing ended (explicitly, by expiry or by send).
type TypingStopped struct {
	ChatID     string `json:"chatId"`
	UserID     string `json:"userId"`
	IsProvider bool   `json:"isProvider"`
}

// MessagesRead tells peers that the given role has read the chat.
type MessagesRead struct {
	ChatID     string `json:"chatId"`
	IsProvider bool   `json:"isProvider"`
}

// UserOnline reports an offline -> online presence transition.
type UserOnline struct {
	UserID string `json:"userId"`
}

// UserOffline reports an online -> offline presence transition.
type UserOffline struct {
	UserID string `json:"userId"`
}

// ErrorMsg reports a per-request failure to the originating connection.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
	TempID  string `json:"tempId,omitempty"`
}

// Pong answers Ping.
type Pong struct{}

func (ConnectionSuccess) serverEvent() {}
func (ChatJoined) serverEvent()        {}
func (MessageReceived) serverEvent()   {}
func (MessageSent) serverEvent()       {}
func (TypingStarted) serverEvent()     {}
func (TypingStopped) serverEvent()     {}
func (MessagesRead) serverEvent()      {}
func (UserOnline) serverEvent()        {}
func (UserOffline) serverEvent()       {}
func (ErrorMsg) serverEvent()          {}
func (Pong) serverEvent()              {}

func (ConnectionSuccess) EventName() string { return EventConnectionSuccess }
func (ChatJoined) EventName() string        { return EventChatJoined }
func (MessageReceived) EventName() string   { return EventMessageReceived }
func (MessageSent) EventName() string       { return EventMessageSent }
func (TypingStarted) EventName() string     { return EventTypingStarted }
func (TypingStopped) EventName() string     { return EventTypingStopped }
func (MessagesRead) EventName() string      { return EventMessagesRead }
func (UserOnline) EventName() string        { return EventUserOnline }
func (UserOffline) EventName() string       { return EventUserOffline }
func (ErrorMsg) EventName() string          { return EventError }
func (Pong) EventName() string              { return EventPong }

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

// ParseClientEvent decodes a raw frame into a ClientEvent. Malformed frames,
// unknown events and missing required fields wrap chat.ErrProtocol.
func ParseClientEvent(data []byte) (ClientEvent, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	var ev ClientEvent
	switch env.Event {
	case EventChatJoin:
		var m JoinChat
		err = decodeData(env, &m)
		ev = m
	case EventChatLeave:
		var m LeaveChat
		err = decodeData(env, &m)
		ev = m
	case EventMessageSend:
		var m SendMessage
		err = decodeData(env, &m)
		ev = m
	case EventTypingStart:
		var m StartTyping
		err = decodeData(env, &m)
		ev = m
	case EventTypingStop:
		var m StopTyping
		err = decodeData(env, &m)
		ev = m
	case EventMessagesRead:
		var m MarkRead
		err = decodeData(env, &m)
		ev = m
	case EventPing:
		ev = Ping{}
	default:
		return nil, fmt.Errorf("%w: unknown client event %q", chat.ErrProtocol, env.Event)
	}
	if err != nil {
		return nil, err
	}
	if err := validateClientEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseServerEvent decodes a raw frame into a ServerEvent. Used by clients.
func ParseServerEvent(data []byte) (ServerEvent, error) {
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	var ev ServerEvent
	switch env.Event {
	case EventConnectionSuccess:
		var m ConnectionSuccess
		err = decodeData(env, &m)
		ev = m
	case EventChatJoined:
		var m ChatJoined
		err = decodeData(env, &m)
		ev = m
	case EventMessageReceived:
		var m MessageReceived
		err = decodeData(env, &m)
		ev = m
	case EventMessageSent:
		var m MessageSent
		err = decodeData(env, &m)
		ev = m
	case EventTypingStarted:
		var m TypingStarted
		err = decodeData(env, &m)
		ev = m
	case EventTypingStopped:
		var m TypingStopped
		err = decodeData(env, &m)
		ev = m
	case EventMessagesRead:
		var m MessagesRead
		err = decodeData(env, &m)
		ev = m
	case EventUserOnline:
		var m UserOnline
		err = decodeData(env, &m)
		ev = m
	case EventUserOffline:
		var m UserOffline
		err = decodeData(env, &m)
		ev = m
	case EventError:
		var m ErrorMsg
		err = decodeData(env, &m)
		ev = m
	case EventPong:
		ev = Pong{}
	default:
		return nil, fmt.Errorf("%w: unknown server event %q", chat.ErrProtocol, env.Event)
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Encode serializes an event of either direction into a frame.
func Encode(ev interface{ EventName() string }) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", ev.EventName(), err)
	}
	out, err := json.Marshal(Envelope{Event: ev.EventName(), Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	return out, nil
}

// NewError builds the error event for err, tagging it with the chat and
// correlation token it relates to.
func NewError(err error, chatID, tempID string) ErrorMsg {
	return ErrorMsg{
		Code:    chat.Code(err),
		Message: err.Error(),
		ChatID:  chatID,
		TempID:  tempID,
	}
}

func parseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed frame: %v", chat.ErrProtocol, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing or empty \"event\" field", chat.ErrProtocol)
	}
	return env, nil
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s requires a data payload", chat.ErrProtocol, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %v", chat.ErrProtocol, env.Event, err)
	}
	return nil
}

func validateClientEvent(ev ClientEvent) error {
	var chatID string
	switch m := ev.(type) {
	case JoinChat:
		chatID = m.ChatID
	case LeaveChat:
		chatID = m.ChatID
	case SendMessage:
		chatID = m.ChatID
	case StartTyping:
		chatID = m.ChatID
	case StopTyping:
		chatID = m.ChatID
	case MarkRead:
		chatID = m.ChatID
	case Ping:
		return nil
	}
	if strings.TrimSpace(chatID) == "" {
		return fmt.Errorf("%w: %s requires chatId", chat.ErrProtocol, ev.EventName())
	}
	return nil
}
