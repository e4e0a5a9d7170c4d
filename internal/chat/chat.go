// Package chat holds the domain model shared by the real-time hub, the storage
// layer and the HTTP surface: identities, chats, messages and the error
// taxonomy reported back to clients.
package chat

import "time"

// Role is the side of a conversation an identity acts on.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// Identity is an authenticated principal. It is supplied by the auth boundary
// and never created or destroyed by the chat subsystem.
type Identity struct {
	UserID     string `json:"userId"`
	IsProvider bool   `json:"isProvider"`
}

// Role returns the side of a chat this identity speaks for.
func (id Identity) Role() Role {
	if id.IsProvider {
		return RoleProvider
	}
	return RoleCustomer
}

// Participants are the two parties of a chat.
type Participants struct {
	UserID     string `json:"userId"`
	ProviderID string `json:"providerId"`
}

// Includes reports whether the identity is one of the two participants, on
// the side matching its role.
func (p Participants) Includes(id Identity) bool {
	if id.UserID == "" {
		return false
	}
	if id.IsProvider {
		return id.UserID == p.ProviderID
	}
	return id.UserID == p.UserID
}

// Peer returns the user id of the other participant.
func (p Participants) Peer(id Identity) string {
	if id.IsProvider {
		return p.UserID
	}
	return p.ProviderID
}

// Chat is a durable conversation between one customer and one provider.
type Chat struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	ProviderID string    `json:"providerId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Participants returns the chat's two parties.
func (c Chat) Participants() Participants {
	return Participants{UserID: c.UserID, ProviderID: c.ProviderID}
}

// Message is a persisted chat message.
type Message struct {
	ID             string    `json:"id"`
	ChatID         string    `json:"chatId"`
	SenderID       string    `json:"senderId"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	ReadByUser     bool      `json:"read_by_user"`
	ReadByProvider bool      `json:"read_by_provider"`
}

// ChatSummary is a chat row for list views: the chat plus its last message
// and the caller's unread count.
type ChatSummary struct {
	Chat
	LastMessage *Message `json:"lastMessage,omitempty"`
	Unread      int      `json:"unread"`
}
