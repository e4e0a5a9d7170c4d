package chat

import "encoding/json"

// RelayEvent is the payload published on chat.<chat_id> subjects so that
// every server instance can deliver a chat-scoped broadcast to the
// connections it holds locally.
type RelayEvent struct {
	Origin  string          `json:"origin"`            // server instance that produced the event
	ChatID  string          `json:"chat_id"`
	Exclude string          `json:"exclude,omitempty"` // connection id that must not receive it
	Frame   json.RawMessage `json:"frame"`             // encoded server frame
}
