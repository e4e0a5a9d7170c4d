package chat

import "errors"

// Error taxonomy. Handlers wrap these with context; Code maps them back to the
// wire code sent to the originating connection.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("not a participant of this chat")
	ErrNotJoined      = errors.New("chat not joined")
	ErrInvalidContent = errors.New("invalid message content")
	ErrPersistence    = errors.New("message could not be stored")
	ErrProtocol       = errors.New("protocol error")
	ErrChatNotFound   = errors.New("chat not found")
)

// Wire error codes.
const (
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotJoined          = "not_joined"
	CodeInvalidContent     = "invalid_content"
	CodePersistenceFailure = "persistence_failure"
	CodeProtocolError      = "protocol_error"
	CodeNotFound           = "not_found"
	CodeInternal           = "internal"
)

// Code returns the wire code for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotJoined):
		return CodeNotJoined
	case errors.Is(err, ErrInvalidContent):
		return CodeInvalidContent
	case errors.Is(err, ErrPersistence):
		return CodePersistenceFailure
	case errors.Is(err, ErrProtocol):
		return CodeProtocolError
	case errors.Is(err, ErrChatNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
