package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096
	MaxTextChars    = 2000
)

// ValidateContent checks that message content is sendable. Every failure wraps
// ErrInvalidContent.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidContent)
	}
	if len(content) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d byte limit", ErrInvalidContent, MaxMessageBytes)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("%w: message contains invalid UTF-8", ErrInvalidContent)
	}
	if utf8.RuneCountInString(content) > MaxTextChars {
		return fmt.Errorf("%w: message exceeds %d character limit", ErrInvalidContent, MaxTextChars)
	}
	return nil
}
