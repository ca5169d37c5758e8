package domain

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

const (
	MaxChatLen         = 2000
	MaxWhiteboardOpLen = 16 << 10
)

// NormalizeChatText trims the message and bounds its length.
func NormalizeChatText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", NewInvalidField("chat message is empty")
	}
	if utf8.RuneCountInString(text) > MaxChatLen {
		return "", NewInvalidField("chat message too long")
	}
	return text, nil
}

// ValidateWhiteboardOp accepts any JSON value up to the size bound. The op
// itself is opaque to the server.
func ValidateWhiteboardOp(op json.RawMessage) error {
	if len(op) == 0 {
		return NewInvalidField("whiteboard op is empty")
	}
	if len(op) > MaxWhiteboardOpLen {
		return NewInvalidField("whiteboard op too large")
	}
	if !json.Valid(op) {
		return NewInvalidField("whiteboard op is not valid json")
	}
	return nil
}
