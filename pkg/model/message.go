package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const MessageMaxBodyLength = 4000

// MessageTypeText is the only message type the relay produces.
const MessageTypeText = "text"

var ErrMessageBodyTooLong = fmt.Errorf("message body exceeds %d characters", MessageMaxBodyLength)
var ErrMessageBodyEmpty = errors.New("message body cannot be empty")

// MessageAuthor is the author block attached to a room history entry.
type MessageAuthor struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// RoomMessage is one persisted room message as returned by the directory.
// Timestamps are passed through as the directory formatted them.
type RoomMessage struct {
	ID          int64         `json:"id"`
	Content     string        `json:"content"`
	CreatedAt   string        `json:"created_at"`
	EditedAt    *string       `json:"edited_at"`
	MessageType string        `json:"message_type"`
	User        MessageAuthor `json:"user"`
}

// ValidateMessageBody rejects blank bodies and bodies over MessageMaxBodyLength runes.
func ValidateMessageBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(body) > MessageMaxBodyLength {
		return ErrMessageBodyTooLong
	}

	return nil
}
