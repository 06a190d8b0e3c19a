package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is an entry in a conversation's log. Only Status changes after creation.
type Message struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	ConversationID uuid.UUID     `json:"conversation_id" db:"conversation_id"`
	Seq            int64         `json:"seq" db:"seq"`
	SenderID       string        `json:"sender_id" db:"sender_id"`
	SenderName     string        `json:"sender_name" db:"sender_name"`
	SenderType     Role          `json:"sender_type" db:"sender_type"`
	MessageType    MessageType   `json:"message_type" db:"message_type"`
	Content        string        `json:"content" db:"content"`
	AttachmentURL  *string       `json:"attachment_url,omitempty" db:"attachment_url"`
	Status         MessageStatus `json:"status" db:"status"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// Preview is the text stored as a conversation's last_message.
func (m *Message) Preview() string {
	const max = 200
	text := m.Content
	if text == "" {
		switch m.MessageType {
		case MessageImage:
			text = "[image]"
		case MessageFile:
			text = "[file]"
		}
	}
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max])
	}
	return text
}
