package models

import (
	"time"

	"github.com/google/uuid"
)

type TypingIndicator struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	ExpiresAt      time.Time `json:"expires_at"`
}
