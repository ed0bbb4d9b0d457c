package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageLocation MessageType = "location"
	MessageFile     MessageType = "file"
	MessageSystem   MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageAudio, MessageLocation, MessageFile, MessageSystem:
		return true
	}
	return false
}

// DeletedMessagePlaceholder replaces the content of a tombstoned message.
const DeletedMessagePlaceholder = "This message was deleted"

type Message struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	ConversationID  uuid.UUID       `json:"conversation_id" db:"conversation_id"`
	Seq             int64           `json:"seq" db:"seq"`
	SenderID        string          `json:"sender_id" db:"sender_id"`
	ClientMessageID *string         `json:"client_message_id,omitempty" db:"client_message_id"`
	Type            MessageType     `json:"type" db:"type"`
	Content         string          `json:"content" db:"content"`
	Metadata        MessageMetadata `json:"metadata,omitempty" db:"metadata"`
	ReplyToID       *uuid.UUID      `json:"reply_to_id,omitempty" db:"reply_to_id"`
	IsEdited        bool            `json:"is_edited" db:"is_edited"`
	EditedAt        *time.Time      `json:"edited_at,omitempty" db:"edited_at"`
	IsDeleted       bool            `json:"is_deleted" db:"is_deleted"`
	DeletedAt       *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

type SendMessageInput struct {
	ConversationID  uuid.UUID
	Type            MessageType
	Content         string
	ReplyToID       *uuid.UUID
	Metadata        MessageMetadata
	ClientMessageID *string
}

// SendResult is what a committed send produced. Recipients holds every
// participant that was active at send time, with counters as of the commit.
type SendResult struct {
	Message    Message       `json:"message"`
	Recipients []Participant `json:"-"`
	Duplicate  bool          `json:"duplicate"`
}

type MessagePage struct {
	Messages   []Message  `json:"messages"`
	HasMore    bool       `json:"has_more"`
	NextBefore *uuid.UUID `json:"next_before,omitempty"`
}

// Notification is handed to the notification bridge for a participant that
// had no live connection when a message was sent.
type Notification struct {
	UserID         string    `json:"user_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	SenderID       string    `json:"sender_id"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	md, err := DecodeMetadata(m.Type, aux.Metadata)
	if err != nil {
		return err
	}
	m.Metadata = md
	return nil
}
