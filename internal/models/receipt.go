package models

import (
	"time"

	"github.com/google/uuid"
)

type ReceiptStatus string

const (
	ReceiptSent      ReceiptStatus = "sent"
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
)

func (s ReceiptStatus) rank() int {
	switch s {
	case ReceiptSent:
		return 1
	case ReceiptDelivered:
		return 2
	case ReceiptRead:
		return 3
	}
	return 0
}

// Advances reports whether moving from s to next is a forward transition.
// Receipts never regress; a backward or repeated transition is a no-op.
func (s ReceiptStatus) Advances(next ReceiptStatus) bool {
	return next.rank() > s.rank()
}

// Preceding lists the statuses a receipt may hold for next to be applied.
func (s ReceiptStatus) Preceding() []string {
	var out []string
	for _, st := range []ReceiptStatus{ReceiptSent, ReceiptDelivered, ReceiptRead} {
		if st.rank() < s.rank() {
			out = append(out, string(st))
		}
	}
	return out
}

type Receipt struct {
	MessageID   uuid.UUID     `json:"message_id" db:"message_id"`
	UserID      string        `json:"user_id" db:"user_id"`
	Status      ReceiptStatus `json:"status" db:"status"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt      *time.Time    `json:"read_at,omitempty" db:"read_at"`
}

// ReadResult describes what a markRead changed.
type ReadResult struct {
	ConversationID    uuid.UUID   `json:"conversation_id"`
	UserID            string      `json:"user_id"`
	MessageIDs        []uuid.UUID `json:"message_ids"`
	SenderIDs         []string    `json:"sender_ids"`
	LastReadMessageID *uuid.UUID  `json:"last_read_message_id,omitempty"`
	ReadAt            time.Time   `json:"read_at"`
}
