package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ConversationType string

const (
	ConversationDirect    ConversationType = "direct"
	ConversationGroup     ConversationType = "group"
	ConversationCommunity ConversationType = "community"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationCommunity:
		return true
	}
	return false
}

// ContextType tags a conversation with the external entity it belongs to.
type ContextType string

const (
	ContextEvent    ContextType = "event"
	ContextBusiness ContextType = "business"
	ContextListing  ContextType = "listing"
	ContextGeneral  ContextType = "general"
)

func (t ContextType) Valid() bool {
	switch t {
	case ContextEvent, ContextBusiness, ContextListing, ContextGeneral:
		return true
	}
	return false
}

type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// ParticipantStatus is the soft-leave tag. A left participant keeps its row.
type ParticipantStatus string

const (
	ParticipantActive ParticipantStatus = "active"
	ParticipantLeft   ParticipantStatus = "left"
)

type Conversation struct {
	ID            uuid.UUID        `json:"id" db:"id"`
	Type          ConversationType `json:"type" db:"type"`
	Title         *string          `json:"title,omitempty" db:"title"`
	Description   *string          `json:"description,omitempty" db:"description"`
	AvatarURL     *string          `json:"avatar_url,omitempty" db:"avatar_url"`
	ContextType   *ContextType     `json:"context_type,omitempty" db:"context_type"`
	ContextID     *string          `json:"context_id,omitempty" db:"context_id"`
	Archived      bool             `json:"archived" db:"archived"`
	CreatedBy     string           `json:"created_by" db:"created_by"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty" db:"last_message_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`

	// Membership is the caller's own participant row.
	Membership   *Participant  `json:"membership,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
}

type Participant struct {
	ConversationID    uuid.UUID         `json:"conversation_id" db:"conversation_id"`
	UserID            string            `json:"user_id" db:"user_id"`
	Role              ParticipantRole   `json:"role" db:"role"`
	Status            ParticipantStatus `json:"status" db:"status"`
	Muted             bool              `json:"muted" db:"muted"`
	Pinned            bool              `json:"pinned" db:"pinned"`
	UnreadCount       int               `json:"unread_count" db:"unread_count"`
	LastReadMessageID *uuid.UUID        `json:"last_read_message_id,omitempty" db:"last_read_message_id"`
	LastReadAt        *time.Time        `json:"last_read_at,omitempty" db:"last_read_at"`
	JoinedAt          time.Time         `json:"joined_at" db:"joined_at"`
	LeftAt            *time.Time        `json:"left_at,omitempty" db:"left_at"`
}

func (p Participant) Active() bool {
	return p.Status == ParticipantActive
}

type CreateConversationInput struct {
	Type           ConversationType
	ParticipantIDs []string
	Title          *string
	Description    *string
	AvatarURL      *string
	ContextType    *ContextType
	ContextID      *string
}

type ConversationFilter struct {
	Type        *ConversationType
	ContextType *ContextType
	Archived    *bool
	Search      string
	Page        int
	Limit       int
}

// DirectKey identifies the unordered user pair of a direct conversation.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}
