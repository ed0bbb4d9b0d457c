package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"NeighborChat/server/internal/db"
	"NeighborChat/server/internal/models"
)

var conversationColumns = []string{
	"c.id", "c.type", "c.title", "c.description", "c.avatar_url",
	"c.context_type", "c.context_id", "c.archived", "c.created_by",
	"c.last_message_at", "c.created_at", "c.updated_at",
}

var participantColumns = []string{
	"p.conversation_id", "p.user_id", "p.role", "p.status", "p.muted", "p.pinned",
	"p.unread_count", "p.last_read_message_id", "p.last_read_at", "p.joined_at", "p.left_at",
}

func conversationFields(c *models.Conversation) []any {
	return []any{
		&c.ID, &c.Type, &c.Title, &c.Description, &c.AvatarURL,
		&c.ContextType, &c.ContextID, &c.Archived, &c.CreatedBy,
		&c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt,
	}
}

func participantFields(p *models.Participant) []any {
	return []any{
		&p.ConversationID, &p.UserID, &p.Role, &p.Status, &p.Muted, &p.Pinned,
		&p.UnreadCount, &p.LastReadMessageID, &p.LastReadAt, &p.JoinedAt, &p.LeftAt,
	}
}

func findConversation(ctx context.Context, d *db.DB, q db.Querier, where squirrel.Sqlizer) (*models.Conversation, error) {
	var conv models.Conversation
	err := d.Get(ctx, q, d.Builder().
		Select(conversationColumns...).
		From("conversations c").
		Where(where).
		OrderBy("c.created_at").
		Limit(1), conversationFields(&conv)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// activeParticipant loads userID's active row in the conversation. A missing
// conversation and a missing membership are reported as different errors.
func activeParticipant(ctx context.Context, d *db.DB, q db.Querier, conversationID uuid.UUID, userID string) (*models.Participant, error) {
	var p models.Participant
	err := d.Get(ctx, q, d.Builder().
		Select(participantColumns...).
		From("participants p").
		Where(squirrel.Eq{
			"p.conversation_id": conversationID,
			"p.user_id":         userID,
			"p.status":          string(models.ParticipantActive),
		}), participantFields(&p)...)
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var n int
	if err := d.Get(ctx, q, d.Builder().
		Select("COUNT(*)").
		From("conversations").
		Where(squirrel.Eq{"id": conversationID}), &n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, models.ErrConversationNotFound
	}
	return nil, models.ErrUserNotParticipant
}

func activeParticipants(ctx context.Context, d *db.DB, q db.Querier, conversationID uuid.UUID) ([]models.Participant, error) {
	rows, err := d.Select(ctx, q, d.Builder().
		Select(participantColumns...).
		From("participants p").
		Where(squirrel.Eq{
			"p.conversation_id": conversationID,
			"p.status":          string(models.ParticipantActive),
		}).
		OrderBy("p.joined_at", "p.user_id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(participantFields(&p)...); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// joinParticipants makes every user an active participant. Users with a
// left row are re-activated with fresh read state; active users are left
// untouched. It returns the users that were not active before.
func joinParticipants(ctx context.Context, d *db.DB, q db.Querier, conversationID uuid.UUID, userIDs []string, role models.ParticipantRole, at time.Time) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	rows, err := d.Select(ctx, q, d.Builder().
		Select("user_id", "status").
		From("participants").
		Where(squirrel.Eq{"conversation_id": conversationID, "user_id": userIDs}))
	if err != nil {
		return nil, err
	}
	existing := make(map[string]models.ParticipantStatus, len(userIDs))
	for rows.Next() {
		var (
			userID string
			status models.ParticipantStatus
		)
		if err := rows.Scan(&userID, &status); err != nil {
			rows.Close()
			return nil, err
		}
		existing[userID] = status
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var joined []string
	for _, userID := range userIDs {
		status, ok := existing[userID]
		switch {
		case !ok:
			_, err = d.Exec(ctx, q, d.Builder().
				Insert("participants").
				Columns("conversation_id", "user_id", "role", "status", "muted", "pinned", "unread_count", "joined_at").
				Values(conversationID, userID, string(role), string(models.ParticipantActive), false, false, 0, at))
		case status == models.ParticipantLeft:
			_, err = d.Exec(ctx, q, d.Builder().
				Update("participants").
				Set("status", string(models.ParticipantActive)).
				Set("left_at", nil).
				Set("joined_at", at).
				Set("unread_count", 0).
				Where(squirrel.Eq{"conversation_id": conversationID, "user_id": userID}))
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		existing[userID] = models.ParticipantActive
		joined = append(joined, userID)
	}
	return joined, nil
}
