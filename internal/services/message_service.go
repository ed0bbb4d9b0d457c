package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/db"
	"NeighborChat/server/internal/models"
)

const maxContentLength = 10000

var errDuplicateSend = errors.New("duplicate client message id")

type MessageService interface {
	SendMessage(ctx context.Context, userID string, in models.SendMessageInput) (*models.SendResult, error)
	EditMessage(ctx context.Context, messageID uuid.UUID, userID, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID uuid.UUID, userID string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, userID string, limit int, before *uuid.UUID) (*models.MessagePage, error)
}

var messageColumns = []string{
	"m.id", "m.conversation_id", "m.seq", "m.sender_id", "m.client_message_id", "m.type",
	"m.content", "m.metadata", "m.reply_to_id", "m.is_edited", "m.edited_at",
	"m.is_deleted", "m.deleted_at", "m.created_at",
}

// messageRow scans a message; metadata is decoded once the type is known.
type messageRow struct {
	models.Message
	metadata sql.NullString
}

func (r *messageRow) fields() []any {
	m := &r.Message
	return []any{
		&m.ID, &m.ConversationID, &m.Seq, &m.SenderID, &m.ClientMessageID, &m.Type,
		&m.Content, &r.metadata, &m.ReplyToID, &m.IsEdited, &m.EditedAt,
		&m.IsDeleted, &m.DeletedAt, &m.CreatedAt,
	}
}

func (r *messageRow) message() (*models.Message, error) {
	if r.metadata.Valid {
		md, err := models.DecodeMetadata(r.Type, []byte(r.metadata.String))
		if err != nil {
			return nil, errors.Wrapf(err, "message %s", r.ID)
		}
		r.Metadata = md
	}
	m := r.Message
	return &m, nil
}

type messageService struct {
	db       *db.DB
	receipts *receiptService
	clock    clockwork.Clock
	logger   zerolog.Logger
}

func NewMessageService(d *db.DB, receipts *receiptService, clock clockwork.Clock, logger zerolog.Logger) *messageService {
	return &messageService{
		db:       d,
		receipts: receipts,
		clock:    clock,
		logger:   logger.With().Str("service", "messages").Logger(),
	}
}

func (ms *messageService) SendMessage(ctx context.Context, userID string, in models.SendMessageInput) (*models.SendResult, error) {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	if !in.Type.Valid() {
		return nil, errors.Wrapf(models.ErrInvalidRequest, "unknown message type %q", in.Type)
	}
	if err := validateContent(in.Type, in.Content); err != nil {
		return nil, err
	}
	if err := models.ValidateMetadata(in.Type, in.Metadata); err != nil {
		return nil, err
	}
	metadata, err := models.EncodeMetadata(in.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}
	var metadataArg *string
	if metadata != nil {
		s := string(metadata)
		metadataArg = &s
	}
	if in.ClientMessageID != nil && *in.ClientMessageID == "" {
		in.ClientMessageID = nil
	}

	result := &models.SendResult{}
	err = ms.db.InTx(ctx, func(tx db.Querier) error {
		if _, err := activeParticipant(ctx, ms.db, tx, in.ConversationID, userID); err != nil {
			return senderError(err)
		}

		// A retry carrying the same client token returns the stored message.
		duplicate := func() (bool, error) {
			if in.ClientMessageID == nil {
				return false, nil
			}
			existing, err := ms.findMessage(ctx, tx, squirrel.Eq{
				"m.conversation_id":   in.ConversationID,
				"m.sender_id":         userID,
				"m.client_message_id": *in.ClientMessageID,
			})
			if errors.Is(err, models.ErrMessageNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			result.Message = *existing
			result.Duplicate = true
			result.Recipients, err = activeParticipants(ctx, ms.db, tx, in.ConversationID)
			return true, err
		}
		if dup, err := duplicate(); dup || err != nil {
			return err
		}

		if in.ReplyToID != nil {
			target, err := ms.findMessage(ctx, tx, squirrel.Eq{"m.id": *in.ReplyToID})
			if errors.Is(err, models.ErrMessageNotFound) {
				return errors.Wrap(err, "reply target")
			}
			if err != nil {
				return err
			}
			if target.ConversationID != in.ConversationID {
				return models.ErrInvalidReply
			}
		}

		at := now(ms.clock)
		if _, err := ms.db.Exec(ctx, tx, ms.db.Builder().
			Update("conversations").
			Set("last_seq", squirrel.Expr("last_seq + 1")).
			Set("last_message_at", at).
			Set("updated_at", at).
			Where(squirrel.Eq{"id": in.ConversationID})); err != nil {
			return err
		}
		// The update holds the conversation row lock, so a concurrent retry
		// with the same token has either committed by now or waits on us.
		// Rolling back keeps last_seq untouched.
		if dup, err := duplicate(); err != nil {
			return err
		} else if dup {
			return errDuplicateSend
		}
		var seq int64
		if err := ms.db.Get(ctx, tx, ms.db.Builder().
			Select("last_seq").
			From("conversations").
			Where(squirrel.Eq{"id": in.ConversationID}), &seq); err != nil {
			return err
		}

		msg := models.Message{
			ID:              uuid.New(),
			ConversationID:  in.ConversationID,
			Seq:             seq,
			SenderID:        userID,
			ClientMessageID: in.ClientMessageID,
			Type:            in.Type,
			Content:         in.Content,
			Metadata:        in.Metadata,
			ReplyToID:       in.ReplyToID,
			CreatedAt:       at,
		}
		if _, err := ms.db.Exec(ctx, tx, ms.db.Builder().
			Insert("messages").
			Columns("id", "conversation_id", "seq", "sender_id", "client_message_id", "type",
				"content", "metadata", "reply_to_id", "is_edited", "is_deleted", "created_at").
			Values(msg.ID, msg.ConversationID, msg.Seq, msg.SenderID, msg.ClientMessageID, string(msg.Type),
				msg.Content, metadataArg, msg.ReplyToID, false, false, at)); err != nil {
			return err
		}

		participants, err := activeParticipants(ctx, ms.db, tx, in.ConversationID)
		if err != nil {
			return err
		}
		if err := ms.receipts.recordSend(ctx, tx, &msg, participants, at); err != nil {
			return err
		}

		result.Message = msg
		result.Recipients, err = activeParticipants(ctx, ms.db, tx, in.ConversationID)
		return err
	})
	if errors.Is(err, errDuplicateSend) {
		err = nil
	}
	if err != nil {
		ms.logger.Warn().Err(err).Str("conversation_id", in.ConversationID.String()).Str("sender_id", userID).Msg("message not sent")
		return nil, err
	}

	ms.logger.Debug().
		Str("conversation_id", in.ConversationID.String()).
		Str("message_id", result.Message.ID.String()).
		Bool("duplicate", result.Duplicate).
		Msg("message sent")
	return result, nil
}

func (ms *messageService) EditMessage(ctx context.Context, messageID uuid.UUID, userID, content string) (*models.Message, error) {
	var edited *models.Message
	err := ms.db.InTx(ctx, func(tx db.Querier) error {
		msg, err := ms.ownMessage(ctx, tx, messageID, userID)
		if err != nil {
			return err
		}
		if err := validateContent(msg.Type, content); err != nil {
			return err
		}

		at := now(ms.clock)
		res, err := ms.db.Exec(ctx, tx, ms.db.Builder().
			Update("messages").
			Set("content", content).
			Set("is_edited", true).
			Set("edited_at", at).
			Where(squirrel.Eq{"id": messageID, "is_deleted": false}))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return models.ErrAlreadyDeleted
		}

		edited, err = ms.findMessage(ctx, tx, squirrel.Eq{"m.id": messageID})
		return err
	})
	if err != nil {
		return nil, err
	}
	return edited, nil
}

func (ms *messageService) DeleteMessage(ctx context.Context, messageID uuid.UUID, userID string) (*models.Message, error) {
	var deleted *models.Message
	err := ms.db.InTx(ctx, func(tx db.Querier) error {
		if _, err := ms.ownMessage(ctx, tx, messageID, userID); err != nil {
			return err
		}

		at := now(ms.clock)
		res, err := ms.db.Exec(ctx, tx, ms.db.Builder().
			Update("messages").
			Set("is_deleted", true).
			Set("deleted_at", at).
			Set("content", models.DeletedMessagePlaceholder).
			Set("metadata", nil).
			Where(squirrel.Eq{"id": messageID, "is_deleted": false}))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return models.ErrAlreadyDeleted
		}

		deleted, err = ms.findMessage(ctx, tx, squirrel.Eq{"m.id": messageID})
		return err
	})
	if err != nil {
		return nil, err
	}

	ms.logger.Info().Str("message_id", messageID.String()).Str("user_id", userID).Msg("message deleted")
	return deleted, nil
}

func (ms *messageService) ListMessages(ctx context.Context, conversationID uuid.UUID, userID string, limit int, before *uuid.UUID) (*models.MessagePage, error) {
	if _, err := activeParticipant(ctx, ms.db, ms.db.Conn(), conversationID, userID); err != nil {
		return nil, err
	}
	limit, _ = pageBounds(1, limit)

	query := ms.db.Builder().
		Select(messageColumns...).
		From("messages m").
		Where(squirrel.Eq{"m.conversation_id": conversationID})

	if before != nil {
		var seq int64
		err := ms.db.Get(ctx, ms.db.Conn(), ms.db.Builder().
			Select("seq").
			From("messages").
			Where(squirrel.Eq{"id": *before, "conversation_id": conversationID}), &seq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(models.ErrMessageNotFound, "cursor")
		}
		if err != nil {
			return nil, err
		}
		query = query.Where(squirrel.Lt{"m.seq": seq})
	}

	rows, err := ms.db.Select(ctx, ms.db.Conn(), query.OrderBy("m.seq DESC").Limit(uint64(limit+1)))
	if err != nil {
		ms.logger.Error().Err(err).Str("conversation_id", conversationID.String()).Msg("error listing messages")
		return nil, err
	}
	defer rows.Close()

	page := &models.MessagePage{Messages: []models.Message{}}
	for rows.Next() {
		var row messageRow
		if err := rows.Scan(row.fields()...); err != nil {
			return nil, err
		}
		msg, err := row.message()
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(page.Messages) > limit {
		page.Messages = page.Messages[:limit]
		page.HasMore = true
		next := page.Messages[limit-1].ID
		page.NextBefore = &next
	}
	return page, nil
}

// ownMessage loads a message the caller may change: they sent it, still
// participate, and it is not deleted.
func (ms *messageService) ownMessage(ctx context.Context, tx db.Querier, messageID uuid.UUID, userID string) (*models.Message, error) {
	msg, err := ms.findMessage(ctx, tx, squirrel.Eq{"m.id": messageID})
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, errors.Wrap(models.ErrForbidden, "only the sender can change a message")
	}
	if _, err := activeParticipant(ctx, ms.db, tx, msg.ConversationID, userID); err != nil {
		return nil, senderError(err)
	}
	if msg.IsDeleted {
		return nil, models.ErrAlreadyDeleted
	}
	return msg, nil
}

func (ms *messageService) findMessage(ctx context.Context, q db.Querier, where squirrel.Sqlizer) (*models.Message, error) {
	var row messageRow
	err := ms.db.Get(ctx, q, ms.db.Builder().
		Select(messageColumns...).
		From("messages m").
		Where(where).
		Limit(1), row.fields()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.message()
}

// senderError reports a missing membership as both Forbidden and
// NotAParticipant.
func senderError(err error) error {
	if errors.Is(err, models.ErrUserNotParticipant) {
		return fmt.Errorf("%w: %w", models.ErrForbidden, err)
	}
	return err
}

func validateContent(t models.MessageType, content string) error {
	if utf8.RuneCountInString(content) > maxContentLength {
		return errors.Wrapf(models.ErrInvalidRequest, "content longer than %d characters", maxContentLength)
	}
	if t == models.MessageText && strings.TrimSpace(content) == "" {
		return errors.Wrap(models.ErrInvalidRequest, "text messages need content")
	}
	return nil
}
