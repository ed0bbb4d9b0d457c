package services

import (
	"context"
	"database/sql"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/db"
	"NeighborChat/server/internal/models"
)

// ReceiptService owns receipts and the per-participant unread counter.
type ReceiptService interface {
	MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, messageID *uuid.UUID) (*models.ReadResult, error)
	// MarkDelivered advances a sent receipt to delivered and returns the
	// stored delivery time. It reports false when the receipt was already
	// delivered or read, or when userID holds no receipt for the message.
	MarkDelivered(ctx context.Context, messageID uuid.UUID, userID string) (time.Time, bool, error)
	ListReceipts(ctx context.Context, messageID uuid.UUID, userID string) ([]models.Receipt, error)
	UnreadCount(ctx context.Context, conversationID uuid.UUID, userID string) (int, error)
}

type receiptService struct {
	db     *db.DB
	clock  clockwork.Clock
	logger zerolog.Logger
}

func NewReceiptService(d *db.DB, clock clockwork.Clock, logger zerolog.Logger) *receiptService {
	return &receiptService{
		db:     d,
		clock:  clock,
		logger: logger.With().Str("service", "receipts").Logger(),
	}
}

// recordSend runs inside the send transaction: one receipt per active
// participant, the sender's already read, and +1 unread for everyone else.
func (rs *receiptService) recordSend(ctx context.Context, tx db.Querier, msg *models.Message, participants []models.Participant, at time.Time) error {
	if len(participants) == 0 {
		return nil
	}

	insert := rs.db.Builder().
		Insert("receipts").
		Columns("message_id", "user_id", "status", "delivered_at", "read_at")
	for _, p := range participants {
		if p.UserID == msg.SenderID {
			insert = insert.Values(msg.ID, p.UserID, string(models.ReceiptRead), at, at)
			continue
		}
		insert = insert.Values(msg.ID, p.UserID, string(models.ReceiptSent), nil, nil)
	}
	if _, err := rs.db.Exec(ctx, tx, insert); err != nil {
		return errors.Wrap(err, "insert receipts")
	}

	_, err := rs.db.Exec(ctx, tx, rs.db.Builder().
		Update("participants").
		Set("unread_count", squirrel.Expr("unread_count + 1")).
		Where(squirrel.Eq{
			"conversation_id": msg.ConversationID,
			"status":          string(models.ParticipantActive),
		}).
		Where(squirrel.NotEq{"user_id": msg.SenderID}))
	return errors.Wrap(err, "increment unread counters")
}

func (rs *receiptService) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, messageID *uuid.UUID) (*models.ReadResult, error) {
	result := &models.ReadResult{
		ConversationID: conversationID,
		UserID:         userID,
		MessageIDs:     []uuid.UUID{},
		SenderIDs:      []string{},
	}

	err := rs.db.InTx(ctx, func(tx db.Querier) error {
		me, err := activeParticipant(ctx, rs.db, tx, conversationID, userID)
		if err != nil {
			return err
		}

		var (
			target    uuid.UUID
			targetSeq int64
		)
		if messageID != nil {
			target = *messageID
			err = rs.db.Get(ctx, tx, rs.db.Builder().
				Select("seq").
				From("messages").
				Where(squirrel.Eq{"id": *messageID, "conversation_id": conversationID}), &targetSeq)
			if errors.Is(err, sql.ErrNoRows) {
				return models.ErrMessageNotFound
			}
		} else {
			err = rs.db.Get(ctx, tx, rs.db.Builder().
				Select("id", "seq").
				From("messages").
				Where(squirrel.Eq{"conversation_id": conversationID}).
				OrderBy("seq DESC").
				Limit(1), &target, &targetSeq)
			if errors.Is(err, sql.ErrNoRows) {
				err = nil
			}
		}
		if err != nil {
			return err
		}

		at := now(rs.clock)
		result.ReadAt = at

		if targetSeq > 0 {
			if err := rs.readUpTo(ctx, tx, conversationID, userID, targetSeq, at, result); err != nil {
				return err
			}
		}

		update := rs.db.Builder().
			Update("participants").
			Set("unread_count", 0).
			Set("last_read_at", at).
			Where(squirrel.Eq{"conversation_id": conversationID, "user_id": userID})

		lastRead := me.LastReadMessageID
		if targetSeq > 0 {
			advance := true
			if lastRead != nil {
				var currentSeq int64
				err := rs.db.Get(ctx, tx, rs.db.Builder().
					Select("seq").
					From("messages").
					Where(squirrel.Eq{"id": *lastRead}), &currentSeq)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return err
				}
				advance = currentSeq <= targetSeq
			}
			if advance {
				lastRead = &target
				update = update.Set("last_read_message_id", target)
			}
		}
		result.LastReadMessageID = lastRead

		_, err = rs.db.Exec(ctx, tx, update)
		return err
	})
	if err != nil {
		return nil, err
	}

	rs.logger.Debug().
		Str("conversation_id", conversationID.String()).
		Str("user_id", userID).
		Int("messages", len(result.MessageIDs)).
		Msg("messages marked as read")
	return result, nil
}

// readUpTo flips the caller's unread receipts up to seq and records which
// messages and senders were affected.
func (rs *receiptService) readUpTo(ctx context.Context, tx db.Querier, conversationID uuid.UUID, userID string, seq int64, at time.Time, result *models.ReadResult) error {
	pending := models.ReceiptRead.Preceding()

	rows, err := rs.db.Select(ctx, tx, rs.db.Builder().
		Select("m.id", "m.sender_id").
		From("receipts r").
		Join("messages m ON m.id = r.message_id").
		Where(squirrel.Eq{
			"r.user_id":         userID,
			"m.conversation_id": conversationID,
			"r.status":          pending,
		}).
		Where(squirrel.LtOrEq{"m.seq": seq}).
		OrderBy("m.seq"))
	if err != nil {
		return err
	}
	senders := make(map[string]struct{})
	for rows.Next() {
		var (
			id       uuid.UUID
			senderID string
		)
		if err := rows.Scan(&id, &senderID); err != nil {
			rows.Close()
			return err
		}
		result.MessageIDs = append(result.MessageIDs, id)
		if _, ok := senders[senderID]; !ok && senderID != userID {
			senders[senderID] = struct{}{}
			result.SenderIDs = append(result.SenderIDs, senderID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(result.MessageIDs) == 0 {
		return nil
	}

	_, err = rs.db.Exec(ctx, tx, rs.db.Builder().
		Update("receipts").
		Set("status", string(models.ReceiptRead)).
		Set("read_at", at).
		Where(squirrel.Eq{"user_id": userID, "status": pending}).
		Where(squirrel.Expr("message_id IN (SELECT id FROM messages WHERE conversation_id = ? AND seq <= ?)", conversationID, seq)))
	return err
}

func (rs *receiptService) MarkDelivered(ctx context.Context, messageID uuid.UUID, userID string) (time.Time, bool, error) {
	where := squirrel.Eq{"message_id": messageID, "user_id": userID}

	var current models.ReceiptStatus
	err := rs.db.Get(ctx, rs.db.Conn(), rs.db.Builder().
		Select("status").
		From("receipts").
		Where(where), &current)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !current.Advances(models.ReceiptDelivered) {
		return time.Time{}, false, nil
	}

	at := now(rs.clock)
	res, err := rs.db.Exec(ctx, rs.db.Conn(), rs.db.Builder().
		Update("receipts").
		Set("status", string(models.ReceiptDelivered)).
		Set("delivered_at", at).
		Where(where).
		Where(squirrel.Eq{"status": models.ReceiptDelivered.Preceding()}))
	if err != nil {
		return time.Time{}, false, err
	}
	// A concurrent read may have overtaken the receipt since the lookup.
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (rs *receiptService) ListReceipts(ctx context.Context, messageID uuid.UUID, userID string) ([]models.Receipt, error) {
	var conversationID uuid.UUID
	err := rs.db.Get(ctx, rs.db.Conn(), rs.db.Builder().
		Select("conversation_id").
		From("messages").
		Where(squirrel.Eq{"id": messageID}), &conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := activeParticipant(ctx, rs.db, rs.db.Conn(), conversationID, userID); err != nil {
		return nil, err
	}

	rows, err := rs.db.Select(ctx, rs.db.Conn(), rs.db.Builder().
		Select("message_id", "user_id", "status", "delivered_at", "read_at").
		From("receipts").
		Where(squirrel.Eq{"message_id": messageID}).
		OrderBy("user_id"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Status, &r.DeliveredAt, &r.ReadAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (rs *receiptService) UnreadCount(ctx context.Context, conversationID uuid.UUID, userID string) (int, error) {
	p, err := activeParticipant(ctx, rs.db, rs.db.Conn(), conversationID, userID)
	if err != nil {
		return 0, err
	}
	return p.UnreadCount, nil
}
