package services

import (
	"context"
	"sort"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/db"
	"NeighborChat/server/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type ConversationService interface {
	// CreateConversation returns the conversation and whether it was newly
	// created. Direct and context-bound requests reuse an existing match.
	CreateConversation(ctx context.Context, creatorID string, in models.CreateConversationInput) (*models.Conversation, bool, error)
	ListConversations(ctx context.Context, userID string, filter models.ConversationFilter) ([]models.Conversation, error)
	GetConversation(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Conversation, error)
	ArchiveConversation(ctx context.Context, conversationID uuid.UUID, userID string, archived bool) (*models.Conversation, error)
	TogglePin(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error)
	ToggleMute(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error)
	AddParticipants(ctx context.Context, conversationID uuid.UUID, actorID string, userIDs []string) ([]string, error)
	RemoveParticipant(ctx context.Context, conversationID uuid.UUID, actorID, userID string) error
	ActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error)
	ActiveParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error)
	ActiveConversationIDs(ctx context.Context, userID string) ([]uuid.UUID, error)
	ContactIDs(ctx context.Context, userID string) ([]string, error)
}

type conversationService struct {
	db     *db.DB
	users  UserService
	clock  clockwork.Clock
	logger zerolog.Logger
}

func NewConversationService(d *db.DB, users UserService, clock clockwork.Clock, logger zerolog.Logger) *conversationService {
	return &conversationService{
		db:     d,
		users:  users,
		clock:  clock,
		logger: logger.With().Str("service", "conversations").Logger(),
	}
}

func (cs *conversationService) CreateConversation(ctx context.Context, creatorID string, in models.CreateConversationInput) (*models.Conversation, bool, error) {
	if !in.Type.Valid() {
		return nil, false, errors.Wrapf(models.ErrInvalidRequest, "unknown conversation type %q", in.Type)
	}
	if in.ContextType != nil {
		if !in.ContextType.Valid() {
			return nil, false, errors.Wrapf(models.ErrInvalidRequest, "unknown context type %q", *in.ContextType)
		}
		if in.ContextID == nil || *in.ContextID == "" {
			return nil, false, errors.Wrap(models.ErrInvalidRequest, "context id is required with a context type")
		}
	}

	others := otherParticipants(creatorID, in.ParticipantIDs)
	switch in.Type {
	case models.ConversationDirect:
		if len(others) != 1 {
			return nil, false, errors.Wrap(models.ErrInvalidRequest, "a direct conversation needs exactly one other participant")
		}
	default:
		if len(others) == 0 {
			return nil, false, errors.Wrap(models.ErrInvalidRequest, "a conversation needs at least one other participant")
		}
	}

	missing, err := cs.users.ResolveUsers(ctx, others)
	if err != nil {
		return nil, false, err
	}
	if len(missing) > 0 {
		return nil, false, errors.Wrapf(models.ErrUnknownParticipant, "%s", strings.Join(missing, ", "))
	}

	var (
		conv    *models.Conversation
		created bool
	)
	// A concurrent creator may win the unique direct key; the second
	// attempt then finds and reuses its conversation.
	for attempt := 0; attempt < 2; attempt++ {
		conv, created, err = cs.create(ctx, creatorID, others, in)
		if err == nil || !db.IsUniqueViolation(err) {
			break
		}
		cs.logger.Debug().Str("creator_id", creatorID).Msg("conversation created concurrently, reusing")
	}
	if err != nil {
		cs.logger.Error().Err(err).Str("creator_id", creatorID).Msg("error creating conversation")
		return nil, false, err
	}

	if created {
		cs.logger.Info().Str("conversation_id", conv.ID.String()).Str("type", string(conv.Type)).Msg("conversation created")
	}
	loaded, err := cs.GetConversation(ctx, conv.ID, creatorID)
	if err != nil {
		return nil, false, err
	}
	return loaded, created, nil
}

func (cs *conversationService) create(ctx context.Context, creatorID string, others []string, in models.CreateConversationInput) (*models.Conversation, bool, error) {
	var (
		conv    *models.Conversation
		created bool
	)
	err := cs.db.InTx(ctx, func(tx db.Querier) error {
		at := now(cs.clock)

		var (
			existing *models.Conversation
			err      error
		)
		switch {
		case in.Type == models.ConversationDirect:
			existing, err = findConversation(ctx, cs.db, tx, squirrel.Eq{"c.direct_key": models.DirectKey(creatorID, others[0])})
		case in.ContextType != nil:
			existing, err = findConversation(ctx, cs.db, tx, squirrel.Eq{
				"c.type":         string(in.Type),
				"c.context_type": string(*in.ContextType),
				"c.context_id":   *in.ContextID,
				"c.archived":     false,
			})
		default:
			err = models.ErrConversationNotFound
		}

		if err == nil {
			conv = existing
			if _, err := joinParticipants(ctx, cs.db, tx, conv.ID, append([]string{creatorID}, others...), models.RoleMember, at); err != nil {
				return err
			}
			_, err := cs.db.Exec(ctx, tx, cs.db.Builder().
				Update("conversations").
				Set("archived", false).
				Set("updated_at", at).
				Where(squirrel.Eq{"id": conv.ID}))
			return err
		}
		if !errors.Is(err, models.ErrConversationNotFound) {
			return err
		}

		conv = &models.Conversation{
			ID:          uuid.New(),
			Type:        in.Type,
			Title:       in.Title,
			Description: in.Description,
			AvatarURL:   in.AvatarURL,
			ContextType: in.ContextType,
			ContextID:   in.ContextID,
			CreatedBy:   creatorID,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		var directKey *string
		creatorRole := models.RoleAdmin
		if in.Type == models.ConversationDirect {
			key := models.DirectKey(creatorID, others[0])
			directKey = &key
			creatorRole = models.RoleMember
		}
		var contextType *string
		if in.ContextType != nil {
			ct := string(*in.ContextType)
			contextType = &ct
		}

		_, err = cs.db.Exec(ctx, tx, cs.db.Builder().
			Insert("conversations").
			Columns("id", "type", "title", "description", "avatar_url", "context_type", "context_id",
				"direct_key", "archived", "created_by", "last_seq", "created_at", "updated_at").
			Values(conv.ID, string(conv.Type), conv.Title, conv.Description, conv.AvatarURL, contextType, conv.ContextID,
				directKey, false, creatorID, 0, at, at))
		if err != nil {
			return err
		}

		if _, err := joinParticipants(ctx, cs.db, tx, conv.ID, []string{creatorID}, creatorRole, at); err != nil {
			return err
		}
		if _, err := joinParticipants(ctx, cs.db, tx, conv.ID, others, models.RoleMember, at); err != nil {
			return err
		}
		created = true
		return nil
	})
	return conv, created, err
}

func (cs *conversationService) ListConversations(ctx context.Context, userID string, filter models.ConversationFilter) ([]models.Conversation, error) {
	limit, offset := pageBounds(filter.Page, filter.Limit)

	query := cs.db.Builder().
		Select(append(append([]string{}, conversationColumns...), participantColumns...)...).
		From("conversations c").
		Join("participants p ON p.conversation_id = c.id").
		Where(squirrel.Eq{"p.user_id": userID, "p.status": string(models.ParticipantActive)})

	if filter.Type != nil {
		query = query.Where(squirrel.Eq{"c.type": string(*filter.Type)})
	}
	if filter.ContextType != nil {
		query = query.Where(squirrel.Eq{"c.context_type": string(*filter.ContextType)})
	}
	if filter.Archived != nil {
		query = query.Where(squirrel.Eq{"c.archived": *filter.Archived})
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		pattern := "%" + strings.ToLower(search) + "%"
		query = query.Where(squirrel.Or{
			squirrel.Expr("LOWER(c.title) LIKE ?", pattern),
			squirrel.Expr("LOWER(c.description) LIKE ?", pattern),
			squirrel.Expr("EXISTS (SELECT 1 FROM participants op JOIN users u ON u.id = op.user_id "+
				"WHERE op.conversation_id = c.id AND op.user_id <> ? AND op.status = ? AND LOWER(u.username) LIKE ?)",
				userID, string(models.ParticipantActive), pattern),
		})
	}

	query = query.
		OrderBy("c.last_message_at DESC NULLS LAST", "c.updated_at DESC", "c.id").
		Limit(uint64(limit)).
		Offset(uint64(offset))

	rows, err := cs.db.Select(ctx, cs.db.Conn(), query)
	if err != nil {
		cs.logger.Error().Err(err).Str("user_id", userID).Msg("error listing conversations")
		return nil, err
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var (
			conv models.Conversation
			me   models.Participant
		)
		if err := rows.Scan(append(conversationFields(&conv), participantFields(&me)...)...); err != nil {
			return nil, err
		}
		conv.Membership = &me
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conversations, nil
}

func (cs *conversationService) GetConversation(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Conversation, error) {
	me, err := activeParticipant(ctx, cs.db, cs.db.Conn(), conversationID, userID)
	if err != nil {
		return nil, err
	}

	conv, err := findConversation(ctx, cs.db, cs.db.Conn(), squirrel.Eq{"c.id": conversationID})
	if err != nil {
		return nil, err
	}
	participants, err := activeParticipants(ctx, cs.db, cs.db.Conn(), conversationID)
	if err != nil {
		return nil, err
	}

	conv.Membership = me
	conv.Participants = participants
	return conv, nil
}

func (cs *conversationService) ArchiveConversation(ctx context.Context, conversationID uuid.UUID, userID string, archived bool) (*models.Conversation, error) {
	err := cs.db.InTx(ctx, func(tx db.Querier) error {
		if _, err := activeParticipant(ctx, cs.db, tx, conversationID, userID); err != nil {
			return err
		}
		_, err := cs.db.Exec(ctx, tx, cs.db.Builder().
			Update("conversations").
			Set("archived", archived).
			Set("updated_at", now(cs.clock)).
			Where(squirrel.Eq{"id": conversationID}))
		return err
	})
	if err != nil {
		return nil, err
	}
	return cs.GetConversation(ctx, conversationID, userID)
}

func (cs *conversationService) TogglePin(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error) {
	return cs.toggle(ctx, conversationID, userID, "pinned")
}

func (cs *conversationService) ToggleMute(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error) {
	return cs.toggle(ctx, conversationID, userID, "muted")
}

func (cs *conversationService) toggle(ctx context.Context, conversationID uuid.UUID, userID, column string) (*models.Participant, error) {
	var p *models.Participant
	err := cs.db.InTx(ctx, func(tx db.Querier) error {
		if _, err := activeParticipant(ctx, cs.db, tx, conversationID, userID); err != nil {
			return err
		}
		_, err := cs.db.Exec(ctx, tx, cs.db.Builder().
			Update("participants").
			Set(column, squirrel.Expr("NOT "+column)).
			Where(squirrel.Eq{"conversation_id": conversationID, "user_id": userID}))
		if err != nil {
			return err
		}
		p, err = activeParticipant(ctx, cs.db, tx, conversationID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (cs *conversationService) AddParticipants(ctx context.Context, conversationID uuid.UUID, actorID string, userIDs []string) ([]string, error) {
	userIDs = otherParticipants(actorID, userIDs)
	if len(userIDs) == 0 {
		return nil, errors.Wrap(models.ErrInvalidRequest, "no participants to add")
	}

	missing, err := cs.users.ResolveUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, errors.Wrapf(models.ErrUnknownParticipant, "%s", strings.Join(missing, ", "))
	}

	var joined []string
	err = cs.db.InTx(ctx, func(tx db.Querier) error {
		actor, err := activeParticipant(ctx, cs.db, tx, conversationID, actorID)
		if err != nil {
			return err
		}
		conv, err := findConversation(ctx, cs.db, tx, squirrel.Eq{"c.id": conversationID})
		if err != nil {
			return err
		}
		if conv.Type == models.ConversationDirect {
			return errors.Wrap(models.ErrInvalidRequest, "direct conversations have a fixed roster")
		}
		if actor.Role != models.RoleAdmin {
			return errors.Wrap(models.ErrForbidden, "only admins can add participants")
		}

		at := now(cs.clock)
		joined, err = joinParticipants(ctx, cs.db, tx, conversationID, userIDs, models.RoleMember, at)
		if err != nil {
			return err
		}
		_, err = cs.db.Exec(ctx, tx, cs.db.Builder().
			Update("conversations").
			Set("updated_at", at).
			Where(squirrel.Eq{"id": conversationID}))
		return err
	})
	if err != nil {
		return nil, err
	}

	cs.logger.Info().Str("conversation_id", conversationID.String()).Strs("user_ids", joined).Msg("participants added")
	return joined, nil
}

func (cs *conversationService) RemoveParticipant(ctx context.Context, conversationID uuid.UUID, actorID, userID string) error {
	err := cs.db.InTx(ctx, func(tx db.Querier) error {
		actor, err := activeParticipant(ctx, cs.db, tx, conversationID, actorID)
		if err != nil {
			return err
		}
		if actorID != userID && actor.Role != models.RoleAdmin {
			return errors.Wrap(models.ErrForbidden, "only admins can remove other participants")
		}
		target := actor
		if actorID != userID {
			if target, err = activeParticipant(ctx, cs.db, tx, conversationID, userID); err != nil {
				return err
			}
		}

		at := now(cs.clock)
		_, err = cs.db.Exec(ctx, tx, cs.db.Builder().
			Update("participants").
			Set("status", string(models.ParticipantLeft)).
			Set("left_at", at).
			Where(squirrel.Eq{"conversation_id": conversationID, "user_id": userID}))
		if err != nil {
			return err
		}
		if _, err := cs.db.Exec(ctx, tx, cs.db.Builder().
			Update("conversations").
			Set("updated_at", at).
			Where(squirrel.Eq{"id": conversationID})); err != nil {
			return err
		}

		if target.Role == models.RoleAdmin {
			return cs.ensureAdmin(ctx, tx, conversationID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	cs.logger.Info().Str("conversation_id", conversationID.String()).Str("user_id", userID).Str("actor_id", actorID).Msg("participant left")
	return nil
}

// ensureAdmin promotes the longest-standing member when no active admin is
// left in the conversation.
func (cs *conversationService) ensureAdmin(ctx context.Context, tx db.Querier, conversationID uuid.UUID) error {
	participants, err := activeParticipants(ctx, cs.db, tx, conversationID)
	if err != nil || len(participants) == 0 {
		return err
	}
	for _, p := range participants {
		if p.Role == models.RoleAdmin {
			return nil
		}
	}
	_, err = cs.db.Exec(ctx, tx, cs.db.Builder().
		Update("participants").
		Set("role", string(models.RoleAdmin)).
		Where(squirrel.Eq{"conversation_id": conversationID, "user_id": participants[0].UserID}))
	return err
}

func (cs *conversationService) ActiveParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error) {
	return activeParticipant(ctx, cs.db, cs.db.Conn(), conversationID, userID)
}

func (cs *conversationService) ActiveParticipants(ctx context.Context, conversationID uuid.UUID) ([]models.Participant, error) {
	return activeParticipants(ctx, cs.db, cs.db.Conn(), conversationID)
}

func (cs *conversationService) ActiveConversationIDs(ctx context.Context, userID string) ([]uuid.UUID, error) {
	rows, err := cs.db.Select(ctx, cs.db.Conn(), cs.db.Builder().
		Select("conversation_id").
		From("participants").
		Where(squirrel.Eq{"user_id": userID, "status": string(models.ParticipantActive)}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (cs *conversationService) ContactIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := cs.db.Select(ctx, cs.db.Conn(), cs.db.Builder().
		Select("DISTINCT op.user_id").
		From("participants p").
		Join("participants op ON op.conversation_id = p.conversation_id").
		Where(squirrel.Eq{
			"p.user_id": userID,
			"p.status":  string(models.ParticipantActive),
			"op.status": string(models.ParticipantActive),
		}).
		Where(squirrel.NotEq{"op.user_id": userID}))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// otherParticipants drops the creator, blanks and duplicates.
func otherParticipants(creatorID string, ids []string) []string {
	seen := map[string]struct{}{creatorID: {}}
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func pageBounds(page, limit int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}
