package services

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/models"
)

const (
	DefaultTypingTTL           = 5 * time.Second
	DefaultTypingSweepInterval = 30 * time.Second

	typingShardCount = 32
)

// TypingService keeps ephemeral typing state. Nothing here is persisted.
type TypingService interface {
	// SetTyping records the caller's typing state and reports whether the
	// visible state changed (started or stopped typing).
	SetTyping(ctx context.Context, conversationID uuid.UUID, userID string, isTyping bool) (models.TypingIndicator, bool, error)
	ActiveTypers(conversationID uuid.UUID) []models.TypingIndicator
	ClearUser(userID string) []models.TypingIndicator
	Sweep() []models.TypingIndicator
	Run(ctx context.Context, onExpired func([]models.TypingIndicator))
}

type typingKey struct {
	conversationID uuid.UUID
	userID         string
}

type typingShard struct {
	mu         sync.Mutex
	indicators map[typingKey]models.TypingIndicator
}

type typingService struct {
	conversations ConversationService
	clock         clockwork.Clock
	ttl           time.Duration
	interval      time.Duration
	shards        [typingShardCount]*typingShard
	logger        zerolog.Logger
}

func NewTypingService(conversations ConversationService, clock clockwork.Clock, ttl, interval time.Duration, logger zerolog.Logger) *typingService {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if interval <= 0 {
		interval = DefaultTypingSweepInterval
	}
	ts := &typingService{
		conversations: conversations,
		clock:         clock,
		ttl:           ttl,
		interval:      interval,
		logger:        logger.With().Str("service", "typing").Logger(),
	}
	for i := range ts.shards {
		ts.shards[i] = &typingShard{indicators: make(map[typingKey]models.TypingIndicator)}
	}
	return ts
}

func (ts *typingService) shard(conversationID uuid.UUID) *typingShard {
	h := fnv.New32a()
	h.Write(conversationID[:])
	return ts.shards[h.Sum32()%typingShardCount]
}

func (ts *typingService) SetTyping(ctx context.Context, conversationID uuid.UUID, userID string, isTyping bool) (models.TypingIndicator, bool, error) {
	if _, err := ts.conversations.ActiveParticipant(ctx, conversationID, userID); err != nil {
		return models.TypingIndicator{}, false, err
	}

	key := typingKey{conversationID: conversationID, userID: userID}
	at := ts.clock.Now()
	sh := ts.shard(conversationID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.indicators[key]
	visible := ok && existing.IsTyping

	if isTyping {
		ind := models.TypingIndicator{
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       true,
			ExpiresAt:      at.Add(ts.ttl),
		}
		sh.indicators[key] = ind
		return ind, !visible || !existing.ExpiresAt.After(at), nil
	}

	delete(sh.indicators, key)
	return models.TypingIndicator{
		ConversationID: conversationID,
		UserID:         userID,
		ExpiresAt:      at,
	}, visible, nil
}

func (ts *typingService) ActiveTypers(conversationID uuid.UUID) []models.TypingIndicator {
	at := ts.clock.Now()
	sh := ts.shard(conversationID)

	sh.mu.Lock()
	var out []models.TypingIndicator
	for key, ind := range sh.indicators {
		if key.conversationID == conversationID && ind.IsTyping && ind.ExpiresAt.After(at) {
			out = append(out, ind)
		}
	}
	sh.mu.Unlock()

	sortIndicators(out)
	return out
}

// ClearUser stops every indicator of userID, e.g. when their last
// connection closes.
func (ts *typingService) ClearUser(userID string) []models.TypingIndicator {
	at := ts.clock.Now()
	var cleared []models.TypingIndicator
	for _, sh := range ts.shards {
		sh.mu.Lock()
		for key, ind := range sh.indicators {
			if key.userID != userID {
				continue
			}
			delete(sh.indicators, key)
			if ind.IsTyping {
				ind.IsTyping = false
				ind.ExpiresAt = at
				cleared = append(cleared, ind)
			}
		}
		sh.mu.Unlock()
	}
	sortIndicators(cleared)
	return cleared
}

// Sweep deactivates every indicator whose TTL has passed and returns them.
func (ts *typingService) Sweep() []models.TypingIndicator {
	at := ts.clock.Now()
	var expired []models.TypingIndicator
	for _, sh := range ts.shards {
		sh.mu.Lock()
		for key, ind := range sh.indicators {
			if ind.ExpiresAt.After(at) {
				continue
			}
			delete(sh.indicators, key)
			ind.IsTyping = false
			expired = append(expired, ind)
		}
		sh.mu.Unlock()
	}
	sortIndicators(expired)
	return expired
}

func (ts *typingService) Run(ctx context.Context, onExpired func([]models.TypingIndicator)) {
	ticker := ts.clock.NewTicker(ts.interval)
	defer ticker.Stop()

	ts.logger.Info().Dur("interval", ts.interval).Dur("ttl", ts.ttl).Msg("typing sweeper started")
	for {
		select {
		case <-ctx.Done():
			ts.logger.Info().Msg("typing sweeper stopped")
			return
		case <-ticker.Chan():
			expired := ts.Sweep()
			if len(expired) == 0 {
				continue
			}
			ts.logger.Debug().Int("expired", len(expired)).Msg("typing indicators expired")
			if onExpired != nil {
				onExpired(expired)
			}
		}
	}
}

func sortIndicators(in []models.TypingIndicator) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].ConversationID != in[j].ConversationID {
			return in[i].ConversationID.String() < in[j].ConversationID.String()
		}
		return in[i].UserID < in[j].UserID
	})
}
