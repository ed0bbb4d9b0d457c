package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/db"
	"NeighborChat/server/internal/models"
)

type fakeClock interface {
	clockwork.Clock
	Advance(d time.Duration)
	BlockUntil(n int)
}

type testEnv struct {
	db            *db.DB
	clock         fakeClock
	users         *userService
	conversations *conversationService
	receipts      *receiptService
	messages      *messageService
	typing        *typingService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	d, err := db.OpenMemory(ctx, logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	users, err := NewUserService(d, clock, 128, logger)
	if err != nil {
		t.Fatalf("user service: %v", err)
	}
	conversations := NewConversationService(d, users, clock, logger)
	receipts := NewReceiptService(d, clock, logger)

	env := &testEnv{
		db:            d,
		clock:         clock,
		users:         users,
		conversations: conversations,
		receipts:      receipts,
		messages:      NewMessageService(d, receipts, clock, logger),
		typing:        NewTypingService(conversations, clock, DefaultTypingTTL, DefaultTypingSweepInterval, logger),
	}
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		if err := users.EnsureUser(ctx, models.User{ID: id, Username: id}); err != nil {
			t.Fatalf("ensure user %s: %v", id, err)
		}
	}
	return env
}

func (e *testEnv) logger() zerolog.Logger { return zerolog.Nop() }

func (e *testEnv) direct(t *testing.T, a, b string) *models.Conversation {
	t.Helper()
	conv, _, err := e.conversations.CreateConversation(context.Background(), a, models.CreateConversationInput{
		Type:           models.ConversationDirect,
		ParticipantIDs: []string{b},
	})
	if err != nil {
		t.Fatalf("create direct %s/%s: %v", a, b, err)
	}
	return conv
}

func (e *testEnv) group(t *testing.T, title, creator string, others ...string) *models.Conversation {
	t.Helper()
	conv, created, err := e.conversations.CreateConversation(context.Background(), creator, models.CreateConversationInput{
		Type:           models.ConversationGroup,
		ParticipantIDs: others,
		Title:          &title,
	})
	if err != nil {
		t.Fatalf("create group %q: %v", title, err)
	}
	if !created {
		t.Fatalf("group %q was reused", title)
	}
	return conv
}

func (e *testEnv) send(t *testing.T, userID string, conversationID uuid.UUID, content string) models.Message {
	t.Helper()
	res, err := e.messages.SendMessage(context.Background(), userID, models.SendMessageInput{
		ConversationID: conversationID,
		Type:           models.MessageText,
		Content:        content,
	})
	if err != nil {
		t.Fatalf("send %q as %s: %v", content, userID, err)
	}
	return res.Message
}

func (e *testEnv) unread(t *testing.T, conversationID uuid.UUID, userID string) int {
	t.Helper()
	n, err := e.receipts.UnreadCount(context.Background(), conversationID, userID)
	if err != nil {
		t.Fatalf("unread count for %s: %v", userID, err)
	}
	return n
}

func (e *testEnv) receiptsFor(t *testing.T, messageID uuid.UUID, userID string) map[string]models.ReceiptStatus {
	t.Helper()
	receipts, err := e.receipts.ListReceipts(context.Background(), messageID, userID)
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	out := make(map[string]models.ReceiptStatus, len(receipts))
	for _, r := range receipts {
		out[r.UserID] = r.Status
	}
	return out
}

func strPtr(s string) *string { return &s }
