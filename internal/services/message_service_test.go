package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"NeighborChat/server/internal/models"
)

func TestSendMessageWritesReceiptsAndCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.group(t, "Block 7", "alice", "bob", "carol")

	res, err := env.messages.SendMessage(ctx, "alice", models.SendMessageInput{
		ConversationID: conv.ID,
		Content:        "hello block",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Message.Type != models.MessageText || res.Message.Seq != 1 {
		t.Errorf("message = %+v", res.Message)
	}
	if len(res.Recipients) != 3 {
		t.Errorf("recipients = %d, want 3", len(res.Recipients))
	}

	receipts := env.receiptsFor(t, res.Message.ID, "alice")
	if len(receipts) != 3 {
		t.Fatalf("receipts = %d, want one per active participant", len(receipts))
	}
	if receipts["alice"] != models.ReceiptRead {
		t.Errorf("sender receipt = %s, want read", receipts["alice"])
	}
	for _, user := range []string{"bob", "carol"} {
		if receipts[user] != models.ReceiptSent {
			t.Errorf("%s receipt = %s, want sent", user, receipts[user])
		}
		if n := env.unread(t, conv.ID, user); n != 1 {
			t.Errorf("%s unread = %d, want 1", user, n)
		}
	}
	if n := env.unread(t, conv.ID, "alice"); n != 0 {
		t.Errorf("sender unread = %d, want 0", n)
	}

	got, err := env.conversations.GetConversation(ctx, conv.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastMessageAt == nil || !got.LastMessageAt.Equal(res.Message.CreatedAt) {
		t.Errorf("last_message_at = %v, want %v", got.LastMessageAt, res.Message.CreatedAt)
	}
}

func TestDirectConversationReadScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, "alice", "bob")

	hi := env.send(t, "alice", conv.ID, "hi")
	if n := env.unread(t, conv.ID, "bob"); n != 1 {
		t.Fatalf("bob unread = %d, want 1", n)
	}
	if n := env.unread(t, conv.ID, "alice"); n != 0 {
		t.Fatalf("alice unread = %d, want 0", n)
	}

	res, err := env.receipts.MarkRead(ctx, conv.ID, "bob", nil)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if len(res.MessageIDs) != 1 || res.MessageIDs[0] != hi.ID {
		t.Errorf("read messages = %v, want [%s]", res.MessageIDs, hi.ID)
	}
	if len(res.SenderIDs) != 1 || res.SenderIDs[0] != "alice" {
		t.Errorf("senders = %v, want [alice]", res.SenderIDs)
	}
	if res.LastReadMessageID == nil || *res.LastReadMessageID != hi.ID {
		t.Errorf("last read = %v, want %s", res.LastReadMessageID, hi.ID)
	}
	if n := env.unread(t, conv.ID, "bob"); n != 0 {
		t.Errorf("bob unread after read = %d, want 0", n)
	}
	if status := env.receiptsFor(t, hi.ID, "alice")["bob"]; status != models.ReceiptRead {
		t.Errorf("bob's receipt = %s, want read", status)
	}

	again, err := env.receipts.MarkRead(ctx, conv.ID, "bob", nil)
	if err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if len(again.MessageIDs) != 0 {
		t.Errorf("second mark read changed %v", again.MessageIDs)
	}
	if n := env.unread(t, conv.ID, "bob"); n != 0 {
		t.Errorf("bob unread = %d, want 0", n)
	}
}

func TestUnreadCountsFollowOtherSenders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, "alice", "bob")

	m1 := env.send(t, "alice", conv.ID, "one")
	m2 := env.send(t, "alice", conv.ID, "two")
	m3 := env.send(t, "alice", conv.ID, "three")
	env.send(t, "bob", conv.ID, "reply")

	if n := env.unread(t, conv.ID, "bob"); n != 3 {
		t.Errorf("bob unread = %d, want 3", n)
	}
	if n := env.unread(t, conv.ID, "alice"); n != 1 {
		t.Errorf("alice unread = %d, want 1", n)
	}

	res, err := env.receipts.MarkRead(ctx, conv.ID, "bob", &m2.ID)
	if err != nil {
		t.Fatalf("mark read up to m2: %v", err)
	}
	if len(res.MessageIDs) != 2 {
		t.Errorf("read %d messages, want 2", len(res.MessageIDs))
	}
	if n := env.unread(t, conv.ID, "bob"); n != 0 {
		t.Errorf("bob unread = %d, want 0 after mark read", n)
	}
	if s := env.receiptsFor(t, m1.ID, "bob")["bob"]; s != models.ReceiptRead {
		t.Errorf("m1 = %s, want read", s)
	}
	if s := env.receiptsFor(t, m3.ID, "bob")["bob"]; s != models.ReceiptSent {
		t.Errorf("m3 = %s, want sent", s)
	}

	deliveredAt, advanced, err := env.receipts.MarkDelivered(ctx, m3.ID, "bob")
	if err != nil || !advanced {
		t.Fatalf("deliver m3: advanced=%v err=%v", advanced, err)
	}
	if !deliveredAt.Equal(env.clock.Now().UTC().Truncate(time.Microsecond)) {
		t.Errorf("delivered at %v, want the service clock %v", deliveredAt, env.clock.Now())
	}
	stored, err := env.receipts.ListReceipts(ctx, m3.ID, "bob")
	if err != nil {
		t.Fatalf("list receipts: %v", err)
	}
	for _, r := range stored {
		if r.UserID == "bob" && (r.DeliveredAt == nil || !r.DeliveredAt.Equal(deliveredAt)) {
			t.Errorf("stored delivered_at = %v, want %v", r.DeliveredAt, deliveredAt)
		}
	}
	_, advanced, err = env.receipts.MarkDelivered(ctx, m3.ID, "bob")
	if err != nil || advanced {
		t.Errorf("second delivery advanced=%v err=%v, want no-op", advanced, err)
	}
	_, advanced, err = env.receipts.MarkDelivered(ctx, m1.ID, "bob")
	if err != nil || advanced {
		t.Errorf("delivery after read advanced=%v err=%v, want no-op", advanced, err)
	}
	_, advanced, err = env.receipts.MarkDelivered(ctx, m3.ID, "carol")
	if err != nil || advanced {
		t.Errorf("delivery without a receipt advanced=%v err=%v", advanced, err)
	}
	if s := env.receiptsFor(t, m1.ID, "bob")["bob"]; s != models.ReceiptRead {
		t.Errorf("m1 regressed to %s", s)
	}

	// Reading an older message must not move last_read_message_id back.
	if _, err := env.receipts.MarkRead(ctx, conv.ID, "bob", nil); err != nil {
		t.Fatalf("mark all read: %v", err)
	}
	res, err = env.receipts.MarkRead(ctx, conv.ID, "bob", &m1.ID)
	if err != nil {
		t.Fatalf("mark read m1: %v", err)
	}
	if res.LastReadMessageID == nil || *res.LastReadMessageID == m1.ID {
		t.Errorf("last read moved back to %v", res.LastReadMessageID)
	}

	unknown := uuid.New()
	if _, err := env.receipts.MarkRead(ctx, conv.ID, "bob", &unknown); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("mark read unknown message: err = %v", err)
	}
	if _, err := env.receipts.MarkRead(ctx, conv.ID, "carol", nil); !errors.Is(err, models.ErrUserNotParticipant) {
		t.Errorf("mark read by outsider: err = %v", err)
	}
}

func TestSendMessageRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	conv := env.direct(t, "alice", "bob")

	_, err := env.messages.SendMessage(context.Background(), "carol", models.SendMessageInput{
		ConversationID: conv.ID,
		Content:        "let me in",
	})
	if !errors.Is(err, models.ErrForbidden) || !errors.Is(err, models.ErrUserNotParticipant) {
		t.Fatalf("err = %v, want Forbidden/NotAParticipant", err)
	}

	_, err = env.messages.SendMessage(context.Background(), "alice", models.SendMessageInput{
		ConversationID: uuid.New(),
		Content:        "anyone?",
	})
	if !errors.Is(err, models.ErrConversationNotFound) {
		t.Fatalf("err = %v, want ErrConversationNotFound", err)
	}
}

func TestReplyMustStayInConversation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.direct(t, "alice", "bob")
	second := env.direct(t, "alice", "carol")

	elsewhere := env.send(t, "carol", second.ID, "over here")
	local := env.send(t, "bob", first.ID, "question")

	_, err := env.messages.SendMessage(ctx, "alice", models.SendMessageInput{
		ConversationID: first.ID,
		Content:        "answer",
		ReplyToID:      &elsewhere.ID,
	})
	if !errors.Is(err, models.ErrInvalidReply) {
		t.Fatalf("cross-conversation reply: err = %v, want ErrInvalidReply", err)
	}

	missing := uuid.New()
	_, err = env.messages.SendMessage(ctx, "alice", models.SendMessageInput{
		ConversationID: first.ID,
		Content:        "answer",
		ReplyToID:      &missing,
	})
	if !errors.Is(err, models.ErrMessageNotFound) {
		t.Fatalf("missing reply target: err = %v, want ErrMessageNotFound", err)
	}

	res, err := env.messages.SendMessage(ctx, "alice", models.SendMessageInput{
		ConversationID: first.ID,
		Content:        "answer",
		ReplyToID:      &local.ID,
	})
	if err != nil {
		t.Fatalf("local reply: %v", err)
	}
	if res.Message.ReplyToID == nil || *res.Message.ReplyToID != local.ID {
		t.Errorf("reply_to = %v, want %s", res.Message.ReplyToID, local.ID)
	}

	// The rejected sends left no trace.
	if n := env.unread(t, first.ID, "bob"); n != 1 {
		t.Errorf("bob unread = %d, want 1", n)
	}
}

func TestEditAndDeleteRules(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, "alice", "bob")
	msg := env.send(t, "alice", conv.ID, "draft")

	if _, err := env.messages.EditMessage(ctx, msg.ID, "bob", "hijack"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("edit by non-sender: err = %v, want ErrForbidden", err)
	}
	if _, err := env.messages.DeleteMessage(ctx, msg.ID, "bob"); !errors.Is(err, models.ErrForbidden) {
		t.Errorf("delete by non-sender: err = %v, want ErrForbidden", err)
	}

	edited, err := env.messages.EditMessage(ctx, msg.ID, "alice", "final")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.IsEdited || edited.EditedAt == nil || edited.Content != "final" {
		t.Errorf("edited = %+v", edited)
	}
	if _, err := env.messages.EditMessage(ctx, msg.ID, "alice", "  "); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("blank edit: err = %v", err)
	}

	deleted, err := env.messages.DeleteMessage(ctx, msg.ID, "alice")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted.IsDeleted || deleted.DeletedAt == nil || deleted.Content != models.DeletedMessagePlaceholder {
		t.Errorf("deleted = %+v", deleted)
	}

	if _, err := env.messages.DeleteMessage(ctx, msg.ID, "alice"); !errors.Is(err, models.ErrAlreadyDeleted) {
		t.Errorf("second delete: err = %v, want ErrAlreadyDeleted", err)
	}
	if _, err := env.messages.EditMessage(ctx, msg.ID, "alice", "resurrect"); !errors.Is(err, models.ErrAlreadyDeleted) {
		t.Errorf("edit after delete: err = %v, want ErrAlreadyDeleted", err)
	}
	if _, err := env.messages.DeleteMessage(ctx, uuid.New(), "alice"); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("delete missing: err = %v", err)
	}

	page, err := env.messages.ListMessages(ctx, conv.ID, "bob", 10, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 1 || !page.Messages[0].IsDeleted {
		t.Errorf("tombstone missing from history: %+v", page.Messages)
	}
	if status := env.receiptsFor(t, msg.ID, "alice")["bob"]; status != models.ReceiptSent {
		t.Errorf("receipt lost on delete: %s", status)
	}
}

func TestListMessagesPagination(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, "alice", "bob")

	var sent []models.Message
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		sent = append(sent, env.send(t, "alice", conv.ID, text))
	}

	var (
		seen   []string
		before *uuid.UUID
	)
	for pages := 0; pages < 5; pages++ {
		page, err := env.messages.ListMessages(ctx, conv.ID, "bob", 2, before)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		for _, m := range page.Messages {
			seen = append(seen, m.Content)
		}
		if !page.HasMore {
			break
		}
		before = page.NextBefore
	}

	want := []string{"5", "4", "3", "2", "1"}
	if len(seen) != len(want) {
		t.Fatalf("saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("saw %v, want %v", seen, want)
		}
	}

	if _, err := env.messages.ListMessages(ctx, conv.ID, "carol", 10, nil); !errors.Is(err, models.ErrUserNotParticipant) {
		t.Errorf("outsider list: err = %v", err)
	}
	other := env.direct(t, "alice", "carol")
	if _, err := env.messages.ListMessages(ctx, other.ID, "alice", 10, &sent[0].ID); !errors.Is(err, models.ErrMessageNotFound) {
		t.Errorf("foreign cursor: err = %v", err)
	}
}

func TestSendMessageDeduplicatesClientID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, "alice", "bob")

	in := models.SendMessageInput{
		ConversationID:  conv.ID,
		Content:         "only once",
		ClientMessageID: strPtr("c-1"),
	}
	first, err := env.messages.SendMessage(ctx, "alice", in)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	retry, err := env.messages.SendMessage(ctx, "alice", in)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !retry.Duplicate || retry.Message.ID != first.Message.ID {
		t.Errorf("retry = %+v, want duplicate of %s", retry, first.Message.ID)
	}
	if n := env.unread(t, conv.ID, "bob"); n != 1 {
		t.Errorf("bob unread = %d, want 1", n)
	}

	// The same token from another sender is a different message.
	other, err := env.messages.SendMessage(ctx, "bob", in)
	if err != nil {
		t.Fatalf("bob send: %v", err)
	}
	if other.Duplicate {
		t.Error("bob's message treated as alice's retry")
	}
}

func TestConcurrentRetriesStoreOneMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.group(t, "Allotment", "alice", "bob", "carol")

	in := models.SendMessageInput{
		ConversationID:  conv.ID,
		Content:         "water rota",
		ClientMessageID: strPtr("retry-1"),
	}
	const attempts = 8
	results := make([]*models.SendResult, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.messages.SendMessage(ctx, "alice", in)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i, res := range results {
		if errs[i] != nil {
			t.Fatalf("attempt %d: %v", i, errs[i])
		}
		if res.Message.ID != results[0].Message.ID {
			t.Errorf("attempt %d stored %s, want %s", i, res.Message.ID, results[0].Message.ID)
		}
		if !res.Duplicate {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d attempts stored a message, want 1", fresh)
	}
	for _, user := range []string{"bob", "carol"} {
		if n := env.unread(t, conv.ID, user); n != 1 {
			t.Errorf("%s unread = %d, want 1", user, n)
		}
	}

	// Duplicates leave no gap in the sequence.
	next := env.send(t, "bob", conv.ID, "noted")
	if next.Seq != results[0].Message.Seq+1 {
		t.Errorf("next seq = %d, want %d", next.Seq, results[0].Message.Seq+1)
	}
}

func TestConcurrentSendAndReadKeepCounters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.group(t, "Tool share", "alice", "bob", "carol")

	const perSender = 10
	var wg sync.WaitGroup
	errs := make(chan error, 3*perSender)
	for _, sender := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if _, err := env.messages.SendMessage(ctx, sender, models.SendMessageInput{
					ConversationID: conv.ID,
					Content:        sender + " lends a drill",
				}); err != nil {
					errs <- err
				}
			}
		}(sender)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < perSender; i++ {
			if _, err := env.receipts.MarkRead(ctx, conv.ID, "bob", nil); err != nil {
				errs <- err
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent op: %v", err)
	}

	if _, err := env.receipts.MarkRead(ctx, conv.ID, "bob", nil); err != nil {
		t.Fatalf("final read: %v", err)
	}
	tests := []struct {
		user string
		want int
	}{
		{"alice", perSender},
		{"bob", 0},
		{"carol", 2 * perSender},
	}
	for _, tt := range tests {
		if n := env.unread(t, conv.ID, tt.user); n != tt.want {
			t.Errorf("%s unread = %d, want %d", tt.user, n, tt.want)
		}
	}

	page, err := env.messages.ListMessages(ctx, conv.ID, "carol", 50, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	seen := make(map[int64]bool, len(page.Messages))
	for _, m := range page.Messages {
		if seen[m.Seq] {
			t.Errorf("seq %d assigned twice", m.Seq)
		}
		seen[m.Seq] = true
	}
	if len(seen) != 2*perSender {
		t.Errorf("%d distinct seqs, want %d", len(seen), 2*perSender)
	}
}

func TestMessageMetadata(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, "alice", "bob")

	_, err := env.messages.SendMessage(ctx, "alice", models.SendMessageInput{
		ConversationID: conv.ID,
		Type:           models.MessageImage,
	})
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("image without metadata: err = %v", err)
	}

	_, err = env.messages.SendMessage(ctx, "alice", models.SendMessageInput{
		ConversationID: conv.ID,
		Type:           models.MessageImage,
		Metadata:       models.FileMetadata{URL: "u", FileName: "f"},
	})
	if !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("mismatched metadata: err = %v", err)
	}

	_, err = env.messages.SendMessage(ctx, "alice", models.SendMessageInput{
		ConversationID: conv.ID,
		Type:           models.MessageLocation,
		Content:        "meet here",
		Metadata:       models.LocationMetadata{Latitude: 52.37, Longitude: 4.89, Address: "Dam Square"},
	})
	if err != nil {
		t.Fatalf("send location: %v", err)
	}

	page, err := env.messages.ListMessages(ctx, conv.ID, "bob", 10, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(page.Messages))
	}
	loc, ok := page.Messages[0].Metadata.(models.LocationMetadata)
	if !ok {
		t.Fatalf("metadata = %T, want LocationMetadata", page.Messages[0].Metadata)
	}
	if loc.Address != "Dam Square" || loc.Latitude != 52.37 {
		t.Errorf("location = %+v", loc)
	}
}

func TestSoftLeaveStopsCounting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.group(t, "Allotments", "alice", "bob", "carol")

	before := env.send(t, "bob", conv.ID, "before")
	page, err := env.messages.ListMessages(ctx, conv.ID, "alice", 10, nil)
	if err != nil || len(page.Messages) != 1 {
		t.Fatalf("alice history before leaving: %v %+v", err, page)
	}

	if err := env.conversations.RemoveParticipant(ctx, conv.ID, "alice", "alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	after := env.send(t, "bob", conv.ID, "after")

	if len(env.receiptsFor(t, before.ID, "bob")) != 3 {
		t.Error("receipts before leaving should cover three participants")
	}
	receipts := env.receiptsFor(t, after.ID, "bob")
	if len(receipts) != 2 {
		t.Errorf("receipts after leaving = %d, want 2", len(receipts))
	}
	if _, ok := receipts["alice"]; ok {
		t.Error("left participant got a receipt")
	}

	if _, err := env.receipts.UnreadCount(ctx, conv.ID, "alice"); !errors.Is(err, models.ErrUserNotParticipant) {
		t.Errorf("left participant unread: err = %v", err)
	}
	if _, err := env.messages.ListMessages(ctx, conv.ID, "alice", 10, nil); !errors.Is(err, models.ErrUserNotParticipant) {
		t.Errorf("left participant history: err = %v", err)
	}

	var unread int
	if err := env.db.Get(ctx, env.db.Conn(), env.db.Builder().
		Select("unread_count").
		From("participants").
		Where(map[string]any{"conversation_id": conv.ID, "user_id": "alice"}), &unread); err != nil {
		t.Fatalf("raw unread: %v", err)
	}
	if unread != 1 {
		t.Errorf("alice's stored unread = %d, want 1 (only the message before leaving)", unread)
	}

	list, err := env.conversations.ListConversations(ctx, "alice", models.ConversationFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("left conversation still listed: %d", len(list))
	}

	// Rejoining starts from a clean slate.
	if _, err := env.conversations.AddParticipants(ctx, conv.ID, "bob", []string{"alice"}); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if n := env.unread(t, conv.ID, "alice"); n != 0 {
		t.Errorf("rejoined unread = %d, want 0", n)
	}
}
