package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"NeighborChat/server/internal/models"
)

func TestTypingHeartbeatAndExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, "alice", "bob")

	ind, changed, err := env.typing.SetTyping(ctx, conv.ID, "alice", true)
	if err != nil {
		t.Fatalf("set typing: %v", err)
	}
	if !changed || !ind.IsTyping {
		t.Fatalf("first heartbeat: changed=%v indicator=%+v", changed, ind)
	}
	if want := env.clock.Now().Add(DefaultTypingTTL); !ind.ExpiresAt.Equal(want) {
		t.Errorf("expires at %v, want %v", ind.ExpiresAt, want)
	}

	env.clock.Advance(3 * time.Second)
	if _, changed, _ := env.typing.SetTyping(ctx, conv.ID, "alice", true); changed {
		t.Error("refreshing an active indicator reported a change")
	}
	if n := len(env.typing.ActiveTypers(conv.ID)); n != 1 {
		t.Fatalf("active typers = %d, want 1", n)
	}

	env.clock.Advance(7 * time.Second)
	if n := len(env.typing.ActiveTypers(conv.ID)); n != 0 {
		t.Errorf("stale indicator still listed")
	}
	expired := env.typing.Sweep()
	if len(expired) != 1 || expired[0].UserID != "alice" || expired[0].IsTyping {
		t.Fatalf("sweep = %+v", expired)
	}
	if again := env.typing.Sweep(); len(again) != 0 {
		t.Errorf("second sweep = %+v", again)
	}
}

func TestTypingStopAndClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.direct(t, "alice", "bob")
	second := env.group(t, "Street party", "alice", "bob", "carol")

	if _, changed, _ := env.typing.SetTyping(ctx, first.ID, "bob", false); changed {
		t.Error("stopping without typing reported a change")
	}

	env.typing.SetTyping(ctx, first.ID, "bob", true)
	ind, changed, err := env.typing.SetTyping(ctx, first.ID, "bob", false)
	if err != nil || !changed || ind.IsTyping {
		t.Fatalf("stop: indicator=%+v changed=%v err=%v", ind, changed, err)
	}
	if n := len(env.typing.ActiveTypers(first.ID)); n != 0 {
		t.Errorf("active typers = %d after stop", n)
	}

	env.typing.SetTyping(ctx, first.ID, "bob", true)
	env.typing.SetTyping(ctx, second.ID, "bob", true)
	env.typing.SetTyping(ctx, second.ID, "carol", true)

	cleared := env.typing.ClearUser("bob")
	if len(cleared) != 2 {
		t.Fatalf("cleared %d indicators, want 2", len(cleared))
	}
	for _, ind := range cleared {
		if ind.UserID != "bob" || ind.IsTyping {
			t.Errorf("cleared = %+v", ind)
		}
	}
	typers := env.typing.ActiveTypers(second.ID)
	if len(typers) != 1 || typers[0].UserID != "carol" {
		t.Errorf("remaining typers = %+v", typers)
	}
}

func TestTypingRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	conv := env.direct(t, "alice", "bob")

	_, _, err := env.typing.SetTyping(context.Background(), conv.ID, "carol", true)
	if !errors.Is(err, models.ErrUserNotParticipant) {
		t.Fatalf("err = %v, want ErrUserNotParticipant", err)
	}
	if n := len(env.typing.ActiveTypers(conv.ID)); n != 0 {
		t.Errorf("outsider registered as typing")
	}
}

func TestTypingSweeperReportsExpiry(t *testing.T) {
	env := newTestEnv(t)
	conv := env.direct(t, "alice", "bob")

	ctx, cancel := context.WithCancel(context.Background())
	expired := make(chan []models.TypingIndicator, 1)
	done := make(chan struct{})
	go func() {
		env.typing.Run(ctx, func(in []models.TypingIndicator) { expired <- in })
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if _, _, err := env.typing.SetTyping(ctx, conv.ID, "alice", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	env.clock.BlockUntil(1)

	env.clock.Advance(DefaultTypingSweepInterval)
	select {
	case in := <-expired:
		if len(in) != 1 || in[0].UserID != "alice" || in[0].ConversationID != conv.ID || in[0].IsTyping {
			t.Fatalf("expired = %+v", in)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not report the stale indicator")
	}
	if n := len(env.typing.ActiveTypers(conv.ID)); n != 0 {
		t.Errorf("active typers = %d after expiry", n)
	}
}
