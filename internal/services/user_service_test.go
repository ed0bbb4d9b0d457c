package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"NeighborChat/server/internal/models"
)

func TestEnsureUserUpserts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	email := "erin@example.org"
	if err := env.users.EnsureUser(ctx, models.User{ID: "erin", Username: "erin", Email: &email}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	user, err := env.users.GetUserByID(ctx, "erin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if user.Username != "erin" || user.Email == nil || *user.Email != email {
		t.Errorf("user = %+v", user)
	}

	if err := env.users.EnsureUser(ctx, models.User{}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Errorf("empty id: err = %v", err)
	}
	if _, err := env.users.GetUserByID(ctx, "nobody"); !errors.Is(err, models.ErrUserNotFound) {
		t.Errorf("unknown user: err = %v", err)
	}
}

func TestResolveUsers(t *testing.T) {
	env := newTestEnv(t)

	missing, err := env.users.ResolveUsers(context.Background(), []string{"zed", "alice", "bob", "alice", "mallory"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(missing) != 2 || missing[0] != "mallory" || missing[1] != "zed" {
		t.Errorf("missing = %v, want [mallory zed]", missing)
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	auth := NewAuthService("test-secret", env.users, env.logger())

	token, err := auth.IssueToken("frank", "Frank", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	userID, err := auth.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if userID != "frank" {
		t.Errorf("user id = %q, want frank", userID)
	}
	user, err := env.users.GetUserByID(ctx, "frank")
	if err != nil {
		t.Fatalf("identity not recorded: %v", err)
	}
	if user.Username != "Frank" {
		t.Errorf("username = %q", user.Username)
	}

	forged, err := NewAuthService("other-secret", env.users, env.logger()).IssueToken("frank", "Frank", time.Hour)
	if err != nil {
		t.Fatalf("issue forged: %v", err)
	}
	for name, tok := range map[string]string{
		"empty":   "",
		"garbage": "not-a-jwt",
		"forged":  forged,
	} {
		if _, err := auth.Authenticate(ctx, tok); !errors.Is(err, models.ErrUnauthenticated) {
			t.Errorf("%s token: err = %v, want ErrUnauthenticated", name, err)
		}
	}

	expired, err := auth.IssueToken("frank", "Frank", -time.Minute)
	if err != nil {
		t.Fatalf("issue expired: %v", err)
	}
	if _, err := auth.Authenticate(ctx, expired); !errors.Is(err, models.ErrUnauthenticated) {
		t.Errorf("expired token: err = %v", err)
	}
}
