package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestObjectKeyRoundTrip(t *testing.T) {
	conv := uuid.New()
	key := ObjectKey(conv, "alice", "../../etc/Garden Plan.pdf")

	if !strings.HasSuffix(key, "-Garden_Plan.pdf") {
		t.Errorf("key %q does not end with the cleaned name", key)
	}
	gotConv, gotUser, err := OwnerOf(key)
	if err != nil {
		t.Fatalf("owner of %q: %v", key, err)
	}
	if gotConv != conv || gotUser != "alice" {
		t.Errorf("owner = %s/%s", gotConv, gotUser)
	}

	for _, bad := range []string{"", "conversations", "other/x/y/z", "conversations/not-a-uuid/alice/f", "conversations/" + conv.String() + "/alice"} {
		if _, _, err := OwnerOf(bad); !errors.Is(err, ErrNotFound) {
			t.Errorf("OwnerOf(%q) err = %v", bad, err)
		}
	}
}

func TestObjectKeyEscapesUserSegment(t *testing.T) {
	conv := uuid.New()
	for _, userID := range []string{"org/ops", "..", "a b%c", "auth0|123"} {
		key := ObjectKey(conv, userID, "plan.pdf")
		if n := strings.Count(key, "/"); n != 3 {
			t.Errorf("key %q for %q has %d separators, want 3", key, userID, n)
		}
		gotConv, gotUser, err := OwnerOf(key)
		if err != nil {
			t.Fatalf("owner of %q: %v", key, err)
		}
		if gotConv != conv || gotUser != userID {
			t.Errorf("owner of %q = %s/%q, want %q", key, gotConv, gotUser, userID)
		}
	}
}

func TestLocalStorageSlashInUserID(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir(), "/files", zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	obj, err := s.Put(ctx, uuid.New(), "org/ops", "a.txt", "text/plain", 1, strings.NewReader("x"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if strings.Contains(obj.URL, "org/ops") || !strings.Contains(obj.URL, "org%252Fops") {
		t.Errorf("url %q does not escape the stored segment", obj.URL)
	}
	if ok, err := s.Exists(ctx, obj.Key); err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	if err := s.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := s.Exists(ctx, obj.Key); ok {
		t.Error("object still present after delete")
	}
}

func TestLocalStorage(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir(), "http://localhost:8080/files/", zerolog.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	conv := uuid.New()
	obj, err := s.Put(ctx, conv, "bob", "notes.txt", "text/plain", 5, strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if obj.Size != 5 || obj.URL != "http://localhost:8080/files/"+obj.Key {
		t.Errorf("object = %+v", obj)
	}

	ok, err := s.Exists(ctx, obj.Key)
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
	f, err := os.Open(s.Dir() + "/" + obj.Key)
	if err != nil {
		t.Fatalf("open stored file: %v", err)
	}
	body, _ := io.ReadAll(f)
	f.Close()
	if string(body) != "hello" {
		t.Errorf("body = %q", body)
	}

	if err := s.Delete(ctx, obj.Key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, obj.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v", err)
	}
	if ok, _ := s.Exists(ctx, obj.Key); ok {
		t.Error("deleted object still exists")
	}
	if ok, _ := s.Exists(ctx, "../../secret"); ok {
		t.Error("key outside the layout reported as existing")
	}
}
