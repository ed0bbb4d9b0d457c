package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/db"
	"NeighborChat/server/internal/models"
	"NeighborChat/server/internal/pool"
	"NeighborChat/server/internal/services"
	"NeighborChat/server/internal/storage"
)

type recordingBridge struct {
	ch chan models.Notification
}

func (b *recordingBridge) Notify(_ context.Context, n models.Notification) error {
	b.ch <- n
	return nil
}

func (b *recordingBridge) Close() error { return nil }

type testServer struct {
	srv           *httptest.Server
	auth          services.AuthService
	conversations services.ConversationService
	bridge        *recordingBridge
	gateway       *Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	d, err := db.OpenMemory(ctx, logger)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	clock := clockwork.NewRealClock()
	users, err := services.NewUserService(d, clock, 64, logger)
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	for _, id := range []string{"alice", "bob", "carol"} {
		if err := users.EnsureUser(ctx, models.User{ID: id, Username: id}); err != nil {
			t.Fatalf("ensure %s: %v", id, err)
		}
	}
	conversations := services.NewConversationService(d, users, clock, logger)
	receipts := services.NewReceiptService(d, clock, logger)
	messages := services.NewMessageService(d, receipts, clock, logger)
	typing := services.NewTypingService(conversations, clock, services.DefaultTypingTTL, services.DefaultTypingSweepInterval, logger)
	auth := services.NewAuthService("test-secret", users, logger)

	files, err := storage.NewLocalStorage(t.TempDir(), "/files", logger)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	bridge := &recordingBridge{ch: make(chan models.Notification, 16)}
	gateway := NewGateway(GatewayDeps{
		Conversations: conversations,
		Messages:      messages,
		Receipts:      receipts,
		Typing:        typing,
		Auth:          auth,
		Bridge:        bridge,
		Pool:          pool.New(logger),
	}, logger)
	handler := NewHandler(HandlerDeps{
		Gateway:       gateway,
		Conversations: conversations,
		Messages:      messages,
		Receipts:      receipts,
		Users:         users,
		Storage:       files,
	}, logger)

	srv := httptest.NewServer(NewRouter(handler, gateway, RouterOptions{
		Auth:     auth,
		DB:       d,
		FilesDir: files.Dir(),
	}, logger))
	t.Cleanup(srv.Close)

	return &testServer{
		srv:           srv,
		auth:          auth,
		conversations: conversations,
		bridge:        bridge,
		gateway:       gateway,
	}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := ts.auth.IssueToken(userID, userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (ts *testServer) request(t *testing.T, method, path, userID string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, userID))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (ts *testServer) direct(t *testing.T, a, b string) *models.Conversation {
	t.Helper()
	status, body := ts.request(t, http.MethodPost, "/api/conversations", a, map[string]any{
		"type":            "direct",
		"participant_ids": []string{b},
	})
	if status != http.StatusCreated && status != http.StatusOK {
		t.Fatalf("create direct: %d %s", status, body)
	}
	var conv models.Conversation
	if err := json.Unmarshal(body, &conv); err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return &conv
}

type wireEvent struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + url.QueryEscape(ts.token(t, userID))
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	expectEvent(t, conn, EventConnected)
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event, requestID string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "request_id": requestID, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// collect reads until every named event has been seen once and returns
// them; anything else on the wire is skipped.
func collect(t *testing.T, conn *websocket.Conn, names ...string) map[string]wireEvent {
	t.Helper()
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	got := make(map[string]wireEvent, len(names))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for len(got) < len(want) {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %v (have %d): %v", names, len(got), err)
		}
		if _, seen := got[ev.Event]; want[ev.Event] && !seen {
			got[ev.Event] = ev
		}
	}
	return got
}

func expectEvent(t *testing.T, conn *websocket.Conn, name string) wireEvent {
	t.Helper()
	return collect(t, conn, name)[name]
}

// until reads up to and including the named event and returns everything
// read on the way.
func until(t *testing.T, conn *websocket.Conn, name string) []wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var seen []wireEvent
	for {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		seen = append(seen, ev)
		if ev.Event == name {
			return seen
		}
	}
}

func count(events []wireEvent, name string) int {
	n := 0
	for _, ev := range events {
		if ev.Event == name {
			n++
		}
	}
	return n
}
