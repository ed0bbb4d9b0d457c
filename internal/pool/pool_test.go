package pool

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func newTestClient(userID string, buffer int) *Client {
	return NewClient(userID, nil, buffer, zerolog.Nop())
}

func TestAddAndRemoveClients(t *testing.T) {
	p := New(zerolog.Nop())
	phone := newTestClient("alice", 4)
	laptop := newTestClient("alice", 4)

	if !p.AddClient(phone) {
		t.Error("first connection not reported as first")
	}
	if p.AddClient(laptop) {
		t.Error("second connection reported as first")
	}
	if !p.IsOnline("alice") || p.ConnectionCount() != 2 {
		t.Fatalf("online=%v count=%d", p.IsOnline("alice"), p.ConnectionCount())
	}

	conv := uuid.New()
	p.Join(phone, conv)
	if phone.State() != StateJoined {
		t.Errorf("state = %s, want joined", phone.State())
	}

	if p.RemoveClient(phone) {
		t.Error("removing one of two connections reported as last")
	}
	if len(p.GroupClients(conv)) != 0 {
		t.Error("removed client still subscribed")
	}
	if !p.RemoveClient(laptop) {
		t.Error("removing the last connection not reported as last")
	}
	if p.RemoveClient(laptop) {
		t.Error("double removal reported as last")
	}
	if p.IsOnline("alice") {
		t.Error("alice still online")
	}
}

func TestFanoutReachesEachConnectionOnce(t *testing.T) {
	p := New(zerolog.Nop())
	conv := uuid.New()

	alicePhone := newTestClient("alice", 4)
	aliceLaptop := newTestClient("alice", 4)
	bob := newTestClient("bob", 4)
	carol := newTestClient("carol", 4)
	for _, c := range []*Client{alicePhone, aliceLaptop, bob, carol} {
		p.AddClient(c)
	}
	p.JoinUser("alice", conv)
	p.JoinUser("bob", conv)

	n := p.Fanout(conv, "alice", Event{Event: "newMessage"}, alicePhone)
	if n != 2 {
		t.Fatalf("reached %d connections, want 2", n)
	}
	if got := len(alicePhone.Drain()); got != 0 {
		t.Errorf("acting connection got %d events", got)
	}
	if got := len(aliceLaptop.Drain()); got != 1 {
		t.Errorf("actor's other device got %d events, want 1", got)
	}
	if got := len(bob.Drain()); got != 1 {
		t.Errorf("bob got %d events, want 1", got)
	}
	if got := len(carol.Drain()); got != 0 {
		t.Errorf("carol outside the group got %d events", got)
	}

	p.LeaveUser("bob", conv)
	p.Fanout(conv, "alice", Event{Event: "typing"}, nil)
	if got := len(bob.Drain()); got != 0 {
		t.Errorf("unsubscribed bob got %d events", got)
	}
}

func TestFullBufferClosesClient(t *testing.T) {
	p := New(zerolog.Nop())
	slow := newTestClient("bob", 1)
	p.AddClient(slow)

	if p.SendToUser("bob", Event{Event: "one"}, nil) != 1 {
		t.Fatal("first event not queued")
	}
	if p.SendToUser("bob", Event{Event: "two"}, nil) != 0 {
		t.Fatal("overflowing event reported as sent")
	}
	if slow.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", slow.State())
	}
	select {
	case <-slow.Done():
	default:
		t.Error("done channel not closed")
	}

	pending := slow.Drain()
	if len(pending) != 1 || pending[0].Event != "one" {
		t.Errorf("pending = %+v", pending)
	}
	if slow.Send(Event{Event: "late"}) {
		t.Error("send on a closed client succeeded")
	}
}

func TestOnlineUsers(t *testing.T) {
	p := New(zerolog.Nop())
	p.AddClient(newTestClient("carol", 1))
	p.AddClient(newTestClient("alice", 1))

	got := p.OnlineUsers([]string{"carol", "bob", "alice", "carol"})
	if len(got) != 2 || got[0] != "alice" || got[1] != "carol" {
		t.Errorf("online = %v, want [alice carol]", got)
	}
}
