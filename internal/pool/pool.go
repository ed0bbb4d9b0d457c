package pool

import (
	"hash/fnv"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const shardCount = 32

type userShard struct {
	mu      sync.RWMutex
	clients map[string]map[string]*Client
}

type groupShard struct {
	mu      sync.RWMutex
	members map[uuid.UUID]map[string]*Client
}

// Pool is the connection registry: user id to live connections and
// conversation id to subscribed connections. Both maps are lock-striped so
// unrelated users and conversations never contend.
type Pool struct {
	users  [shardCount]*userShard
	groups [shardCount]*groupShard
	logger zerolog.Logger
}

func New(logger zerolog.Logger) *Pool {
	p := &Pool{logger: logger.With().Str("component", "pool").Logger()}
	for i := 0; i < shardCount; i++ {
		p.users[i] = &userShard{clients: make(map[string]map[string]*Client)}
		p.groups[i] = &groupShard{members: make(map[uuid.UUID]map[string]*Client)}
	}
	return p
}

func (p *Pool) userShard(userID string) *userShard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return p.users[h.Sum32()%shardCount]
}

func (p *Pool) groupShard(conversationID uuid.UUID) *groupShard {
	h := fnv.New32a()
	h.Write(conversationID[:])
	return p.groups[h.Sum32()%shardCount]
}

// AddClient registers c under its user, which marks it authenticated, and
// reports whether it is the user's first live connection.
func (p *Pool) AddClient(c *Client) bool {
	sh := p.userShard(c.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	conns, ok := sh.clients[c.UserID]
	if !ok {
		conns = make(map[string]*Client)
		sh.clients[c.UserID] = conns
	}
	conns[c.ID] = c
	c.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticated))
	p.logger.Debug().Str("user_id", c.UserID).Str("client_id", c.ID).Int("connections", len(conns)).Msg("client added to pool")
	return len(conns) == 1
}

// RemoveClient unregisters c from the user map and every group it joined.
// It reports whether that was the user's last connection.
func (p *Pool) RemoveClient(c *Client) bool {
	for _, conversationID := range c.Groups() {
		p.Leave(c, conversationID)
	}

	sh := p.userShard(c.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	conns, ok := sh.clients[c.UserID]
	if !ok {
		return false
	}
	if _, ok := conns[c.ID]; !ok {
		return false
	}
	delete(conns, c.ID)
	p.logger.Debug().Str("user_id", c.UserID).Str("client_id", c.ID).Int("connections", len(conns)).Msg("client removed from pool")
	if len(conns) == 0 {
		delete(sh.clients, c.UserID)
		return true
	}
	return false
}

func (p *Pool) Join(c *Client, conversationID uuid.UUID) {
	sh := p.groupShard(conversationID)
	sh.mu.Lock()
	members, ok := sh.members[conversationID]
	if !ok {
		members = make(map[string]*Client)
		sh.members[conversationID] = members
	}
	members[c.ID] = c
	sh.mu.Unlock()

	c.addGroup(conversationID)
}

func (p *Pool) Leave(c *Client, conversationID uuid.UUID) {
	sh := p.groupShard(conversationID)
	sh.mu.Lock()
	if members, ok := sh.members[conversationID]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(sh.members, conversationID)
		}
	}
	sh.mu.Unlock()

	c.removeGroup(conversationID)
}

// JoinUser subscribes every live connection of userID to the conversation.
func (p *Pool) JoinUser(userID string, conversationID uuid.UUID) {
	for _, c := range p.UserClients(userID) {
		p.Join(c, conversationID)
	}
}

// LeaveUser unsubscribes every live connection of userID from the
// conversation.
func (p *Pool) LeaveUser(userID string, conversationID uuid.UUID) {
	for _, c := range p.UserClients(userID) {
		p.Leave(c, conversationID)
	}
}

func (p *Pool) UserClients(userID string) []*Client {
	sh := p.userShard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	conns := sh.clients[userID]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

func (p *Pool) GroupClients(conversationID uuid.UUID) []*Client {
	sh := p.groupShard(conversationID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	members := sh.members[conversationID]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

func (p *Pool) IsOnline(userID string) bool {
	sh := p.userShard(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.clients[userID]) > 0
}

// OnlineUsers filters userIDs down to those with a live connection, sorted.
func (p *Pool) OnlineUsers(userIDs []string) []string {
	out := []string{}
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p.IsOnline(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) ConnectionCount() int {
	n := 0
	for _, sh := range p.users {
		sh.mu.RLock()
		for _, conns := range sh.clients {
			n += len(conns)
		}
		sh.mu.RUnlock()
	}
	return n
}

// Fanout delivers ev to every connection subscribed to the conversation and
// to every connection of actorID, each at most once, skipping except (the
// acting connection). It returns the number of connections reached.
func (p *Pool) Fanout(conversationID uuid.UUID, actorID string, ev Event, except *Client) int {
	targets := p.GroupClients(conversationID)
	if actorID != "" {
		targets = append(targets, p.UserClients(actorID)...)
	}
	return p.deliver(targets, ev, except)
}

// SendToUser delivers ev to every connection of userID except one.
func (p *Pool) SendToUser(userID string, ev Event, except *Client) int {
	return p.deliver(p.UserClients(userID), ev, except)
}

func (p *Pool) deliver(targets []*Client, ev Event, except *Client) int {
	sent := 0
	seen := make(map[string]struct{}, len(targets))
	for _, c := range targets {
		if except != nil && c.ID == except.ID {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if c.Send(ev) {
			sent++
		}
	}
	return sent
}
