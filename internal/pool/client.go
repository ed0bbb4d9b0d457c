package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024

	DefaultBufferSize = 256
)

// State is the lifecycle of a live connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Event is the envelope of every frame on the wire, in both directions.
type Event struct {
	Event     string `json:"event"`
	RequestID string `json:"request_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Client is one live connection of a user. Outbound events go through a
// bounded egress buffer drained by WritePump; a client that cannot keep up
// is closed rather than allowed to block the sender.
type Client struct {
	ID     string
	UserID string

	conn   *websocket.Conn
	egress chan Event
	state  atomic.Int32

	mu      sync.Mutex
	groups  map[uuid.UUID]struct{}
	pending []Event

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	logger zerolog.Logger
}

func NewClient(userID string, conn *websocket.Conn, bufferSize int, logger zerolog.Logger) *Client {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		egress: make(chan Event, bufferSize),
		groups: make(map[uuid.UUID]struct{}),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("client_id", id).Str("user_id", userID).Logger(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Send queues ev without blocking. It reports false when the client is
// closed or its buffer is full; in the latter case the client is closed.
func (c *Client) Send(ev Event) bool {
	if c.State() == StateDisconnected {
		return false
	}
	select {
	case c.egress <- ev:
		return true
	default:
		c.logger.Warn().Str("event", ev.Event).Msg("egress buffer full, closing connection")
		c.Close()
		return false
	}
}

// Close is idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnected))
		c.cancel()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// Drain returns the events still queued on a closed client.
func (c *Client) Drain() []Event {
	c.mu.Lock()
	out := c.pending
	c.pending = nil
	c.mu.Unlock()
	for {
		select {
		case ev := <-c.egress:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// keep holds an event taken off the egress buffer but never written, so
// Drain still returns it.
func (c *Client) keep(ev Event) {
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	c.mu.Unlock()
}

// Groups lists the conversations this connection is subscribed to.
func (c *Client) Groups() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uuid.UUID, 0, len(c.groups))
	for id := range c.groups {
		out = append(out, id)
	}
	return out
}

func (c *Client) addGroup(conversationID uuid.UUID) {
	c.mu.Lock()
	c.groups[conversationID] = struct{}{}
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(StateAuthenticated), int32(StateJoined))
}

func (c *Client) removeGroup(conversationID uuid.UUID) {
	c.mu.Lock()
	delete(c.groups, conversationID)
	c.mu.Unlock()
}

// ReadPump reads frames until the connection fails or the client is closed,
// handing each one to handle. It closes the client on return.
func (c *Client) ReadPump(handle func(data []byte)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug().Err(err).Msg("set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("unexpected close")
			}
			return
		}
		handle(data)
	}
}

// WritePump serializes queued events onto the connection and keeps it
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-c.egress:
			if c.ctx.Err() != nil {
				c.keep(ev)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Warn().Err(err).Str("event", ev.Event).Msg("error sending event")
				c.keep(ev)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
