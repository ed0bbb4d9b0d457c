package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/metrics"
	"NeighborChat/server/internal/models"
	"NeighborChat/server/internal/notify"
	"NeighborChat/server/internal/pool"
	"NeighborChat/server/internal/services"
)

// Outbound event names.
const (
	EventConnected           = "connected"
	EventAck                 = "ack"
	EventError               = "error"
	EventNewMessage          = "newMessage"
	EventMessageEdited       = "messageEdited"
	EventMessageDeleted      = "messageDeleted"
	EventMessagesRead        = "messagesRead"
	EventMessageDelivered    = "messageDelivered"
	EventConversationUpdated = "conversationUpdated"
	EventParticipantLeft     = "participantLeft"
	EventTyping              = "typing"
	EventPresence            = "presence"
	EventPong                = "pong"
)

const notifyTimeout = 5 * time.Second

type connectedPayload struct {
	ConnectionID    string      `json:"connection_id"`
	UserID          string      `json:"user_id"`
	ConversationIDs []uuid.UUID `json:"conversation_ids"`
}

type deliveredPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	MessageID      uuid.UUID `json:"message_id"`
	UserID         string    `json:"user_id"`
	DeliveredAt    time.Time `json:"delivered_at"`
}

type conversationUpdate struct {
	ConversationID uuid.UUID            `json:"conversation_id"`
	UnreadCount    *int                 `json:"unread_count,omitempty"`
	LastMessage    *models.Message      `json:"last_message,omitempty"`
	Conversation   *models.Conversation `json:"conversation,omitempty"`
	Membership     *models.Participant  `json:"membership,omitempty"`
}

type participantLeftPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	RemovedBy      string    `json:"removed_by,omitempty"`
}

type typingPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type presencePayload struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type onlinePayload struct {
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	UserIDs        []string   `json:"user_ids"`
}

// Gateway applies commands from live connections and REST requests alike,
// then fans the resulting facts out through the connection pool. Every
// command goes through the services, which own the authorization checks.
// The acting connection, when there is one, is excluded from broadcasts
// because it receives an ack instead.
type Gateway struct {
	conversations services.ConversationService
	messages      services.MessageService
	receipts      services.ReceiptService
	typing        services.TypingService
	auth          services.AuthService
	bridge        notify.Bridge
	pool          *pool.Pool
	bufferSize    int
	logger        zerolog.Logger
}

type GatewayDeps struct {
	Conversations services.ConversationService
	Messages      services.MessageService
	Receipts      services.ReceiptService
	Typing        services.TypingService
	Auth          services.AuthService
	Bridge        notify.Bridge
	Pool          *pool.Pool
	BufferSize    int
}

func NewGateway(deps GatewayDeps, logger zerolog.Logger) *Gateway {
	return &Gateway{
		conversations: deps.Conversations,
		messages:      deps.Messages,
		receipts:      deps.Receipts,
		typing:        deps.Typing,
		auth:          deps.Auth,
		bridge:        deps.Bridge,
		pool:          deps.Pool,
		bufferSize:    deps.BufferSize,
		logger:        logger.With().Str("component", "gateway").Logger(),
	}
}

func (g *Gateway) Pool() *pool.Pool { return g.pool }

// fanout sends ev to the conversation group and the actor's other devices.
func (g *Gateway) fanout(conversationID uuid.UUID, actorID string, ev pool.Event, from *pool.Client) {
	n := g.pool.Fanout(conversationID, actorID, ev, from)
	metrics.EventsDelivered.WithLabelValues(ev.Event).Add(float64(n))
}

func (g *Gateway) sendToUser(userID string, ev pool.Event, from *pool.Client) {
	n := g.pool.SendToUser(userID, ev, from)
	metrics.EventsDelivered.WithLabelValues(ev.Event).Add(float64(n))
}

// connect registers an authenticated client and subscribes it to every
// conversation its user actively participates in.
func (g *Gateway) connect(ctx context.Context, c *pool.Client) error {
	conversationIDs, err := g.conversations.ActiveConversationIDs(ctx, c.UserID)
	if err != nil {
		return err
	}

	first := g.pool.AddClient(c)
	metrics.ConnectionsActive.Inc()
	for _, id := range conversationIDs {
		g.pool.Join(c, id)
	}

	c.Send(pool.Event{Event: EventConnected, Data: connectedPayload{
		ConnectionID:    c.ID,
		UserID:          c.UserID,
		ConversationIDs: conversationIDs,
	}})
	if first {
		g.broadcastPresence(ctx, c.UserID, true)
	}

	g.logger.Info().
		Str("user_id", c.UserID).
		Str("client_id", c.ID).
		Int("conversations", len(conversationIDs)).
		Msg("client connected")
	return nil
}

// disconnect unregisters c. When it was the user's last connection the
// user's typing indicators are cleared, contacts see them go offline, and
// new messages that never reached the wire go to the notification bridge.
func (g *Gateway) disconnect(ctx context.Context, c *pool.Client) {
	c.Close()
	last := g.pool.RemoveClient(c)
	metrics.ConnectionsActive.Dec()

	g.logger.Info().Str("user_id", c.UserID).Str("client_id", c.ID).Bool("last", last).Msg("client disconnected")
	if !last {
		return
	}

	for _, ind := range g.typing.ClearUser(c.UserID) {
		g.fanout(ind.ConversationID, "", typingEvent(ind), nil)
	}
	g.broadcastPresence(ctx, c.UserID, false)

	for _, ev := range c.Drain() {
		msg, ok := ev.Data.(models.Message)
		if !ok || ev.Event != EventNewMessage || msg.SenderID == c.UserID {
			continue
		}
		p, err := g.conversations.ActiveParticipant(ctx, msg.ConversationID, c.UserID)
		if err != nil || p.Muted {
			continue
		}
		g.notifyOffline(models.Notification{
			UserID:         c.UserID,
			ConversationID: msg.ConversationID,
			MessageID:      msg.ID,
			SenderID:       msg.SenderID,
		})
	}
}

func (g *Gateway) broadcastPresence(ctx context.Context, userID string, online bool) {
	contacts, err := g.conversations.ContactIDs(ctx, userID)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("error loading contacts for presence")
		return
	}
	ev := pool.Event{Event: EventPresence, Data: presencePayload{UserID: userID, Online: online}}
	for _, contact := range contacts {
		g.sendToUser(contact, ev, nil)
	}
}

func (g *Gateway) notifyOffline(n models.Notification) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := g.bridge.Notify(ctx, n); err != nil {
			metrics.NotificationsQueued.WithLabelValues("error").Inc()
			g.logger.Warn().Err(err).Str("user_id", n.UserID).Str("message_id", n.MessageID.String()).Msg("error handing notification to bridge")
			return
		}
		metrics.NotificationsQueued.WithLabelValues("ok").Inc()
	}()
}

// SendMessage persists a message and distributes it: the group gets
// newMessage, each participant gets their own unread count, online
// recipients are marked delivered and offline ones are notified.
func (g *Gateway) SendMessage(ctx context.Context, from *pool.Client, userID string, in models.SendMessageInput) (*models.SendResult, error) {
	res, err := g.messages.SendMessage(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		return res, nil
	}
	metrics.MessagesSent.WithLabelValues(string(res.Message.Type)).Inc()

	msg := res.Message
	g.fanout(msg.ConversationID, userID, pool.Event{Event: EventNewMessage, Data: msg}, from)

	for _, p := range res.Recipients {
		unread := p.UnreadCount
		g.sendToUser(p.UserID, pool.Event{Event: EventConversationUpdated, Data: conversationUpdate{
			ConversationID: msg.ConversationID,
			UnreadCount:    &unread,
			LastMessage:    &msg,
		}}, from)

		if p.UserID == userID {
			continue
		}
		if !g.pool.IsOnline(p.UserID) {
			if !p.Muted {
				g.notifyOffline(models.Notification{
					UserID:         p.UserID,
					ConversationID: msg.ConversationID,
					MessageID:      msg.ID,
					SenderID:       userID,
				})
			}
			continue
		}
		deliveredAt, advanced, err := g.receipts.MarkDelivered(ctx, msg.ID, p.UserID)
		if err != nil {
			g.logger.Warn().Err(err).Str("message_id", msg.ID.String()).Str("user_id", p.UserID).Msg("error marking delivered")
			continue
		}
		if advanced {
			g.sendToUser(userID, pool.Event{Event: EventMessageDelivered, Data: deliveredPayload{
				ConversationID: msg.ConversationID,
				MessageID:      msg.ID,
				UserID:         p.UserID,
				DeliveredAt:    deliveredAt,
			}}, nil)
		}
	}
	return res, nil
}

func (g *Gateway) EditMessage(ctx context.Context, from *pool.Client, userID string, messageID uuid.UUID, content string) (*models.Message, error) {
	msg, err := g.messages.EditMessage(ctx, messageID, userID, content)
	if err != nil {
		return nil, err
	}
	g.fanout(msg.ConversationID, userID, pool.Event{Event: EventMessageEdited, Data: *msg}, from)
	return msg, nil
}

func (g *Gateway) DeleteMessage(ctx context.Context, from *pool.Client, userID string, messageID uuid.UUID) (*models.Message, error) {
	msg, err := g.messages.DeleteMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	g.fanout(msg.ConversationID, userID, pool.Event{Event: EventMessageDeleted, Data: *msg}, from)
	return msg, nil
}

func (g *Gateway) MarkRead(ctx context.Context, from *pool.Client, userID string, conversationID uuid.UUID, messageID *uuid.UUID) (*models.ReadResult, error) {
	res, err := g.receipts.MarkRead(ctx, conversationID, userID, messageID)
	if err != nil {
		return nil, err
	}
	g.fanout(conversationID, userID, pool.Event{Event: EventMessagesRead, Data: *res}, from)
	return res, nil
}

func (g *Gateway) SetTyping(ctx context.Context, from *pool.Client, userID string, conversationID uuid.UUID, isTyping bool) (models.TypingIndicator, error) {
	ind, changed, err := g.typing.SetTyping(ctx, conversationID, userID, isTyping)
	if err != nil {
		return models.TypingIndicator{}, err
	}
	if changed {
		g.fanout(conversationID, userID, typingEvent(ind), from)
	}
	return ind, nil
}

// TypingExpired broadcasts "stopped typing" for indicators the sweeper
// deactivated.
func (g *Gateway) TypingExpired(expired []models.TypingIndicator) {
	metrics.TypingExpired.Add(float64(len(expired)))
	for _, ind := range expired {
		g.fanout(ind.ConversationID, "", typingEvent(ind), nil)
	}
}

func typingEvent(ind models.TypingIndicator) pool.Event {
	return pool.Event{Event: EventTyping, Data: typingPayload{
		ConversationID: ind.ConversationID,
		UserID:         ind.UserID,
		IsTyping:       ind.IsTyping,
		ExpiresAt:      ind.ExpiresAt,
	}}
}

// Join subscribes one connection to a conversation it participates in.
func (g *Gateway) Join(ctx context.Context, c *pool.Client, conversationID uuid.UUID) ([]models.TypingIndicator, error) {
	if _, err := g.conversations.ActiveParticipant(ctx, conversationID, c.UserID); err != nil {
		return nil, err
	}
	g.pool.Join(c, conversationID)
	typers := g.typing.ActiveTypers(conversationID)
	if typers == nil {
		typers = []models.TypingIndicator{}
	}
	return typers, nil
}

// Leave only unsubscribes the connection; membership is unchanged.
func (g *Gateway) Leave(c *pool.Client, conversationID uuid.UUID) {
	g.pool.Leave(c, conversationID)
}

func (g *Gateway) CreateConversation(ctx context.Context, userID string, in models.CreateConversationInput) (*models.Conversation, bool, error) {
	conv, created, err := g.conversations.CreateConversation(ctx, userID, in)
	if err != nil {
		return nil, false, err
	}
	for _, p := range conv.Participants {
		g.pool.JoinUser(p.UserID, conv.ID)
	}
	g.fanout(conv.ID, userID, pool.Event{Event: EventConversationUpdated, Data: sharedView(conv)}, nil)
	return conv, created, nil
}

func (g *Gateway) ArchiveConversation(ctx context.Context, userID string, conversationID uuid.UUID, archived bool) (*models.Conversation, error) {
	conv, err := g.conversations.ArchiveConversation(ctx, conversationID, userID, archived)
	if err != nil {
		return nil, err
	}
	g.fanout(conversationID, userID, pool.Event{Event: EventConversationUpdated, Data: sharedView(conv)}, nil)
	return conv, nil
}

// TogglePin and ToggleMute are private to the caller; only their other
// devices hear about it.
func (g *Gateway) TogglePin(ctx context.Context, userID string, conversationID uuid.UUID) (*models.Participant, error) {
	p, err := g.conversations.TogglePin(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	g.sendToUser(userID, membershipEvent(p), nil)
	return p, nil
}

func (g *Gateway) ToggleMute(ctx context.Context, userID string, conversationID uuid.UUID) (*models.Participant, error) {
	p, err := g.conversations.ToggleMute(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	g.sendToUser(userID, membershipEvent(p), nil)
	return p, nil
}

func membershipEvent(p *models.Participant) pool.Event {
	return pool.Event{Event: EventConversationUpdated, Data: conversationUpdate{
		ConversationID: p.ConversationID,
		Membership:     p,
	}}
}

func (g *Gateway) AddParticipants(ctx context.Context, userID string, conversationID uuid.UUID, userIDs []string) (*models.Conversation, []string, error) {
	joined, err := g.conversations.AddParticipants(ctx, conversationID, userID, userIDs)
	if err != nil {
		return nil, nil, err
	}
	for _, id := range joined {
		g.pool.JoinUser(id, conversationID)
	}
	conv, err := g.conversations.GetConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if len(joined) > 0 {
		g.fanout(conversationID, userID, pool.Event{Event: EventConversationUpdated, Data: sharedView(conv)}, nil)
	}
	return conv, joined, nil
}

// RemoveParticipant soft-leaves userID. The group, including the leaving
// user's own connections, hears about it before they are unsubscribed.
func (g *Gateway) RemoveParticipant(ctx context.Context, actorID string, conversationID uuid.UUID, userID string) error {
	if err := g.conversations.RemoveParticipant(ctx, conversationID, actorID, userID); err != nil {
		return err
	}
	payload := participantLeftPayload{ConversationID: conversationID, UserID: userID}
	if actorID != userID {
		payload.RemovedBy = actorID
	}
	g.fanout(conversationID, actorID, pool.Event{Event: EventParticipantLeft, Data: payload}, nil)
	g.pool.LeaveUser(userID, conversationID)
	return nil
}

// OnlineUsers lists online participants of one conversation, or online
// contacts of the caller when conversationID is nil.
func (g *Gateway) OnlineUsers(ctx context.Context, userID string, conversationID *uuid.UUID) (*onlinePayload, error) {
	var candidates []string
	if conversationID != nil {
		if _, err := g.conversations.ActiveParticipant(ctx, *conversationID, userID); err != nil {
			return nil, err
		}
		participants, err := g.conversations.ActiveParticipants(ctx, *conversationID)
		if err != nil {
			return nil, err
		}
		for _, p := range participants {
			if p.UserID != userID {
				candidates = append(candidates, p.UserID)
			}
		}
	} else {
		contacts, err := g.conversations.ContactIDs(ctx, userID)
		if err != nil {
			return nil, err
		}
		candidates = contacts
	}
	return &onlinePayload{ConversationID: conversationID, UserIDs: g.pool.OnlineUsers(candidates)}, nil
}

// sharedView strips the caller-specific membership before a conversation is
// broadcast to other participants.
func sharedView(conv *models.Conversation) conversationUpdate {
	shared := *conv
	shared.Membership = nil
	return conversationUpdate{ConversationID: conv.ID, Conversation: &shared}
}
