package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"NeighborChat/server/internal/appMiddleware"
	"NeighborChat/server/internal/metrics"
	"NeighborChat/server/internal/models"
	"NeighborChat/server/internal/pool"
)

const eventTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type inboundEvent struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

type sendMessageRequest struct {
	ConversationID  uuid.UUID          `json:"conversation_id" validate:"required"`
	Type            models.MessageType `json:"type"`
	Content         string             `json:"content" validate:"max=10000"`
	ReplyToID       *uuid.UUID         `json:"reply_to_id"`
	Metadata        json.RawMessage    `json:"metadata"`
	ClientMessageID *string            `json:"client_message_id" validate:"omitempty,max=128"`
}

func (r sendMessageRequest) input() (models.SendMessageInput, error) {
	if r.Type == "" {
		r.Type = models.MessageText
	}
	md, err := models.DecodeMetadata(r.Type, r.Metadata)
	if err != nil {
		return models.SendMessageInput{}, err
	}
	return models.SendMessageInput{
		ConversationID:  r.ConversationID,
		Type:            r.Type,
		Content:         r.Content,
		ReplyToID:       r.ReplyToID,
		Metadata:        md,
		ClientMessageID: r.ClientMessageID,
	}, nil
}

type typingRequest struct {
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
	IsTyping       bool      `json:"is_typing"`
}

type markReadRequest struct {
	ConversationID uuid.UUID  `json:"conversation_id" validate:"required"`
	MessageID      *uuid.UUID `json:"message_id"`
}

type conversationRequest struct {
	ConversationID uuid.UUID `json:"conversation_id" validate:"required"`
}

type editMessageRequest struct {
	MessageID uuid.UUID `json:"message_id" validate:"required"`
	Content   string    `json:"content" validate:"required,max=10000"`
}

type deleteMessageRequest struct {
	MessageID uuid.UUID `json:"message_id" validate:"required"`
}

type onlineUsersRequest struct {
	ConversationID *uuid.UUID `json:"conversation_id"`
}

type ackPayload struct {
	Event  string `json:"event"`
	Result any    `json:"result,omitempty"`
}

type eventHandler func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error)

var eventHandlers = map[string]eventHandler{
	"sendMessage": func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error) {
		var req sendMessageRequest
		if err := decodeEvent(data, &req); err != nil {
			return nil, err
		}
		in, err := req.input()
		if err != nil {
			return nil, err
		}
		res, err := g.SendMessage(ctx, c, c.UserID, in)
		if err != nil {
			return nil, err
		}
		return res, nil
	},
	"typing": func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error) {
		var req typingRequest
		if err := decodeEvent(data, &req); err != nil {
			return nil, err
		}
		ind, err := g.SetTyping(ctx, c, c.UserID, req.ConversationID, req.IsTyping)
		if err != nil {
			return nil, err
		}
		return typingEvent(ind).Data, nil
	},
	"markAsRead": func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error) {
		var req markReadRequest
		if err := decodeEvent(data, &req); err != nil {
			return nil, err
		}
		return g.MarkRead(ctx, c, c.UserID, req.ConversationID, req.MessageID)
	},
	"joinConversation": func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error) {
		var req conversationRequest
		if err := decodeEvent(data, &req); err != nil {
			return nil, err
		}
		typers, err := g.Join(ctx, c, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"conversation_id": req.ConversationID, "typing": typers}, nil
	},
	"leaveConversation": func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error) {
		var req conversationRequest
		if err := decodeEvent(data, &req); err != nil {
			return nil, err
		}
		g.Leave(c, req.ConversationID)
		return map[string]any{"conversation_id": req.ConversationID}, nil
	},
	"editMessage": func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error) {
		var req editMessageRequest
		if err := decodeEvent(data, &req); err != nil {
			return nil, err
		}
		return g.EditMessage(ctx, c, c.UserID, req.MessageID, req.Content)
	},
	"deleteMessage": func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error) {
		var req deleteMessageRequest
		if err := decodeEvent(data, &req); err != nil {
			return nil, err
		}
		return g.DeleteMessage(ctx, c, c.UserID, req.MessageID)
	},
	"getOnlineUsers": func(ctx context.Context, g *Gateway, c *pool.Client, data json.RawMessage) (any, error) {
		var req onlineUsersRequest
		if len(data) > 0 && string(data) != "null" {
			if err := decodeEvent(data, &req); err != nil {
				return nil, err
			}
		}
		return g.OnlineUsers(ctx, c.UserID, req.ConversationID)
	},
}

var validate = validator.New()

func decodeEvent(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.Wrap(models.ErrInvalidRequest, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(models.ErrInvalidRequest, "malformed data: %v", err)
	}
	return validate.Struct(v)
}

// ServeWS authenticates before upgrading: a connection without a verified
// identity never reaches the pool.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := g.auth.Authenticate(r.Context(), appMiddleware.BearerToken(r))
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket authentication failed")
		writeError(w, g.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("error upgrading to websocket")
		return
	}

	c := pool.NewClient(userID, conn, g.bufferSize, g.logger)
	ctx := context.Background()
	if err := g.connect(ctx, c); err != nil {
		g.logger.Error().Err(err).Str("user_id", userID).Msg("error registering connection")
		c.Close()
		return
	}

	go c.WritePump()
	c.ReadPump(func(data []byte) {
		g.handleFrame(c, data)
	})
	g.disconnect(ctx, c)
}

// handleFrame applies one inbound event. Each event is handled on its own
// deadline, detached from the connection, so a client that goes away
// mid-command does not abort a commit.
func (g *Gateway) handleFrame(c *pool.Client, data []byte) {
	var in inboundEvent
	if err := json.Unmarshal(data, &in); err != nil || in.Event == "" {
		g.sendError(c, inboundEvent{}, errors.Wrap(models.ErrInvalidRequest, "malformed event"))
		return
	}

	if in.Event == "ping" {
		metrics.EventsReceived.WithLabelValues(in.Event).Inc()
		c.Send(pool.Event{Event: EventPong, RequestID: in.RequestID})
		return
	}

	handle, ok := eventHandlers[in.Event]
	if !ok {
		metrics.EventsReceived.WithLabelValues("unknown").Inc()
		g.sendError(c, in, errors.Wrapf(models.ErrInvalidRequest, "unknown event %q", in.Event))
		return
	}
	metrics.EventsReceived.WithLabelValues(in.Event).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	result, err := handle(ctx, g, c, in.Data)
	if err != nil {
		g.sendError(c, in, err)
		return
	}
	c.Send(pool.Event{Event: EventAck, RequestID: in.RequestID, Data: ackPayload{Event: in.Event, Result: result}})
}

func (g *Gateway) sendError(c *pool.Client, in inboundEvent, err error) {
	status, body := errorPayload(err)
	body.Event = in.Event
	if status >= http.StatusInternalServerError {
		g.logger.Error().Err(err).Str("user_id", c.UserID).Str("event", in.Event).Msg("event failed")
	} else {
		g.logger.Debug().Err(err).Str("user_id", c.UserID).Str("event", in.Event).Msg("event rejected")
	}
	c.Send(pool.Event{Event: EventError, RequestID: in.RequestID, Data: body})
}
