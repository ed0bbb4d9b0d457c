package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"NeighborChat/server/internal/models"
)

type postMessageRequest struct {
	Type            models.MessageType `json:"type"`
	Content         string             `json:"content" validate:"max=10000"`
	ReplyToID       *uuid.UUID         `json:"reply_to_id"`
	Metadata        json.RawMessage    `json:"metadata"`
	ClientMessageID *string            `json:"client_message_id" validate:"omitempty,max=128"`
}

type patchMessageRequest struct {
	Content string `json:"content" validate:"required,max=10000"`
}

type readRequest struct {
	MessageID *uuid.UUID `json:"message_id"`
}

type unreadPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UnreadCount    int       `json:"unread_count"`
}

type typingBody struct {
	IsTyping bool `json:"is_typing"`
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	conversationID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, err)
		return
	}
	before, err := queryUUID(r, "before")
	if err != nil {
		h.fail(w, err)
		return
	}

	page, err := h.messages.ListMessages(r.Context(), conversationID, userID, limit, before)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	conversationID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req postMessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}

	in, err := sendMessageRequest{
		ConversationID:  conversationID,
		Type:            req.Type,
		Content:         req.Content,
		ReplyToID:       req.ReplyToID,
		Metadata:        req.Metadata,
		ClientMessageID: req.ClientMessageID,
	}.input()
	if err != nil {
		h.fail(w, err)
		return
	}

	res, err := h.gateway.SendMessage(r.Context(), nil, userID, in)
	if err != nil {
		h.fail(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	messageID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req patchMessageRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}

	msg, err := h.gateway.EditMessage(r.Context(), nil, userID, messageID, req.Content)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	messageID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	msg, err := h.gateway.DeleteMessage(r.Context(), nil, userID, messageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	messageID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	receipts, err := h.receipts.ListReceipts(r.Context(), messageID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	if receipts == nil {
		receipts = []models.Receipt{}
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	conversationID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req readRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.fail(w, err)
		return
	}

	res, err := h.gateway.MarkRead(r.Context(), nil, userID, conversationID, req.MessageID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	conversationID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}

	n, err := h.receipts.UnreadCount(r.Context(), conversationID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadPayload{ConversationID: conversationID, UnreadCount: n})
}

func (h *Handler) SetTyping(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	conversationID, err := pathUUID(r, "id")
	if err != nil {
		h.fail(w, err)
		return
	}
	var req typingBody
	if err := decodeBody(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}

	ind, err := h.gateway.SetTyping(r.Context(), nil, userID, conversationID, req.IsTyping)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, typingEvent(ind).Data)
}

func (h *Handler) OnlineUsers(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	conversationID, err := queryUUID(r, "conversation_id")
	if err != nil {
		h.fail(w, err)
		return
	}

	online, err := h.gateway.OnlineUsers(r.Context(), userID, conversationID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, online)
}
