package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"NeighborChat/server/internal/models"
)

type createConversationRequest struct {
	Type           models.ConversationType `json:"type" validate:"required"`
	ParticipantIDs []string                `json:"participant_ids" validate:"required,min=1,dive,required,max=128"`
	Title          *string                 `json:"title" validate:"omitempty,max=200"`
	Description    *string                 `json:"description" validate:"omitempty,max=2000"`
	AvatarURL      *string                 `json:"avatar_url" validate:"omitempty,url"`
	ContextType    *models.ContextType     `json:"context_type"`
	ContextID      *string                 `json:"context_id" validate:"omitempty,max=128"`
}

type archiveRequest struct {
	Archived *bool `json:"archived"`
}

type addParticipantsRequest struct {
	UserIDs []string `json:"user_ids" validate:"required,min=1,dive,required,max=128"`
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}

	q := r.URL.Query()
	filter := models.ConversationFilter{Search: q.Get("search")}
	if v := q.Get("type"); v != "" {
		t := models.ConversationType(v)
		filter.Type = &t
	}
	if v := q.Get("context_type"); v != "" {
		t := models.ContextType(v)
		filter.ContextType = &t
	}
	if v := q.Get("archived"); v != "" {
		archived, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(w, errors.Wrap(models.ErrInvalidRequest, "invalid archived"))
			return
		}
		filter.Archived = &archived
	}
	if filter.Page, err = queryInt(r, "page"); err != nil {
		h.fail(w, err)
		return
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		h.fail(w, err)
		return
	}

	conversations, err := h.conversations.ListConversations(r.Context(), userID, filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	writeJSON(w, http.StatusOK, conversations)
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}

	var req createConversationRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}

	conv, created, err := h.gateway.CreateConversation(r.Context(), userID, models.CreateConversationInput{
		Type:           req.Type,
		ParticipantIDs: req.ParticipantIDs,
		Title:          req.Title,
		Description:    req.Description,
		AvatarURL:      req.AvatarURL,
		ContextType:    req.ContextType,
		ContextID:      req.ContextID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conv)
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
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

	conv, err := h.conversations.GetConversation(r.Context(), conversationID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) ArchiveConversation(w http.ResponseWriter, r *http.Request) {
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
	var req archiveRequest
	if err := decodeBody(r, &req, true); err != nil {
		h.fail(w, err)
		return
	}
	archived := true
	if req.Archived != nil {
		archived = *req.Archived
	}

	conv, err := h.gateway.ArchiveConversation(r.Context(), userID, conversationID, archived)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *Handler) TogglePin(w http.ResponseWriter, r *http.Request) {
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

	p, err := h.gateway.TogglePin(r.Context(), userID, conversationID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) ToggleMute(w http.ResponseWriter, r *http.Request) {
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

	p, err := h.gateway.ToggleMute(r.Context(), userID, conversationID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) AddParticipants(w http.ResponseWriter, r *http.Request) {
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
	var req addParticipantsRequest
	if err := decodeBody(r, &req, false); err != nil {
		h.fail(w, err)
		return
	}

	conv, joined, err := h.gateway.AddParticipants(r.Context(), userID, conversationID, req.UserIDs)
	if err != nil {
		h.fail(w, err)
		return
	}
	if joined == nil {
		joined = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "joined": joined})
}

func (h *Handler) RemoveParticipant(w http.ResponseWriter, r *http.Request) {
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
	target := chi.URLParam(r, "userID")
	if target == "" {
		h.fail(w, errors.Wrap(models.ErrInvalidRequest, "missing user id"))
		return
	}

	if err := h.gateway.RemoveParticipant(r.Context(), userID, conversationID, target); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
