package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"NeighborChat/server/internal/models"
	"NeighborChat/server/internal/storage"
)

type attachmentStatus struct {
	Key    string `json:"key"`
	URL    string `json:"url"`
	Exists bool   `json:"exists"`
}

// UploadAttachment stores one multipart "file" for a conversation the caller
// participates in. The returned URL goes into the metadata of the message
// that references it.
func (h *Handler) UploadAttachment(w http.ResponseWriter, r *http.Request) {
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
	if _, err := h.conversations.ActiveParticipant(r.Context(), conversationID, userID); err != nil {
		h.fail(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.fail(w, errors.Wrapf(models.ErrInvalidRequest, "file: %v", err))
		return
	}
	defer file.Close()

	obj, err := h.storage.Put(r.Context(), conversationID, userID, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.logger.Info().
		Str("conversation_id", conversationID.String()).
		Str("user_id", userID).
		Str("key", obj.Key).
		Int64("size", obj.Size).
		Msg("attachment uploaded")
	writeJSON(w, http.StatusCreated, obj)
}

func (h *Handler) AttachmentStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	key := chi.URLParam(r, "*")
	conversationID, _, err := storage.OwnerOf(key)
	if err != nil {
		h.fail(w, err)
		return
	}
	if _, err := h.conversations.ActiveParticipant(r.Context(), conversationID, userID); err != nil {
		h.fail(w, err)
		return
	}

	exists, err := h.storage.Exists(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !exists {
		h.fail(w, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, attachmentStatus{Key: key, URL: h.storage.URL(key), Exists: true})
}

// DeleteAttachment is allowed for the uploader only.
func (h *Handler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	userID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	key := chi.URLParam(r, "*")
	_, uploader, err := storage.OwnerOf(key)
	if err != nil {
		h.fail(w, err)
		return
	}
	if uploader != userID {
		h.fail(w, errors.Wrap(models.ErrForbidden, "only the uploader can delete an attachment"))
		return
	}

	if err := h.storage.Delete(r.Context(), key); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
