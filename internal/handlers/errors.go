package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/models"
	"NeighborChat/server/internal/storage"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// errorKinds is checked in order; the first match wins. NotAParticipant
// comes before Forbidden because a send by a non-member carries both.
var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{models.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{models.ErrUserNotParticipant, http.StatusForbidden, "not_a_participant"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden"},
	{models.ErrConversationNotFound, http.StatusNotFound, "not_found"},
	{models.ErrMessageNotFound, http.StatusNotFound, "not_found"},
	{models.ErrUserNotFound, http.StatusNotFound, "not_found"},
	{storage.ErrNotFound, http.StatusNotFound, "not_found"},
	{models.ErrInvalidReply, http.StatusUnprocessableEntity, "invalid_reply"},
	{models.ErrUnknownParticipant, http.StatusUnprocessableEntity, "unknown_participant"},
	{models.ErrAlreadyDeleted, http.StatusConflict, "already_deleted"},
	{models.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{models.ErrRetryable, http.StatusServiceUnavailable, "retryable"},
}

// classify maps an error to its HTTP status and stable code.
func classify(err error) (int, string) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return http.StatusBadRequest, "invalid_request"
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func errorPayload(err error) (int, errorBody) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return status, errorBody{Code: code, Message: msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, body := errorPayload(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", body.Code).Msg("request failed")
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}
