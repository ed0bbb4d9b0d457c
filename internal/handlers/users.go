package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetUser returns a known identity so clients can render participants they
// have not cached yet. The email is only shown to its owner.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	callerID, err := currentUser(r)
	if err != nil {
		h.fail(w, err)
		return
	}

	user, err := h.users.GetUserByID(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if user.ID != callerID {
		user.Email = nil
	}
	writeJSON(w, http.StatusOK, user)
}
