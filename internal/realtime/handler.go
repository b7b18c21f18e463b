package realtime

import (
	"net/http"

	"github.com/lsat-prep/assessment/internal/auth"
)

// Events streams the authenticated user's events.
func (h *Hub) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	c := h.Subscribe(userID)
	defer h.Unsubscribe(c)
	h.Stream(w, r, c)
}
