package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Upgrader records a subscription upgrade and requests restores.
type Upgrader interface {
	Upgrade(ctx context.Context, userID string) (int, error)
}

// UpgradeResponse reports how many restores were requested.
type UpgradeResponse struct {
	UserID            string `json:"user_id"`
	RestoresRequested int    `json:"restores_requested"`
}

// UsersHandler serves /v1/users/{userID}/upgrade.
type UsersHandler struct {
	upgrader Upgrader
}

func NewUsersHandler(u Upgrader) *UsersHandler {
	return &UsersHandler{upgrader: u}
}

func (h *UsersHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	n, err := h.upgrader.Upgrade(r.Context(), userID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, UpgradeResponse{UserID: userID, RestoresRequested: n})
}
