package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"chatline/internal/models"
)

const maxUserSearchResults = 20

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.Store.GetUser(userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) OnlineUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.Store.ListOnlineUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.User{"users": users})
}

func (a *API) SearchUsersHandler(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, fmt.Errorf("%w: q is required", models.ErrInvalidArgument))
		return
	}
	users, err := a.Store.SearchUsers(q, maxUserSearchResults)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]models.User{"users": users})
}

// BlockUserHandler blocks the user in the path. Private chats between the
// two users can no longer be created or reopened.
func (a *API) BlockUserHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	blockedID := r.PathValue("id")
	if err := a.Store.BlockUser(userID, blockedID); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("user blocked", "user_id", userID, "blocked_id", blockedID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) UnblockUserHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.UnblockUser(userIDFrom(r.Context()), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) BlockedUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.Store.ListBlockedUsers(userIDFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, map[string][]models.User{"users": users})
}
