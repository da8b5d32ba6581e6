package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chatline/internal/content"
	"chatline/internal/models"

	"github.com/google/uuid"
)

type UserStore interface {
	CreateUser(user models.User) error
	GetUser(id string) (models.User, error)
	UpsertUser(user models.User) error
}

type TokenIssuer interface {
	IssueToken(userID string) (string, int64, error)
	Revoke(token string) error
}

// Disconnector drops every live connection of a user.
type Disconnector interface {
	DisconnectUser(ctx context.Context, userID string)
}

type AdminHandler struct {
	users        UserStore
	authService  TokenIssuer
	disconnector Disconnector
}

func NewAdminHandler(users UserStore, authService TokenIssuer, disconnector Disconnector) *AdminHandler {
	return &AdminHandler{users: users, authService: authService, disconnector: disconnector}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type TokenResponse struct {
	Success   bool   `json:"success"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// AddUserHandler creates a user and returns its first bearer token.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := content.ValidateUsername(req.Username); err != nil {
		writeError(w, err)
		return
	}

	displayName := content.PlainText(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}
	user := models.User{
		ID:          uuid.NewString(),
		UserName:    req.Username,
		DisplayName: displayName,
		Status:      models.UserStatusActive,
		CreatedAt:   time.Now().Unix(),
	}
	if err := h.users.CreateUser(user); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("user created", "user_id", user.ID, "username", user.UserName)
	h.issue(w, user)
}

// IssueTokenHandler issues an additional token for an existing user.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !user.IsActive() {
		writeError(w, fmt.Errorf("%w: user %s is disabled", models.ErrInvalidArgument, user.ID))
		return
	}
	h.issue(w, user)
}

func (h *AdminHandler) issue(w http.ResponseWriter, user models.User) {
	token, expiresAt, err := h.authService.IssueToken(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{
		Success:   true,
		UserID:    user.ID,
		Username:  user.UserName,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
}

func (h *AdminHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Token == "" {
		writeError(w, fmt.Errorf("%w: token is required", models.ErrInvalidArgument))
		return
	}
	if err := h.authService.Revoke(req.Token); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DisableUserHandler disables a user and drops their live connections.
// Users are never hard-deleted because their messages stay in chats.
func (h *AdminHandler) DisableUserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	user.Status = models.UserStatusDisabled
	if err := h.users.UpsertUser(user); err != nil {
		writeError(w, err)
		return
	}
	h.disconnector.DisconnectUser(r.Context(), user.ID)
	slog.Info("user disabled", "user_id", user.ID)
	w.WriteHeader(http.StatusNoContent)
}
