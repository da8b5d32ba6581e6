// Package api implements the request/response surface over the same core
// operations the live connections use.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"chatline/internal/chat"
	"chatline/internal/filestore"
	"chatline/internal/messages"
	"chatline/internal/models"
	"chatline/internal/unread"
	"chatline/internal/ws"
)

type Authenticator interface {
	Authenticate(token string) (string, error)
}

type Store interface {
	GetUser(id string) (models.User, error)
	ListOnlineUsers() ([]models.User, error)
	SearchUsers(query string, limit int) ([]models.User, error)
	BlockUser(userID, blockedID string) error
	UnblockUser(userID, blockedID string) error
	ListBlockedUsers(userID string) ([]models.User, error)
	UpsertFileMetadata(info models.FileInfo) error
	GetFileMetadata(id string) (models.FileInfo, error)
	UpsertPushSubscription(sub models.PushSubscription) error
	DeletePushSubscription(userID, endpoint string) error
}

type Deps struct {
	Auth           Authenticator
	Store          Store
	Chats          *chat.Resolver
	Messages       *messages.Manager
	Unread         *unread.Counter
	Files          filestore.FileStore
	VAPIDPublicKey string
	MaxUploadBytes int64
}

type API struct {
	Deps
}

func New(deps Deps) *API {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 10 << 20
	}
	return &API{Deps: deps}
}

type ctxKey struct{}

func userIDFrom(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKey{}).(string)
	return userID
}

// RequireAuth resolves the bearer credential and stores the user id in the
// request context. Disabled users are rejected.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.Auth.Authenticate(ws.Credential(r))
		if err != nil {
			writeError(w, err)
			return
		}
		user, err := a.Store.GetUser(userID)
		if err != nil || !user.IsActive() {
			writeError(w, models.ErrAuth)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

// RequireSameOrigin rejects cross-site requests that carry an Origin
// header for a different host. Cookie credentials make this necessary for
// mutating endpoints.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			u, err := url.Parse(origin)
			if err != nil || !strings.EqualFold(u.Host, r.Host) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
		}
		next(w, r)
	}
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Code: models.ErrorCode(err), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", models.ErrInvalidArgument)
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}
