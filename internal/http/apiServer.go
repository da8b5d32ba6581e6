package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"chatline/internal/api"
	"chatline/internal/ws"
)

type APIServer struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewAPIServer(a *api.API, wsServer *ws.Server, addr string) *APIServer {
	mux := http.NewServeMux()

	// Chats
	mux.HandleFunc("GET /api/chats", a.RequireAuth(a.ListChatsHandler))
	mux.HandleFunc("POST /api/chats/private", api.RequireSameOrigin(a.RequireAuth(a.CreatePrivateChatHandler)))
	mux.HandleFunc("POST /api/chats/group", api.RequireSameOrigin(a.RequireAuth(a.CreateGroupChatHandler)))
	mux.HandleFunc("GET /api/chats/{id}", a.RequireAuth(a.GetChatHandler))
	mux.HandleFunc("PATCH /api/chats/{id}", api.RequireSameOrigin(a.RequireAuth(a.UpdateGroupInfoHandler)))
	mux.HandleFunc("PUT /api/chats/{id}/settings", api.RequireSameOrigin(a.RequireAuth(a.UpdateGroupSettingsHandler)))
	mux.HandleFunc("POST /api/chats/{id}/participants", api.RequireSameOrigin(a.RequireAuth(a.AddParticipantHandler)))
	mux.HandleFunc("DELETE /api/chats/{id}/participants/{userId}", api.RequireSameOrigin(a.RequireAuth(a.RemoveParticipantHandler)))
	mux.HandleFunc("POST /api/chats/{id}/mute", api.RequireSameOrigin(a.RequireAuth(a.ToggleMuteHandler)))
	mux.HandleFunc("POST /api/chats/{id}/pin", api.RequireSameOrigin(a.RequireAuth(a.TogglePinHandler)))
	mux.HandleFunc("DELETE /api/chats/{id}", api.RequireSameOrigin(a.RequireAuth(a.DeleteChatHandler)))

	// Messages
	mux.HandleFunc("GET /api/chats/{id}/messages", a.RequireAuth(a.ListMessagesHandler))
	mux.HandleFunc("POST /api/chats/{id}/messages", api.RequireSameOrigin(a.RequireAuth(a.SendMessageHandler)))
	mux.HandleFunc("GET /api/chats/{id}/messages/search", a.RequireAuth(a.SearchMessagesHandler))
	mux.HandleFunc("GET /api/messages/{id}", a.RequireAuth(a.GetMessageHandler))
	mux.HandleFunc("PUT /api/messages/{id}", api.RequireSameOrigin(a.RequireAuth(a.EditMessageHandler)))
	mux.HandleFunc("DELETE /api/messages/{id}", api.RequireSameOrigin(a.RequireAuth(a.DeleteMessageHandler)))

	// Unread
	mux.HandleFunc("POST /api/chats/{id}/read", api.RequireSameOrigin(a.RequireAuth(a.MarkReadHandler)))
	mux.HandleFunc("GET /api/chats/{id}/unread", a.RequireAuth(a.UnreadCountHandler))
	mux.HandleFunc("POST /api/chats/{id}/unread/sync", api.RequireSameOrigin(a.RequireAuth(a.SyncUnreadHandler)))

	// Users
	mux.HandleFunc("GET /api/me", a.RequireAuth(a.MeHandler))
	mux.HandleFunc("GET /api/users/online", a.RequireAuth(a.OnlineUsersHandler))
	mux.HandleFunc("GET /api/users/search", a.RequireAuth(a.SearchUsersHandler))
	mux.HandleFunc("GET /api/users/blocked", a.RequireAuth(a.BlockedUsersHandler))
	mux.HandleFunc("POST /api/users/{id}/block", api.RequireSameOrigin(a.RequireAuth(a.BlockUserHandler)))
	mux.HandleFunc("DELETE /api/users/{id}/block", api.RequireSameOrigin(a.RequireAuth(a.UnblockUserHandler)))

	// Files
	mux.HandleFunc("POST /api/uploads", api.RequireSameOrigin(a.RequireAuth(a.UploadHandler)))
	mux.HandleFunc("GET /api/files/{id}", a.RequireAuth(a.GetFileHandler))

	// Web push
	mux.HandleFunc("POST /api/push/subscriptions", api.RequireSameOrigin(a.RequireAuth(a.SubscribePushHandler)))
	mux.HandleFunc("DELETE /api/push/subscriptions", api.RequireSameOrigin(a.RequireAuth(a.UnsubscribePushHandler)))
	mux.HandleFunc("GET /api/push/vapid-public-key", a.RequireAuth(a.VAPIDKeyHandler))

	// WebSocket endpoint
	mux.HandleFunc("GET /api/chat", wsServer.HandleConnections)

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

func (s *APIServer) Start() error {
	slog.Info("API server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
