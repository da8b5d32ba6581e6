package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"chatline/internal/models"
	"chatline/internal/registry"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type Authenticator interface {
	Authenticate(token string) (string, error)
}

type Users interface {
	GetUser(id string) (models.User, error)
}

type Chats interface {
	ChatsOf(userID string, page, limit int) ([]models.ChatView, models.Page, error)
}

type Registry interface {
	Register(ctx context.Context, c *registry.Conn) error
	Unregister(ctx context.Context, c *registry.Conn)
}

type Config struct {
	SendBuffer     int
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	Keepalive      Keepalive
}

type Server struct {
	auth       Authenticator
	users      Users
	chats      Chats
	registry   Registry
	dispatcher dispatcher
	config     Config
	upgrader   *websocket.Upgrader
}

func NewServer(auth Authenticator, users Users, chats Chats, reg Registry, d *Dispatcher, config Config) *Server {
	if config.Keepalive.PingInterval <= 0 {
		config.Keepalive = DefaultKeepalive()
	}
	s := &Server{
		auth:       auth,
		users:      users,
		chats:      chats,
		registry:   reg,
		dispatcher: d,
		config:     config,
	}
	s.upgrader = &websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// HandleConnections authenticates the request, registers a live connection
// subscribed to every chat of the user and serves it until it closes.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkOrigin(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	userID, err := s.auth.Authenticate(Credential(r))
	if err != nil {
		if errors.Is(err, models.ErrTransient) {
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	user, err := s.users.GetUser(userID)
	if err != nil || !user.IsActive() {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// Registered first so chats created or joined while the chat list loads
	// reach the connection through the registry.
	conn := registry.NewConn(user.ID, user.UserName, s.config.SendBuffer)
	if err := s.registry.Register(r.Context(), conn); err != nil {
		slog.Error("failed to register connection", "user_id", userID, "error", err)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := s.subscribeAll(conn); err != nil {
		slog.Error("failed to load chats for connection", "user_id", userID, "error", err)
		s.registry.Unregister(context.WithoutCancel(r.Context()), conn)
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("error upgrading to websocket", "user_id", userID, "error", err)
		s.registry.Unregister(context.WithoutCancel(r.Context()), conn)
		return
	}
	slog.Info("connection opened", "user_id", userID, "conn_id", conn.ID())

	var limiter *rate.Limiter
	if s.config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.RateLimit), max(s.config.RateBurst, 1))
	}
	c := NewConnection(ws, conn, s.dispatcher, s.registry, limiter, s.config.Keepalive)
	if err := c.Handle(r.Context()); err != nil {
		slog.Debug("connection closed with error", "user_id", userID, "conn_id", conn.ID(), "error", err)
	}
	slog.Info("connection closed", "user_id", userID, "conn_id", conn.ID())
}

func (s *Server) subscribeAll(conn *registry.Conn) error {
	for page := 1; ; page++ {
		views, p, err := s.chats.ChatsOf(conn.UserID(), page, 100)
		if err != nil {
			return err
		}
		for _, v := range views {
			conn.Subscribe(v.ID)
		}
		if !p.HasNext {
			return nil
		}
	}
}

// checkOrigin accepts requests without an Origin header and, when no
// origins are configured, every origin.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.config.AllowedOrigins {
		if strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Credential extracts the bearer token from the Authorization header, the
// token header, the token cookie or the token query parameter.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("token")
}
