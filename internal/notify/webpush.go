// Package notify delivers best-effort web push notifications to chat
// members who have no live connection.
package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"chatline/internal/metrics"
	"chatline/internal/models"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	previewLength = 120
	maxInFlight   = 16
	defaultTTL    = 60 * 60 * 24
)

type Store interface {
	GetChat(id string) (models.Chat, error)
	GetUser(id string) (models.User, error)
	ListPushSubscriptions(userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	TTL        int
}

// Enabled reports whether both VAPID keys are configured.
func (c Config) Enabled() bool {
	return c.PublicKey != "" && c.PrivateKey != ""
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type Notifier struct {
	store  Store
	config Config
	client webpush.HTTPClient

	sem chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(store Store, config Config) *Notifier {
	if config.TTL <= 0 {
		config.TTL = defaultTTL
	}
	return &Notifier{
		store:  store,
		config: config,
		client: http.DefaultClient,
		sem:    make(chan struct{}, maxInFlight),
	}
}

// NotifyNewMessage schedules notifications for msg and returns at once.
// Messages arriving after Close are dropped.
func (n *Notifier) NotifyNewMessage(ctx context.Context, msg models.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		slog.Debug("push: notifier closed, dropping notification", "message_id", msg.ID)
		return
	}
	n.wg.Go(func() {
		select {
		case n.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-n.sem }()
		n.notify(ctx, msg)
	})
}

// Wait blocks until every scheduled notification is finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Close stops scheduling new notifications and waits for the scheduled ones.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) notify(ctx context.Context, msg models.Message) {
	chat, err := n.store.GetChat(msg.ChatID)
	if err != nil {
		slog.Warn("push: failed to load chat", "chat_id", msg.ChatID, "error", err)
		return
	}

	title := chat.Name
	if chat.Type != models.ChatTypeGroup || title == "" {
		title = n.senderName(msg.SenderID)
	}
	payload, err := json.Marshal(Payload{
		Title:     title,
		Body:      msg.Preview(previewLength),
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
	})
	if err != nil {
		slog.Error("push: failed to encode payload", "error", err)
		return
	}

	for _, userID := range chat.Members {
		if userID == msg.SenderID || chat.IsMutedBy(userID) {
			continue
		}
		user, err := n.store.GetUser(userID)
		if err != nil || !user.IsActive() || user.Presence.Online {
			continue
		}
		subs, err := n.store.ListPushSubscriptions(userID)
		if err != nil {
			slog.Warn("push: failed to list subscriptions", "user_id", userID, "error", err)
			continue
		}
		for _, sub := range subs {
			n.send(ctx, sub, payload)
		}
	}
}

func (n *Notifier) senderName(userID string) string {
	user, err := n.store.GetUser(userID)
	if err != nil {
		return "New message"
	}
	if user.DisplayName != "" {
		return user.DisplayName
	}
	return user.UserName
}

func (n *Notifier) send(ctx context.Context, sub models.PushSubscription, payload []byte) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			Auth:   sub.Auth,
			P256dh: sub.P256dh,
		},
	}, &webpush.Options{
		HTTPClient:      n.client,
		Subscriber:      n.config.Subscriber,
		VAPIDPublicKey:  n.config.PublicKey,
		VAPIDPrivateKey: n.config.PrivateKey,
		TTL:             n.config.TTL,
		Urgency:         webpush.UrgencyNormal,
	})
	if err != nil {
		metrics.WebPush.WithLabelValues("error").Inc()
		slog.Warn("push: send failed", "user_id", sub.UserID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		metrics.WebPush.WithLabelValues("expired").Inc()
		if err := n.store.DeletePushSubscription(sub.UserID, sub.Endpoint); err != nil {
			slog.Warn("push: failed to delete expired subscription", "user_id", sub.UserID, "error", err)
		}
	case resp.StatusCode >= 300:
		metrics.WebPush.WithLabelValues("rejected").Inc()
		slog.Warn("push: rejected by push service", "user_id", sub.UserID, "status", resp.StatusCode)
	default:
		metrics.WebPush.WithLabelValues("sent").Inc()
	}
}
