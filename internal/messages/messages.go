// Package messages implements the message lifecycle: create, edit, soft
// delete and the read paths. Every mutation is committed through the router
// so events of a chat are published in commit order.
package messages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatline/internal/content"
	"chatline/internal/metrics"
	"chatline/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultMaxLength  = 1000
	DefaultEditWindow = 24 * time.Hour

	MinSearchLength = 2
)

type Store interface {
	GetChat(id string) (models.Chat, error)
	GetMessage(id string) (models.Message, error)
	CreateMessage(msg models.Message) (models.Message, error)
	UpdateMessage(id string, fn func(msg *models.Message) error) (models.Message, error)
	ListMessages(chatID string, offset, limit int) ([]models.Message, int, error)
	SearchMessages(chatID, query string, offset, limit int) ([]models.Message, int, error)
}

type Members interface {
	Authorize(chatID, userID string) error
}

type Committer interface {
	Commit(ctx context.Context, chatID string, mutate func() ([]models.Event, error)) error
}

// Counter produces unread count updates for the members of a chat.
type Counter interface {
	Increment(chatID, excludeUserID string) ([]models.Event, error)
	Refresh(chatID, excludeUserID string) ([]models.Event, error)
}

// OfflineNotifier is told about every committed message. It decides on
// its own who is offline and must not block.
type OfflineNotifier interface {
	NotifyNewMessage(ctx context.Context, msg models.Message)
}

// CreateRequest is a message to post.
type CreateRequest struct {
	SenderID    string
	ChatID      string
	Content     string
	Type        models.MessageType
	Attachments []models.Attachment
	ReplyTo     string
}

type Manager struct {
	store    Store
	members  Members
	router   Committer
	counter  Counter
	notifier OfflineNotifier

	maxLength  int
	editWindow time.Duration
	now        func() time.Time
}

type Option func(*Manager)

func WithNotifier(n OfflineNotifier) Option {
	return func(m *Manager) { m.notifier = n }
}

func WithMaxLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxLength = n
		}
	}
}

func WithEditWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.editWindow = d
		}
	}
}

func New(store Store, members Members, router Committer, counter Counter, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		members:    members,
		router:     router,
		counter:    counter,
		maxLength:  DefaultMaxLength,
		editWindow: DefaultEditWindow,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates and stores a message, then publishes newMessage and the
// unread counters of the other members.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (models.Message, error) {
	if err := m.members.Authorize(req.ChatID, req.SenderID); err != nil {
		return models.Message{}, err
	}

	if err := m.checkLength(req.Content); err != nil {
		return models.Message{}, err
	}
	text := strings.TrimSpace(content.Sanitize(req.Content))
	switch {
	case text == "" && len(req.Attachments) == 0:
		return models.Message{}, fmt.Errorf("%w: message needs content or attachments", models.ErrInvalidArgument)
	case text != "" && len(req.Attachments) > 0:
		return models.Message{}, fmt.Errorf("%w: message has both content and attachments", models.ErrInvalidArgument)
	}
	msgType, err := messageType(req.Type, req.Attachments)
	if err != nil {
		return models.Message{}, err
	}
	html, err := m.render(text)
	if err != nil {
		return models.Message{}, err
	}

	msg := models.Message{
		ID:          uuid.NewString(),
		ChatID:      req.ChatID,
		SenderID:    req.SenderID,
		Content:     text,
		HTML:        html,
		Type:        msgType,
		Attachments: req.Attachments,
		ReplyTo:     req.ReplyTo,
		CreatedAt:   m.now().Unix(),
	}

	err = m.router.Commit(ctx, req.ChatID, func() ([]models.Event, error) {
		stored, err := m.store.CreateMessage(msg)
		if err != nil {
			return nil, err
		}
		msg = stored
		events := []models.Event{models.NewMessage{ChatID: msg.ChatID, Message: msg}}
		updates, err := m.counter.Increment(msg.ChatID, msg.SenderID)
		if err != nil {
			slog.Warn("failed to collect unread counts", "chat_id", msg.ChatID, "message_id", msg.ID, "error", err)
		}
		return append(events, updates...), nil
	})
	if err != nil {
		return models.Message{}, err
	}

	metrics.Messages.WithLabelValues("create").Inc()
	slog.Debug("message created", "chat_id", msg.ChatID, "message_id", msg.ID, "user_id", msg.SenderID)
	if m.notifier != nil {
		m.notifier.NotifyNewMessage(context.WithoutCancel(ctx), msg)
	}
	return msg, nil
}

// Edit replaces the text of a message. Only the sender may edit, and only
// within the edit window.
func (m *Manager) Edit(ctx context.Context, messageID, editorID, newContent string) (models.Message, error) {
	msg, err := m.store.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if err := m.members.Authorize(msg.ChatID, editorID); err != nil {
		return models.Message{}, err
	}
	if err := m.checkEditable(msg, editorID); err != nil {
		return models.Message{}, err
	}

	if err := m.checkLength(newContent); err != nil {
		return models.Message{}, err
	}
	text := strings.TrimSpace(content.Sanitize(newContent))
	if text == "" {
		return models.Message{}, fmt.Errorf("%w: message content cannot be empty", models.ErrInvalidArgument)
	}
	html, err := m.render(text)
	if err != nil {
		return models.Message{}, err
	}

	var edited models.Message
	err = m.router.Commit(ctx, msg.ChatID, func() ([]models.Event, error) {
		now := m.now().Unix()
		updated, err := m.store.UpdateMessage(messageID, func(stored *models.Message) error {
			if err := m.checkEditable(*stored, editorID); err != nil {
				return err
			}
			stored.Content = text
			stored.HTML = html
			stored.IsEdited = true
			stored.EditedAt = now
			return nil
		})
		if err != nil {
			return nil, err
		}
		edited = updated
		return []models.Event{models.MessageEdited{
			ChatID:     edited.ChatID,
			MessageID:  edited.ID,
			NewContent: edited.Content,
			HTML:       edited.HTML,
			EditedAt:   edited.EditedAt,
		}}, nil
	})
	if err != nil {
		return models.Message{}, err
	}
	metrics.Messages.WithLabelValues("edit").Inc()
	return edited, nil
}

func (m *Manager) checkEditable(msg models.Message, editorID string) error {
	if msg.IsDeleted {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, msg.ID)
	}
	if msg.SenderID != editorID {
		return fmt.Errorf("%w: only the sender can edit a message", models.ErrForbidden)
	}
	if m.now().Sub(time.Unix(msg.CreatedAt, 0)) > m.editWindow {
		return fmt.Errorf("%w: messages can only be edited within %s", models.ErrInvalidArgument, m.editWindow)
	}
	return nil
}

// SoftDelete marks a message deleted. The sender may delete their own
// messages; the admin of a group may delete any message in it.
func (m *Manager) SoftDelete(ctx context.Context, messageID, actorID string) error {
	msg, err := m.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.IsDeleted {
		return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	chat, err := m.store.GetChat(msg.ChatID)
	if err != nil {
		return err
	}
	if !chat.IsActive {
		return fmt.Errorf("%w: chat %s is inactive", models.ErrNotFound, chat.ID)
	}
	if !chat.IsAdmin(actorID) && (msg.SenderID != actorID || !chat.HasMember(actorID)) {
		return fmt.Errorf("%w: only the sender or the group admin can delete a message", models.ErrForbidden)
	}

	err = m.router.Commit(ctx, msg.ChatID, func() ([]models.Event, error) {
		now := m.now().Unix()
		deleted, err := m.store.UpdateMessage(messageID, func(stored *models.Message) error {
			if stored.IsDeleted {
				return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
			}
			stored.IsDeleted = true
			stored.DeletedAt = now
			stored.DeletedBy = actorID
			return nil
		})
		if err != nil {
			return nil, err
		}
		events := []models.Event{models.MessageDeleted{
			ChatID:    deleted.ChatID,
			MessageID: deleted.ID,
			DeletedBy: deleted.DeletedBy,
			DeletedAt: deleted.DeletedAt,
		}}
		updates, err := m.counter.Refresh(deleted.ChatID, deleted.SenderID)
		if err != nil {
			slog.Warn("failed to collect unread counts", "chat_id", deleted.ChatID, "message_id", deleted.ID, "error", err)
		}
		return append(events, updates...), nil
	})
	if err != nil {
		return err
	}
	metrics.Messages.WithLabelValues("delete").Inc()
	slog.Info("message deleted", "chat_id", msg.ChatID, "message_id", messageID, "actor_id", actorID)
	return nil
}

// Get returns a message to a member of its chat. Deleted messages are not
// found.
func (m *Manager) Get(messageID, userID string) (models.Message, error) {
	msg, err := m.store.GetMessage(messageID)
	if err != nil {
		return models.Message{}, err
	}
	if msg.IsDeleted {
		return models.Message{}, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
	}
	if err := m.members.Authorize(msg.ChatID, userID); err != nil {
		return models.Message{}, err
	}
	return msg.Redacted(), nil
}

// List returns one page of chat history in chronological order. Page 1
// holds the newest messages; HasNext means older messages exist.
func (m *Manager) List(chatID, userID string, page, limit int) ([]models.Message, models.Page, error) {
	if err := m.members.Authorize(chatID, userID); err != nil {
		return nil, models.Page{}, err
	}
	page, limit = models.NormalizePage(page, limit, 50, 100)
	msgs, total, err := m.store.ListMessages(chatID, (page-1)*limit, limit)
	if err != nil {
		return nil, models.Page{}, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return redact(msgs), models.NewPage(page, limit, total), nil
}

// Search finds messages whose text contains query, newest first.
func (m *Manager) Search(chatID, userID, query string, page, limit int) ([]models.Message, models.Page, error) {
	if err := m.members.Authorize(chatID, userID); err != nil {
		return nil, models.Page{}, err
	}
	query = strings.TrimSpace(query)
	if content.Length(query) < MinSearchLength {
		return nil, models.Page{}, fmt.Errorf("%w: search query must be at least %d characters", models.ErrInvalidArgument, MinSearchLength)
	}
	page, limit = models.NormalizePage(page, limit, 20, 50)
	msgs, total, err := m.store.SearchMessages(chatID, query, (page-1)*limit, limit)
	if err != nil {
		return nil, models.Page{}, err
	}
	return redact(msgs), models.NewPage(page, limit, total), nil
}

// checkLength measures the text as typed, before sanitizing escapes it.
func (m *Manager) checkLength(raw string) error {
	if content.Length(strings.TrimSpace(raw)) > m.maxLength {
		return fmt.Errorf("%w: message exceeds %d characters", models.ErrInvalidArgument, m.maxLength)
	}
	return nil
}

func (m *Manager) render(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	return content.Render(text)
}

// messageType defaults to text, or to the kind of the first attachment.
func messageType(t models.MessageType, attachments []models.Attachment) (models.MessageType, error) {
	for _, a := range attachments {
		if !a.Type.Valid() {
			return "", fmt.Errorf("%w: unknown attachment type %q", models.ErrInvalidArgument, a.Type)
		}
		if a.URL == "" {
			return "", fmt.Errorf("%w: attachment without url", models.ErrInvalidArgument)
		}
	}
	if t == "" {
		if len(attachments) > 0 {
			return models.MessageType(attachments[0].Type), nil
		}
		return models.MessageTypeText, nil
	}
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown message type %q", models.ErrInvalidArgument, t)
	}
	return t, nil
}

func redact(msgs []models.Message) []models.Message {
	for i := range msgs {
		msgs[i] = msgs[i].Redacted()
	}
	return msgs
}
