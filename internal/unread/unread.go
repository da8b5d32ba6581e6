// Package unread keeps per user, per chat unread counters and read receipts.
package unread

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chatline/internal/models"
)

type Store interface {
	GetMessage(id string) (models.Message, error)
	MarkMessageRead(messageID, userID string, readAt int64) (models.Message, bool, error)
	MarkChatRead(chatID, userID string, readAt int64) ([]models.Message, error)
	UnreadCount(chatID, userID string) (int, error)
	RecountUnread(chatID, userID string) (int, error)
}

type Members interface {
	MembersOf(chatID string) ([]string, error)
	Authorize(chatID, userID string) error
}

// Committer serializes a chat mutation with the publication of its events.
type Committer interface {
	Commit(ctx context.Context, chatID string, mutate func() ([]models.Event, error)) error
}

// Counter maintains unread counts. The counters are stored next to the
// messages and change in the same transactions as messages and receipts;
// Counter turns those changes into events.
type Counter struct {
	store   Store
	members Members
	router  Committer
	now     func() time.Time
}

func New(store Store, members Members, router Committer) *Counter {
	return &Counter{
		store:   store,
		members: members,
		router:  router,
		now:     time.Now,
	}
}

// Increment reports the counters of every member except excludeUserID
// after a message was stored in chatID. The store has already counted the
// message; the returned events carry the new values.
func (c *Counter) Increment(chatID, excludeUserID string) ([]models.Event, error) {
	return c.Refresh(chatID, excludeUserID)
}

// Refresh returns unreadCountUpdate events with the current counters of
// every member of chatID except excludeUserID.
func (c *Counter) Refresh(chatID, excludeUserID string) ([]models.Event, error) {
	members, err := c.members.MembersOf(chatID)
	if err != nil {
		return nil, err
	}
	events := make([]models.Event, 0, len(members))
	for _, userID := range members {
		if userID == excludeUserID {
			continue
		}
		n, err := c.store.UnreadCount(chatID, userID)
		if err != nil {
			slog.Warn("failed to read unread count", "chat_id", chatID, "user_id", userID, "error", err)
			continue
		}
		events = append(events, models.UnreadCountUpdate{ChatID: chatID, UserID: userID, UnreadCount: n})
	}
	return events, nil
}

// MarkRead records that userID read messageID, or every message of the chat
// when messageID is empty, and returns the new unread count. Reading a
// single message notifies its sender; the reader always gets an
// unreadCountUpdate.
func (c *Counter) MarkRead(ctx context.Context, chatID, userID, messageID string) (int, error) {
	if err := c.members.Authorize(chatID, userID); err != nil {
		return 0, err
	}

	var count int
	err := c.router.Commit(ctx, chatID, func() ([]models.Event, error) {
		var events []models.Event
		readAt := c.now().Unix()

		if messageID != "" {
			msg, err := c.store.GetMessage(messageID)
			if err != nil {
				return nil, err
			}
			if msg.ChatID != chatID || msg.IsDeleted {
				return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
			}
			msg, changed, err := c.store.MarkMessageRead(messageID, userID, readAt)
			if err != nil {
				return nil, err
			}
			if changed {
				events = append(events, models.MessageRead{
					ChatID:    chatID,
					MessageID: messageID,
					ReadBy:    userID,
					ReadAt:    readAt,
					SenderID:  msg.SenderID,
				})
			}
		} else {
			marked, err := c.store.MarkChatRead(chatID, userID, readAt)
			if err != nil {
				return nil, err
			}
			slog.Debug("chat marked read", "chat_id", chatID, "user_id", userID, "messages", len(marked))
		}

		n, err := c.store.UnreadCount(chatID, userID)
		if err != nil {
			return nil, err
		}
		count = n
		events = append(events, models.UnreadCountUpdate{ChatID: chatID, UserID: userID, UnreadCount: n})
		return events, nil
	})
	return count, err
}

// Get returns the unread count of userID in chatID.
func (c *Counter) Get(chatID, userID string) (int, error) {
	if err := c.members.Authorize(chatID, userID); err != nil {
		return 0, err
	}
	return c.store.UnreadCount(chatID, userID)
}

// Reconcile rebuilds the counter from the message log. Clients call it
// through the sync endpoint after reconnecting.
func (c *Counter) Reconcile(chatID, userID string) (int, error) {
	if err := c.members.Authorize(chatID, userID); err != nil {
		return 0, err
	}
	return c.store.RecountUnread(chatID, userID)
}
