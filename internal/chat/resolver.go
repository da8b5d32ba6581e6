// Package chat resolves chat membership and owns every membership mutation.
// All authorization decisions about chats go through Resolver.
package chat

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"chatline/internal/models"
	"chatline/internal/syncx"

	"github.com/c-pro/geche"
)

const cacheShards = 16

// Store is the part of the durable store the resolver needs.
type Store interface {
	GetUser(id string) (models.User, error)
	GetChat(id string) (models.Chat, error)
	GetMessage(id string) (models.Message, error)
	CreatePrivateChat(chat models.Chat) (models.Chat, bool, error)
	CreateGroupChat(chat models.Chat) error
	UpdateChat(id string, fn func(chat *models.Chat) error) (models.Chat, error)
	ListMemberChats(userID string, offset, limit int) ([]models.Chat, int, error)
	UnreadCount(chatID, userID string) (int, error)
}

// Subscriptions keeps live connections in step with membership.
type Subscriptions interface {
	SubscribeUser(userID, chatID string)
	UnsubscribeUser(userID, chatID string)
}

type Resolver struct {
	store  Store
	subs   Subscriptions
	shards [cacheShards]geche.Geche[string, []string]
	// fills orders cache fills after store reads against membership
	// mutations of the same chat.
	fills *syncx.KeyedMutex
	now   func() time.Time
}

// NewResolver creates a resolver whose member cache entries live for ttl.
// Local mutations refresh the cache immediately; ttl bounds staleness of
// changes made by other instances.
func NewResolver(ctx context.Context, store Store, subs Subscriptions, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = time.Minute
	}
	r := &Resolver{
		store: store,
		subs:  subs,
		fills: syncx.NewKeyedMutex(),
		now:   time.Now,
	}
	for i := range r.shards {
		r.shards[i] = geche.NewMapTTLCache[string, []string](ctx, ttl, ttl)
	}
	return r
}

func (r *Resolver) cacheFor(chatID string) geche.Geche[string, []string] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return r.shards[h.Sum32()%cacheShards]
}

func (r *Resolver) remember(chat models.Chat) {
	cache := r.cacheFor(chat.ID)
	if !chat.IsActive {
		_ = cache.Del(chat.ID)
		return
	}
	cache.Set(chat.ID, append([]string(nil), chat.Members...))
}

// update applies fn to the stored chat and refreshes the cache with the
// committed state while holding the chat's fill lock.
func (r *Resolver) update(chatID string, fn func(chat *models.Chat) error) (models.Chat, error) {
	unlock := r.fills.Lock(chatID)
	defer unlock()
	chat, err := r.store.UpdateChat(chatID, fn)
	if err != nil {
		return models.Chat{}, err
	}
	r.remember(chat)
	return chat, nil
}

// MembersOf returns the members of an active chat.
func (r *Resolver) MembersOf(chatID string) ([]string, error) {
	cache := r.cacheFor(chatID)
	if members, err := cache.Get(chatID); err == nil {
		return append([]string(nil), members...), nil
	}

	// A read that started before a mutation must not overwrite the
	// mutation's cache entry, so the load and the fill share the lock.
	unlock := r.fills.Lock(chatID)
	defer unlock()
	if members, err := cache.Get(chatID); err == nil {
		return append([]string(nil), members...), nil
	}
	chat, err := r.store.GetChat(chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsActive {
		return nil, fmt.Errorf("%w: chat %s is inactive", models.ErrNotFound, chatID)
	}
	r.remember(chat)
	return append([]string(nil), chat.Members...), nil
}

// Authorize fails with NotFound for missing or inactive chats and with
// Forbidden when userID is not a member.
func (r *Resolver) Authorize(chatID, userID string) error {
	members, err := r.MembersOf(chatID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == userID {
			return nil
		}
	}
	return fmt.Errorf("%w: user %s is not a member of chat %s", models.ErrForbidden, userID, chatID)
}

func (r *Resolver) IsMember(chatID, userID string) bool {
	return r.Authorize(chatID, userID) == nil
}

// CoMembersOf returns every user sharing at least one active chat with userID.
func (r *Resolver) CoMembersOf(userID string) ([]string, error) {
	chats, _, err := r.store.ListMemberChats(userID, 0, 0)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var users []string
	for _, chat := range chats {
		for _, m := range chat.Members {
			if m == userID {
				continue
			}
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				users = append(users, m)
			}
		}
	}
	return users, nil
}

// Get returns the chat as seen by a member.
func (r *Resolver) Get(chatID, userID string) (models.ChatView, error) {
	chat, err := r.store.GetChat(chatID)
	if err != nil {
		return models.ChatView{}, err
	}
	if !chat.IsActive {
		return models.ChatView{}, fmt.Errorf("%w: chat %s is inactive", models.ErrNotFound, chatID)
	}
	if !chat.HasMember(userID) {
		return models.ChatView{}, fmt.Errorf("%w: user %s is not a member of chat %s", models.ErrForbidden, userID, chatID)
	}
	return r.view(chat, userID), nil
}

// ChatsOf lists active chats of userID, most recently active first.
func (r *Resolver) ChatsOf(userID string, page, limit int) ([]models.ChatView, models.Page, error) {
	page, limit = models.NormalizePage(page, limit, 20, 100)
	chats, total, err := r.store.ListMemberChats(userID, (page-1)*limit, limit)
	if err != nil {
		return nil, models.Page{}, err
	}
	views := make([]models.ChatView, 0, len(chats))
	for _, chat := range chats {
		views = append(views, r.view(chat, userID))
	}
	return views, models.NewPage(page, limit, total), nil
}

func (r *Resolver) view(chat models.Chat, userID string) models.ChatView {
	v := models.ChatView{
		Chat:     chat,
		IsMuted:  chat.IsMutedBy(userID),
		IsPinned: chat.IsPinnedBy(userID),
	}
	n, err := r.store.UnreadCount(chat.ID, userID)
	if err != nil {
		slog.Warn("failed to read unread count", "chat_id", chat.ID, "user_id", userID, "error", err)
	}
	v.UnreadCount = n
	if chat.LastMessageID != "" {
		msg, err := r.store.GetMessage(chat.LastMessageID)
		switch {
		case err == nil:
			redacted := msg.Redacted()
			v.LastMessage = &redacted
		case !errors.Is(err, models.ErrNotFound):
			slog.Warn("failed to load last message", "chat_id", chat.ID, "error", err)
		}
	}
	return v
}
