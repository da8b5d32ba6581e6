package chat

import (
	"fmt"
	"log/slog"

	"chatline/internal/content"
	"chatline/internal/models"

	"github.com/google/uuid"
)

const (
	MaxGroupNameLength        = 100
	MaxGroupDescriptionLength = 500
)

// GroupInfoUpdate carries the group fields to change; nil fields are kept.
type GroupInfoUpdate struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	AvatarURL   *string `json:"avatarUrl,omitempty"`
}

// CreateOrGetPrivateChat returns the private chat between userA and userB,
// creating it if needed. Argument order does not matter and concurrent
// calls for the same pair return the same chat.
func (r *Resolver) CreateOrGetPrivateChat(userA, userB string) (models.Chat, error) {
	if userA == userB {
		return models.Chat{}, fmt.Errorf("%w: cannot create a chat with yourself", models.ErrInvalidArgument)
	}
	other, err := r.store.GetUser(userB)
	if err != nil {
		return models.Chat{}, err
	}
	if !other.IsActive() {
		return models.Chat{}, fmt.Errorf("%w: user %s", models.ErrNotFound, userB)
	}

	now := r.now().Unix()
	chat, created, err := r.store.CreatePrivateChat(models.Chat{
		ID:           uuid.NewString(),
		Type:         models.ChatTypePrivate,
		Members:      []string{userA, userB},
		LastActivity: now,
		IsActive:     true,
		CreatedAt:    now,
	})
	if err != nil {
		return models.Chat{}, err
	}
	if created {
		r.remember(chat)
		slog.Info("private chat created", "chat_id", chat.ID, "user_id", userA)
		r.subscribe(chat.ID, chat.Members...)
	}
	return chat, nil
}

// CreateGroupChat creates a group administered by adminID.
func (r *Resolver) CreateGroupChat(adminID, name, description string, participants []string) (models.Chat, error) {
	name = content.PlainText(name)
	description = content.PlainText(description)
	if err := validateGroupInfo(name, description); err != nil {
		return models.Chat{}, err
	}

	members := []string{adminID}
	seen := map[string]struct{}{adminID: {}}
	for _, p := range participants {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		members = append(members, p)
	}
	if len(members) < 2 {
		return models.Chat{}, fmt.Errorf("%w: a group needs at least one other participant", models.ErrInvalidArgument)
	}

	now := r.now().Unix()
	chat := models.Chat{
		ID:           uuid.NewString(),
		Type:         models.ChatTypeGroup,
		Members:      members,
		Name:         name,
		Description:  description,
		AdminID:      adminID,
		LastActivity: now,
		IsActive:     true,
		CreatedAt:    now,
	}
	if err := r.store.CreateGroupChat(chat); err != nil {
		return models.Chat{}, err
	}
	r.remember(chat)
	r.subscribe(chat.ID, chat.Members...)
	slog.Info("group chat created", "chat_id", chat.ID, "user_id", adminID, "members", len(members))
	return chat, nil
}

// AddParticipant adds userID to a group. The actor must be the admin, or
// a member when the group allows members to add others.
func (r *Resolver) AddParticipant(chatID, actorID, userID string) (models.Chat, error) {
	chat, err := r.update(chatID, func(chat *models.Chat) error {
		if err := requireGroupMember(chat, actorID); err != nil {
			return err
		}
		if !chat.IsAdmin(actorID) && !chat.Settings.AllowMembersToAddOthers {
			return fmt.Errorf("%w: only the admin can add participants", models.ErrForbidden)
		}
		if chat.HasMember(userID) {
			return fmt.Errorf("%w: user %s is already a member", models.ErrInvalidArgument, userID)
		}
		chat.Members = append(chat.Members, userID)
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}
	r.subscribe(chatID, userID)
	slog.Info("participant added", "chat_id", chatID, "user_id", userID, "actor_id", actorID)
	return chat, nil
}

// RemoveParticipant removes userID from a group. Members may remove
// themselves, the admin may remove anyone else, and the admin is never
// removed. A group never shrinks below two members.
func (r *Resolver) RemoveParticipant(chatID, actorID, userID string) (models.Chat, error) {
	chat, err := r.update(chatID, func(chat *models.Chat) error {
		if err := requireGroupMember(chat, actorID); err != nil {
			return err
		}
		if userID == chat.AdminID {
			return fmt.Errorf("%w: the group admin cannot be removed", models.ErrForbidden)
		}
		if userID != actorID && !chat.IsAdmin(actorID) {
			return fmt.Errorf("%w: only the admin can remove other participants", models.ErrForbidden)
		}
		if !chat.HasMember(userID) {
			return fmt.Errorf("%w: user %s is not a member", models.ErrInvalidArgument, userID)
		}
		if len(chat.Members) <= 2 {
			return fmt.Errorf("%w: a group needs at least two members", models.ErrInvalidArgument)
		}
		chat.Members = without(chat.Members, userID)
		chat.MutedBy = without(chat.MutedBy, userID)
		chat.PinnedBy = without(chat.PinnedBy, userID)
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}
	if r.subs != nil {
		r.subs.UnsubscribeUser(userID, chatID)
	}
	slog.Info("participant removed", "chat_id", chatID, "user_id", userID, "actor_id", actorID)
	return chat, nil
}

// UpdateGroupInfo changes name, description or avatar of a group.
func (r *Resolver) UpdateGroupInfo(chatID, actorID string, upd GroupInfoUpdate) (models.Chat, error) {
	chat, err := r.update(chatID, func(chat *models.Chat) error {
		if err := requireGroupMember(chat, actorID); err != nil {
			return err
		}
		if !chat.IsAdmin(actorID) && !chat.Settings.AllowMembersToEditGroupInfo {
			return fmt.Errorf("%w: only the admin can edit group info", models.ErrForbidden)
		}
		name, description := chat.Name, chat.Description
		if upd.Name != nil {
			name = content.PlainText(*upd.Name)
		}
		if upd.Description != nil {
			description = content.PlainText(*upd.Description)
		}
		if err := validateGroupInfo(name, description); err != nil {
			return err
		}
		chat.Name, chat.Description = name, description
		if upd.AvatarURL != nil {
			chat.AvatarURL = *upd.AvatarURL
		}
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// UpdateGroupSettings replaces the permission flags. Admin only.
func (r *Resolver) UpdateGroupSettings(chatID, actorID string, settings models.GroupSettings) (models.Chat, error) {
	chat, err := r.update(chatID, func(chat *models.Chat) error {
		if err := requireGroupMember(chat, actorID); err != nil {
			return err
		}
		if !chat.IsAdmin(actorID) {
			return fmt.Errorf("%w: only the admin can change group settings", models.ErrForbidden)
		}
		chat.Settings = settings
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// Deactivate hides a group from every member. Admin only. Chats are never
// hard-deleted.
func (r *Resolver) Deactivate(chatID, actorID string) error {
	chat, err := r.update(chatID, func(chat *models.Chat) error {
		if err := requireGroupMember(chat, actorID); err != nil {
			return err
		}
		if !chat.IsAdmin(actorID) {
			return fmt.Errorf("%w: only the admin can delete the group", models.ErrForbidden)
		}
		chat.IsActive = false
		return nil
	})
	if err != nil {
		return err
	}
	if r.subs != nil {
		for _, m := range chat.Members {
			r.subs.UnsubscribeUser(m, chatID)
		}
	}
	slog.Info("group chat deactivated", "chat_id", chatID, "actor_id", actorID)
	return nil
}

// ToggleMute flips the mute flag of userID and returns the new state.
func (r *Resolver) ToggleMute(chatID, userID string) (bool, error) {
	var muted bool
	_, err := r.update(chatID, func(chat *models.Chat) error {
		if err := requireMember(chat, userID); err != nil {
			return err
		}
		chat.MutedBy, muted = toggle(chat.MutedBy, userID)
		return nil
	})
	return muted, err
}

// TogglePin flips the pin flag of userID and returns the new state.
func (r *Resolver) TogglePin(chatID, userID string) (bool, error) {
	var pinned bool
	_, err := r.update(chatID, func(chat *models.Chat) error {
		if err := requireMember(chat, userID); err != nil {
			return err
		}
		chat.PinnedBy, pinned = toggle(chat.PinnedBy, userID)
		return nil
	})
	return pinned, err
}

func (r *Resolver) subscribe(chatID string, users ...string) {
	if r.subs == nil {
		return
	}
	for _, u := range users {
		r.subs.SubscribeUser(u, chatID)
	}
}

func requireMember(chat *models.Chat, userID string) error {
	if !chat.IsActive {
		return fmt.Errorf("%w: chat %s is inactive", models.ErrNotFound, chat.ID)
	}
	if !chat.HasMember(userID) {
		return fmt.Errorf("%w: user %s is not a member of chat %s", models.ErrForbidden, userID, chat.ID)
	}
	return nil
}

func requireGroupMember(chat *models.Chat, userID string) error {
	if err := requireMember(chat, userID); err != nil {
		return err
	}
	if chat.Type != models.ChatTypeGroup {
		return fmt.Errorf("%w: chat %s is not a group", models.ErrInvalidArgument, chat.ID)
	}
	return nil
}

func validateGroupInfo(name, description string) error {
	if n := content.Length(name); n < 1 || n > MaxGroupNameLength {
		return fmt.Errorf("%w: group name must be 1 to %d characters", models.ErrInvalidArgument, MaxGroupNameLength)
	}
	if content.Length(description) > MaxGroupDescriptionLength {
		return fmt.Errorf("%w: group description must be at most %d characters", models.ErrInvalidArgument, MaxGroupDescriptionLength)
	}
	return nil
}

func without(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func toggle(list []string, v string) ([]string, bool) {
	for _, s := range list {
		if s == v {
			return without(list, v), false
		}
	}
	return append(list, v), true
}
