package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatline/internal/models"
	"chatline/internal/storage"

	"github.com/stretchr/testify/require"
)

type mockSubs struct {
	mu   sync.Mutex
	subs map[string]map[string]bool
}

func newMockSubs() *mockSubs {
	return &mockSubs{subs: make(map[string]map[string]bool)}
}

func (m *mockSubs) SubscribeUser(userID, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[userID] == nil {
		m.subs[userID] = make(map[string]bool)
	}
	m.subs[userID][chatID] = true
}

func (m *mockSubs) UnsubscribeUser(userID, chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[userID], chatID)
}

func (m *mockSubs) has(userID, chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[userID][chatID]
}

func newTestResolver(t *testing.T, users ...string) (*Resolver, *storage.BboltStorage, *mockSubs) {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range users {
		require.NoError(t, store.CreateUser(models.User{ID: u, UserName: u, DisplayName: u, Status: models.UserStatusActive}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	subs := newMockSubs()
	return NewResolver(ctx, store, subs, time.Minute), store, subs
}

func TestPrivateChat(t *testing.T) {
	r, _, subs := newTestResolver(t, "alice", "bob")

	t.Run("idempotent and order independent", func(t *testing.T) {
		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			ids = map[string]bool{}
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := "alice", "bob"
				if i%2 == 0 {
					a, b = b, a
				}
				chat, err := r.CreateOrGetPrivateChat(a, b)
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					ids[chat.ID] = true
				}
			}(i)
		}
		wg.Wait()
		require.Len(t, ids, 1)

		for id := range ids {
			require.True(t, subs.has("alice", id))
			require.True(t, subs.has("bob", id))
			members, err := r.MembersOf(id)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"alice", "bob"}, members)
		}
	})

	t.Run("self chat", func(t *testing.T) {
		_, err := r.CreateOrGetPrivateChat("alice", "alice")
		require.ErrorIs(t, err, models.ErrInvalidArgument)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := r.CreateOrGetPrivateChat("alice", "ghost")
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestGroupMembership(t *testing.T) {
	r, _, subs := newTestResolver(t, "admin", "bob", "carol", "dave")

	chat, err := r.CreateGroupChat("admin", "Team", "", []string{"bob", "bob", "carol"})
	require.NoError(t, err)
	require.Equal(t, []string{"admin", "bob", "carol"}, chat.Members)
	require.True(t, r.IsMember(chat.ID, "carol"))
	require.False(t, r.IsMember(chat.ID, "dave"))

	t.Run("validation", func(t *testing.T) {
		_, err := r.CreateGroupChat("admin", "", "", []string{"bob"})
		require.ErrorIs(t, err, models.ErrInvalidArgument)
		_, err = r.CreateGroupChat("admin", "Solo", "", nil)
		require.ErrorIs(t, err, models.ErrInvalidArgument)
		_, err = r.CreateGroupChat("admin", "Ghosts", "", []string{"ghost"})
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("add requires permission", func(t *testing.T) {
		_, err := r.AddParticipant(chat.ID, "bob", "dave")
		require.ErrorIs(t, err, models.ErrForbidden)

		_, err = r.UpdateGroupSettings(chat.ID, "bob", models.GroupSettings{AllowMembersToAddOthers: true})
		require.ErrorIs(t, err, models.ErrForbidden)
		_, err = r.UpdateGroupSettings(chat.ID, "admin", models.GroupSettings{AllowMembersToAddOthers: true})
		require.NoError(t, err)

		_, err = r.AddParticipant(chat.ID, "bob", "dave")
		require.NoError(t, err)
		require.True(t, r.IsMember(chat.ID, "dave"))
		require.True(t, subs.has("dave", chat.ID))

		_, err = r.AddParticipant(chat.ID, "admin", "dave")
		require.ErrorIs(t, err, models.ErrInvalidArgument)
	})

	t.Run("remove rules", func(t *testing.T) {
		_, err := r.RemoveParticipant(chat.ID, "admin", "admin")
		require.ErrorIs(t, err, models.ErrForbidden)
		_, err = r.RemoveParticipant(chat.ID, "bob", "admin")
		require.ErrorIs(t, err, models.ErrForbidden)
		_, err = r.RemoveParticipant(chat.ID, "bob", "carol")
		require.ErrorIs(t, err, models.ErrForbidden)
		_, err = r.RemoveParticipant(chat.ID, "dave", "ghost")
		require.ErrorIs(t, err, models.ErrForbidden)
		_, err = r.RemoveParticipant(chat.ID, "admin", "ghost")
		require.ErrorIs(t, err, models.ErrInvalidArgument)

		_, err = r.RemoveParticipant(chat.ID, "dave", "dave")
		require.NoError(t, err)
		require.False(t, r.IsMember(chat.ID, "dave"))
		require.False(t, subs.has("dave", chat.ID))

		_, err = r.RemoveParticipant(chat.ID, "admin", "carol")
		require.NoError(t, err)

		_, err = r.RemoveParticipant(chat.ID, "admin", "bob")
		require.ErrorIs(t, err, models.ErrInvalidArgument)

		members, err := r.MembersOf(chat.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"admin", "bob"}, members)
	})

	t.Run("group info", func(t *testing.T) {
		name := "<b>Renamed</b>"
		_, err := r.UpdateGroupInfo(chat.ID, "bob", GroupInfoUpdate{Name: &name})
		require.ErrorIs(t, err, models.ErrForbidden)

		updated, err := r.UpdateGroupInfo(chat.ID, "admin", GroupInfoUpdate{Name: &name})
		require.NoError(t, err)
		require.Equal(t, "Renamed", updated.Name)

		empty := ""
		_, err = r.UpdateGroupInfo(chat.ID, "admin", GroupInfoUpdate{Name: &empty})
		require.ErrorIs(t, err, models.ErrInvalidArgument)
	})

	t.Run("deactivate", func(t *testing.T) {
		require.ErrorIs(t, r.Deactivate(chat.ID, "bob"), models.ErrForbidden)
		require.NoError(t, r.Deactivate(chat.ID, "admin"))

		_, err := r.MembersOf(chat.ID)
		require.ErrorIs(t, err, models.ErrNotFound)
		require.False(t, subs.has("bob", chat.ID))
	})
}

func TestPrivateMembershipImmutable(t *testing.T) {
	r, _, _ := newTestResolver(t, "alice", "bob", "carol")
	chat, err := r.CreateOrGetPrivateChat("alice", "bob")
	require.NoError(t, err)

	_, err = r.AddParticipant(chat.ID, "alice", "carol")
	require.ErrorIs(t, err, models.ErrInvalidArgument)
	_, err = r.RemoveParticipant(chat.ID, "alice", "bob")
	require.ErrorIs(t, err, models.ErrInvalidArgument)
}

func TestMuteAndPinAndListing(t *testing.T) {
	r, store, _ := newTestResolver(t, "alice", "bob", "carol")

	first, err := r.CreateOrGetPrivateChat("alice", "bob")
	require.NoError(t, err)
	group, err := r.CreateGroupChat("alice", "Group", "desc", []string{"bob", "carol"})
	require.NoError(t, err)

	muted, err := r.ToggleMute(first.ID, "bob")
	require.NoError(t, err)
	require.True(t, muted)
	pinned, err := r.TogglePin(first.ID, "bob")
	require.NoError(t, err)
	require.True(t, pinned)
	muted, err = r.ToggleMute(first.ID, "bob")
	require.NoError(t, err)
	require.False(t, muted)

	_, err = r.ToggleMute(first.ID, "carol")
	require.ErrorIs(t, err, models.ErrForbidden)

	_, err = store.CreateMessage(models.Message{
		ID:        "m1",
		ChatID:    first.ID,
		SenderID:  "alice",
		Content:   "hello",
		Type:      models.MessageTypeText,
		CreatedAt: time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	views, page, err := r.ChatsOf("bob", 1, 10)
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	require.False(t, page.HasNext)
	require.Len(t, views, 2)
	require.Equal(t, first.ID, views[0].ID)
	require.Equal(t, 1, views[0].UnreadCount)
	require.True(t, views[0].IsPinned)
	require.False(t, views[0].IsMuted)
	require.NotNil(t, views[0].LastMessage)
	require.Equal(t, "hello", views[0].LastMessage.Content)
	require.Equal(t, group.ID, views[1].ID)

	co, err := r.CoMembersOf("carol")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, co)

	_, err = r.Get(first.ID, "carol")
	require.ErrorIs(t, err, models.ErrForbidden)
}

// pausingStore holds the first GetChat after the read completes, until
// release is closed.
type pausingStore struct {
	*storage.BboltStorage
	once    sync.Once
	loaded  chan struct{}
	release chan struct{}
}

func (p *pausingStore) GetChat(id string) (models.Chat, error) {
	chat, err := p.BboltStorage.GetChat(id)
	p.once.Do(func() {
		close(p.loaded)
		<-p.release
	})
	return chat, err
}

func TestSlowMemberReadDoesNotResurrectRemovedMember(t *testing.T) {
	r, store, _ := newTestResolver(t, "alice", "bob", "carol")
	group, err := r.CreateGroupChat("alice", "trio", "", []string{"bob", "carol"})
	require.NoError(t, err)

	slow := &pausingStore{
		BboltStorage: store,
		loaded:       make(chan struct{}),
		release:      make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cold := NewResolver(ctx, slow, newMockSubs(), time.Minute)

	readErr := make(chan error, 1)
	go func() {
		_, err := cold.MembersOf(group.ID)
		readErr <- err
	}()
	<-slow.loaded

	removed := make(chan error, 1)
	go func() {
		_, err := cold.RemoveParticipant(group.ID, "alice", "carol")
		removed <- err
	}()

	// The removal must wait for the in-flight read to finish filling the cache.
	removedEarly := false
	select {
	case err := <-removed:
		removedEarly = true
		require.NoError(t, err)
	case <-time.After(50 * time.Millisecond):
	}
	close(slow.release)

	require.NoError(t, <-readErr)
	if !removedEarly {
		require.NoError(t, <-removed)
	}

	require.ErrorIs(t, cold.Authorize(group.ID, "carol"), models.ErrForbidden)
	members, err := cold.MembersOf(group.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, members)
}
