package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatline/internal/models"

	"github.com/stretchr/testify/require"
)

type mockPresenceStore struct {
	mu       sync.Mutex
	presence map[string]models.Presence
	writes   int
	fail     error
}

func newMockPresenceStore() *mockPresenceStore {
	return &mockPresenceStore{presence: make(map[string]models.Presence)}
}

func (m *mockPresenceStore) SetPresence(userID string, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.writes++
	m.presence[userID] = p
	return nil
}

func (m *mockPresenceStore) get(userID string) models.Presence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presence[userID]
}

type mockNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *mockNotifier) Publish(_ context.Context, ev models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *mockNotifier) types() []models.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var types []models.EventType
	for _, ev := range m.events {
		types = append(types, ev.Type())
	}
	return types
}

func newTestRegistry() (*Registry, *mockPresenceStore, *mockNotifier) {
	store := newMockPresenceStore()
	notifier := &mockNotifier{}
	r := New(store)
	r.SetNotifier(notifier)
	r.now = func() time.Time { return time.Unix(1000, 0) }
	return r, store, notifier
}

func TestRegisterPresenceTransitions(t *testing.T) {
	ctx := context.Background()
	r, store, notifier := newTestRegistry()

	c1 := NewConn("alice", "alice", 4)
	c2 := NewConn("alice", "alice", 4)

	require.NoError(t, r.Register(ctx, c1))
	require.True(t, r.IsOnline("alice"))
	require.True(t, store.get("alice").Online)

	require.NoError(t, r.Register(ctx, c2))
	require.Len(t, r.ConnectionsOf("alice"), 2)
	require.Equal(t, []models.EventType{models.EventUserOnline}, notifier.types())

	r.Unregister(ctx, c1)
	require.True(t, r.IsOnline("alice"))
	require.True(t, c1.Closed())
	require.Equal(t, []models.EventType{models.EventUserOnline}, notifier.types())

	r.Unregister(ctx, c2)
	r.Unregister(ctx, c2)
	require.False(t, r.IsOnline("alice"))
	require.Empty(t, r.ConnectionsOf("alice"))
	require.Equal(t, models.Presence{Online: false, LastSeen: 1000}, store.get("alice"))
	require.Equal(t, []models.EventType{models.EventUserOnline, models.EventUserOffline}, notifier.types())

	offline := notifier.events[1].(models.PresenceChanged)
	require.Equal(t, int64(1000), offline.LastSeen)
}

func TestRegisterFailureLeavesNoState(t *testing.T) {
	r, store, notifier := newTestRegistry()
	store.fail = errors.New("disk full")

	err := r.Register(context.Background(), NewConn("bob", "bob", 1))
	require.ErrorIs(t, err, models.ErrTransient)
	require.False(t, r.IsOnline("bob"))
	require.Zero(t, r.Count())
	require.Empty(t, notifier.types())
}

func TestConcurrentRegistrations(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := []string{"u1", "u2", "u3"}[i%3]
			c := NewConn(user, user, 1)
			if err := r.Register(ctx, c); err != nil {
				return
			}
			if i%2 == 0 {
				r.Unregister(ctx, c)
			}
		}(i)
	}
	wg.Wait()

	for _, user := range []string{"u1", "u2", "u3"} {
		require.Equal(t, r.IsOnline(user), store.get(user).Online, user)
	}
	require.Equal(t, 50, r.Count())

	r.CloseAll(ctx)
	require.Zero(t, r.Count())
	for _, user := range []string{"u1", "u2", "u3"} {
		require.False(t, store.get(user).Online)
	}
}

func TestConnPushAndSubscriptions(t *testing.T) {
	r, _, _ := newTestRegistry()
	c := NewConn("alice", "alice", 1)
	require.NoError(t, r.Register(context.Background(), c))

	require.NoError(t, c.Push([]byte("one")))
	require.ErrorIs(t, c.Push([]byte("two")), ErrSlowConsumer)
	require.Equal(t, []byte("one"), <-c.Outbox())

	r.SubscribeUser("alice", "chat1")
	require.True(t, c.Subscribed("chat1"))
	require.Equal(t, []string{"chat1"}, c.Subscriptions())
	r.UnsubscribeUser("alice", "chat1")
	require.False(t, c.Subscribed("chat1"))

	c.Close()
	require.ErrorIs(t, c.Push([]byte("three")), ErrClosed)
}

func TestDisconnectUser(t *testing.T) {
	ctx := context.Background()
	r, store, _ := newTestRegistry()

	a1, a2 := NewConn("alice", "alice", 1), NewConn("alice", "alice", 1)
	b := NewConn("bob", "bob", 1)
	for _, c := range []*Conn{a1, a2, b} {
		require.NoError(t, r.Register(ctx, c))
	}

	r.DisconnectUser(ctx, "alice")
	require.True(t, a1.Closed())
	require.True(t, a2.Closed())
	require.False(t, r.IsOnline("alice"))
	require.False(t, store.get("alice").Online)
	require.True(t, r.IsOnline("bob"))
}
