package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chatline/internal/models"
	"chatline/internal/registry"

	"github.com/stretchr/testify/require"
)

type nopPresenceStore struct{}

func (nopPresenceStore) SetPresence(string, models.Presence) error { return nil }

type mockMembers struct {
	chats map[string][]string
}

func (m *mockMembers) MembersOf(chatID string) ([]string, error) {
	members, ok := m.chats[chatID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return members, nil
}

func (m *mockMembers) CoMembersOf(userID string) ([]string, error) {
	seen := map[string]bool{}
	var users []string
	for _, members := range m.chats {
		in := false
		for _, u := range members {
			in = in || u == userID
		}
		if !in {
			continue
		}
		for _, u := range members {
			if u != userID && !seen[u] {
				seen[u] = true
				users = append(users, u)
			}
		}
	}
	return users, nil
}

type memBus struct {
	mu       sync.Mutex
	handlers []func(Envelope)
}

func (b *memBus) Publish(_ context.Context, env Envelope) error {
	b.mu.Lock()
	handlers := append([]func(Envelope){}, b.handlers...)
	b.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, handle func(Envelope)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handle)
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *memBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func connect(t *testing.T, reg *registry.Registry, userID string, buffer int, chats ...string) *registry.Conn {
	t.Helper()
	c := registry.NewConn(userID, userID, buffer)
	require.NoError(t, reg.Register(context.Background(), c))
	for _, chatID := range chats {
		c.Subscribe(chatID)
	}
	return c
}

func drain(c *registry.Conn) []models.EventType {
	var types []models.EventType
	for {
		select {
		case data := <-c.Outbox():
			var msg struct {
				Event models.EventType `json:"event"`
			}
			_ = json.Unmarshal(data, &msg)
			types = append(types, msg.Event)
		default:
			return types
		}
	}
}

func TestFanOut(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(nopPresenceStore{})
	members := &mockMembers{chats: map[string][]string{"c": {"u1", "u2", "u3"}}}
	r := New(reg, members)

	var memberConns []*registry.Conn
	for _, u := range []string{"u1", "u2", "u3"} {
		memberConns = append(memberConns, connect(t, reg, u, 8, "c"), connect(t, reg, u, 8, "c"))
	}
	outsider := connect(t, reg, "u4", 8, "c")
	left := connect(t, reg, "u1", 8)

	t.Run("new message reaches every member connection once", func(t *testing.T) {
		require.NoError(t, r.Publish(ctx, models.NewMessage{ChatID: "c", Message: models.Message{ID: "m", SenderID: "u1"}}))
		for _, c := range memberConns {
			require.Equal(t, []models.EventType{models.EventNewMessage}, drain(c), c.UserID())
		}
		require.Empty(t, drain(outsider))
		require.Empty(t, drain(left))
	})

	t.Run("typing skips the typist", func(t *testing.T) {
		require.NoError(t, r.Publish(ctx, models.UserTyping{ChatID: "c", UserID: "u2", IsTyping: true}))
		for _, c := range memberConns {
			got := drain(c)
			if c.UserID() == "u2" {
				require.Empty(t, got)
			} else {
				require.Equal(t, []models.EventType{models.EventUserTyping}, got)
			}
		}
	})

	t.Run("direct events", func(t *testing.T) {
		require.NoError(t, r.Publish(ctx, models.MessageRead{ChatID: "c", MessageID: "m", ReadBy: "u2", SenderID: "u1"}))
		require.NoError(t, r.Publish(ctx, models.UnreadCountUpdate{ChatID: "c", UserID: "u3", UnreadCount: 0}))
		for _, c := range memberConns {
			got := drain(c)
			switch c.UserID() {
			case "u1":
				require.Equal(t, []models.EventType{models.EventMessageRead}, got)
			case "u3":
				require.Equal(t, []models.EventType{models.EventUnreadCountUpdate}, got)
			default:
				require.Empty(t, got)
			}
		}
		require.Equal(t, []models.EventType{models.EventMessageRead}, drain(left))
	})

	t.Run("presence to everyone else", func(t *testing.T) {
		require.NoError(t, r.Publish(ctx, models.PresenceChanged{UserID: "u4", Online: true}))
		require.Empty(t, drain(outsider))
		for _, c := range memberConns {
			require.Equal(t, []models.EventType{models.EventUserOnline}, drain(c))
		}
	})

	t.Run("replies are not routable", func(t *testing.T) {
		require.ErrorIs(t, r.Publish(ctx, models.Ack{RequestID: "1"}), ErrNotRoutable)
	})

	t.Run("unknown chat", func(t *testing.T) {
		err := r.Publish(ctx, models.NewMessage{ChatID: "missing"})
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestPresenceScopeMembers(t *testing.T) {
	reg := registry.New(nopPresenceStore{})
	members := &mockMembers{chats: map[string][]string{"c": {"u1", "u2"}}}
	r := New(reg, members, WithPresenceScope(PresenceMembers))

	co := connect(t, reg, "u2", 4)
	stranger := connect(t, reg, "u3", 4)

	require.NoError(t, r.Publish(context.Background(), models.PresenceChanged{UserID: "u1"}))
	require.Equal(t, []models.EventType{models.EventUserOffline}, drain(co))
	require.Empty(t, drain(stranger))
}

func TestSlowConsumerIsDropped(t *testing.T) {
	reg := registry.New(nopPresenceStore{})
	members := &mockMembers{chats: map[string][]string{"c": {"u1", "u2"}}}
	r := New(reg, members)

	slow := connect(t, reg, "u1", 1, "c")
	fast := connect(t, reg, "u2", 8, "c")

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Publish(context.Background(), models.MessageEdited{ChatID: "c", MessageID: "m"}))
	}

	require.Len(t, drain(fast), 3)
	require.Eventually(t, func() bool {
		return slow.Closed() && !reg.IsOnline("u1")
	}, time.Second, 10*time.Millisecond)
	require.True(t, reg.IsOnline("u2"))
}

func TestCommitOrdering(t *testing.T) {
	reg := registry.New(nopPresenceStore{})
	members := &mockMembers{chats: map[string][]string{"c": {"u1"}}}
	r := New(reg, members)
	c := connect(t, reg, "u1", 256, "c")

	var (
		mu  sync.Mutex
		seq int
		wg  sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Commit(context.Background(), "c", func() ([]models.Event, error) {
				mu.Lock()
				seq++
				n := seq
				mu.Unlock()
				return []models.Event{models.MessageEdited{ChatID: "c", MessageID: fmt.Sprint(n)}}, nil
			})
		}()
	}
	wg.Wait()

	last := 0
	for i := 0; i < 50; i++ {
		var msg struct {
			Data models.MessageEdited `json:"data"`
		}
		require.NoError(t, json.Unmarshal(<-c.Outbox(), &msg))
		var n int
		_, err := fmt.Sscan(msg.Data.MessageID, &n)
		require.NoError(t, err)
		require.Greater(t, n, last)
		last = n
	}

	failed := errors.New("write failed")
	err := r.Commit(context.Background(), "c", func() ([]models.Event, error) {
		return nil, failed
	})
	require.ErrorIs(t, err, failed)
	require.Empty(t, drain(c))
}

func TestBusDeliversAcrossInstances(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := &memBus{}
	members := &mockMembers{chats: map[string][]string{"c": {"u1", "u2"}}}

	reg1 := registry.New(nopPresenceStore{})
	reg2 := registry.New(nopPresenceStore{})
	r1 := New(reg1, members, WithBus(bus))
	r2 := New(reg2, members, WithBus(bus))

	go func() { _ = r1.Run(ctx) }()
	go func() { _ = r2.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.subscribers() == 2 }, time.Second, 5*time.Millisecond)

	local := connect(t, reg1, "u1", 8, "c")
	remote := connect(t, reg2, "u2", 8)
	remoteLeft := connect(t, reg2, "u2", 8)
	remoteLeft.Unsubscribe("c")

	require.NoError(t, r1.Publish(ctx, models.NewMessage{ChatID: "c", Message: models.Message{ID: "m"}}))

	require.Equal(t, []models.EventType{models.EventNewMessage}, drain(local))
	require.Equal(t, []models.EventType{models.EventNewMessage}, drain(remote))
	require.True(t, remote.Subscribed("c"))
	require.Empty(t, drain(remoteLeft))
}
