package ws

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"chatline/internal/chat"
	"chatline/internal/messages"
	"chatline/internal/models"
	"chatline/internal/registry"
	"chatline/internal/router"
	"chatline/internal/storage"
	"chatline/internal/unread"

	"github.com/stretchr/testify/require"
)

type stack struct {
	store      *storage.BboltStorage
	reg        *registry.Registry
	resolver   *chat.Resolver
	messages   *messages.Manager
	counter    *unread.Counter
	dispatcher *Dispatcher
	group      models.Chat
}

func newStack(t *testing.T) *stack {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "ws.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range []string{"alice", "bob", "eve"} {
		require.NoError(t, store.CreateUser(models.User{ID: u, UserName: u, Status: models.UserStatusActive}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := &stack{store: store}
	s.reg = registry.New(store)
	s.resolver = chat.NewResolver(ctx, store, s.reg, time.Minute)
	r := router.New(s.reg, s.resolver)
	s.counter = unread.New(store, s.resolver, r)
	s.messages = messages.New(store, s.resolver, r, s.counter)
	s.dispatcher = NewDispatcher(s.messages, s.counter, s.resolver, r)

	s.group, err = s.resolver.CreateGroupChat("alice", "team", "", []string{"bob"})
	require.NoError(t, err)
	return s
}

func (s *stack) connect(t *testing.T, userID string, chats ...string) *registry.Conn {
	t.Helper()
	c := registry.NewConn(userID, userID, 16)
	for _, chatID := range chats {
		c.Subscribe(chatID)
	}
	require.NoError(t, s.reg.Register(context.Background(), c))
	return c
}

func outbox(c *registry.Conn) []models.EventType {
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

func requireError(t *testing.T, reply models.Event, code string) {
	t.Helper()
	ev, ok := reply.(models.ErrorEvent)
	require.True(t, ok, "expected error event, got %#v", reply)
	require.Equal(t, code, ev.Code)
}

func TestDispatchMembership(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	eve := s.connect(t, "eve")

	reply := s.dispatcher.Dispatch(ctx, eve, models.ClientMessage{Type: models.ClientMessageJoinChat, RequestID: "1", ChatID: s.group.ID})
	requireError(t, reply, "forbidden")
	require.False(t, eve.Subscribed(s.group.ID))

	reply = s.dispatcher.Dispatch(ctx, eve, models.ClientMessage{Type: models.ClientMessageJoinChat, ChatID: "missing"})
	requireError(t, reply, "not_found")

	bob := s.connect(t, "bob")
	reply = s.dispatcher.Dispatch(ctx, bob, models.ClientMessage{Type: models.ClientMessageJoinChat, RequestID: "2", ChatID: s.group.ID})
	require.Equal(t, models.Ack{RequestID: "2", ChatID: s.group.ID}, reply)
	require.True(t, bob.Subscribed(s.group.ID))

	reply = s.dispatcher.Dispatch(ctx, bob, models.ClientMessage{Type: models.ClientMessageLeaveChat, RequestID: "3", ChatID: s.group.ID})
	require.Equal(t, models.Ack{RequestID: "3", ChatID: s.group.ID}, reply)
	require.False(t, bob.Subscribed(s.group.ID))

	reply = s.dispatcher.Dispatch(ctx, bob, models.ClientMessage{Type: "dance"})
	requireError(t, reply, "invalid_argument")
}

func TestDispatchMessageLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStack(t)
	alice := s.connect(t, "alice", s.group.ID)
	bob := s.connect(t, "bob", s.group.ID)

	reply := s.dispatcher.Dispatch(ctx, alice, models.ClientMessage{
		Type:      models.ClientMessageSendMessage,
		RequestID: "send",
		ChatID:    s.group.ID,
		Content:   "hello",
	})
	ack, ok := reply.(models.Ack)
	require.True(t, ok, "%#v", reply)
	require.Equal(t, "send", ack.RequestID)
	require.NotEmpty(t, ack.MessageID)
	require.Equal(t, []models.EventType{models.EventNewMessage}, outbox(alice))
	require.Equal(t, []models.EventType{models.EventNewMessage, models.EventUnreadCountUpdate}, outbox(bob))

	t.Run("only the sender edits", func(t *testing.T) {
		reply := s.dispatcher.Dispatch(ctx, bob, models.ClientMessage{Type: models.ClientMessageEditMessage, MessageID: ack.MessageID, Content: "hijack"})
		requireError(t, reply, "forbidden")

		reply = s.dispatcher.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageEditMessage, MessageID: ack.MessageID, Content: "hello again"})
		require.IsType(t, models.Ack{}, reply)
		require.Equal(t, []models.EventType{models.EventMessageEdited}, outbox(bob))
		outbox(alice)
	})

	t.Run("mark read by message id", func(t *testing.T) {
		reply := s.dispatcher.Dispatch(ctx, bob, models.ClientMessage{Type: models.ClientMessageMarkRead, MessageID: ack.MessageID})
		require.Equal(t, models.Ack{ChatID: s.group.ID, MessageID: ack.MessageID}, reply)
		require.Equal(t, []models.EventType{models.EventMessageRead}, outbox(alice))
		require.Equal(t, []models.EventType{models.EventUnreadCountUpdate}, outbox(bob))

		n, err := s.counter.Get(s.group.ID, "bob")
		require.NoError(t, err)
		require.Zero(t, n)
	})

	t.Run("typing has no reply and skips the typist", func(t *testing.T) {
		reply := s.dispatcher.Dispatch(ctx, bob, models.ClientMessage{Type: models.ClientMessageTyping, ChatID: s.group.ID, IsTyping: true})
		require.Nil(t, reply)
		require.Equal(t, []models.EventType{models.EventUserTyping}, outbox(alice))
		require.Empty(t, outbox(bob))
	})

	t.Run("delete", func(t *testing.T) {
		reply := s.dispatcher.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageDeleteMessage, ChatID: s.group.ID, MessageID: ack.MessageID})
		require.IsType(t, models.Ack{}, reply)
		require.Contains(t, outbox(bob), models.EventMessageDeleted)

		reply = s.dispatcher.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageDeleteMessage, MessageID: ack.MessageID})
		requireError(t, reply, "not_found")
	})

	t.Run("empty message", func(t *testing.T) {
		reply := s.dispatcher.Dispatch(ctx, alice, models.ClientMessage{Type: models.ClientMessageSendMessage, RequestID: "x", ChatID: s.group.ID})
		requireError(t, reply, "invalid_argument")
		require.Equal(t, "x", reply.(models.ErrorEvent).RequestID)
		require.Empty(t, outbox(bob))
	})
}
