package notify

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"chatline/internal/models"
	"chatline/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"
)

type pushService struct {
	mu    sync.Mutex
	hits  map[string]int
	auth  []string
	gones map[string]bool
}

func (p *pushService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits[r.URL.Path]++
	p.auth = append(p.auth, r.Header.Get("Authorization"))
	if p.gones[r.URL.Path] {
		w.WriteHeader(http.StatusGone)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (p *pushService) count(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hits[path]
}

func clientKeys(t *testing.T) (auth, p256dh string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	secret := make([]byte, 16)
	_, err = rand.Read(secret)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(secret), base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes())
}

func TestNotifyNewMessage(t *testing.T) {
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := &pushService{hits: map[string]int{}, gones: map[string]bool{"/erin": true}}
	server := httptest.NewServer(svc)
	t.Cleanup(server.Close)

	users := []string{"alice", "bob", "carol", "dave", "erin"}
	for _, u := range users {
		require.NoError(t, store.CreateUser(models.User{ID: u, UserName: u, Status: models.UserStatusActive}))
		auth, p256dh := clientKeys(t)
		require.NoError(t, store.UpsertPushSubscription(models.PushSubscription{
			UserID:   u,
			Endpoint: server.URL + "/" + u,
			Auth:     auth,
			P256dh:   p256dh,
		}))
	}
	require.NoError(t, store.SetPresence("carol", models.Presence{Online: true}))
	require.NoError(t, store.CreateGroupChat(models.Chat{
		ID:       "team",
		Type:     models.ChatTypeGroup,
		Name:     "team",
		AdminID:  "alice",
		Members:  users,
		MutedBy:  []string{"dave"},
		IsActive: true,
	}))

	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	config := Config{PublicKey: public, PrivateKey: private, Subscriber: "admin@example.com"}
	require.True(t, config.Enabled())

	n := New(store, config)
	n.NotifyNewMessage(context.Background(), models.Message{
		ID:       "m1",
		ChatID:   "team",
		SenderID: "alice",
		Content:  "standup in five",
	})
	n.Wait()

	require.Zero(t, svc.count("/alice"), "sender is not notified")
	require.Equal(t, 1, svc.count("/bob"))
	require.Zero(t, svc.count("/carol"), "online users are not notified")
	require.Zero(t, svc.count("/dave"), "muted chats are not notified")
	require.Equal(t, 1, svc.count("/erin"))

	for _, h := range svc.auth {
		require.True(t, strings.HasPrefix(h, "vapid "), h)
	}

	subs, err := store.ListPushSubscriptions("erin")
	require.NoError(t, err)
	require.Empty(t, subs, "gone subscriptions are removed")
	subs, err = store.ListPushSubscriptions("bob")
	require.NoError(t, err)
	require.Len(t, subs, 1)
}

func TestCloseDropsLateNotifications(t *testing.T) {
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "push.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := &pushService{hits: map[string]int{}}
	server := httptest.NewServer(svc)
	t.Cleanup(server.Close)

	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, store.CreateUser(models.User{ID: u, UserName: u, Status: models.UserStatusActive}))
	}
	auth, p256dh := clientKeys(t)
	require.NoError(t, store.UpsertPushSubscription(models.PushSubscription{
		UserID:   "bob",
		Endpoint: server.URL + "/bob",
		Auth:     auth,
		P256dh:   p256dh,
	}))
	require.NoError(t, store.CreateGroupChat(models.Chat{
		ID:       "pair",
		Type:     models.ChatTypeGroup,
		Name:     "pair",
		AdminID:  "alice",
		Members:  []string{"alice", "bob"},
		IsActive: true,
	}))

	private, public, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	n := New(store, Config{PublicKey: public, PrivateKey: private, Subscriber: "admin@example.com"})

	msg := models.Message{ID: "m1", ChatID: "pair", SenderID: "alice", Content: "hello"}
	n.NotifyNewMessage(context.Background(), msg)
	n.Close()
	require.Equal(t, 1, svc.count("/bob"))

	// Scheduling and closing race freely during shutdown.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Go(func() { n.NotifyNewMessage(context.Background(), msg) })
	}
	wg.Go(n.Close)
	wg.Wait()
	n.Wait()
	require.Equal(t, 1, svc.count("/bob"), "nothing is sent after Close")
}

func TestConfigEnabled(t *testing.T) {
	require.False(t, Config{}.Enabled())
	require.False(t, Config{PublicKey: "pub"}.Enabled())
	require.True(t, Config{PublicKey: "pub", PrivateKey: "priv"}.Enabled())
}
