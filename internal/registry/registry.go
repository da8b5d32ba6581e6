package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"chatline/internal/metrics"
	"chatline/internal/models"
	"chatline/internal/syncx"
)

const shardCount = 64

// PresenceStore persists presence transitions.
type PresenceStore interface {
	SetPresence(userID string, presence models.Presence) error
}

// Notifier receives presence events.
type Notifier interface {
	Publish(ctx context.Context, ev models.Event) error
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Conn
}

// Registry maps users to their live connections. Lookups take a read lock
// on a single shard; presence transitions of one user are serialized by a
// per-user lock so persisted presence always matches the final state.
type Registry struct {
	shards      [shardCount]shard
	transitions *syncx.KeyedMutex
	store       PresenceStore
	notifier    atomic.Pointer[notifierBox]
	online      atomic.Int64
	now         func() time.Time
}

type notifierBox struct{ Notifier }

func New(store PresenceStore) *Registry {
	r := &Registry{
		transitions: syncx.NewKeyedMutex(),
		store:       store,
		now:         time.Now,
	}
	for i := range r.shards {
		r.shards[i].users = make(map[string]map[string]*Conn)
	}
	return r
}

// SetNotifier wires the event router that receives presence changes.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier.Store(&notifierBox{n})
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &r.shards[h.Sum32()%shardCount]
}

// Register adds c to its user's connection set. The first connection of a
// user persists online presence and emits userOnline; if persisting fails
// the connection is not registered.
func (r *Registry) Register(ctx context.Context, c *Conn) error {
	unlock := r.transitions.Lock(c.userID)
	defer unlock()

	sh := r.shardFor(c.userID)
	sh.mu.Lock()
	set, ok := sh.users[c.userID]
	if !ok {
		set = make(map[string]*Conn)
		sh.users[c.userID] = set
	}
	first := len(set) == 0
	set[c.id] = c
	sh.mu.Unlock()
	metrics.Connections.Inc()

	if !first {
		slog.Debug("connection registered", "user_id", c.userID, "conn_id", c.id)
		return nil
	}

	if err := r.store.SetPresence(c.userID, models.Presence{Online: true}); err != nil {
		r.remove(c)
		return fmt.Errorf("%w: persist presence: %v", models.ErrTransient, err)
	}
	metrics.OnlineUsers.Set(float64(r.online.Add(1)))
	slog.Info("user online", "user_id", c.userID, "conn_id", c.id)

	r.notify(ctx, models.PresenceChanged{
		UserID:   c.userID,
		UserName: c.userName,
		Online:   true,
	})
	return nil
}

// Unregister removes c and closes it. It is safe to call more than once.
// Removing the last connection of a user persists offline presence with
// lastSeen set to now and emits userOffline.
func (r *Registry) Unregister(ctx context.Context, c *Conn) {
	c.Close()

	unlock := r.transitions.Lock(c.userID)
	defer unlock()

	removed, last := r.remove(c)
	if !removed {
		return
	}
	if !last {
		slog.Debug("connection unregistered", "user_id", c.userID, "conn_id", c.id)
		return
	}

	metrics.OnlineUsers.Set(float64(r.online.Add(-1)))
	lastSeen := r.now().Unix()
	if err := r.store.SetPresence(c.userID, models.Presence{Online: false, LastSeen: lastSeen}); err != nil {
		slog.Error("failed to persist offline presence", "user_id", c.userID, "error", err)
	}
	slog.Info("user offline", "user_id", c.userID, "conn_id", c.id)

	r.notify(ctx, models.PresenceChanged{
		UserID:   c.userID,
		UserName: c.userName,
		Online:   false,
		LastSeen: lastSeen,
	})
}

func (r *Registry) remove(c *Conn) (removed, last bool) {
	sh := r.shardFor(c.userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	set := sh.users[c.userID]
	if _, ok := set[c.id]; !ok {
		return false, false
	}
	delete(set, c.id)
	metrics.Connections.Dec()
	if len(set) == 0 {
		delete(sh.users, c.userID)
		return true, true
	}
	return true, false
}

func (r *Registry) notify(ctx context.Context, ev models.Event) {
	box := r.notifier.Load()
	if box == nil {
		return
	}
	if err := box.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish presence", "event", ev.Type(), "error", err)
	}
}

// ConnectionsOf returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsOf(userID string) []*Conn {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	set := sh.users[userID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) IsOnline(userID string) bool {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.users[userID]) > 0
}

// OnlineUsers lists users with at least one connection on this instance.
func (r *Registry) OnlineUsers() []string {
	var users []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for id := range sh.users {
			users = append(users, id)
		}
		sh.mu.RUnlock()
	}
	return users
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, set := range sh.users {
			n += len(set)
		}
		sh.mu.RUnlock()
	}
	return n
}

// SubscribeUser subscribes every live connection of userID to chatID.
func (r *Registry) SubscribeUser(userID, chatID string) {
	for _, c := range r.ConnectionsOf(userID) {
		c.Subscribe(chatID)
	}
}

// UnsubscribeUser stops delivery of chatID events to every live connection of userID.
func (r *Registry) UnsubscribeUser(userID, chatID string) {
	for _, c := range r.ConnectionsOf(userID) {
		c.Unsubscribe(chatID)
	}
}

// CloseAll unregisters every connection. Used on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	var all []*Conn
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, set := range sh.users {
			for _, c := range set {
				all = append(all, c)
			}
		}
		sh.mu.RUnlock()
	}
	for _, c := range all {
		r.Unregister(ctx, c)
	}
}

// DisconnectUser unregisters every local connection of userID.
func (r *Registry) DisconnectUser(ctx context.Context, userID string) {
	for _, c := range r.ConnectionsOf(userID) {
		r.Unregister(ctx, c)
	}
}
