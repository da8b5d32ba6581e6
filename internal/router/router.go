// Package router fans events out to live connections.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chatline/internal/metrics"
	"chatline/internal/models"
	"chatline/internal/registry"
	"chatline/internal/syncx"

	"github.com/google/uuid"
)

type PresenceScope string

const (
	// PresenceAll delivers presence changes to every online user.
	PresenceAll PresenceScope = "all"
	// PresenceMembers delivers presence changes to users sharing a chat.
	PresenceMembers PresenceScope = "members"
)

var ErrNotRoutable = errors.New("event is not routable")

// Connections is the live connection side of the router.
type Connections interface {
	ConnectionsOf(userID string) []*registry.Conn
	OnlineUsers() []string
	Unregister(ctx context.Context, c *registry.Conn)
}

// Members resolves recipients.
type Members interface {
	MembersOf(chatID string) ([]string, error)
	CoMembersOf(userID string) ([]string, error)
}

type Router struct {
	conns      Connections
	members    Members
	bus        Bus
	instanceID string
	scope      PresenceScope
	chatLocks  *syncx.KeyedMutex
}

type Option func(*Router)

// WithBus makes the router share deliveries with other instances.
func WithBus(bus Bus) Option {
	return func(r *Router) { r.bus = bus }
}

func WithPresenceScope(scope PresenceScope) Option {
	return func(r *Router) { r.scope = scope }
}

func New(conns Connections, members Members, opts ...Option) *Router {
	r := &Router{
		conns:      conns,
		members:    members,
		instanceID: uuid.NewString(),
		scope:      PresenceAll,
		chatLocks:  syncx.NewKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Publish delivers ev to its recipients. Events of one chat are published
// one at a time.
func (r *Router) Publish(ctx context.Context, ev models.Event) error {
	if chatID := ev.Chat(); chatID != "" {
		unlock := r.chatLocks.Lock(chatID)
		defer unlock()
	}
	return r.publish(ctx, ev)
}

// Commit runs mutate while holding the chat's publish lock and then
// publishes the events it returns, in order. Nothing is published when
// mutate fails. Holding the lock across the write makes delivery order
// match commit order within the chat.
func (r *Router) Commit(ctx context.Context, chatID string, mutate func() ([]models.Event, error)) error {
	unlock := r.chatLocks.Lock(chatID)
	defer unlock()

	events, err := mutate()
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := r.publish(ctx, ev); err != nil {
			slog.Warn("failed to publish event", "event", ev.Type(), "chat_id", chatID, "error", err)
		}
	}
	return nil
}

func (r *Router) publish(ctx context.Context, ev models.Event) error {
	d, err := r.resolve(ev)
	if err != nil {
		return err
	}
	if d.payload, err = models.EncodeEvent(ev); err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type(), err)
	}

	r.deliver(ctx, d)

	if r.bus != nil {
		if err := r.bus.Publish(ctx, d.envelope(r.instanceID)); err != nil {
			slog.Warn("failed to forward event to bus", "event", ev.Type(), "error", err)
		}
	}
	return nil
}

// delivery is a resolved event: who gets it and the encoded payload.
type delivery struct {
	eventType models.EventType
	// chatID limits delivery to connections subscribed to the chat.
	chatID    string
	users     []string
	broadcast bool
	exclude   string
	payload   []byte
	// follow subscribes member connections that have not left the chat.
	// Used for deliveries resolved by another instance, which cannot
	// update subscriptions here.
	follow    bool
}

func (r *Router) resolve(ev models.Event) (delivery, error) {
	d := delivery{eventType: ev.Type()}
	switch e := ev.(type) {
	case models.NewMessage:
		return r.chatDelivery(d, e.ChatID, "")
	case models.MessageEdited:
		return r.chatDelivery(d, e.ChatID, "")
	case models.MessageDeleted:
		return r.chatDelivery(d, e.ChatID, "")
	case models.UserTyping:
		return r.chatDelivery(d, e.ChatID, e.UserID)
	case models.MessageRead:
		d.users = []string{e.SenderID}
		return d, nil
	case models.UnreadCountUpdate:
		d.users = []string{e.UserID}
		return d, nil
	case models.PresenceChanged:
		d.exclude = e.UserID
		if r.scope == PresenceMembers {
			users, err := r.members.CoMembersOf(e.UserID)
			if err != nil {
				return d, err
			}
			d.users = users
			return d, nil
		}
		d.broadcast = true
		return d, nil
	case models.Ack, models.ErrorEvent:
		return d, fmt.Errorf("%w: %s is a connection reply", ErrNotRoutable, ev.Type())
	default:
		return d, fmt.Errorf("%w: unknown event %T", ErrNotRoutable, ev)
	}
}

func (r *Router) chatDelivery(d delivery, chatID, exclude string) (delivery, error) {
	members, err := r.members.MembersOf(chatID)
	if err != nil {
		return d, err
	}
	d.chatID = chatID
	d.users = members
	d.exclude = exclude
	return d, nil
}

// deliver pushes the payload to every matching local connection. A failed
// push drops that connection and does not affect the others.
func (r *Router) deliver(ctx context.Context, d delivery) {
	users := d.users
	if d.broadcast {
		users = r.conns.OnlineUsers()
	}

	seen := make(map[string]struct{}, len(users))
	delivered := 0
	for _, userID := range users {
		if userID == d.exclude {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		for _, c := range r.conns.ConnectionsOf(userID) {
			if d.chatID != "" && !c.Subscribed(d.chatID) && !(d.follow && c.Follow(d.chatID)) {
				continue
			}
			if err := c.Push(d.payload); err != nil {
				metrics.PushFailures.Inc()
				slog.Warn("dropping connection after failed push",
					"user_id", userID, "conn_id", c.ID(), "event", d.eventType, "error", err)
				go r.conns.Unregister(context.WithoutCancel(ctx), c)
				continue
			}
			delivered++
		}
	}
	metrics.EventsPublished.WithLabelValues(string(d.eventType)).Add(float64(delivered))
}

// Run delivers events published by other instances until ctx is done.
// Without a bus it only waits for ctx.
func (r *Router) Run(ctx context.Context) error {
	if r.bus == nil {
		<-ctx.Done()
		return nil
	}
	return r.bus.Subscribe(ctx, func(env Envelope) {
		if env.Origin == r.instanceID {
			return
		}
		r.deliver(ctx, delivery{
			eventType: models.EventType(env.Type),
			chatID:    env.ChatID,
			users:     env.Users,
			broadcast: env.Broadcast,
			exclude:   env.Exclude,
			payload:   env.Payload,
			follow:    true,
		})
	})
}
