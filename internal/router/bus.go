package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const DefaultChannel = "chatline:events"

// Envelope is a resolved delivery shared between instances. Each instance
// delivers it to its own connections.
type Envelope struct {
	Origin    string   `msgpack:"origin"`
	Type      string   `msgpack:"type"`
	ChatID    string   `msgpack:"chatId"`
	Users     []string `msgpack:"users"`
	Broadcast bool     `msgpack:"broadcast"`
	Exclude   string   `msgpack:"exclude"`
	Payload   []byte   `msgpack:"payload"`
}

func (d delivery) envelope(origin string) Envelope {
	return Envelope{
		Origin:    origin,
		Type:      string(d.eventType),
		ChatID:    d.chatID,
		Users:     d.users,
		Broadcast: d.broadcast,
		Exclude:   d.exclude,
		Payload:   d.payload,
	}
}

// Bus carries envelopes between instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe calls handle for every envelope until ctx is done.
	Subscribe(ctx context.Context, handle func(Envelope)) error
}

// RedisBus is a Bus on a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus connects to the Redis server at url, e.g. redis://localhost:6379/0.
func NewRedisBus(ctx context.Context, url string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisBus{client: client, channel: DefaultChannel}, nil
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handle func(Envelope)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	slog.Info("subscribed to event bus", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("dropping malformed bus envelope", "error", err)
				continue
			}
			handle(env)
		}
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
