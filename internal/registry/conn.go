package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrSlowConsumer = errors.New("send buffer is full")
	ErrClosed       = errors.New("connection is closed")
)

// Conn is the registry side of one live client connection: an outbound
// queue drained by the transport writer and the set of chats the
// connection currently receives events for.
type Conn struct {
	id       string
	userID   string
	userName string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.RWMutex
	chats map[string]struct{}
	// left holds chats this connection unsubscribed from explicitly.
	left map[string]struct{}
}

func NewConn(userID, userName string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		id:       uuid.NewString(),
		userID:   userID,
		userName: userName,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		chats:    make(map[string]struct{}),
		left:     make(map[string]struct{}),
	}
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) UserID() string   { return c.userID }
func (c *Conn) UserName() string { return c.userName }

// Push queues an encoded event without blocking. A full queue returns
// ErrSlowConsumer; the caller is expected to drop the connection.
func (c *Conn) Push(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Outbox is drained by the transport writer.
func (c *Conn) Outbox() <-chan []byte {
	return c.send
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Subscribe(chatID string) {
	c.mu.Lock()
	c.chats[chatID] = struct{}{}
	delete(c.left, chatID)
	c.mu.Unlock()
}

func (c *Conn) Unsubscribe(chatID string) {
	c.mu.Lock()
	delete(c.chats, chatID)
	c.left[chatID] = struct{}{}
	c.mu.Unlock()
}

// Follow subscribes to chatID unless the connection left it explicitly,
// and reports whether the connection is subscribed afterwards.
func (c *Conn) Follow(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.left[chatID]; ok {
		return false
	}
	c.chats[chatID] = struct{}{}
	return true
}

func (c *Conn) Subscribed(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.chats[chatID]
	return ok
}

func (c *Conn) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	chats := make([]string, 0, len(c.chats))
	for id := range c.chats {
		chats = append(chats, id)
	}
	return chats
}
