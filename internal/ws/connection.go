package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatline/internal/models"
	"chatline/internal/registry"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const maxMessageSize = 64 << 10

type wsConnection interface {
	Close() error
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, c *registry.Conn, msg models.ClientMessage) models.Event
}

type unregisterer interface {
	Unregister(ctx context.Context, c *registry.Conn)
}

// Keepalive configures ping/pong liveness checks.
type Keepalive struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func DefaultKeepalive() Keepalive {
	return Keepalive{
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Connection pumps one websocket: client operations in, queued events out.
// All writes happen on the main loop goroutine.
type Connection struct {
	ws         wsConnection
	conn       *registry.Conn
	dispatcher dispatcher
	registry   unregisterer
	limiter    *rate.Limiter
	keepalive  Keepalive
	fromClient chan []byte
	errorCh    chan error
}

func NewConnection(
	ws wsConnection,
	conn *registry.Conn,
	dispatcher dispatcher,
	registry unregisterer,
	limiter *rate.Limiter,
	keepalive Keepalive,
) *Connection {
	return &Connection{
		ws:         ws,
		conn:       conn,
		dispatcher: dispatcher,
		registry:   registry,
		limiter:    limiter,
		keepalive:  keepalive,
		fromClient: make(chan []byte),
		errorCh:    make(chan error, 2),
	}
}

// Handle runs the connection until the client goes away, the registry
// drops it or ctx is cancelled. The connection is unregistered on return.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.registry.Unregister(context.WithoutCancel(ctx), c.conn)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.keepalive.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.keepalive.PongWait))
	})

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	// The first goroutine to finish decides the result.
	err := <-c.errorCh
	cancel()
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isClosure(err) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.fromClient <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.keepalive.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.fromClient:
			if err := c.processClientMessage(ctx, data); err != nil {
				return err
			}
		case data := <-c.conn.Outbox():
			if err := c.write(websocket.TextMessage, data); err != nil {
				return err
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return err
			}
		case <-c.conn.Done():
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection dropped"))
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientMessage(ctx context.Context, data []byte) error {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return c.reply(models.ErrorEvent{Code: "invalid_argument", Message: "malformed message"})
	}
	if c.limiter != nil && !c.limiter.Allow() {
		slog.Debug("client operation rate limited", "conn_id", c.conn.ID(), "user_id", c.conn.UserID())
		return c.reply(models.ErrorEvent{RequestID: msg.RequestID, Code: "rate_limited", Message: "too many operations"})
	}
	if reply := c.dispatcher.Dispatch(ctx, c.conn, msg); reply != nil {
		return c.reply(reply)
	}
	return nil
}

func (c *Connection) reply(ev models.Event) error {
	data, err := models.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.keepalive.WriteWait))
	return c.ws.WriteMessage(messageType, data)
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
