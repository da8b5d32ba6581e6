package ws

import (
	"context"
	"fmt"
	"log/slog"

	"chatline/internal/messages"
	"chatline/internal/models"
	"chatline/internal/registry"
)

type MessageService interface {
	Create(ctx context.Context, req messages.CreateRequest) (models.Message, error)
	Edit(ctx context.Context, messageID, editorID, newContent string) (models.Message, error)
	SoftDelete(ctx context.Context, messageID, actorID string) error
	Get(messageID, userID string) (models.Message, error)
}

type ReadService interface {
	MarkRead(ctx context.Context, chatID, userID, messageID string) (int, error)
}

type Members interface {
	Authorize(chatID, userID string) error
}

type Publisher interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Dispatcher executes client operations received over live connections.
type Dispatcher struct {
	messages MessageService
	reads    ReadService
	members  Members
	router   Publisher
}

func NewDispatcher(messages MessageService, reads ReadService, members Members, router Publisher) *Dispatcher {
	return &Dispatcher{
		messages: messages,
		reads:    reads,
		members:  members,
		router:   router,
	}
}

// Dispatch runs msg on behalf of the connection and returns the reply for
// that connection: an ack, an error event, or nil when the operation has
// no reply.
func (d *Dispatcher) Dispatch(ctx context.Context, c *registry.Conn, msg models.ClientMessage) models.Event {
	ack, err := d.dispatch(ctx, c, msg)
	if err != nil {
		return errorReply(msg.RequestID, err)
	}
	if ack == nil {
		return nil
	}
	ack.RequestID = msg.RequestID
	return *ack
}

func (d *Dispatcher) dispatch(ctx context.Context, c *registry.Conn, msg models.ClientMessage) (*models.Ack, error) {
	userID := c.UserID()
	switch msg.Type {
	case models.ClientMessageJoinChat:
		if err := d.members.Authorize(msg.ChatID, userID); err != nil {
			return nil, err
		}
		c.Subscribe(msg.ChatID)
		return &models.Ack{ChatID: msg.ChatID}, nil

	case models.ClientMessageLeaveChat:
		if msg.ChatID == "" {
			return nil, fmt.Errorf("%w: chatId is required", models.ErrInvalidArgument)
		}
		c.Unsubscribe(msg.ChatID)
		return &models.Ack{ChatID: msg.ChatID}, nil

	case models.ClientMessageSendMessage:
		created, err := d.messages.Create(ctx, messages.CreateRequest{
			SenderID:    userID,
			ChatID:      msg.ChatID,
			Content:     msg.Content,
			Type:        msg.MessageType,
			Attachments: msg.Attachments,
			ReplyTo:     msg.ReplyTo,
		})
		if err != nil {
			return nil, err
		}
		return &models.Ack{ChatID: created.ChatID, MessageID: created.ID}, nil

	case models.ClientMessageEditMessage:
		edited, err := d.messages.Edit(ctx, msg.MessageID, userID, msg.Content)
		if err != nil {
			return nil, err
		}
		return &models.Ack{ChatID: edited.ChatID, MessageID: edited.ID}, nil

	case models.ClientMessageDeleteMessage:
		if err := d.messages.SoftDelete(ctx, msg.MessageID, userID); err != nil {
			return nil, err
		}
		return &models.Ack{ChatID: msg.ChatID, MessageID: msg.MessageID}, nil

	case models.ClientMessageMarkRead:
		chatID := msg.ChatID
		if chatID == "" {
			if msg.MessageID == "" {
				return nil, fmt.Errorf("%w: chatId or messageId is required", models.ErrInvalidArgument)
			}
			target, err := d.messages.Get(msg.MessageID, userID)
			if err != nil {
				return nil, err
			}
			chatID = target.ChatID
		}
		if _, err := d.reads.MarkRead(ctx, chatID, userID, msg.MessageID); err != nil {
			return nil, err
		}
		return &models.Ack{ChatID: chatID, MessageID: msg.MessageID}, nil

	case models.ClientMessageTyping:
		if err := d.members.Authorize(msg.ChatID, userID); err != nil {
			return nil, err
		}
		err := d.router.Publish(ctx, models.UserTyping{
			ChatID:   msg.ChatID,
			UserID:   userID,
			UserName: c.UserName(),
			IsTyping: msg.IsTyping,
		})
		if err != nil {
			slog.Warn("failed to publish typing", "chat_id", msg.ChatID, "user_id", userID, "error", err)
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unknown operation %q", models.ErrInvalidArgument, msg.Type)
	}
}

func errorReply(requestID string, err error) models.ErrorEvent {
	code := models.ErrorCode(err)
	text := err.Error()
	if code == "internal" {
		slog.Error("client operation failed", "request_id", requestID, "error", err)
		text = "internal error"
	}
	return models.ErrorEvent{RequestID: requestID, Code: code, Message: text}
}
