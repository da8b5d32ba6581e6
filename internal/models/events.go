package models

import "encoding/json"

type EventType string

const (
	EventNewMessage        EventType = "newMessage"
	EventMessageEdited     EventType = "messageEdited"
	EventMessageDeleted    EventType = "messageDeleted"
	EventMessageRead       EventType = "messageRead"
	EventUnreadCountUpdate EventType = "unreadCountUpdate"
	EventUserTyping        EventType = "userTyping"
	EventUserOnline        EventType = "userOnline"
	EventUserOffline       EventType = "userOffline"
	EventAck               EventType = "ack"
	EventError             EventType = "error"
)

// Event is a server to client notification. The concrete types below form
// a closed set; routing code switches over them exhaustively.
type Event interface {
	Type() EventType
	// Chat returns the chat the event belongs to, or "" for user-level events.
	Chat() string
}

type NewMessage struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

type MessageEdited struct {
	ChatID     string `json:"chatId"`
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
	HTML       string `json:"html,omitempty"`
	EditedAt   int64  `json:"editedAt"`
}

type MessageDeleted struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	DeletedBy string `json:"deletedBy"`
	DeletedAt int64  `json:"deletedAt"`
}

// MessageRead is delivered to the message sender only.
type MessageRead struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	ReadBy    string `json:"readBy"`
	ReadAt    int64  `json:"readAt"`
	SenderID  string `json:"-"`
}

// UnreadCountUpdate is delivered to UserID only.
type UnreadCountUpdate struct {
	ChatID      string `json:"chatId"`
	UnreadCount int    `json:"unreadCount"`
	UserID      string `json:"-"`
}

type UserTyping struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// PresenceChanged is emitted on a user's first connect and last disconnect.
type PresenceChanged struct {
	UserID   string `json:"userId"`
	UserName string `json:"username"`
	Online   bool   `json:"-"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// Ack confirms a client operation on the connection that sent it.
type Ack struct {
	RequestID string `json:"requestId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// ErrorEvent rejects a client operation on the connection that sent it.
type ErrorEvent struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func (NewMessage) Type() EventType        { return EventNewMessage }
func (MessageEdited) Type() EventType     { return EventMessageEdited }
func (MessageDeleted) Type() EventType    { return EventMessageDeleted }
func (MessageRead) Type() EventType       { return EventMessageRead }
func (UnreadCountUpdate) Type() EventType { return EventUnreadCountUpdate }
func (UserTyping) Type() EventType        { return EventUserTyping }
func (Ack) Type() EventType               { return EventAck }
func (ErrorEvent) Type() EventType        { return EventError }

func (e PresenceChanged) Type() EventType {
	if e.Online {
		return EventUserOnline
	}
	return EventUserOffline
}

func (e NewMessage) Chat() string        { return e.ChatID }
func (e MessageEdited) Chat() string     { return e.ChatID }
func (e MessageDeleted) Chat() string    { return e.ChatID }
func (e MessageRead) Chat() string       { return e.ChatID }
func (e UnreadCountUpdate) Chat() string { return e.ChatID }
func (e UserTyping) Chat() string        { return e.ChatID }
func (PresenceChanged) Chat() string     { return "" }
func (e Ack) Chat() string               { return e.ChatID }
func (ErrorEvent) Chat() string          { return "" }

// ServerMessage is the wire envelope of every event.
type ServerMessage struct {
	Event EventType `json:"event"`
	Data  any       `json:"data"`
}

// EncodeEvent serializes ev into its wire envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ServerMessage{Event: ev.Type(), Data: ev})
}
