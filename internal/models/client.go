package models

type ClientMessageType string

const (
	ClientMessageJoinChat      ClientMessageType = "joinChat"
	ClientMessageLeaveChat     ClientMessageType = "leaveChat"
	ClientMessageSendMessage   ClientMessageType = "sendMessage"
	ClientMessageEditMessage   ClientMessageType = "editMessage"
	ClientMessageDeleteMessage ClientMessageType = "deleteMessage"
	ClientMessageMarkRead      ClientMessageType = "markRead"
	ClientMessageTyping        ClientMessageType = "typing"
)

// ClientMessage is an operation sent by a client over the live connection.
type ClientMessage struct {
	Type        ClientMessageType `json:"type"`
	RequestID   string            `json:"requestId,omitempty"`
	ChatID      string            `json:"chatId,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	Content     string            `json:"content,omitempty"`
	MessageType MessageType       `json:"messageType,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	ReplyTo     string            `json:"replyTo,omitempty"`
	IsTyping    bool              `json:"isTyping,omitempty"`
}

// ChatView is a chat as listed for one user.
type ChatView struct {
	Chat
	UnreadCount int      `json:"unreadCount"`
	IsMuted     bool     `json:"isMuted"`
	IsPinned    bool     `json:"isPinned"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// Page describes a paginated listing.
type Page struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total,omitempty"`
	HasNext bool `json:"hasNext"`
	HasPrev bool `json:"hasPrev"`
}

// NormalizePage clamps a 1-based page number and a page size to [1, max],
// using def when limit is unset.
func NormalizePage(page, limit, def, max int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	return page, limit
}

func NewPage(page, limit, total int) Page {
	return Page{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
		HasPrev: page > 1,
	}
}
