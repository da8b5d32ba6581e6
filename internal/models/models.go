package models

import "strings"

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// User represents a user in the system.
type User struct {
	ID          string     `json:"id"`
	UserName    string     `json:"userName"`
	DisplayName string     `json:"displayName"`
	AvatarURL   string     `json:"avatarUrl,omitempty"`
	Presence    Presence   `json:"presence"`
	Status      UserStatus `json:"status"`
	CreatedAt   int64      `json:"createdAt"`

	// BlockedUsers is private to the user and served only by the blocked list endpoint.
	BlockedUsers []string `json:"-"`
}

func (u User) IsActive() bool {
	return u.Status == UserStatusActive
}

// HasBlocked reports whether u blocked userID.
func (u User) HasBlocked(userID string) bool {
	for _, id := range u.BlockedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Presence represents the online status of a user.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

type ChatType string

const (
	ChatTypePrivate ChatType = "private"
	ChatTypeGroup   ChatType = "group"
)

// GroupSettings are the permission flags of a group chat.
type GroupSettings struct {
	AllowMembersToAddOthers     bool `json:"allowMembersToAddOthers"`
	AllowMembersToEditGroupInfo bool `json:"allowMembersToEditGroupInfo"`
}

// Chat represents a chat conversation.
type Chat struct {
	ID            string        `json:"id"`
	Type          ChatType      `json:"chatType"`
	Members       []string      `json:"participants"`
	Name          string        `json:"name,omitempty"`
	Description   string        `json:"description,omitempty"`
	AvatarURL     string        `json:"avatarUrl,omitempty"`
	AdminID       string        `json:"admin,omitempty"`
	Settings      GroupSettings `json:"groupSettings"`
	LastActivity  int64         `json:"lastActivity"` // Unix timestamp (seconds)
	LastMessageID string        `json:"lastMessageId,omitempty"`
	LastSeq       int64         `json:"lastSeq"`
	MutedBy       []string      `json:"-"`
	PinnedBy      []string      `json:"-"`
	IsActive      bool          `json:"isActive"`
	CreatedAt     int64         `json:"createdAt"`
}

func (c Chat) HasMember(userID string) bool {
	return contains(c.Members, userID)
}

func (c Chat) IsMutedBy(userID string) bool {
	return contains(c.MutedBy, userID)
}

func (c Chat) IsPinnedBy(userID string) bool {
	return contains(c.PinnedBy, userID)
}

func (c Chat) IsAdmin(userID string) bool {
	return c.Type == ChatTypeGroup && c.AdminID != "" && c.AdminID == userID
}

// PrivatePairKey is the order-independent identity of a private chat between two users.
func PrivatePairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "\x00" + b
}

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeFile     MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeDocument, MessageTypeFile:
		return true
	}
	return false
}

type AttachmentType string

const (
	AttachmentTypeImage    AttachmentType = "image"
	AttachmentTypeVideo    AttachmentType = "video"
	AttachmentTypeAudio    AttachmentType = "audio"
	AttachmentTypeDocument AttachmentType = "document"
	AttachmentTypeFile     AttachmentType = "file"
)

func (t AttachmentType) Valid() bool {
	switch t {
	case AttachmentTypeImage, AttachmentTypeVideo, AttachmentTypeAudio, AttachmentTypeDocument, AttachmentTypeFile:
		return true
	}
	return false
}

type Attachment struct {
	Type     AttachmentType `json:"type"`
	URL      string         `json:"url"`
	FileName string         `json:"filename"`
	Size     int64          `json:"size"`
	MimeType string         `json:"mimeType"`
}

type ReadReceipt struct {
	UserID string `json:"user"`
	ReadAt int64  `json:"readAt"`
}

// Message represents a chat message.
type Message struct {
	ID          string        `json:"id"`
	Seq         int64         `json:"seq"`
	ChatID      string        `json:"chatId"`
	SenderID    string        `json:"senderId"`
	Content     string        `json:"content"`
	HTML        string        `json:"html,omitempty"`
	Type        MessageType   `json:"messageType"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	ReplyTo     string        `json:"replyTo,omitempty"`
	IsEdited    bool          `json:"isEdited"`
	EditedAt    int64         `json:"editedAt,omitempty"`
	IsDeleted   bool          `json:"isDeleted"`
	DeletedAt   int64         `json:"deletedAt,omitempty"`
	DeletedBy   string        `json:"deletedBy,omitempty"`
	ReadBy      []ReadReceipt `json:"readBy"`
	CreatedAt   int64         `json:"createdAt"` // Unix timestamp (seconds)
}

// IsReadBy reports whether userID has a read receipt on the message.
func (m Message) IsReadBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// Redacted returns the client-facing form of the message.
// Deleted messages keep their identity and deletion metadata only.
func (m Message) Redacted() Message {
	if !m.IsDeleted {
		return m
	}
	m.Content = ""
	m.HTML = ""
	m.Attachments = nil
	return m
}

// Preview is a short plain-text summary used in notifications.
func (m Message) Preview(limit int) string {
	if m.IsDeleted {
		return "This message was deleted"
	}
	text := strings.TrimSpace(m.Content)
	if text == "" && len(m.Attachments) > 0 {
		return "[" + string(m.Attachments[0].Type) + "]"
	}
	r := []rune(text)
	if limit > 0 && len(r) > limit {
		return string(r[:limit]) + "…"
	}
	return text
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// PushSubscription is a browser web push endpoint registered by a user.
type PushSubscription struct {
	UserID    string `json:"-"`
	Endpoint  string `json:"endpoint"`
	Auth      string `json:"auth"`
	P256dh    string `json:"p256dh"`
	CreatedAt int64  `json:"createdAt"`
}

// FileInfo describes an uploaded blob.
type FileInfo struct {
	ID        string `json:"id"`
	Hash      string `json:"-"`
	FileName  string `json:"filename"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	UserID    string `json:"-"`
	CreatedAt int64  `json:"createdAt"`
}
