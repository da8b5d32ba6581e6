package storage

import (
	"encoding"

	"chatline/internal/models"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBToken struct {
	Hash      string `msgpack:"hash"`
	UserID    string `msgpack:"userId"`
	ExpiresAt int64  `msgpack:"expiresAt"`
}

func (t *DBToken) Key() []byte {
	return []byte(t.Hash)
}

func (t *DBToken) MarshalBinary() (data []byte, err error) {
	type alias DBToken
	return msgpack.Marshal((*alias)(t))
}

func (t *DBToken) UnmarshalBinary(data []byte) error {
	type alias DBToken
	return msgpack.Unmarshal(data, (*alias)(t))
}

type DBUser struct {
	ID          string   `msgpack:"id"`
	UserName    string   `msgpack:"userName"`
	DisplayName string   `msgpack:"displayName"`
	AvatarURL   string   `msgpack:"avatarUrl"`
	Online      bool     `msgpack:"online"`
	LastSeen    int64    `msgpack:"lastSeen"`
	Status      string   `msgpack:"status"`
	CreatedAt   int64    `msgpack:"createdAt"`
	Blocked     []string `msgpack:"blocked"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

func newDBUser(u models.User) *DBUser {
	return &DBUser{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Online:      u.Presence.Online,
		LastSeen:    u.Presence.LastSeen,
		Status:      string(u.Status),
		CreatedAt:   u.CreatedAt,
		Blocked:     u.BlockedUsers,
	}
}

func (u *DBUser) model() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Presence: models.Presence{
			Online:   u.Online,
			LastSeen: u.LastSeen,
		},
		Status:       models.UserStatus(u.Status),
		CreatedAt:    u.CreatedAt,
		BlockedUsers: u.Blocked,
	}
}

type DBChat struct {
	ID             string   `msgpack:"id"`
	Type           string   `msgpack:"type"`
	Members        []string `msgpack:"members"`
	Name           string   `msgpack:"name"`
	Description    string   `msgpack:"description"`
	AvatarURL      string   `msgpack:"avatarUrl"`
	AdminID        string   `msgpack:"adminId"`
	MembersCanAdd  bool     `msgpack:"membersCanAdd"`
	MembersCanEdit bool     `msgpack:"membersCanEdit"`
	LastActivity   int64    `msgpack:"lastActivity"`
	LastMessageID  string   `msgpack:"lastMessageId"`
	LastSeq        int64    `msgpack:"lastSeq"`
	MutedBy        []string `msgpack:"mutedBy"`
	PinnedBy       []string `msgpack:"pinnedBy"`
	IsActive       bool     `msgpack:"isActive"`
	CreatedAt      int64    `msgpack:"createdAt"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

func newDBChat(c models.Chat) *DBChat {
	return &DBChat{
		ID:             c.ID,
		Type:           string(c.Type),
		Members:        c.Members,
		Name:           c.Name,
		Description:    c.Description,
		AvatarURL:      c.AvatarURL,
		AdminID:        c.AdminID,
		MembersCanAdd:  c.Settings.AllowMembersToAddOthers,
		MembersCanEdit: c.Settings.AllowMembersToEditGroupInfo,
		LastActivity:   c.LastActivity,
		LastMessageID:  c.LastMessageID,
		LastSeq:        c.LastSeq,
		MutedBy:        c.MutedBy,
		PinnedBy:       c.PinnedBy,
		IsActive:       c.IsActive,
		CreatedAt:      c.CreatedAt,
	}
}

func (c *DBChat) model() models.Chat {
	return models.Chat{
		ID:          c.ID,
		Type:        models.ChatType(c.Type),
		Members:     c.Members,
		Name:        c.Name,
		Description: c.Description,
		AvatarURL:   c.AvatarURL,
		AdminID:     c.AdminID,
		Settings: models.GroupSettings{
			AllowMembersToAddOthers:     c.MembersCanAdd,
			AllowMembersToEditGroupInfo: c.MembersCanEdit,
		},
		LastActivity:  c.LastActivity,
		LastMessageID: c.LastMessageID,
		LastSeq:       c.LastSeq,
		MutedBy:       c.MutedBy,
		PinnedBy:      c.PinnedBy,
		IsActive:      c.IsActive,
		CreatedAt:     c.CreatedAt,
	}
}

type DBMessage struct {
	ID          string          `msgpack:"id"`
	Seq         int64           `msgpack:"seq"`
	ChatID      string          `msgpack:"chatId"`
	SenderID    string          `msgpack:"senderId"`
	Content     string          `msgpack:"content"`
	Type        string          `msgpack:"type"`
	Attachments []DBAttachment  `msgpack:"attachments"`
	ReplyTo     string          `msgpack:"replyTo"`
	IsEdited    bool            `msgpack:"isEdited"`
	EditedAt    int64           `msgpack:"editedAt"`
	IsDeleted   bool            `msgpack:"isDeleted"`
	DeletedAt   int64           `msgpack:"deletedAt"`
	DeletedBy   string          `msgpack:"deletedBy"`
	ReadBy      []DBReadReceipt `msgpack:"readBy"`
	CreatedAt   int64           `msgpack:"createdAt"`
}

type DBAttachment struct {
	Type     string `msgpack:"type"`
	URL      string `msgpack:"url"`
	FileName string `msgpack:"fileName"`
	Size     int64  `msgpack:"size"`
	MimeType string `msgpack:"mimeType"`
}

type DBReadReceipt struct {
	UserID string `msgpack:"userId"`
	ReadAt int64  `msgpack:"readAt"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func newDBMessage(m models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:        m.ID,
		Seq:       m.Seq,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      string(m.Type),
		ReplyTo:   m.ReplyTo,
		IsEdited:  m.IsEdited,
		EditedAt:  m.EditedAt,
		IsDeleted: m.IsDeleted,
		DeletedAt: m.DeletedAt,
		DeletedBy: m.DeletedBy,
		CreatedAt: m.CreatedAt,
	}
	if len(m.Attachments) > 0 {
		dbMsg.Attachments = make([]DBAttachment, len(m.Attachments))
		for i, a := range m.Attachments {
			dbMsg.Attachments[i] = DBAttachment{
				Type:     string(a.Type),
				URL:      a.URL,
				FileName: a.FileName,
				Size:     a.Size,
				MimeType: a.MimeType,
			}
		}
	}
	if len(m.ReadBy) > 0 {
		dbMsg.ReadBy = make([]DBReadReceipt, len(m.ReadBy))
		for i, r := range m.ReadBy {
			dbMsg.ReadBy[i] = DBReadReceipt{UserID: r.UserID, ReadAt: r.ReadAt}
		}
	}
	return dbMsg
}

func (m *DBMessage) model() models.Message {
	msg := models.Message{
		ID:        m.ID,
		Seq:       m.Seq,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      models.MessageType(m.Type),
		ReplyTo:   m.ReplyTo,
		IsEdited:  m.IsEdited,
		EditedAt:  m.EditedAt,
		IsDeleted: m.IsDeleted,
		DeletedAt: m.DeletedAt,
		DeletedBy: m.DeletedBy,
		ReadBy:    []models.ReadReceipt{},
		CreatedAt: m.CreatedAt,
	}
	if len(m.Attachments) > 0 {
		msg.Attachments = make([]models.Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			msg.Attachments[i] = models.Attachment{
				Type:     models.AttachmentType(a.Type),
				URL:      a.URL,
				FileName: a.FileName,
				Size:     a.Size,
				MimeType: a.MimeType,
			}
		}
	}
	for _, r := range m.ReadBy {
		msg.ReadBy = append(msg.ReadBy, models.ReadReceipt{UserID: r.UserID, ReadAt: r.ReadAt})
	}
	return msg
}

func (m *DBMessage) readBy(userID string) bool {
	for _, r := range m.ReadBy {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// DBMessageRef locates a message inside its chat bucket.
type DBMessageRef struct {
	ChatID string `msgpack:"chatId"`
	Seq    int64  `msgpack:"seq"`
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}
