package storage

import (
	"fmt"
	"strings"

	"chatline/internal/models"

	"go.etcd.io/bbolt"
)

func chatMessages(tx *bbolt.Tx, chatID string) *bbolt.Bucket {
	return tx.Bucket(bucketMessages).Bucket([]byte(chatID))
}

func locateMessage(tx *bbolt.Tx, id string) (*DBMessage, error) {
	refData := tx.Bucket(bucketMessageIndex).Get([]byte(id))
	if refData == nil {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return nil, err
	}
	b := chatMessages(tx, ref.ChatID)
	if b == nil {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	data := b.Get(seqKey(ref.Seq))
	if data == nil {
		return nil, fmt.Errorf("%w: message %s", models.ErrNotFound, id)
	}
	var dbMsg DBMessage
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbMsg, nil
}

func putMessage(tx *bbolt.Tx, m *DBMessage) error {
	b := chatMessages(tx, m.ChatID)
	if b == nil {
		return fmt.Errorf("%w: chat %s", models.ErrNotFound, m.ChatID)
	}
	data, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.Put(m.Key(), data)
}

// CreateMessage appends msg to its chat. In the same transaction it checks
// the chat is active and the sender is a member, validates the reply
// reference, assigns the next chat sequence number, moves the chat's last
// message and activity forward and increments unread counters of every
// other member.
func (s *BboltStorage) CreateMessage(msg models.Message) (models.Message, error) {
	err := s.update(func(tx *bbolt.Tx) error {
		if msg.ChatID == "" {
			return fmt.Errorf("%w: message missing chatID", models.ErrInvalidArgument)
		}
		index := tx.Bucket(bucketMessageIndex)
		if index.Get([]byte(msg.ID)) != nil {
			return fmt.Errorf("%w: message %s already exists", models.ErrConflict, msg.ID)
		}

		dbChat, err := getChat(tx, msg.ChatID)
		if err != nil {
			return err
		}
		if !dbChat.IsActive {
			return fmt.Errorf("%w: chat %s", models.ErrNotFound, msg.ChatID)
		}
		chat := dbChat.model()
		if !chat.HasMember(msg.SenderID) {
			return fmt.Errorf("%w: user %s is not a member of chat %s", models.ErrForbidden, msg.SenderID, msg.ChatID)
		}

		if msg.ReplyTo != "" {
			target, err := locateMessage(tx, msg.ReplyTo)
			if err != nil || target.ChatID != msg.ChatID {
				return fmt.Errorf("%w: reply target %s is not in this chat", models.ErrInvalidArgument, msg.ReplyTo)
			}
		}

		b := chatMessages(tx, msg.ChatID)
		if b == nil {
			if b, err = tx.Bucket(bucketMessages).CreateBucket([]byte(msg.ChatID)); err != nil {
				return fmt.Errorf("failed to create chat bucket: %w", err)
			}
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = int64(seq)
		msg.ReadBy = nil

		dbMsg := newDBMessage(msg)
		if err := putMessage(tx, dbMsg); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		ref := DBMessageRef{ChatID: msg.ChatID, Seq: msg.Seq}
		refData, err := ref.MarshalBinary()
		if err != nil {
			return err
		}
		if err := index.Put([]byte(msg.ID), refData); err != nil {
			return err
		}

		dbChat.LastSeq = msg.Seq
		dbChat.LastMessageID = msg.ID
		if msg.CreatedAt > dbChat.LastActivity {
			dbChat.LastActivity = msg.CreatedAt
		}
		if err := putChat(tx, dbChat); err != nil {
			return err
		}

		for _, member := range chat.Members {
			if member == msg.SenderID {
				continue
			}
			if err := addUnread(tx, msg.ChatID, member, 1); err != nil {
				return err
			}
		}
		msg = dbMsg.model()
		return nil
	})
	return msg, err
}

// GetMessage returns the stored message including deleted ones.
func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.view(func(tx *bbolt.Tx) error {
		dbMsg, err := locateMessage(tx, id)
		if err != nil {
			return err
		}
		msg = dbMsg.model()
		return nil
	})
	return msg, err
}

// UpdateMessage applies fn to the stored message inside one write
// transaction. Chat, sender and sequence are immutable and deletion is
// terminal. When fn soft-deletes the message, unread counters of members
// who had not read it are decremented.
func (s *BboltStorage) UpdateMessage(id string, fn func(msg *models.Message) error) (models.Message, error) {
	var result models.Message
	err := s.update(func(tx *bbolt.Tx) error {
		dbMsg, err := locateMessage(tx, id)
		if err != nil {
			return err
		}
		before := dbMsg.model()
		msg := before
		if err := fn(&msg); err != nil {
			return err
		}
		msg.ID, msg.ChatID, msg.SenderID, msg.Seq, msg.CreatedAt = before.ID, before.ChatID, before.SenderID, before.Seq, before.CreatedAt
		if before.IsDeleted && !msg.IsDeleted {
			return fmt.Errorf("%w: message %s is deleted", models.ErrInvalidArgument, id)
		}

		if err := putMessage(tx, newDBMessage(msg)); err != nil {
			return err
		}

		if !before.IsDeleted && msg.IsDeleted {
			dbChat, err := getChat(tx, msg.ChatID)
			if err != nil {
				return err
			}
			for _, member := range dbChat.Members {
				if member == msg.SenderID || before.IsReadBy(member) {
					continue
				}
				if err := addUnread(tx, msg.ChatID, member, -1); err != nil {
					return err
				}
			}
		}
		result = msg
		return nil
	})
	return result, err
}

// MarkMessageRead appends a read receipt for userID. It reports false
// without writing when userID sent the message or already read it.
// Deleted messages are not found.
func (s *BboltStorage) MarkMessageRead(messageID, userID string, readAt int64) (models.Message, bool, error) {
	var (
		result  models.Message
		changed bool
	)
	err := s.update(func(tx *bbolt.Tx) error {
		dbMsg, err := locateMessage(tx, messageID)
		if err != nil {
			return err
		}
		if dbMsg.IsDeleted {
			return fmt.Errorf("%w: message %s", models.ErrNotFound, messageID)
		}
		if dbMsg.SenderID == userID || dbMsg.readBy(userID) {
			result = dbMsg.model()
			return nil
		}

		dbMsg.ReadBy = append(dbMsg.ReadBy, DBReadReceipt{UserID: userID, ReadAt: readAt})
		if err := putMessage(tx, dbMsg); err != nil {
			return err
		}
		if err := addUnread(tx, dbMsg.ChatID, userID, -1); err != nil {
			return err
		}
		result = dbMsg.model()
		changed = true
		return nil
	})
	return result, changed, err
}

// MarkChatRead adds a read receipt for userID to every unread message of
// the chat not sent by userID and resets the unread counter to zero.
// It returns the messages that received a receipt.
func (s *BboltStorage) MarkChatRead(chatID, userID string, readAt int64) ([]models.Message, error) {
	var marked []models.Message
	err := s.update(func(tx *bbolt.Tx) error {
		b := chatMessages(tx, chatID)
		if b == nil {
			return fmt.Errorf("%w: chat %s", models.ErrNotFound, chatID)
		}

		var pending []*DBMessage
		err := b.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.IsDeleted || dbMsg.SenderID == userID || dbMsg.readBy(userID) {
				return nil
			}
			pending = append(pending, &dbMsg)
			return nil
		})
		if err != nil {
			return err
		}

		for _, dbMsg := range pending {
			dbMsg.ReadBy = append(dbMsg.ReadBy, DBReadReceipt{UserID: userID, ReadAt: readAt})
			if err := putMessage(tx, dbMsg); err != nil {
				return err
			}
			marked = append(marked, dbMsg.model())
		}
		return setUnread(tx, chatID, userID, 0)
	})
	return marked, err
}

// ListMessages returns non-deleted messages of a chat newest first and the
// total number of non-deleted messages.
func (s *BboltStorage) ListMessages(chatID string, offset, limit int) ([]models.Message, int, error) {
	return s.scanMessages(chatID, offset, limit, func(*DBMessage) bool { return true })
}

// SearchMessages matches query as a case-insensitive substring of message
// content. Deleted messages never match.
func (s *BboltStorage) SearchMessages(chatID, query string, offset, limit int) ([]models.Message, int, error) {
	q := strings.ToLower(query)
	return s.scanMessages(chatID, offset, limit, func(m *DBMessage) bool {
		return strings.Contains(strings.ToLower(m.Content), q)
	})
}

func (s *BboltStorage) scanMessages(chatID string, offset, limit int, match func(*DBMessage) bool) ([]models.Message, int, error) {
	var (
		page  []models.Message
		total int
	)
	err := s.view(func(tx *bbolt.Tx) error {
		if _, err := getChat(tx, chatID); err != nil {
			return err
		}
		b := chatMessages(tx, chatID)
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.IsDeleted || !match(&dbMsg) {
				continue
			}
			if total >= offset && (limit <= 0 || len(page) < limit) {
				page = append(page, dbMsg.model())
			}
			total++
		}
		return nil
	})
	if page == nil {
		page = []models.Message{}
	}
	return page, total, err
}
