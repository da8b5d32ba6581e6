package storage

import (
	"fmt"

	"chatline/internal/models"

	"go.etcd.io/bbolt"
)

// Unread counters live in unread/<chatID>/<userID>. They are derived data:
// countUnread rebuilds any of them from the message log.

func setUnread(tx *bbolt.Tx, chatID, userID string, n int) error {
	b, err := tx.Bucket(bucketUnread).CreateBucketIfNotExists([]byte(chatID))
	if err != nil {
		return err
	}
	return b.Put([]byte(userID), encodeCount(n))
}

// addUnread adjusts an existing counter by delta, never below zero.
// A missing counter is rebuilt instead of adjusted.
func addUnread(tx *bbolt.Tx, chatID, userID string, delta int) error {
	var cur []byte
	if b := tx.Bucket(bucketUnread).Bucket([]byte(chatID)); b != nil {
		cur = b.Get([]byte(userID))
	}
	if cur == nil {
		n, err := countUnread(tx, chatID, userID)
		if err != nil {
			return err
		}
		return setUnread(tx, chatID, userID, n)
	}
	return setUnread(tx, chatID, userID, decodeCount(cur)+delta)
}

func countUnread(tx *bbolt.Tx, chatID, userID string) (int, error) {
	b := chatMessages(tx, chatID)
	if b == nil {
		return 0, nil
	}
	n := 0
	err := b.ForEach(func(k, v []byte) error {
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		if !dbMsg.IsDeleted && dbMsg.SenderID != userID && !dbMsg.readBy(userID) {
			n++
		}
		return nil
	})
	return n, err
}

// UnreadCount returns the unread counter of userID in chatID. A missing
// counter is computed from the message log.
func (s *BboltStorage) UnreadCount(chatID, userID string) (int, error) {
	var n int
	err := s.view(func(tx *bbolt.Tx) error {
		if _, err := getChat(tx, chatID); err != nil {
			return err
		}
		if b := tx.Bucket(bucketUnread).Bucket([]byte(chatID)); b != nil {
			if v := b.Get([]byte(userID)); v != nil {
				n = decodeCount(v)
				return nil
			}
		}
		var err error
		n, err = countUnread(tx, chatID, userID)
		return err
	})
	return n, err
}

// RecountUnread rebuilds the counter of userID in chatID from the message
// log and stores it.
func (s *BboltStorage) RecountUnread(chatID, userID string) (int, error) {
	var n int
	err := s.update(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, chatID)
		if err != nil {
			return err
		}
		if !dbChat.model().HasMember(userID) {
			return fmt.Errorf("%w: user %s is not a member of chat %s", models.ErrForbidden, userID, chatID)
		}
		if n, err = countUnread(tx, chatID, userID); err != nil {
			return err
		}
		return setUnread(tx, chatID, userID, n)
	})
	return n, err
}
