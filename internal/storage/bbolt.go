package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"chatline/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketUsers        = []byte("users")
	bucketUserHandles  = []byte("user_handles")
	bucketChats        = []byte("chats")
	bucketPrivatePairs = []byte("private_pairs")
	bucketMemberChats  = []byte("member_chats")
	bucketMessages     = []byte("messages")
	bucketMessageIndex = []byte("message_index")
	bucketUnread       = []byte("unread")
	bucketTokens       = []byte("tokens")
	bucketFiles        = []byte("files")
	bucketPush         = []byte("push_subscriptions")

	allBuckets = [][]byte{
		bucketUsers,
		bucketUserHandles,
		bucketChats,
		bucketPrivatePairs,
		bucketMemberChats,
		bucketMessages,
		bucketMessageIndex,
		bucketUnread,
		bucketTokens,
		bucketFiles,
		bucketPush,
	}
)

// BboltStorage is the durable store. Every multi-record invariant
// (private pair uniqueness, membership index, unread counters) is kept
// inside a single bbolt transaction.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) update(fn func(tx *bbolt.Tx) error) error {
	return classify(s.db.Update(fn))
}

func (s *BboltStorage) view(fn func(tx *bbolt.Tx) error) error {
	return classify(s.db.View(fn))
}

// classify passes domain errors through and reports everything else
// (I/O, codec, closed database) as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		models.ErrAuth,
		models.ErrForbidden,
		models.ErrNotFound,
		models.ErrInvalidArgument,
		models.ErrConflict,
		models.ErrTransient,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: storage: %v", models.ErrTransient, err)
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func encodeCount(n int) []byte {
	if n < 0 {
		n = 0
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n))
	return buf
}

func decodeCount(v []byte) int {
	if len(v) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}
