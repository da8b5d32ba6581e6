package storage

import (
	"fmt"
	"sort"

	"chatline/internal/models"

	"go.etcd.io/bbolt"
)

func getChat(tx *bbolt.Tx, id string) (*DBChat, error) {
	data := tx.Bucket(bucketChats).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: chat %s", models.ErrNotFound, id)
	}
	var dbChat DBChat
	if err := dbChat.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbChat, nil
}

func putChat(tx *bbolt.Tx, c *DBChat) error {
	data, err := c.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketChats).Put(c.Key(), data)
}

func requireActiveUsers(tx *bbolt.Tx, ids []string) error {
	for _, id := range ids {
		u, err := getUser(tx, id)
		if err != nil {
			return err
		}
		if models.UserStatus(u.Status) != models.UserStatusActive {
			return fmt.Errorf("%w: user %s is not active", models.ErrNotFound, id)
		}
	}
	return nil
}

// requireNotBlocked fails with Forbidden when either user blocked the other.
func requireNotBlocked(tx *bbolt.Tx, a, b string) error {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		u, err := getUser(tx, pair[0])
		if err != nil {
			return err
		}
		if u.model().HasBlocked(pair[1]) {
			return fmt.Errorf("%w: cannot create a chat with this user", models.ErrForbidden)
		}
	}
	return nil
}

// CreatePrivateChat returns the private chat between the two members of
// chat, creating it from chat when none exists. The pair index lookup and
// the insert share one write transaction, so concurrent callers always
// converge on a single chat. A block between the two members refuses both
// creation and reopening.
func (s *BboltStorage) CreatePrivateChat(chat models.Chat) (models.Chat, bool, error) {
	if chat.Type != models.ChatTypePrivate || len(chat.Members) != 2 || chat.Members[0] == chat.Members[1] {
		return models.Chat{}, false, fmt.Errorf("%w: private chat needs two distinct members", models.ErrInvalidArgument)
	}

	var (
		result  models.Chat
		created bool
	)
	err := s.update(func(tx *bbolt.Tx) error {
		if err := requireNotBlocked(tx, chat.Members[0], chat.Members[1]); err != nil {
			return err
		}

		pairs := tx.Bucket(bucketPrivatePairs)
		pairKey := []byte(models.PrivatePairKey(chat.Members[0], chat.Members[1]))

		if existing := pairs.Get(pairKey); existing != nil {
			dbChat, err := getChat(tx, string(existing))
			if err != nil {
				return err
			}
			result = dbChat.model()
			return nil
		}

		if err := requireActiveUsers(tx, chat.Members); err != nil {
			return err
		}
		if err := insertChat(tx, chat); err != nil {
			return err
		}
		if err := pairs.Put(pairKey, []byte(chat.ID)); err != nil {
			return err
		}
		result = chat
		created = true
		return nil
	})
	return result, created, err
}

// CreateGroupChat stores a new group chat. Every member must be an active user.
func (s *BboltStorage) CreateGroupChat(chat models.Chat) error {
	if chat.Type != models.ChatTypeGroup {
		return fmt.Errorf("%w: not a group chat", models.ErrInvalidArgument)
	}
	return s.update(func(tx *bbolt.Tx) error {
		if err := requireActiveUsers(tx, chat.Members); err != nil {
			return err
		}
		return insertChat(tx, chat)
	})
}

func insertChat(tx *bbolt.Tx, chat models.Chat) error {
	if tx.Bucket(bucketChats).Get([]byte(chat.ID)) != nil {
		return fmt.Errorf("%w: chat %s already exists", models.ErrConflict, chat.ID)
	}
	if err := putChat(tx, newDBChat(chat)); err != nil {
		return err
	}
	if _, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(chat.ID)); err != nil {
		return fmt.Errorf("failed to create chat bucket: %w", err)
	}
	for _, member := range chat.Members {
		if err := indexMember(tx, chat.ID, member); err != nil {
			return err
		}
		if err := setUnread(tx, chat.ID, member, 0); err != nil {
			return err
		}
	}
	return nil
}

func (s *BboltStorage) GetChat(id string) (models.Chat, error) {
	var chat models.Chat
	err := s.view(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, id)
		if err != nil {
			return err
		}
		chat = dbChat.model()
		return nil
	})
	return chat, err
}

// UpdateChat applies fn to the stored chat inside one write transaction.
// If fn returns an error nothing is written. Membership changes keep the
// member index and the unread counters in step; private chat membership
// is immutable.
func (s *BboltStorage) UpdateChat(id string, fn func(chat *models.Chat) error) (models.Chat, error) {
	var result models.Chat
	err := s.update(func(tx *bbolt.Tx) error {
		dbChat, err := getChat(tx, id)
		if err != nil {
			return err
		}
		chat := dbChat.model()
		before := append([]string(nil), chat.Members...)

		if err := fn(&chat); err != nil {
			return err
		}
		chat.ID = id

		added, removed := diffMembers(before, chat.Members)
		if chat.Type == models.ChatTypePrivate && (len(added) > 0 || len(removed) > 0) {
			return fmt.Errorf("%w: private chat membership is immutable", models.ErrInvalidArgument)
		}
		if len(added) > 0 {
			if err := requireActiveUsers(tx, added); err != nil {
				return err
			}
		}

		if err := putChat(tx, newDBChat(chat)); err != nil {
			return err
		}
		for _, member := range added {
			if err := indexMember(tx, id, member); err != nil {
				return err
			}
			n, err := countUnread(tx, id, member)
			if err != nil {
				return err
			}
			if err := setUnread(tx, id, member, n); err != nil {
				return err
			}
		}
		for _, member := range removed {
			if err := unindexMember(tx, id, member); err != nil {
				return err
			}
			if b := tx.Bucket(bucketUnread).Bucket([]byte(id)); b != nil {
				if err := b.Delete([]byte(member)); err != nil {
					return err
				}
			}
		}
		result = chat
		return nil
	})
	return result, err
}

// ListMemberChats returns active chats of userID sorted by last activity,
// newest first, and the total number of such chats.
func (s *BboltStorage) ListMemberChats(userID string, offset, limit int) ([]models.Chat, int, error) {
	var chats []models.Chat
	err := s.view(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketMemberChats).Bucket([]byte(userID))
		if idx == nil {
			return nil
		}
		return idx.ForEach(func(k, _ []byte) error {
			dbChat, err := getChat(tx, string(k))
			if err != nil {
				return err
			}
			if dbChat.IsActive {
				chats = append(chats, dbChat.model())
			}
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(chats, func(i, j int) bool {
		if chats[i].LastActivity != chats[j].LastActivity {
			return chats[i].LastActivity > chats[j].LastActivity
		}
		return chats[i].ID < chats[j].ID
	})
	return paginate(chats, offset, limit), len(chats), nil
}

func indexMember(tx *bbolt.Tx, chatID, userID string) error {
	idx, err := tx.Bucket(bucketMemberChats).CreateBucketIfNotExists([]byte(userID))
	if err != nil {
		return err
	}
	return idx.Put([]byte(chatID), []byte{})
}

func unindexMember(tx *bbolt.Tx, chatID, userID string) error {
	idx := tx.Bucket(bucketMemberChats).Bucket([]byte(userID))
	if idx == nil {
		return nil
	}
	return idx.Delete([]byte(chatID))
}

func diffMembers(before, after []string) (added, removed []string) {
	old := make(map[string]struct{}, len(before))
	for _, m := range before {
		old[m] = struct{}{}
	}
	cur := make(map[string]struct{}, len(after))
	for _, m := range after {
		cur[m] = struct{}{}
		if _, ok := old[m]; !ok {
			added = append(added, m)
		}
	}
	for _, m := range before {
		if _, ok := cur[m]; !ok {
			removed = append(removed, m)
		}
	}
	return added, removed
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
