package storage

import (
	"fmt"
	"sort"
	"strings"

	"chatline/internal/models"

	"go.etcd.io/bbolt"
)

func handleKey(userName string) []byte {
	return []byte(strings.ToLower(userName))
}

// CreateUser stores a new user. User names are unique case-insensitively.
func (s *BboltStorage) CreateUser(user models.User) error {
	return s.update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		handles := tx.Bucket(bucketUserHandles)

		if users.Get([]byte(user.ID)) != nil {
			return fmt.Errorf("%w: user %s already exists", models.ErrConflict, user.ID)
		}
		if handles.Get(handleKey(user.UserName)) != nil {
			return fmt.Errorf("%w: user name %q is taken", models.ErrConflict, user.UserName)
		}

		dbUser := newDBUser(user)
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := users.Put(dbUser.Key(), data); err != nil {
			return err
		}
		return handles.Put(handleKey(user.UserName), []byte(user.ID))
	})
}

// UpsertUser saves profile fields of an existing user. The user name
// index follows renames.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		handles := tx.Bucket(bucketUserHandles)

		if owner := handles.Get(handleKey(user.UserName)); owner != nil && string(owner) != user.ID {
			return fmt.Errorf("%w: user name %q is taken", models.ErrConflict, user.UserName)
		}
		if data := users.Get([]byte(user.ID)); data != nil {
			var old DBUser
			if err := old.UnmarshalBinary(data); err != nil {
				return err
			}
			if !strings.EqualFold(old.UserName, user.UserName) {
				if err := handles.Delete(handleKey(old.UserName)); err != nil {
					return err
				}
			}
		}

		dbUser := newDBUser(user)
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := users.Put(dbUser.Key(), data); err != nil {
			return err
		}
		return handles.Put(handleKey(user.UserName), []byte(user.ID))
	})
}

func getUser(tx *bbolt.Tx, id string) (*DBUser, error) {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: user %s", models.ErrNotFound, id)
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &dbUser, nil
}

func putUser(tx *bbolt.Tx, u *DBUser) error {
	data, err := u.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketUsers).Put(u.Key(), data)
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.view(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, id)
		if err != nil {
			return err
		}
		user = dbUser.model()
		return nil
	})
	return user, err
}

func (s *BboltStorage) GetUserByName(userName string) (models.User, error) {
	var user models.User
	err := s.view(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUserHandles).Get(handleKey(userName))
		if id == nil {
			return fmt.Errorf("%w: user %q", models.ErrNotFound, userName)
		}
		dbUser, err := getUser(tx, string(id))
		if err != nil {
			return err
		}
		user = dbUser.model()
		return nil
	})
	return user, err
}

// ListUsers returns all users ordered by user name.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	return s.filterUsers(func(models.User) bool { return true })
}

// ListOnlineUsers returns users whose persisted presence is online.
func (s *BboltStorage) ListOnlineUsers() ([]models.User, error) {
	return s.filterUsers(func(u models.User) bool {
		return u.IsActive() && u.Presence.Online
	})
}

// SearchUsers matches query against user and display names, case-insensitively.
func (s *BboltStorage) SearchUsers(query string, limit int) ([]models.User, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	users, err := s.filterUsers(func(u models.User) bool {
		return u.IsActive() &&
			(strings.Contains(strings.ToLower(u.UserName), q) ||
				strings.Contains(strings.ToLower(u.DisplayName), q))
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

func (s *BboltStorage) filterUsers(keep func(models.User) bool) ([]models.User, error) {
	var users []models.User
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if u := dbUser.model(); keep(u) {
				users = append(users, u)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].UserName) < strings.ToLower(users[j].UserName)
	})
	return users, nil
}

// SetPresence persists the presence fields of a user.
func (s *BboltStorage) SetPresence(userID string, presence models.Presence) error {
	return s.update(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		dbUser.Online = presence.Online
		if presence.LastSeen != 0 {
			dbUser.LastSeen = presence.LastSeen
		}
		return putUser(tx, dbUser)
	})
}

// ResetPresence marks every user offline. Called on startup, when no
// connection can be live yet.
func (s *BboltStorage) ResetPresence(lastSeen int64) error {
	return s.update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		var stale []*DBUser
		err := users.ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbUser.Online {
				stale = append(stale, &dbUser)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, u := range stale {
			u.Online = false
			u.LastSeen = lastSeen
			if err := putUser(tx, u); err != nil {
				return err
			}
		}
		return nil
	})
}

// BlockUser adds blockedID to the block list of userID. Blocking twice is a no-op.
func (s *BboltStorage) BlockUser(userID, blockedID string) error {
	if userID == blockedID {
		return fmt.Errorf("%w: cannot block yourself", models.ErrInvalidArgument)
	}
	return s.update(func(tx *bbolt.Tx) error {
		if err := requireActiveUsers(tx, []string{blockedID}); err != nil {
			return err
		}
		dbUser, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		if dbUser.model().HasBlocked(blockedID) {
			return nil
		}
		dbUser.Blocked = append(dbUser.Blocked, blockedID)
		return putUser(tx, dbUser)
	})
}

// UnblockUser removes blockedID from the block list of userID.
func (s *BboltStorage) UnblockUser(userID, blockedID string) error {
	return s.update(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		kept := dbUser.Blocked[:0:0]
		for _, id := range dbUser.Blocked {
			if id != blockedID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(dbUser.Blocked) {
			return nil
		}
		dbUser.Blocked = kept
		return putUser(tx, dbUser)
	})
}

// ListBlockedUsers returns the users blocked by userID in blocking order.
func (s *BboltStorage) ListBlockedUsers(userID string) ([]models.User, error) {
	var users []models.User
	err := s.view(func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		for _, id := range dbUser.Blocked {
			blocked, err := getUser(tx, id)
			if err != nil {
				return err
			}
			users = append(users, blocked.model())
		}
		return nil
	})
	return users, err
}
