package storage

import (
	"fmt"

	"chatline/internal/models"

	"go.etcd.io/bbolt"
)

// UpsertToken stores a token hash. Raw tokens never reach the database.
func (s *BboltStorage) UpsertToken(tokenHash, userID string, expiresAt int64) error {
	return s.update(func(tx *bbolt.Tx) error {
		dbToken := &DBToken{
			Hash:      tokenHash,
			UserID:    userID,
			ExpiresAt: expiresAt,
		}
		data, err := dbToken.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put(dbToken.Key(), data)
	})
}

// GetToken returns the owner and expiry of a token hash.
func (s *BboltStorage) GetToken(tokenHash string) (string, int64, error) {
	var dbToken DBToken
	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTokens).Get([]byte(tokenHash))
		if data == nil {
			return fmt.Errorf("%w: token", models.ErrNotFound)
		}
		return dbToken.UnmarshalBinary(data)
	})
	return dbToken.UserID, dbToken.ExpiresAt, err
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

// PurgeExpiredTokens removes tokens that expired before now and returns
// how many were removed.
func (s *BboltStorage) PurgeExpiredTokens(now int64) (int, error) {
	removed := 0
	err := s.update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbToken.ExpiresAt != 0 && dbToken.ExpiresAt < now {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(expired)
		return nil
	})
	return removed, err
}
