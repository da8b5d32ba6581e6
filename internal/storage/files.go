package storage

import (
	"fmt"

	"chatline/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

type FileMetadata struct {
	ID        string `msgpack:"id"`
	Hash      string `msgpack:"hash"`
	FileName  string `msgpack:"fileName"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertFileMetadata(info models.FileInfo) error {
	return s.update(func(tx *bbolt.Tx) error {
		meta := FileMetadata{
			ID:        info.ID,
			Hash:      info.Hash,
			FileName:  info.FileName,
			MimeType:  info.MimeType,
			Size:      info.Size,
			CreatedAt: info.CreatedAt,
			UserID:    info.UserID,
		}
		data, err := meta.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal file metadata: %w", err)
		}
		return tx.Bucket(bucketFiles).Put(meta.Key(), data)
	})
}

func (s *BboltStorage) GetFileMetadata(id string) (models.FileInfo, error) {
	var meta FileMetadata
	err := s.view(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: file %s", models.ErrNotFound, id)
		}
		return meta.UnmarshalBinary(data)
	})
	if err != nil {
		return models.FileInfo{}, err
	}
	return models.FileInfo{
		ID:        meta.ID,
		Hash:      meta.Hash,
		FileName:  meta.FileName,
		MimeType:  meta.MimeType,
		Size:      meta.Size,
		UserID:    meta.UserID,
		CreatedAt: meta.CreatedAt,
	}, nil
}
