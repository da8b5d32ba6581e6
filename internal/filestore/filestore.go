// Package filestore keeps uploaded blobs addressed by the sha256 of their
// content.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// FileStore is an interface for storing and retrieving files by their hash.
type FileStore interface {
	// Save saves the file content with the given hash.
	// It is idempotent: if a file with the same hash already exists, it returns nil.
	Save(r io.Reader, hash string) error

	// Get retrieves the file content for the given hash. A missing blob
	// is models.ErrNotFound.
	Get(hash string) (io.ReadCloser, error)
}

// Hash returns the content address of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
