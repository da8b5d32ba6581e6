package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"chatline/internal/filestore"
	"chatline/internal/models"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

// UploadHandler stores the raw request body and returns an attachment
// descriptor for it. The file name comes from the X-Filename header.
func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.MaxUploadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, fmt.Errorf("%w: failed to read upload", models.ErrInvalidArgument))
		return
	}
	if len(data) == 0 {
		writeError(w, fmt.Errorf("%w: empty upload", models.ErrInvalidArgument))
		return
	}

	attachmentType, mime := classify(data)
	hash := filestore.Hash(data)
	if err := a.Files.Save(bytes.NewReader(data), hash); err != nil {
		slog.Error("failed to save upload", "error", err)
		writeError(w, fmt.Errorf("%w: failed to save file", models.ErrTransient))
		return
	}

	fileName := filepath.Base(r.Header.Get("X-Filename"))
	if fileName == "." || fileName == string(filepath.Separator) {
		fileName = ""
	}
	info := models.FileInfo{
		ID:        uuid.NewString(),
		Hash:      hash,
		FileName:  fileName,
		MimeType:  mime,
		Size:      int64(len(data)),
		UserID:    userIDFrom(r.Context()),
		CreatedAt: time.Now().Unix(),
	}
	if err := a.Store.UpsertFileMetadata(info); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.Attachment{
		Type:     attachmentType,
		URL:      "/api/files/" + info.ID,
		FileName: info.FileName,
		Size:     info.Size,
		MimeType: info.MimeType,
	})
}

// classify sniffs the content type from the file header.
func classify(data []byte) (models.AttachmentType, string) {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return models.AttachmentTypeFile, "application/octet-stream"
	}
	switch {
	case filetype.IsImage(data):
		return models.AttachmentTypeImage, kind.MIME.Value
	case filetype.IsVideo(data):
		return models.AttachmentTypeVideo, kind.MIME.Value
	case filetype.IsAudio(data):
		return models.AttachmentTypeAudio, kind.MIME.Value
	case filetype.IsDocument(data):
		return models.AttachmentTypeDocument, kind.MIME.Value
	default:
		return models.AttachmentTypeFile, kind.MIME.Value
	}
}

func (a *API) GetFileHandler(w http.ResponseWriter, r *http.Request) {
	info, err := a.Store.GetFileMetadata(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	rc, err := a.Files.Get(info.Hash)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", info.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if info.FileName != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", info.FileName))
	}
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("failed to send file", "file_id", info.ID, "error", err)
	}
}
