// Package blob keeps uploaded files on disk with their metadata in sqlite.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"chathub/internal/store"
)

const defaultContentType = "application/octet-stream"

// ErrTooLarge is returned when a blob exceeds the limit given to Put.
var ErrTooLarge = errors.New("blob exceeds size limit")

// Metadata persists blob rows.
type Metadata interface {
	CreateBlob(ctx context.Context, meta store.BlobMetadata) error
	BlobByID(ctx context.Context, id string) (store.BlobMetadata, error)
}

// Store coordinates blob bytes on disk with metadata in sqlite.
type Store struct {
	rootDir string
	meta    Metadata
}

// PutInput contains the data required to write one blob.
type PutInput struct {
	Kind         string
	OriginalName string
	ContentType  string
	Reader       io.Reader
	// MaxBytes rejects larger blobs with ErrTooLarge. Zero means unlimited.
	MaxBytes int64
}

// OpenResult is a blob metadata + opened file stream tuple.
type OpenResult struct {
	Metadata store.BlobMetadata
	File     *os.File
}

// NewStore creates a blob store rooted at rootDir.
func NewStore(rootDir string, meta Metadata) (*Store, error) {
	rootDir = strings.TrimSpace(rootDir)
	if rootDir == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	slog.Debug("blob store initialized", "dir", rootDir)
	return &Store{rootDir: rootDir, meta: meta}, nil
}

// Put writes bytes to disk as an opaque UUID-named blob and stores metadata.
func (s *Store) Put(ctx context.Context, input PutInput) (store.BlobMetadata, error) {
	if input.Reader == nil {
		return store.BlobMetadata{}, fmt.Errorf("blob reader is required")
	}
	kind := strings.TrimSpace(input.Kind)
	if kind == "" {
		kind = "blob"
	}
	originalName := strings.TrimSpace(input.OriginalName)
	if originalName == "" {
		return store.BlobMetadata{}, fmt.Errorf("blob original name is required")
	}
	contentType := strings.TrimSpace(input.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}

	id := uuid.NewString()

	tempFile, err := os.CreateTemp(s.rootDir, ".blob-write-*")
	if err != nil {
		return store.BlobMetadata{}, fmt.Errorf("create temp blob file: %w", err)
	}
	tempPath := tempFile.Name()

	src := input.Reader
	if input.MaxBytes > 0 {
		src = io.LimitReader(src, input.MaxBytes+1)
	}
	size, copyErr := io.Copy(tempFile, src)
	closeErr := tempFile.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, fmt.Errorf("write blob bytes: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, fmt.Errorf("close blob file: %w", closeErr)
	case input.MaxBytes > 0 && size > input.MaxBytes:
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, ErrTooLarge
	}

	finalPath := filepath.Join(s.rootDir, id)
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return store.BlobMetadata{}, fmt.Errorf("move blob into place: %w", err)
	}

	meta := store.BlobMetadata{
		ID:           id,
		Kind:         kind,
		OriginalName: originalName,
		ContentType:  contentType,
		DiskName:     id,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.meta.CreateBlob(ctx, meta); err != nil {
		_ = os.Remove(finalPath)
		return store.BlobMetadata{}, fmt.Errorf("persist blob metadata: %w", err)
	}

	slog.Info("blob stored", "blob_id", id, "kind", kind, "size", size, "content_type", contentType)
	return meta, nil
}

// Open resolves blob metadata and opens its corresponding on-disk blob.
func (s *Store) Open(ctx context.Context, id string) (OpenResult, error) {
	meta, err := s.meta.BlobByID(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}

	path := filepath.Join(s.rootDir, meta.DiskName)
	f, err := os.Open(path)
	if err != nil {
		slog.Error("blob file open failed", "blob_id", id, "path", path, "err", err)
		return OpenResult{}, fmt.Errorf("open blob file: %w", err)
	}
	return OpenResult{Metadata: meta, File: f}, nil
}
