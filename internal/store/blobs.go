package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// BlobMetadata stores metadata about a binary blob on disk.
type BlobMetadata struct {
	ID           string
	Kind         string
	OriginalName string
	ContentType  string
	DiskName     string
	SizeBytes    int64
	CreatedAt    time.Time
}

// CreateBlob creates one blob metadata row.
func (s *Store) CreateBlob(ctx context.Context, meta BlobMetadata) error {
	for field, v := range map[string]string{
		"id":            meta.ID,
		"kind":          meta.Kind,
		"original name": meta.OriginalName,
		"content type":  meta.ContentType,
		"disk name":     meta.DiskName,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("blob %s is required", field)
		}
	}
	if meta.SizeBytes < 0 {
		return fmt.Errorf("blob size must be non-negative")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	const q = `
INSERT INTO blobs (
	id, kind, original_name, content_type, disk_name, size_bytes, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, q,
		meta.ID, meta.Kind, meta.OriginalName, meta.ContentType, meta.DiskName, meta.SizeBytes, meta.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert blob metadata: %w", err)
	}
	slog.Debug("blob metadata created", "blob_id", meta.ID, "size", meta.SizeBytes)
	return nil
}

// BlobByID returns blob metadata by UUID.
func (s *Store) BlobByID(ctx context.Context, id string) (BlobMetadata, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return BlobMetadata{}, fmt.Errorf("blob id is required")
	}

	const q = `
SELECT id, kind, original_name, content_type, disk_name, size_bytes, created_at_unix_ms
FROM blobs
WHERE id = ?
`
	var (
		meta      BlobMetadata
		createdMs int64
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&meta.ID, &meta.Kind, &meta.OriginalName, &meta.ContentType, &meta.DiskName, &meta.SizeBytes, &createdMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BlobMetadata{}, ErrBlobNotFound
		}
		return BlobMetadata{}, fmt.Errorf("query blob metadata: %w", err)
	}
	meta.CreatedAt = time.UnixMilli(createdMs).UTC()
	return meta, nil
}
