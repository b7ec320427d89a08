// Package objectstore issues presigned upload URLs and streams uploaded dataset objects.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"smartboard-ingest/internal/config"
	"smartboard-ingest/internal/models"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("object not found")

// Store is the capability the ingest pipeline needs from object storage.
type Store interface {
	PresignPut(ctx context.Context, key string, contentType string, ttl time.Duration) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// DatasetKey derives the storage key of a dataset upload.
func DatasetKey(tenantID, datasetID string, fileType models.FileType) string {
	return fmt.Sprintf("tenants/%s/datasets/%s/data.%s", tenantID, datasetID, fileType.Extension())
}

// New picks the backend named by cfg.StorageBackend.
func New(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case "local":
		return NewLocal(cfg.LocalStorageDir), nil
	case "s3", "":
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}
