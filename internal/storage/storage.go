package storage

import (
	"context"
	"io"
)

// Blobs holds the uploaded source files referenced by domain.File.StorageKey.
type Blobs interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
