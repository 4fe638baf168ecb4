package output

import (
	"context"
	"io"
)

// ObjectStorage is the secondary port for fetching uploaded source
// files into the local work directory.
type ObjectStorage interface {
	// List returns the uploadable files in the storage, filtered to
	// the configured extension allow-list.
	List(ctx context.Context) ([]StorageObject, error)

	// Download copies an object to the local filesystem.
	Download(ctx context.Context, key string, dest string) error

	// GetReader returns a reader for the given object.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// StorageObject represents a file in object storage.
type StorageObject struct {
	Key          string // Object key/path
	Size         int64  // Size in bytes
	LastModified int64  // Unix timestamp
	ETag         string // Content hash
}

// StorageType represents the type of storage backend.
type StorageType string

// Storage backends.
const (
	StorageTypeS3    StorageType = "s3"
	StorageTypeAzure StorageType = "azure"
	StorageTypeHTTP  StorageType = "http"
	StorageTypeLocal StorageType = "local"
)
