package ports

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by providers when a key has no object.
var ErrObjectNotFound = errors.New("object not found")

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// localfs echoes the key; gdrive returns the Drive file id, which is what
	// later Get/Delete calls must use.
	ObjectKey string
	Size      int64
}

// StorageProvider stores job inputs and rendered outputs (localfs, gdrive).
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
