package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when no object exists under the requested key.
	ErrNotFound = errors.New("object not found")

	// ErrIncompleteBody is returned by Put when the payload length does not
	// match the declared size. Nothing is published in that case.
	ErrIncompleteBody = errors.New("payload length does not match declared size")
)

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Key          string
	ContentType  string
	Size         int64
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// Object is an open handle on a stored object. Body must be closed by the
// caller.
type Object struct {
	Info ObjectInfo
	Body io.ReadSeekCloser
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is an opaque key-addressed blob store. Every operation is
// atomic per key; nothing is transactional across keys. A Put either
// publishes the complete payload or leaves the previous value in place.
type ObjectStore interface {
	// Head returns the metadata for key or ErrNotFound.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Get opens key for reading or returns ErrNotFound.
	Get(ctx context.Context, key string) (*Object, error)

	// Put stores the payload read from r under key, replacing any previous
	// value. A size of -1 means the length is unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, opts PutOptions) (ObjectInfo, error)

	// Delete removes key or returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// CloneMetadata returns a copy of m that is safe to hand to callers.
func CloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
