// Package objectstore abstracts the raw layer's object storage behind a
// small interface with an S3-compatible implementation and an in-memory
// one for tests and local development.
package objectstore

import (
	"context"
	"time"
)

// ObjectInfo describes one stored object without its payload.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the object storage port used by the raw and cleaned stages.
// Objects are immutable: a Put to an existing key replaces it wholesale,
// which only happens when the identical window is re-extracted.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
