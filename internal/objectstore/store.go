// Package objectstore abstracts the content-addressed blob storage the
// pipeline reads raw data chunks from and writes cached artifacts and
// output archives to. Keys are slash-separated paths.
package objectstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no blob exists at the requested key.
var ErrNotFound = errors.New("object not found")

// Store is the blob storage contract the pipeline depends on. Implementations
// must be safe for concurrent use; the data fetcher calls Retrieve from a
// worker pool.
type Store interface {
	// Retrieve returns the full contents of the blob at key, or ErrNotFound.
	Retrieve(ctx context.Context, key string) ([]byte, error)

	// Upload writes data at key, replacing any existing blob.
	Upload(ctx context.Context, key string, data []byte) error
}
