// Package store provides the object-store capability consumed by the runtime
// core: raw bucket operations, user-facing file operations, and the run-log
// append used by every subsystem for durable log lines.
package store

import "context"

// Bucket is the minimal object-store surface the runtime depends on. The S3
// implementation is the production backend; MemoryBucket backs tests and the
// local-filesystem debug mode uses the filesystem directly.
type Bucket interface {
	// Put writes body under key, overwriting any existing object.
	Put(ctx context.Context, key string, body []byte) error
	// Get reads the object at key. Missing keys return ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
