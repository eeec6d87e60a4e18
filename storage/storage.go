// Package storage declares the attachment backend used by the engine.
// Implementations live in subpackages; objectstore is the production one.
package storage

import "context"

// BlobStore holds attachment bytes addressed by opaque keys. Implementations
// must be safe for concurrent use.
type BlobStore interface {
	// Upload stores data under key. Existing objects are replaced.
	Upload(ctx context.Context, key string, data []byte, contentType string) error

	// GetBytes returns the object for key, or an error wrapping
	// errors.ErrKeyNotFound when it does not exist.
	GetBytes(ctx context.Context, key string) ([]byte, error)

	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}
