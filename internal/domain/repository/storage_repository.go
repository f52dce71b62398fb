package repository

import "context"

// StorageRepository defines the interface for object storage operations
type StorageRepository interface {
	// PutObject uploads data under objectName
	PutObject(ctx context.Context, objectName string, data []byte, contentType string) error

	// GetObject downloads data from object storage
	GetObject(ctx context.Context, objectName string) ([]byte, error)

	// DeleteObject removes an object from storage
	DeleteObject(ctx context.Context, objectName string) error
}
