package storage

import (
	"context"
	"io"
)

// ObjectStore is the minimal interface the ledger export needs from a bucket.
type ObjectStore interface {
	// Put stores an object under key and returns an error on failure.
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error

	// GetURL returns the location of an object given its key.
	GetURL(key string) string
}

// Config holds S3-compatible connection settings (AWS S3, MinIO, Cloudflare R2).
type Config struct {
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
}
