// Package storage fetches workspace files from S3-compatible or Azure
// object storage into a local directory.
package storage

import (
	"context"
	"fmt"
	"io"
)

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ObjectStore is the read side of a bucket or container.
type ObjectStore interface {
	// List returns every object whose key starts with prefix, following
	// pagination to the end.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// Open streams the content of key. The caller must close the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Describe names the backend for progress messages, e.g. "s3://bucket".
	Describe() string
}

// NewObjectStore builds the store for backend ("s3", "azure" or "none").
// It returns a nil store when provisioning is disabled: backend "none",
// or "s3" without a bucket.
func NewObjectStore(backend string, s3cfg S3Config, azcfg AzureConfig) (ObjectStore, error) {
	switch backend {
	case "s3":
		if s3cfg.Bucket == "" {
			return nil, nil
		}
		s, err := NewS3Store(s3cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "azure":
		s, err := NewAzureStore(azcfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "none", "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", backend)
}
