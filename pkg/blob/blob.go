// Package blob defines the uniform capability set (C2) every object-store
// backend implements: S3-compatible (pkg/blob/s3), local filesystem
// (pkg/blob/fs), and — declared but intentionally unimplemented, see
// DESIGN.md — Azure Blob. The interface is modeled after the teacher's
// storage.Store interface in pkg/storage/store.go: one small method set,
// one concrete type per backend, JSON-serialized payloads throughout.
package blob

import (
	"context"
	"time"
)

// PutResult is returned by putJSON/putRaw. Size may be nil and Checksum
// empty when the backend cannot report them.
type PutResult struct {
	Size     *int64
	Checksum string // SHA-256 hex of the bytes written
}

// HeadResult is returned by Head.
type HeadResult struct {
	Exists bool
	Size   *int64
}

// ListEntry is one object returned by List.
type ListEntry struct {
	Key  string
	Size int64
}

// ListOptions controls pagination for List.
type ListOptions struct {
	MaxKeys           int
	ContinuationToken string
}

// ListResult is the page returned by List.
type ListResult struct {
	Entries               []ListEntry
	NextContinuationToken string
}

// Adapter is the uniform capability set over any object-store backend.
type Adapter interface {
	PutJSON(ctx context.Context, bucket, key string, value interface{}) (PutResult, error)
	PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (PutResult, error)
	GetJSON(ctx context.Context, bucket, key string, out interface{}) error
	GetRaw(ctx context.Context, bucket, key string) ([]byte, error)
	Head(ctx context.Context, bucket, key string) (HeadResult, error)
	Delete(ctx context.Context, bucket, key string) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, bucket, prefix string, opts ListOptions) (ListResult, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Close() error
}
