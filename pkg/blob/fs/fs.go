/*
Package fs implements blob.Adapter over the local filesystem, for dev and
test use in place of a real S3-compatible endpoint (per SPEC_FULL.md §4.2
and config §6.1 `localStorage`).

Plain files don't support efficient prefix+continuation-token listing the
way an object store does, so this adapter keeps a small side index in a
BoltDB (bbolt) database at "<basePath>/.chronos-index.db" mapping
key -> {size, checksum, contentType}. This is the same bucket-per-entity,
JSON-marshaled-value pattern the teacher's pkg/storage/boltdb.go uses for
cluster state, repurposed here to index blob keys instead of cluster
entities.
*/
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/chronos-db/pkg/blob"
	bolt "go.etcd.io/bbolt"
)

var indexBucket = []byte("blob_index")

type indexEntry struct {
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"contentType"`
}

// Adapter is the local filesystem blob.Adapter implementation.
type Adapter struct {
	basePath string
	db       *bolt.DB
	mu       sync.Mutex
}

// New opens (creating if necessary) a filesystem-backed adapter rooted at
// basePath, with its side index at basePath/.chronos-index.db.
func New(basePath string) (*Adapter, error) {
	if err := os.MkdirAll(basePath, 0o700); err != nil {
		return nil, fmt.Errorf("fs: create base dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(basePath, ".chronos-index.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("fs: open index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(indexBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("fs: create index bucket: %w", err)
	}
	return &Adapter{basePath: basePath, db: db}, nil
}

func (a *Adapter) path(bucket, key string) string {
	return filepath.Join(a.basePath, bucket, filepath.FromSlash(key))
}

func indexKey(bucket, key string) []byte {
	return []byte(bucket + "\x00" + key)
}

func (a *Adapter) putIndex(bucket, key string, size int64, checksum, contentType string) error {
	entry := indexEntry{Size: size, Checksum: checksum, ContentType: contentType}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Put(indexKey(bucket, key), data)
	})
}

func (a *Adapter) deleteIndex(bucket, key string) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(indexBucket).Delete(indexKey(bucket, key))
	})
}

func (a *Adapter) writeFile(bucket, key string, data []byte) error {
	full := a.path(bucket, key)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return err
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, full)
}

// PutJSON writes value as canonical JSON and indexes it.
func (a *Adapter) PutJSON(ctx context.Context, bucket, key string, value interface{}) (blob.PutResult, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return blob.PutResult{}, blob.Permanent("fs.PutJSON", bucket, key, err)
	}
	return a.PutRaw(ctx, bucket, key, data, "application/json")
}

// PutRaw writes data verbatim and indexes it.
func (a *Adapter) PutRaw(ctx context.Context, bucket, key string, data []byte, contentType string) (blob.PutResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.writeFile(bucket, key, data); err != nil {
		return blob.PutResult{}, blob.Transient("fs.PutRaw", bucket, key, err)
	}
	checksum := blob.Checksum(data)
	size := int64(len(data))
	if err := a.putIndex(bucket, key, size, checksum, contentType); err != nil {
		return blob.PutResult{}, blob.Transient("fs.PutRaw", bucket, key, err)
	}
	return blob.PutResult{Size: &size, Checksum: checksum}, nil
}

// GetJSON reads key and unmarshals it into out.
func (a *Adapter) GetJSON(ctx context.Context, bucket, key string, out interface{}) error {
	data, err := a.GetRaw(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return blob.Permanent("fs.GetJSON", bucket, key, err)
	}
	return nil
}

// GetRaw reads key's bytes.
func (a *Adapter) GetRaw(ctx context.Context, bucket, key string) ([]byte, error) {
	data, err := os.ReadFile(a.path(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blob.NotFound("fs.GetRaw", bucket, key)
		}
		return nil, blob.Transient("fs.GetRaw", bucket, key, err)
	}
	return data, nil
}

// Head reports existence and size.
func (a *Adapter) Head(ctx context.Context, bucket, key string) (blob.HeadResult, error) {
	info, err := os.Stat(a.path(bucket, key))
	if err != nil {
		if os.IsNotExist(err) {
			return blob.HeadResult{Exists: false}, nil
		}
		return blob.HeadResult{}, blob.Transient("fs.Head", bucket, key, err)
	}
	size := info.Size()
	return blob.HeadResult{Exists: true, Size: &size}, nil
}

// Delete removes key. Idempotent: a missing object is not an error.
func (a *Adapter) Delete(ctx context.Context, bucket, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.Remove(a.path(bucket, key)); err != nil && !os.IsNotExist(err) {
		return blob.Transient("fs.Delete", bucket, key, err)
	}
	if err := a.deleteIndex(bucket, key); err != nil {
		return blob.Transient("fs.Delete", bucket, key, err)
	}
	return nil
}

// PresignGet returns a file:// URL. The TTL is not enforceable on a local
// filesystem, but is accepted for interface parity per §4.2.
func (a *Adapter) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if _, err := os.Stat(a.path(bucket, key)); err != nil {
		if os.IsNotExist(err) {
			return "", blob.NotFound("fs.PresignGet", bucket, key)
		}
		return "", blob.Transient("fs.PresignGet", bucket, key, err)
	}
	return "file://" + a.path(bucket, key), nil
}

// List paginates the index for keys under prefix in the given bucket.
func (a *Adapter) List(ctx context.Context, bucketName, prefix string, opts blob.ListOptions) (blob.ListResult, error) {
	maxKeys := opts.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	var all []blob.ListEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(indexBucket).Cursor()
		keyPrefix := []byte(bucketName + "\x00" + prefix)
		for k, v := c.Seek([]byte(bucketName + "\x00")); k != nil; k, v = c.Next() {
			if !strings.HasPrefix(string(k), bucketName+"\x00") {
				break
			}
			if !strings.HasPrefix(string(k), string(keyPrefix)) {
				continue
			}
			var entry indexEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			objKey := strings.TrimPrefix(string(k), bucketName+"\x00")
			all = append(all, blob.ListEntry{Key: objKey, Size: entry.Size})
		}
		return nil
	})
	if err != nil {
		return blob.ListResult{}, blob.Transient("fs.List", bucketName, prefix, err)
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Key < all[j].Key })

	start := 0
	if opts.ContinuationToken != "" {
		for i, e := range all {
			if e.Key > opts.ContinuationToken {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + maxKeys
	var next string
	if end < len(all) {
		next = all[end-1].Key
	} else {
		end = len(all)
	}
	return blob.ListResult{Entries: all[start:end], NextContinuationToken: next}, nil
}

// Copy duplicates an object, download-and-upload since the filesystem has
// no native server-side copy.
func (a *Adapter) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	data, err := a.GetRaw(ctx, srcBucket, srcKey)
	if err != nil {
		return err
	}
	a.mu.Lock()
	entry := indexEntry{ContentType: "application/octet-stream"}
	_ = a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(indexBucket).Get(indexKey(srcBucket, srcKey))
		if v != nil {
			_ = json.Unmarshal(v, &entry)
		}
		return nil
	})
	a.mu.Unlock()
	_, err = a.PutRaw(ctx, dstBucket, dstKey, data, entry.ContentType)
	return err
}

// Close releases the side index database handle.
func (a *Adapter) Close() error {
	return a.db.Close()
}

var _ io.Closer = (*Adapter)(nil)
