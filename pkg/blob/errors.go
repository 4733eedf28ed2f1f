package blob

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
)

// Checksum returns the lowercase hex SHA-256 digest of data, as required
// for every putJSON/putRaw result.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NotFound builds the NotFound failure kind for a missing object.
func NotFound(op, bucket, key string) error {
	return chronoserr.New(chronoserr.KindNotFound, op, nil).WithContext(bucket, key)
}

// PermissionDenied builds the StoragePermanent failure kind for an
// authorization failure (not retryable: credentials won't fix themselves).
func PermissionDenied(op, bucket, key string, cause error) error {
	return chronoserr.New(chronoserr.KindStoragePermanent, op, cause).WithContext(bucket, key)
}

// Transient builds the StorageTransient failure kind for a retryable
// backend error (timeouts, connection resets, 5xx responses).
func Transient(op, bucket, key string, cause error) error {
	return chronoserr.New(chronoserr.KindStorageTransient, op, cause).WithContext(bucket, key)
}

// Permanent builds the StoragePermanent failure kind for a non-retryable
// backend error (malformed request, bucket doesn't exist).
func Permanent(op, bucket, key string, cause error) error {
	return chronoserr.New(chronoserr.KindStoragePermanent, op, cause).WithContext(bucket, key)
}

// Integrity builds the Integrity failure kind for a checksum mismatch on
// read.
func Integrity(op, bucket, key string, cause error) error {
	return chronoserr.New(chronoserr.KindIntegrity, op, cause).WithContext(bucket, key)
}
