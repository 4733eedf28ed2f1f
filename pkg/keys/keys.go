// Package keys builds and parses the deterministic object-store key
// layout for versioned JSON snapshots, externalized blobs, and manifest
// rollups (component C1). It is pure string composition: no I/O, no
// backend awareness, grounded on the teacher's key-as-identifier
// convention in pkg/storage (bucket name + entity ID as the BoltDB key).
package keys

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
)

// opInvalidKey is the Op attached to the Validation error every
// builder/parser in this package raises on malformed input.
const opInvalidKey = "keys.InvalidKey"

func invalid(reason string) error {
	return chronoserr.New(chronoserr.KindValidation, opInvalidKey, fmt.Errorf("%s", reason))
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func requireNonEmpty(name, value string) error {
	if normalize(value) == "" {
		return invalid(name + " must not be empty")
	}
	return nil
}

func requireNonNegative(name string, v int64) error {
	if v < 0 {
		return invalid(name + " must not be negative")
	}
	return nil
}

// SnapshotKey returns "{collection}/{itemId}/v{ov}/item.json".
func SnapshotKey(collection, itemID string, ov int64) (string, error) {
	if err := requireNonEmpty("collection", collection); err != nil {
		return "", err
	}
	if err := requireNonEmpty("itemId", itemID); err != nil {
		return "", err
	}
	if err := requireNonNegative("ov", ov); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/v%d/item.json", normalize(collection), normalize(itemID), ov), nil
}

// ParseSnapshotKey is the inverse of SnapshotKey.
func ParseSnapshotKey(key string) (collection, itemID string, ov int64, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[3] != "item.json" || !strings.HasPrefix(parts[2], "v") {
		return "", "", 0, invalid("not a snapshot key: " + key)
	}
	ov, perr := strconv.ParseInt(parts[2][1:], 10, 64)
	if perr != nil || ov < 0 {
		return "", "", 0, invalid("not a snapshot key: " + key)
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", 0, invalid("not a snapshot key: " + key)
	}
	return parts[0], parts[1], ov, nil
}

// BlobKey returns "{collection}/{property}/{itemId}/v{ov}/blob.bin".
func BlobKey(collection, property, itemID string, ov int64) (string, error) {
	if err := requireNonEmpty("collection", collection); err != nil {
		return "", err
	}
	if err := requireNonEmpty("property", property); err != nil {
		return "", err
	}
	if err := requireNonEmpty("itemId", itemID); err != nil {
		return "", err
	}
	if err := requireNonNegative("ov", ov); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s/%s/v%d/blob.bin", normalize(collection), normalize(property), normalize(itemID), ov), nil
}

// ParseBlobKey is the inverse of BlobKey.
func ParseBlobKey(key string) (collection, property, itemID string, ov int64, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[4] != "blob.bin" || !strings.HasPrefix(parts[3], "v") {
		return "", "", "", 0, invalid("not a blob key: " + key)
	}
	ov, perr := strconv.ParseInt(parts[3][1:], 10, 64)
	if perr != nil || ov < 0 {
		return "", "", "", 0, invalid("not a blob key: " + key)
	}
	for _, p := range parts[:3] {
		if p == "" {
			return "", "", "", 0, invalid("not a blob key: " + key)
		}
	}
	return parts[0], parts[1], parts[2], ov, nil
}

// TextKey returns "{collection}/{property}/{itemId}/v{ov}/text.txt", the
// optional text rendition alongside an externalized blob.
func TextKey(collection, property, itemID string, ov int64) (string, error) {
	blobKey, err := BlobKey(collection, property, itemID, ov)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(blobKey, "blob.bin") + "text.txt", nil
}

// ParseTextKey is the inverse of TextKey.
func ParseTextKey(key string) (collection, property, itemID string, ov int64, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[4] != "text.txt" || !strings.HasPrefix(parts[3], "v") {
		return "", "", "", 0, invalid("not a text key: " + key)
	}
	ov, perr := strconv.ParseInt(parts[3][1:], 10, 64)
	if perr != nil || ov < 0 {
		return "", "", "", 0, invalid("not a text key: " + key)
	}
	for _, p := range parts[:3] {
		if p == "" {
			return "", "", "", 0, invalid("not a text key: " + key)
		}
	}
	return parts[0], parts[1], parts[2], ov, nil
}

// ManifestKey returns "__manifests__/{collection}/{YYYY}/{MM}/snapshot-{cv}.json.gz".
func ManifestKey(collection string, year, month int, cv int64) (string, error) {
	if err := requireNonEmpty("collection", collection); err != nil {
		return "", err
	}
	if year <= 0 {
		return "", invalid("year must be positive")
	}
	if month < 1 || month > 12 {
		return "", invalid("month must be in 1..12")
	}
	if err := requireNonNegative("cv", cv); err != nil {
		return "", err
	}
	return fmt.Sprintf("__manifests__/%s/%04d/%02d/snapshot-%d.json.gz", normalize(collection), year, month, cv), nil
}

// ParseManifestKey is the inverse of ManifestKey.
func ParseManifestKey(key string) (collection string, year, month int, cv int64, err error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != "__manifests__" {
		return "", 0, 0, 0, invalid("not a manifest key: " + key)
	}
	if parts[1] == "" {
		return "", 0, 0, 0, invalid("not a manifest key: " + key)
	}
	year64, yerr := strconv.Atoi(parts[2])
	month64, merr := strconv.Atoi(parts[3])
	if yerr != nil || merr != nil {
		return "", 0, 0, 0, invalid("not a manifest key: " + key)
	}
	fname := parts[4]
	if !strings.HasPrefix(fname, "snapshot-") || !strings.HasSuffix(fname, ".json.gz") {
		return "", 0, 0, 0, invalid("not a manifest key: " + key)
	}
	cvStr := strings.TrimSuffix(strings.TrimPrefix(fname, "snapshot-"), ".json.gz")
	cv, cerr := strconv.ParseInt(cvStr, 10, 64)
	if cerr != nil || cv < 0 {
		return "", 0, 0, 0, invalid("not a manifest key: " + key)
	}
	return parts[1], year64, month64, cv, nil
}

// FallbackDumpKey returns "_fallback/{collection}/{itemId}/{enqueuedAtUnixNano}.json".
// No command in this module calls it.
func FallbackDumpKey(collection, itemID string, enqueuedAtUnixNano int64) (string, error) {
	if err := requireNonEmpty("collection", collection); err != nil {
		return "", err
	}
	if err := requireNonEmpty("itemId", itemID); err != nil {
		return "", err
	}
	if err := requireNonNegative("enqueuedAtUnixNano", enqueuedAtUnixNano); err != nil {
		return "", err
	}
	return fmt.Sprintf("_fallback/%s/%s/%d.json", normalize(collection), normalize(itemID), enqueuedAtUnixNano), nil
}
