/*
Package externalize implements the payload externalization pipeline (C6):
given a payload and a collection map, it walks configured base64Props,
writes each decoded value to the blob store as blob.bin (and optionally
text.txt), and rewrites a deep copy of the payload (the caller's payload
is left unchanged) with a {ref: {...}} descriptor so base64 bytes never
reach the document store. It also
extracts metaIndexed from indexedProps dot-paths, with `[]` denoting
array flattening, following §4.6. There is no direct teacher equivalent
(the teacher has no payload transformation concept); the walk-and-rewrite
shape is grounded on the deep-copy/mutate pattern the pack's document
stores use for projections (other_examples' nodestorage-v2 helper).
*/
package externalize

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cuemby/chronos-db/pkg/blob"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/keys"
	"github.com/cuemby/chronos-db/pkg/types"
	"go.mongodb.org/mongo-driver/bson"
)

// Result is the outcome of Externalize: the transformed payload ready for
// item.json, extracted metaIndexed, and the keys written (for
// compensation on a later pipeline failure).
type Result struct {
	Transformed bson.M
	MetaIndexed bson.M
	WrittenKeys []types.BlobPointer
}

// Externalizer walks collectionMaps[collection] rules against payloads.
type Externalizer struct {
	blobStore blob.Adapter
	bucket    string
}

// New builds an Externalizer writing to bucket via blobStore.
func New(blobStore blob.Adapter, bucket string) *Externalizer {
	return &Externalizer{blobStore: blobStore, bucket: bucket}
}

// Externalize applies cm's base64Props and indexedProps rules to payload,
// returning the transformed copy plus extracted metadata. On any failure
// it still reports WrittenKeys accumulated so far, so the caller can
// compensate.
func (e *Externalizer) Externalize(ctx context.Context, collection, itemID string, ov int64, payload bson.M, cm config.CollectionMap) (*Result, error) {
	if err := validateRequiredIndexed(payload, cm.Validation.RequiredIndexed); err != nil {
		return nil, err
	}

	transformed := deepCopy(payload)
	var written []types.BlobPointer

	for prop, rule := range cm.Base64Props {
		raw, ok := lookupDotPath(payload, prop)
		if !ok {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			return &Result{Transformed: transformed, WrittenKeys: written}, chronoserr.New(
				chronoserr.KindExternalization, "externalize.Externalize",
				fmt.Errorf("property %q is not a base64 string", prop))
		}
		data, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return &Result{Transformed: transformed, WrittenKeys: written}, chronoserr.New(
				chronoserr.KindExternalization, "externalize.Externalize", err).WithContext(collection, itemID)
		}

		blobKey, err := keys.BlobKey(collection, prop, itemID, ov)
		if err != nil {
			return &Result{Transformed: transformed, WrittenKeys: written}, err
		}
		if _, err := e.blobStore.PutRaw(ctx, e.bucket, blobKey, data, rule.ContentType); err != nil {
			return &Result{Transformed: transformed, WrittenKeys: written}, err
		}
		written = append(written, types.BlobPointer{Bucket: e.bucket, Key: blobKey})

		descriptor := types.BlobRefDescriptor{ContentBucket: e.bucket, BlobKey: blobKey}
		if rule.PreferredText {
			textKey, err := keys.TextKey(collection, prop, itemID, ov)
			if err != nil {
				return &Result{Transformed: transformed, WrittenKeys: written}, err
			}
			charset := rule.TextCharset
			if charset == "" {
				charset = "utf-8"
			}
			if _, err := e.blobStore.PutRaw(ctx, e.bucket, textKey, data, "text/plain; charset="+charset); err != nil {
				return &Result{Transformed: transformed, WrittenKeys: written}, err
			}
			written = append(written, types.BlobPointer{Bucket: e.bucket, Key: textKey})
			descriptor.TextKey = textKey
		}

		setDotPath(transformed, prop, types.BlobRef{Ref: descriptor})
	}

	meta := extractIndexed(payload, cm.IndexedProps)
	return &Result{Transformed: transformed, MetaIndexed: meta, WrittenKeys: written}, nil
}

func validateRequiredIndexed(payload bson.M, required []string) error {
	for _, prop := range required {
		base := strings.TrimSuffix(prop, "[]")
		if _, ok := lookupDotPath(payload, base); !ok {
			return chronoserr.New(chronoserr.KindValidation, "externalize.Externalize",
				fmt.Errorf("required indexed property %q is missing", prop))
		}
	}
	return nil
}

// extractIndexed builds metaIndexed from indexedProps dot-paths. A "[]"
// suffix denotes array flattening: the property resolves to a slice and
// every element is included individually rather than as a nested array.
func extractIndexed(payload bson.M, indexedProps []string) bson.M {
	meta := bson.M{}
	for _, prop := range indexedProps {
		flatten := strings.HasSuffix(prop, "[]")
		base := strings.TrimSuffix(prop, "[]")
		v, ok := lookupDotPath(payload, base)
		if !ok {
			continue
		}
		if flatten {
			meta[base] = flattenArray(v)
		} else {
			meta[base] = v
		}
	}
	return meta
}

func flattenArray(v interface{}) interface{} {
	switch arr := v.(type) {
	case bson.A:
		return []interface{}(arr)
	case []interface{}:
		return arr
	default:
		return v
	}
}

// lookupDotPath resolves a dot-separated path ("a.b.c") against a bson.M,
// descending through nested bson.M values.
func lookupDotPath(doc bson.M, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setDotPath writes value at a dot-separated path, creating intermediate
// bson.M levels as needed.
func setDotPath(doc bson.M, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(bson.M)
		if !ok {
			next = bson.M{}
			cur[p] = next
		}
		cur = next
	}
}

func asMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	default:
		return nil, false
	}
}

// deepCopy clones a bson.M recursively so the transformed payload never
// aliases the caller's original.
func deepCopy(m bson.M) bson.M {
	out := bson.M{}
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case bson.M:
		return deepCopy(val)
	case map[string]interface{}:
		return deepCopy(bson.M(val))
	case bson.A:
		out := make(bson.A, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
