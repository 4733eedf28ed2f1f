package externalize

import (
	"context"
	"encoding/base64"
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronos-db/pkg/blob/fs"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/types"
)

func newExternalizer(t *testing.T) *Externalizer {
	t.Helper()
	a, err := fs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return New(a, "content")
}

func TestExternalizeRewritesBase64Prop(t *testing.T) {
	e := newExternalizer(t)
	payload := bson.M{
		"name":   "report",
		"avatar": base64.StdEncoding.EncodeToString([]byte("binary-bytes")),
	}
	cm := config.CollectionMap{
		Base64Props: map[string]config.Base64Prop{
			"avatar": {ContentType: "image/png"},
		},
	}

	res, err := e.Externalize(context.Background(), "users", "abc123", 0, payload, cm)
	require.NoError(t, err)

	ref, ok := res.Transformed["avatar"].(types.BlobRef)
	require.True(t, ok)
	assert.Equal(t, "content", ref.Ref.ContentBucket)
	assert.Contains(t, ref.Ref.BlobKey, "users/avatar/abc123")
	assert.Empty(t, ref.Ref.TextKey)
	assert.Equal(t, "report", res.Transformed["name"])
	require.Len(t, res.WrittenKeys, 1)

	// the original payload must not be mutated
	assert.IsType(t, "", payload["avatar"])
}

func TestExternalizeWritesTextRenditionWhenPreferred(t *testing.T) {
	e := newExternalizer(t)
	payload := bson.M{
		"body": base64.StdEncoding.EncodeToString([]byte("hello world")),
	}
	cm := config.CollectionMap{
		Base64Props: map[string]config.Base64Prop{
			"body": {ContentType: "application/octet-stream", PreferredText: true, TextCharset: "utf-8"},
		},
	}

	res, err := e.Externalize(context.Background(), "docs", "item1", 2, payload, cm)
	require.NoError(t, err)
	ref := res.Transformed["body"].(types.BlobRef)
	assert.NotEmpty(t, ref.Ref.TextKey)
	require.Len(t, res.WrittenKeys, 2)
}

func TestExternalizeExtractsIndexedProps(t *testing.T) {
	e := newExternalizer(t)
	payload := bson.M{
		"status": "active",
		"profile": bson.M{
			"tags": bson.A{"a", "b", "c"},
		},
	}
	cm := config.CollectionMap{
		IndexedProps: []string{"status", "profile.tags[]"},
	}

	res, err := e.Externalize(context.Background(), "users", "abc", 0, payload, cm)
	require.NoError(t, err)
	assert.Equal(t, "active", res.MetaIndexed["status"])
	assert.Equal(t, []interface{}{"a", "b", "c"}, res.MetaIndexed["profile.tags"])
}

func TestExternalizeRequiredIndexedMissingFailsBeforeAnyWrite(t *testing.T) {
	e := newExternalizer(t)
	payload := bson.M{
		"avatar": base64.StdEncoding.EncodeToString([]byte("x")),
	}
	cm := config.CollectionMap{
		Base64Props: map[string]config.Base64Prop{"avatar": {ContentType: "image/png"}},
		Validation:  config.Validation{RequiredIndexed: []string{"status"}},
	}

	_, err := e.Externalize(context.Background(), "users", "abc", 0, payload, cm)
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindValidation))
}

func TestExternalizeRejectsNonStringBase64Prop(t *testing.T) {
	e := newExternalizer(t)
	payload := bson.M{"avatar": 12345}
	cm := config.CollectionMap{
		Base64Props: map[string]config.Base64Prop{"avatar": {ContentType: "image/png"}},
	}
	_, err := e.Externalize(context.Background(), "users", "abc", 0, payload, cm)
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindExternalization))
}
