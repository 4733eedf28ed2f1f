package keys

import (
	"testing"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotKeyRoundTrip(t *testing.T) {
	key, err := SnapshotKey("Users", "abc123", 4)
	require.NoError(t, err)
	assert.Equal(t, "users/abc123/v4/item.json", key)

	coll, id, ov, err := ParseSnapshotKey(key)
	require.NoError(t, err)
	assert.Equal(t, "users", coll)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, int64(4), ov)
}

func TestBlobKeyRoundTrip(t *testing.T) {
	key, err := BlobKey("users", "avatar", "abc123", 0)
	require.NoError(t, err)
	assert.Equal(t, "users/avatar/abc123/v0/blob.bin", key)

	coll, prop, id, ov, err := ParseBlobKey(key)
	require.NoError(t, err)
	assert.Equal(t, "users", coll)
	assert.Equal(t, "avatar", prop)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, int64(0), ov)
}

func TestTextKeyRoundTrip(t *testing.T) {
	key, err := TextKey("users", "resume", "abc123", 2)
	require.NoError(t, err)
	assert.Equal(t, "users/resume/abc123/v2/text.txt", key)

	coll, prop, id, ov, err := ParseTextKey(key)
	require.NoError(t, err)
	assert.Equal(t, "users", coll)
	assert.Equal(t, "resume", prop)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, int64(2), ov)
}

func TestManifestKeyRoundTrip(t *testing.T) {
	key, err := ManifestKey("users", 2026, 7, 42)
	require.NoError(t, err)
	assert.Equal(t, "__manifests__/users/2026/07/snapshot-42.json.gz", key)

	coll, year, month, cv, err := ParseManifestKey(key)
	require.NoError(t, err)
	assert.Equal(t, "users", coll)
	assert.Equal(t, 2026, year)
	assert.Equal(t, 7, month)
	assert.Equal(t, int64(42), cv)
}

func TestInvalidInputsFailFast(t *testing.T) {
	_, err := SnapshotKey("", "abc123", 0)
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindValidation))

	_, err = SnapshotKey("users", "", 0)
	require.Error(t, err)

	_, err = SnapshotKey("users", "abc123", -1)
	require.Error(t, err)

	_, err = BlobKey("users", "", "abc123", 0)
	require.Error(t, err)

	_, err = ManifestKey("users", 0, 1, 0)
	require.Error(t, err)

	_, err = ManifestKey("users", 2026, 13, 0)
	require.Error(t, err)
}

func TestParseRejectsForeignShapes(t *testing.T) {
	_, _, _, err := ParseSnapshotKey("users/abc123/v1/blob.bin")
	require.Error(t, err)

	_, _, _, _, err = ParseBlobKey("users/abc123/v1/item.json")
	require.Error(t, err)

	_, _, _, _, err = ParseManifestKey("users/2026/07/snapshot-1.json.gz")
	require.Error(t, err)
}
