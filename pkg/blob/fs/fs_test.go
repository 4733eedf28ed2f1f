package fs

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/chronos-db/pkg/blob"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPutGetRawRoundTrip(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	res, err := a.PutRaw(ctx, "records", "users/abc/v0/item.json", []byte(`{"a":1}`), "application/json")
	require.NoError(t, err)
	require.NotNil(t, res.Size)
	assert.Equal(t, int64(7), *res.Size)
	assert.NotEmpty(t, res.Checksum)

	data, err := a.GetRaw(ctx, "records", "users/abc/v0/item.json")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}

func TestGetMissingIsNotFound(t *testing.T) {
	a := newAdapter(t)
	_, err := a.GetRaw(context.Background(), "records", "missing")
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindNotFound))
}

func TestPutJSONGetJSON(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	type payload struct {
		Name string `json:"name"`
	}
	_, err := a.PutJSON(ctx, "records", "k1", payload{Name: "x"})
	require.NoError(t, err)

	var out payload
	require.NoError(t, a.GetJSON(ctx, "records", "k1", &out))
	assert.Equal(t, "x", out.Name)
}

func TestHeadAndDeleteIdempotent(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	_, err := a.PutRaw(ctx, "records", "k2", []byte("hello"), "text/plain")
	require.NoError(t, err)

	h, err := a.Head(ctx, "records", "k2")
	require.NoError(t, err)
	assert.True(t, h.Exists)
	require.NotNil(t, h.Size)
	assert.Equal(t, int64(5), *h.Size)

	require.NoError(t, a.Delete(ctx, "records", "k2"))
	// idempotent: deleting again is not an error
	require.NoError(t, a.Delete(ctx, "records", "k2"))

	h, err = a.Head(ctx, "records", "k2")
	require.NoError(t, err)
	assert.False(t, h.Exists)
}

func TestPresignGetReturnsFileURL(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	_, err := a.PutRaw(ctx, "records", "k3", []byte("x"), "text/plain")
	require.NoError(t, err)

	url, err := a.PresignGet(ctx, "records", "k3", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "file://")
}

func TestListPaginates(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := a.PutRaw(ctx, "records", "users/item/v"+string(rune('0'+i))+"/item.json", []byte("x"), "application/json")
		require.NoError(t, err)
	}

	page1, err := a.List(ctx, "records", "users/item/", blob.ListOptions{MaxKeys: 2})
	require.NoError(t, err)
	assert.Len(t, page1.Entries, 2)
	assert.NotEmpty(t, page1.NextContinuationToken)

	page2, err := a.List(ctx, "records", "users/item/", blob.ListOptions{MaxKeys: 2, ContinuationToken: page1.NextContinuationToken})
	require.NoError(t, err)
	assert.Len(t, page2.Entries, 2)
}

func TestCopy(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()
	_, err := a.PutRaw(ctx, "records", "src", []byte("payload"), "text/plain")
	require.NoError(t, err)

	require.NoError(t, a.Copy(ctx, "records", "src", "backups", "dst"))
	data, err := a.GetRaw(ctx, "backups", "dst")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}
