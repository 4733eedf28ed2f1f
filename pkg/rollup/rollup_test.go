package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronos-db/pkg/blob/fs"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/types"
)

func newFsAdapter(t *testing.T) *fs.Adapter {
	t.Helper()
	a, err := fs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestManifestWriteReadRoundTrip(t *testing.T) {
	a := newFsAdapter(t)
	ctx := context.Background()

	itemID := types.NewItemID()
	generated := time.Now().UTC()
	m := &Manifest{
		Collection:  "widgets",
		Cv:          42,
		GeneratedAt: generated,
		Items: []ManifestItem{
			{ItemID: itemID, Ov: 3, Blob: types.BlobPointer{Bucket: "versions", Key: "widgets/" + itemID.Hex() + "/v3/item.json"}, Checksum: "abc"},
		},
	}
	require.NoError(t, Write(ctx, a, "versions", m))

	read, err := Read(ctx, a, "versions", "widgets", generated, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), read.Cv)
	assert.Len(t, read.Items, 1)

	entry, ok := read.Find(itemID)
	require.True(t, ok)
	assert.Equal(t, int64(3), entry.Ov)
	assert.Equal(t, "abc", entry.Checksum)
}

func TestManifestFindMissesUnknownItem(t *testing.T) {
	m := &Manifest{Items: []ManifestItem{{ItemID: types.NewItemID(), Ov: 0}}}
	_, ok := m.Find(types.NewItemID())
	assert.False(t, ok)
}

func TestReadReturnsNotFoundWhenNoManifestEverWritten(t *testing.T) {
	a := newFsAdapter(t)
	_, err := Read(context.Background(), a, "versions", "widgets", time.Now().UTC(), 2)
	require.Error(t, err)
}

func TestIntervalForMapsEachPeriod(t *testing.T) {
	assert.Equal(t, 24*time.Hour, intervalFor(config.RollupDaily))
	assert.Equal(t, 7*24*time.Hour, intervalFor(config.RollupWeekly))
	assert.Equal(t, 30*24*time.Hour, intervalFor(config.RollupMonthly))
	assert.Equal(t, 24*time.Hour, intervalFor(""))
}
