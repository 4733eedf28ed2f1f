package lock

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/types"
)

type recordingEnqueuer struct {
	calls []types.TransactionLock
}

func (e *recordingEnqueuer) EnqueueFromReapedLock(ctx context.Context, lk types.TransactionLock) error {
	e.calls = append(e.calls, lk)
	return nil
}

func newIntegrationColl(t *testing.T) *mongo.Collection {
	t.Helper()
	if os.Getenv("CHRONOS_MONGO_INTEGRATION") != "1" {
		t.Skip("set CHRONOS_MONGO_INTEGRATION=1 and CHRONOS_MONGO_URI to run against a real MongoDB")
	}
	uri := os.Getenv("CHRONOS_MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	db := client.Database("chronos_lock_test")
	t.Cleanup(func() { _ = db.Drop(context.Background()) })
	coll := db.Collection("widgets_locks")
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    map[string]int{"itemId": 1},
		Options: options.Index().SetUnique(true),
	})
	require.NoError(t, err)
	return coll
}

func TestAcquireThenConflict(t *testing.T) {
	coll := newIntegrationColl(t)
	m := New(coll, "server-1", time.Minute)
	ctx := context.Background()
	itemID := types.NewItemID()

	lease, err := m.Acquire(ctx, itemID, string(types.OpUpdate), "req-1")
	require.NoError(t, err)
	require.NotNil(t, lease)

	_, err = m.Acquire(ctx, itemID, string(types.OpUpdate), "req-2")
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindLockConflict))
}

func TestAcquireAfterReleaseSucceeds(t *testing.T) {
	coll := newIntegrationColl(t)
	m := New(coll, "server-1", time.Minute)
	ctx := context.Background()
	itemID := types.NewItemID()

	lease, err := m.Acquire(ctx, itemID, string(types.OpCreate), "req-1")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, lease))

	_, err = m.Acquire(ctx, itemID, string(types.OpCreate), "req-2")
	require.NoError(t, err)
}

func TestAcquireReapsExpiredLock(t *testing.T) {
	coll := newIntegrationColl(t)
	m := New(coll, "server-1", 10*time.Millisecond)
	ctx := context.Background()
	itemID := types.NewItemID()

	_, err := m.Acquire(ctx, itemID, string(types.OpCreate), "req-1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	lease, err := m.Acquire(ctx, itemID, string(types.OpCreate), "req-2")
	require.NoError(t, err)
	assert.Equal(t, itemID, lease.ItemID)
}

func TestReleaseAllByServer(t *testing.T) {
	coll := newIntegrationColl(t)
	m := New(coll, "server-1", time.Minute)
	ctx := context.Background()

	_, err := m.Acquire(ctx, types.NewItemID(), string(types.OpCreate), "req-1")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, types.NewItemID(), string(types.OpCreate), "req-2")
	require.NoError(t, err)

	require.NoError(t, m.ReleaseAllByServer(ctx, "server-1"))

	count, err := coll.CountDocuments(ctx, map[string]string{"serverId": "server-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestReaperSweepsExpiredAndEnqueuesCreateLocks(t *testing.T) {
	coll := newIntegrationColl(t)
	m := New(coll, "server-1", 10*time.Millisecond)
	ctx := context.Background()

	createID := types.NewItemID()
	updateID := types.NewItemID()
	_, err := m.Acquire(ctx, createID, string(types.OpCreate), "req-1")
	require.NoError(t, err)
	_, err = m.Acquire(ctx, updateID, string(types.OpUpdate), "req-2")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	enqueuer := &recordingEnqueuer{}
	reaper := NewReaper(coll, time.Hour, enqueuer)
	require.NoError(t, reaper.sweep(ctx))

	require.Len(t, enqueuer.calls, 1)
	assert.Equal(t, createID, enqueuer.calls[0].ItemID)

	count, err := coll.CountDocuments(ctx, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestReaperStartStop(t *testing.T) {
	coll := newIntegrationColl(t)
	reaper := NewReaper(coll, 5*time.Millisecond, nil)
	reaper.Start()
	time.Sleep(20 * time.Millisecond)
	reaper.Stop()
}
