package fallback

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronos-db/pkg/blob/fs"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/engine"
	"github.com/cuemby/chronos-db/pkg/lock"
	"github.com/cuemby/chronos-db/pkg/repository"
	"github.com/cuemby/chronos-db/pkg/types"
)

func TestBackoffGrowsExponentiallyAndCapsAtMaxDelay(t *testing.T) {
	cfg := config.Fallback{BaseDelayMs: 1000, MaxDelayMs: 8000, MaxAttempts: 10}

	d1 := backoff(1, cfg)
	d4 := backoff(4, cfg)
	d10 := backoff(10, cfg)

	assert.GreaterOrEqual(t, d1, time.Second)
	assert.Less(t, d1, 2*time.Second)
	assert.GreaterOrEqual(t, d10, 8*time.Second)
	assert.Less(t, d10, 12*time.Second)
	assert.Greater(t, d4, d1)
}

type fixture struct {
	store  *Store
	engine *engine.Engine
	repo   *repository.Repository
}

func newFixture(t *testing.T, dbName string) fixture {
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

	db := client.Database(dbName)
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	repo := repository.New(db, "widgets", nil)
	require.NoError(t, repo.EnsureIndexes(ctx))
	locks := lock.New(db.Collection("widgets_locks"), "fallback-test-server", time.Minute)
	blobStore, err := fs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobStore.Close() })

	e := engine.New(repo, blobStore, locks, client, nil, nil, engine.Options{
		Collection: "widgets",
		Buckets:    engine.Buckets{Records: "records", Versions: "versions", Content: "content", Backups: "backups"},
	})

	store := NewStore(db.Collection("_fallback"), db.Collection("_fallback_dead"))
	require.NoError(t, store.EnsureIndexes(ctx))

	return fixture{store: store, engine: e, repo: repo}
}

func TestProcessDueReplaysAndRemovesSucceededCreate(t *testing.T) {
	fx := newFixture(t, "chronos_fallback_test")
	ctx := context.Background()

	itemID := types.NewItemID()
	payload, err := bson.Marshal(bson.M{"status": "draft"})
	require.NoError(t, err)

	fo := types.FallbackOperation{
		ID:            itemID.Hex() + ":create",
		Kind:          "create",
		Collection:    "widgets",
		ItemID:        itemID,
		Payload:       payload,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
	}
	require.NoError(t, fx.store.Enqueue(ctx, fo))

	w := NewWorker(fx.store, func(collection string) (*engine.Engine, error) {
		if collection == "widgets" {
			return fx.engine, nil
		}
		return nil, fmt.Errorf("unknown collection %q", collection)
	}, config.Fallback{}, time.Second)

	require.NoError(t, w.ProcessDue(ctx))

	_, err = fx.store.Get(ctx, fo.ID)
	require.Error(t, err)

	head, err := fx.repo.GetHead(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head.Ov)
}

func TestProcessDueDeadLettersAfterMaxAttempts(t *testing.T) {
	fx := newFixture(t, "chronos_fallback_test2")
	ctx := context.Background()

	fo := types.FallbackOperation{
		ID:            "unknown-item:update",
		Kind:          "update",
		Collection:    "nonexistent-collection",
		ItemID:        types.NewItemID(),
		Attempts:      0,
		NextAttemptAt: time.Now().UTC().Add(-time.Second),
	}
	require.NoError(t, fx.store.Enqueue(ctx, fo))

	w := NewWorker(fx.store, func(collection string) (*engine.Engine, error) {
		return fx.engine, nil
	}, config.Fallback{MaxAttempts: 1}, time.Second)

	require.NoError(t, w.ProcessDue(ctx))

	_, err := fx.store.Get(ctx, fo.ID)
	require.Error(t, err)

	deadLettered, err := fx.store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, deadLettered, 1)
}
