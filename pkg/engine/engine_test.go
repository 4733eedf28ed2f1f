package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/chronos-db/pkg/blob/fs"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/lock"
	"github.com/cuemby/chronos-db/pkg/repository"
)

func newIntegrationEngine(t *testing.T) *Engine {
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

	db := client.Database("chronos_engine_test")
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	repo := repository.New(db, "widgets", []string{"status"})
	require.NoError(t, repo.EnsureIndexes(ctx))

	locksColl := db.Collection("widgets_locks")
	locks := lock.New(locksColl, "engine-test-server", time.Minute)

	blobStore, err := fs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobStore.Close() })

	return New(repo, blobStore, locks, client, nil, nil, Options{
		Collection: "widgets",
		Buckets:    Buckets{Records: "records", Versions: "versions", Content: "content", Backups: "backups"},
		CollectionMap: config.CollectionMap{
			IndexedProps: []string{"status"},
		},
		LogicalDelete:     true,
		VersioningEnabled: true,
	})
}

func TestCreateThenGetHeadRoundTrips(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()

	res, err := e.Create(ctx, CreateInput{Payload: bson.M{"status": "draft", "name": "widget-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Ov)

	head, err := e.repo.GetHead(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), head.Ov)
	assert.Equal(t, "draft", head.MetaIndexed["status"])
}

func TestUpdateAdvancesOvAndEnforcesOptimisticLock(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()

	created, err := e.Create(ctx, CreateInput{Payload: bson.M{"status": "draft"}})
	require.NoError(t, err)

	updated, err := e.Update(ctx, UpdateInput{ItemID: created.ID, Payload: bson.M{"status": "active"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Ov)

	stale := int64(0)
	_, err = e.Update(ctx, UpdateInput{ItemID: created.ID, Payload: bson.M{"status": "final"}, ExpectedOv: &stale})
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindOptimisticLock))
}

func TestLogicalDeleteMarksHeadDeletedWithoutNewBlob(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()

	created, err := e.Create(ctx, CreateInput{Payload: bson.M{"status": "draft"}})
	require.NoError(t, err)

	deleted, err := e.Delete(ctx, DeleteInput{ItemID: created.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted.Ov)

	head, err := e.repo.GetHead(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, head.DeletedAt)
}

func TestEnrichDeepMergesOntoSnapshot(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()

	created, err := e.Create(ctx, CreateInput{Payload: bson.M{
		"status": "draft",
		"tags":   bson.A{"a"},
	}})
	require.NoError(t, err)

	enriched, err := e.Enrich(ctx, EnrichInput{
		ItemID:     created.ID,
		Patch:      bson.M{"tags": bson.A{"b"}},
		FunctionID: "fn-1",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), enriched.Ov)

	var snapshot bson.M
	head, err := e.repo.GetHead(ctx, created.ID)
	require.NoError(t, err)
	require.NoError(t, e.blobStore.GetJSON(ctx, head.Blob.Bucket, head.Blob.Key, &snapshot))
	assert.ElementsMatch(t, bson.A{"a", "b"}, snapshot["tags"])
}

func TestRestoreObjectFlipsHeadToPriorSnapshotWithoutCopyingData(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()

	created, err := e.Create(ctx, CreateInput{Payload: bson.M{"status": "draft"}})
	require.NoError(t, err)

	_, err = e.Update(ctx, UpdateInput{ItemID: created.ID, Payload: bson.M{"status": "active"}})
	require.NoError(t, err)

	zero := int64(0)
	restored, err := e.RestoreObject(ctx, RestoreObjectInput{ItemID: created.ID, Ov: &zero})
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored.Ov)

	head, err := e.repo.GetHead(ctx, created.ID)
	require.NoError(t, err)

	v0, err := e.repo.VersionAt(ctx, created.ID, &zero, nil)
	require.NoError(t, err)
	assert.Equal(t, v0.Blob, head.Blob)
}

func TestRestoreObjectIsNoOpWhenAlreadyAtTarget(t *testing.T) {
	e := newIntegrationEngine(t)
	ctx := context.Background()

	created, err := e.Create(ctx, CreateInput{Payload: bson.M{"status": "draft"}})
	require.NoError(t, err)

	zero := int64(0)
	restored, err := e.RestoreObject(ctx, RestoreObjectInput{ItemID: created.ID, Ov: &zero})
	require.NoError(t, err)
	assert.Equal(t, int64(0), restored.Ov)
}
