package resolver

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
	"github.com/cuemby/chronos-db/pkg/engine"
	"github.com/cuemby/chronos-db/pkg/lock"
	"github.com/cuemby/chronos-db/pkg/repository"
)

func TestProjectKeepsOnlyRequestedFields(t *testing.T) {
	doc := bson.M{"a": 1, "b": 2, "c": 3}
	out := project(doc, []string{"a", "c"})
	assert.Equal(t, bson.M{"a": 1, "c": 3}, out)
}

type testBackend struct {
	backend Backend
	engine  *engine.Engine
}

func newTestBackend(t *testing.T, dbName, collection string) testBackend {
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

	repo := repository.New(db, collection, []string{"status"})
	require.NoError(t, repo.EnsureIndexes(ctx))

	locksColl := db.Collection(collection + "_locks")
	locks := lock.New(locksColl, "resolver-test-server", time.Minute)

	blobStore, err := fs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobStore.Close() })

	e := engine.New(repo, blobStore, locks, client, nil, nil, engine.Options{
		Collection:        collection,
		Buckets:           engine.Buckets{Records: "records", Versions: "versions", Content: "content", Backups: "backups"},
		CollectionMap:     config.CollectionMap{IndexedProps: []string{"status"}},
		LogicalDelete:     true,
		VersioningEnabled: true,
	})

	return testBackend{backend: Backend{Repo: repo, BlobStore: blobStore}, engine: e}
}

func TestGetItemReturnsCurrentHeadByDefault(t *testing.T) {
	tb := newTestBackend(t, "chronos_resolver_test", "widgets")
	ctx := context.Background()

	created, err := tb.engine.Create(ctx, engine.CreateInput{Payload: bson.M{"status": "draft"}})
	require.NoError(t, err)

	r := New(tb.backend)
	res, err := r.GetItem(ctx, created.ID, GetItemOptions{})
	require.NoError(t, err)
	assert.Equal(t, "draft", res.Item["status"])
}

func TestGetItemByOvReadsHistoricalSnapshot(t *testing.T) {
	tb := newTestBackend(t, "chronos_resolver_test2", "widgets")
	ctx := context.Background()

	created, err := tb.engine.Create(ctx, engine.CreateInput{Payload: bson.M{"status": "draft"}})
	require.NoError(t, err)
	_, err = tb.engine.Update(ctx, engine.UpdateInput{ItemID: created.ID, Payload: bson.M{"status": "active"}})
	require.NoError(t, err)

	zero := int64(0)
	r := New(tb.backend)
	res, err := r.GetItem(ctx, created.ID, GetItemOptions{Ov: &zero})
	require.NoError(t, err)
	assert.Equal(t, "draft", res.Item["status"])
}

func TestGetItemHidesLogicallyDeletedByDefault(t *testing.T) {
	tb := newTestBackend(t, "chronos_resolver_test3", "widgets")
	ctx := context.Background()

	created, err := tb.engine.Create(ctx, engine.CreateInput{Payload: bson.M{"status": "draft"}})
	require.NoError(t, err)
	_, err = tb.engine.Delete(ctx, engine.DeleteInput{ItemID: created.ID})
	require.NoError(t, err)

	r := New(tb.backend)
	_, err = r.GetItem(ctx, created.ID, GetItemOptions{})
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindNotFound))

	res, err := r.GetItem(ctx, created.ID, GetItemOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestGetTieredFirstMatchStopsAtFirstHit(t *testing.T) {
	tenant := newTestBackend(t, "chronos_resolver_tenant", "accounts")
	generic := newTestBackend(t, "chronos_resolver_generic", "accounts")
	ctx := context.Background()

	id, err := tenant.engine.Create(ctx, engine.CreateInput{Payload: bson.M{"status": "tenant-value"}})
	require.NoError(t, err)
	_, err = generic.engine.Create(ctx, engine.CreateInput{ItemID: id.ID, Payload: bson.M{"status": "generic-value"}})
	require.NoError(t, err)

	tiers := []Tier{
		{Name: "tenant", Backend: tenant.backend},
		{Name: "generic", Backend: generic.backend},
	}
	res, err := GetTiered(ctx, tiers, id.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "tenant", res.MatchedTier)
	assert.Equal(t, "tenant-value", res.Item["status"])
}

func TestGetTieredMergeCombinesGenericIntoTenant(t *testing.T) {
	tenant := newTestBackend(t, "chronos_resolver_tenant2", "accounts")
	generic := newTestBackend(t, "chronos_resolver_generic2", "accounts")
	ctx := context.Background()

	id, err := generic.engine.Create(ctx, engine.CreateInput{Payload: bson.M{"plan": "free", "tags": bson.A{"base"}}})
	require.NoError(t, err)
	_, err = tenant.engine.Create(ctx, engine.CreateInput{ItemID: id.ID, Payload: bson.M{"tags": bson.A{"premium"}}})
	require.NoError(t, err)

	tiers := []Tier{
		{Name: "tenant", Backend: tenant.backend},
		{Name: "generic", Backend: generic.backend},
	}
	res, err := GetTiered(ctx, tiers, id.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "free", res.Item["plan"])
	assert.ElementsMatch(t, bson.A{"base", "premium"}, res.Item["tags"])
}
