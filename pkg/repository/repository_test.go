package repository

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

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/types"
)

func TestBuildFilterRejectsDisallowedOperator(t *testing.T) {
	_, err := BuildFilter([]MetaFilter{{Property: "status", Op: "$where", Value: "this.x"}})
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindValidation))
}

func TestBuildFilterAllowsAllowListedOperators(t *testing.T) {
	filter, err := BuildFilter([]MetaFilter{
		{Property: "status", Op: OpEq, Value: "active"},
		{Property: "score", Op: OpGte, Value: 10},
		{Property: "tags", Op: OpIn, Value: []string{"a", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, bson.M{"$eq": "active"}, filter["metaIndexed.status"])
	assert.Equal(t, bson.M{"$gte": 10}, filter["metaIndexed.score"])
}

func TestBuildFilterCombinesMultipleOperatorsOnSameProperty(t *testing.T) {
	filter, err := BuildFilter([]MetaFilter{
		{Property: "score", Op: OpGte, Value: 10},
		{Property: "score", Op: OpLt, Value: 100},
	})
	require.NoError(t, err)
	combined, ok := filter["metaIndexed.score"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, 10, combined["$gte"])
	assert.Equal(t, 100, combined["$lt"])
}

// The remaining tests exercise real mongo-driver round-trips and require a
// live MongoDB reachable at CHRONOS_MONGO_URI. Skipped unless
// CHRONOS_MONGO_INTEGRATION=1, mirroring the opt-in gating used for the
// S3 adapter's container-backed suite.
func newIntegrationRepo(t *testing.T) *Repository {
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

	dbName := "chronos_repo_test"
	db := client.Database(dbName)
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	repo := New(db, "widgets", []string{"status"})
	require.NoError(t, repo.EnsureIndexes(context.Background()))
	return repo
}

func TestIncCvIsMonotonic(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	v1, err := repo.IncCv(ctx)
	require.NoError(t, err)
	v2, err := repo.IncCv(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)
}

func TestHeadUpsertGetDelete(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	id := types.NewItemID()
	head := &types.HeadRecord{ID: id, Ov: 0, Cv: 1, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, repo.UpsertHead(ctx, head, -1))

	got, err := repo.GetHead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)

	require.NoError(t, repo.DeleteHead(ctx, id))
	_, err = repo.GetHead(ctx, id)
	require.Error(t, err)
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindNotFound))
}

func TestUpsertHeadRejectsStaleExpectedOv(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	id := types.NewItemID()
	head := &types.HeadRecord{ID: id, Ov: 0, Cv: 1, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, repo.UpsertHead(ctx, head, -1))

	next := &types.HeadRecord{ID: id, Ov: 1, Cv: 2, CreatedAt: head.CreatedAt, UpdatedAt: time.Now().UTC()}
	err := repo.UpsertHead(ctx, next, 0)
	require.NoError(t, err, "CAS against the ov actually stored must succeed")

	stale := &types.HeadRecord{ID: id, Ov: 2, Cv: 3, CreatedAt: head.CreatedAt, UpdatedAt: time.Now().UTC()}
	err = repo.UpsertHead(ctx, stale, 0)
	require.Error(t, err, "CAS against a stale ov must fail instead of clobbering the concurrent write")
	assert.True(t, chronoserr.IsKind(err, chronoserr.KindOptimisticLock))

	got, err := repo.GetHead(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Ov, "the losing write must not have applied")
}

func TestVersionInsertAndLatest(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	id := types.NewItemID()
	for ov := int64(0); ov < 3; ov++ {
		vr := &types.VersionRecord{ItemID: id, Ov: ov, Cv: ov + 1, Op: types.OpCreate, At: time.Now().UTC()}
		require.NoError(t, repo.InsertVersion(ctx, vr))
	}
	latest, err := repo.LatestVersion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Ov)
}

func TestListHeadsPaginatesByAfterID(t *testing.T) {
	repo := newIntegrationRepo(t)
	ctx := context.Background()

	var ids []types.ItemID
	for i := 0; i < 5; i++ {
		id := types.NewItemID()
		ids = append(ids, id)
		require.NoError(t, repo.UpsertHead(ctx, &types.HeadRecord{ID: id, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}, -1))
	}

	page1, err := repo.ListHeads(ctx, bson.M{}, nil, 2)
	require.NoError(t, err)
	assert.Len(t, page1.Items, 2)
	assert.True(t, page1.HasMore)

	last := page1.Items[len(page1.Items)-1].ID
	page2, err := repo.ListHeads(ctx, bson.M{}, &last, 10)
	require.NoError(t, err)
	assert.Len(t, page2.Items, 3)
	assert.False(t, page2.HasMore)
}
