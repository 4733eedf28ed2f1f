/*
Package repository implements the Repository (C4): typed mongo-driver
accessors over the four physical collections backing each logical
collection X - X_head, X_ver, X_counter, X_locks - plus idempotent index
provisioning and the safe metadata filter builder used by the tiered
lookup resolver. Modeled on the teacher's pkg/storage access-layer shape
(one method per operation, explicit bson.M filters, no ORM), adapted from
an embedded BoltDB store to a mongo-driver collection wrapper.
*/
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/types"
)

// Repository wraps one logical collection's four physical collections in a
// single database.
type Repository struct {
	db         *mongo.Database
	collection string

	indexOnce sync.Once
	indexErr  error
	indexedProps []string
}

// New builds a Repository for collection within db. indexedProps lists the
// metaIndexed.* properties that get dedicated per-property indexes on
// _head (§4.4); it is typically sourced from collectionMaps in config.
func New(db *mongo.Database, collection string, indexedProps []string) *Repository {
	return &Repository{db: db, collection: collection, indexedProps: indexedProps}
}

func (r *Repository) headColl() *mongo.Collection    { return r.db.Collection(r.collection + "_head") }
func (r *Repository) verColl() *mongo.Collection     { return r.db.Collection(r.collection + "_ver") }
func (r *Repository) counterColl() *mongo.Collection { return r.db.Collection(r.collection + "_counter") }
func (r *Repository) lockColl() *mongo.Collection    { return r.db.Collection(r.collection + "_locks") }

// EnsureIndexes idempotently creates every index named in §4.4. No other
// Repository method calls it; callers (the chronosctl index command,
// tests) invoke it explicitly, and the result of the first call is cached
// for the lifetime of the Repository. Index-conflict errors (codes 85/86)
// from CreateMany are treated as success.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	r.indexOnce.Do(func() {
		r.indexErr = r.ensureIndexes(ctx)
	})
	return r.indexErr
}

func (r *Repository) ensureIndexes(ctx context.Context) error {
	headModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "ov", Value: 1}}},
		{Keys: bson.D{{Key: "cv", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}}},
		{Keys: bson.D{{Key: "deletedAt", Value: 1}}},
	}
	for _, prop := range r.indexedProps {
		field := "metaIndexed." + prop
		headModels = append(headModels, mongo.IndexModel{
			Keys: bson.D{{Key: field, Value: 1}},
			Options: options.Index().
				SetPartialFilterExpression(bson.D{{Key: field, Value: bson.D{{Key: "$exists", Value: true}}}}),
		})
	}
	if err := createIndexesIdempotent(ctx, r.headColl(), headModels); err != nil {
		return fmt.Errorf("repository: ensure _head indexes: %w", err)
	}

	verModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "itemId", Value: 1}, {Key: "ov", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "itemId", Value: 1}, {Key: "ov", Value: -1}}},
		{Keys: bson.D{{Key: "ov", Value: 1}}},
		{Keys: bson.D{{Key: "cv", Value: 1}}},
		{Keys: bson.D{{Key: "at", Value: 1}}},
		{Keys: bson.D{{Key: "op", Value: 1}}},
		{Keys: bson.D{{Key: "at", Value: -1}, {Key: "ov", Value: -1}}},
	}
	if err := createIndexesIdempotent(ctx, r.verColl(), verModels); err != nil {
		return fmt.Errorf("repository: ensure _ver indexes: %w", err)
	}

	counterModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if err := createIndexesIdempotent(ctx, r.counterColl(), counterModels); err != nil {
		return fmt.Errorf("repository: ensure _counter indexes: %w", err)
	}

	lockModels := []mongo.IndexModel{
		{Keys: bson.D{{Key: "itemId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expiresAt", Value: 1}}},
		{Keys: bson.D{{Key: "serverId", Value: 1}}},
		{Keys: bson.D{{Key: "serverId", Value: 1}, {Key: "expiresAt", Value: 1}}},
	}
	if err := createIndexesIdempotent(ctx, r.lockColl(), lockModels); err != nil {
		return fmt.Errorf("repository: ensure _locks indexes: %w", err)
	}

	return nil
}

func createIndexesIdempotent(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) error {
	_, err := coll.Indexes().CreateMany(ctx, models)
	if err != nil && !mongo.IsDuplicateKeyError(err) && !isNamespaceExists(err) {
		return err
	}
	return nil
}

func isNamespaceExists(err error) bool {
	var ce mongo.CommandError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == 85 || ce.Code == 86 // IndexOptionsConflict / IndexKeySpecsConflict
}

// IncCv atomically increments and returns the post-image collection
// version counter for the collection, upserting the counter document if
// it doesn't yet exist.
func (r *Repository) IncCv(ctx context.Context) (int64, error) {
	var result types.CollectionCounter
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	err := r.counterColl().FindOneAndUpdate(
		ctx,
		bson.M{"_id": r.collection},
		bson.M{"$inc": bson.M{"cv": int64(1)}},
		opts,
	).Decode(&result)
	if err != nil {
		return 0, chronoserr.New(chronoserr.KindStorageTransient, "repository.IncCv", err).WithContext(r.collection, "")
	}
	return result.Cv, nil
}

// GetHead fetches the head document for itemID.
func (r *Repository) GetHead(ctx context.Context, itemID types.ItemID) (*types.HeadRecord, error) {
	var head types.HeadRecord
	err := r.headColl().FindOne(ctx, bson.M{"_id": itemID}).Decode(&head)
	if err == mongo.ErrNoDocuments {
		return nil, chronoserr.New(chronoserr.KindNotFound, "repository.GetHead", nil).WithContext(r.collection, itemID.Hex())
	}
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "repository.GetHead", err).WithContext(r.collection, itemID.Hex())
	}
	return &head, nil
}

// UpsertHead replaces the head document for head.ID, enforcing the
// doc-commit optimistic-lock predicate HR.ov = expectedOv (§4.7) - every
// mutation reads head first and must pass the ov it observed there, even
// when the caller never supplied an ExpectedOv of its own. Pass -1 for
// the initial CREATE, where no prior head can exist: real ov values
// never go negative, so the filter can never match an existing document
// and the call degrades to a plain insert.
//
// Two concurrent writers that both read the same head will both attempt
// this call with the same expectedOv; only the first ReplaceOne matches
// and upserts. The loser's filter matches nothing, so Mongo attempts an
// insert instead and collides with the winner's _id on the unique index,
// surfacing as a duplicate-key error that is translated to
// KindOptimisticLock here rather than a silent clobber.
func (r *Repository) UpsertHead(ctx context.Context, head *types.HeadRecord, expectedOv int64) error {
	filter := bson.M{"_id": head.ID, "ov": expectedOv}
	res, err := r.headColl().ReplaceOne(ctx, filter, head, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return chronoserr.New(chronoserr.KindOptimisticLock, "repository.UpsertHead", err).WithContext(r.collection, head.ID.Hex())
		}
		return chronoserr.New(chronoserr.KindDocCommit, "repository.UpsertHead", err).WithContext(r.collection, head.ID.Hex())
	}
	if res.MatchedCount == 0 && res.UpsertedCount == 0 {
		return chronoserr.New(chronoserr.KindOptimisticLock, "repository.UpsertHead", nil).WithContext(r.collection, head.ID.Hex())
	}
	return nil
}

// DeleteHead removes the head document entirely (used only by hard-delete
// paths; logical delete instead sets HeadRecord.DeletedAt via UpsertHead).
func (r *Repository) DeleteHead(ctx context.Context, itemID types.ItemID) error {
	_, err := r.headColl().DeleteOne(ctx, bson.M{"_id": itemID})
	if err != nil {
		return chronoserr.New(chronoserr.KindDocCommit, "repository.DeleteHead", err).WithContext(r.collection, itemID.Hex())
	}
	return nil
}

// InsertVersion appends an immutable version record. Version records are
// never mutated once written (§3's VR lifecycle).
func (r *Repository) InsertVersion(ctx context.Context, vr *types.VersionRecord) error {
	_, err := r.verColl().InsertOne(ctx, vr)
	if err != nil {
		return chronoserr.New(chronoserr.KindDocCommit, "repository.InsertVersion", err).WithContext(r.collection, vr.ItemID.Hex())
	}
	return nil
}

// DeleteVersions removes every version record for itemID, used only by
// the hard-delete path (logicalDelete.enabled=false); logical delete
// never calls this, since history is the point of keeping it.
func (r *Repository) DeleteVersions(ctx context.Context, itemID types.ItemID) error {
	_, err := r.verColl().DeleteMany(ctx, bson.M{"itemId": itemID})
	if err != nil {
		return chronoserr.New(chronoserr.KindDocCommit, "repository.DeleteVersions", err).WithContext(r.collection, itemID.Hex())
	}
	return nil
}

// LatestVersion returns the newest version record for itemID.
func (r *Repository) LatestVersion(ctx context.Context, itemID types.ItemID) (*types.VersionRecord, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "ov", Value: -1}})
	var vr types.VersionRecord
	err := r.verColl().FindOne(ctx, bson.M{"itemId": itemID}, opts).Decode(&vr)
	if err == mongo.ErrNoDocuments {
		return nil, chronoserr.New(chronoserr.KindNotFound, "repository.LatestVersion", nil).WithContext(r.collection, itemID.Hex())
	}
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "repository.LatestVersion", err).WithContext(r.collection, itemID.Hex())
	}
	return &vr, nil
}

// VersionAt returns the version record with the given ov, or at-or-before a
// given instant when ov is nil (point-in-time restore support).
func (r *Repository) VersionAt(ctx context.Context, itemID types.ItemID, ov *int64, asOf *time.Time) (*types.VersionRecord, error) {
	filter := bson.M{"itemId": itemID}
	sort := bson.D{{Key: "ov", Value: -1}}
	switch {
	case ov != nil:
		filter["ov"] = *ov
	case asOf != nil:
		filter["at"] = bson.M{"$lte": *asOf}
	}
	var vr types.VersionRecord
	err := r.verColl().FindOne(ctx, filter, options.FindOne().SetSort(sort)).Decode(&vr)
	if err == mongo.ErrNoDocuments {
		return nil, chronoserr.New(chronoserr.KindNotFound, "repository.VersionAt", nil).WithContext(r.collection, itemID.Hex())
	}
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "repository.VersionAt", err).WithContext(r.collection, itemID.Hex())
	}
	return &vr, nil
}

// VersionAtOrBeforeCv returns the newest version record for itemID whose
// cv does not exceed targetCv, used by collection restore (§4.9) to find
// where each item stood as of a target collection version.
func (r *Repository) VersionAtOrBeforeCv(ctx context.Context, itemID types.ItemID, targetCv int64) (*types.VersionRecord, error) {
	filter := bson.M{"itemId": itemID, "cv": bson.M{"$lte": targetCv}}
	opts := options.FindOne().SetSort(bson.D{{Key: "cv", Value: -1}})
	var vr types.VersionRecord
	err := r.verColl().FindOne(ctx, filter, opts).Decode(&vr)
	if err == mongo.ErrNoDocuments {
		return nil, chronoserr.New(chronoserr.KindNotFound, "repository.VersionAtOrBeforeCv", nil).WithContext(r.collection, itemID.Hex())
	}
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "repository.VersionAtOrBeforeCv", err).WithContext(r.collection, itemID.Hex())
	}
	return &vr, nil
}

// ListVersionsForItem returns every version record for itemID, newest
// first. Used by orphan cleanup (§4.7/§7) to learn which blob keys a
// item's retained history still references before deleting anything
// under its object-store prefix that isn't one of them.
func (r *Repository) ListVersionsForItem(ctx context.Context, itemID types.ItemID) ([]*types.VersionRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "ov", Value: -1}})
	cur, err := r.verColl().Find(ctx, bson.M{"itemId": itemID}, opts)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "repository.ListVersionsForItem", err).WithContext(r.collection, itemID.Hex())
	}
	defer cur.Close(ctx)
	var out []*types.VersionRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "repository.ListVersionsForItem", err).WithContext(r.collection, itemID.Hex())
	}
	return out, nil
}

// CounterAtOrBeforeAt returns the cv of the newest version record across
// the whole collection with at <= asOf, resolving a point-in-time
// collection restore target to a concrete cv (§4.9).
func (r *Repository) CounterAtOrBeforeAt(ctx context.Context, asOf time.Time) (int64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "at", Value: -1}, {Key: "cv", Value: -1}})
	var vr types.VersionRecord
	err := r.verColl().FindOne(ctx, bson.M{"at": bson.M{"$lte": asOf}}, opts).Decode(&vr)
	if err == mongo.ErrNoDocuments {
		return 0, chronoserr.New(chronoserr.KindNotFound, "repository.CounterAtOrBeforeAt", nil).WithContext(r.collection, "")
	}
	if err != nil {
		return 0, chronoserr.New(chronoserr.KindStorageTransient, "repository.CounterAtOrBeforeAt", err).WithContext(r.collection, "")
	}
	return vr.Cv, nil
}

// FilterOp is one of the allow-listed Mongo comparison operators safe to
// build a metaIndexed.* filter from (§4.4).
type FilterOp string

const (
	OpEq     FilterOp = "$eq"
	OpNe     FilterOp = "$ne"
	OpIn     FilterOp = "$in"
	OpNin    FilterOp = "$nin"
	OpExists FilterOp = "$exists"
	OpGt     FilterOp = "$gt"
	OpGte    FilterOp = "$gte"
	OpLt     FilterOp = "$lt"
	OpLte    FilterOp = "$lte"
	OpRegex  FilterOp = "$regex"
)

var allowedOps = map[FilterOp]bool{
	OpEq: true, OpNe: true, OpIn: true, OpNin: true, OpExists: true,
	OpGt: true, OpGte: true, OpLt: true, OpLte: true, OpRegex: true,
}

// MetaFilter is one property comparison over metaIndexed.*.
type MetaFilter struct {
	Property string
	Op       FilterOp
	Value    interface{}
}

// BuildFilter turns a list of MetaFilters into a safe bson.M restricted to
// the allow-listed operators, rejecting anything else.
func BuildFilter(filters []MetaFilter) (bson.M, error) {
	out := bson.M{}
	for _, f := range filters {
		if !allowedOps[f.Op] {
			return nil, chronoserr.New(chronoserr.KindValidation, "repository.BuildFilter", fmt.Errorf("operator %q is not allowed", f.Op))
		}
		field := "metaIndexed." + f.Property
		existing, _ := out[field].(bson.M)
		if existing == nil {
			existing = bson.M{}
		}
		existing[string(f.Op)] = f.Value
		out[field] = existing
	}
	return out, nil
}

// ListPage is one page of head documents.
type ListPage struct {
	Items  []types.HeadRecord
	HasMore bool
}

// ListHeads returns up to limit head documents matching filter, ordered by
// _id ascending, resuming after afterID when set (§4.4 cursor pagination).
func (r *Repository) ListHeads(ctx context.Context, filter bson.M, afterID *types.ItemID, limit int) (*ListPage, error) {
	q := bson.M{}
	for k, v := range filter {
		q[k] = v
	}
	if afterID != nil {
		q["_id"] = bson.M{"$gt": *afterID}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit + 1))
	cur, err := r.headColl().Find(ctx, q, opts)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "repository.ListHeads", err).WithContext(r.collection, "")
	}
	defer cur.Close(ctx)

	var items []types.HeadRecord
	if err := cur.All(ctx, &items); err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "repository.ListHeads", err).WithContext(r.collection, "")
	}
	hasMore := len(items) > limit
	if hasMore {
		items = items[:limit]
	}
	return &ListPage{Items: items, HasMore: hasMore}, nil
}
