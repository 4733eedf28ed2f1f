/*
Package fallback implements the Fallback Queue + Worker (C11): durable
storage for mutations that failed with a retryable classification, a
ticker-driven worker that replays them with exponential backoff and
jitter, and dead-lettering once a mutation exhausts its attempt budget.
Grounded on the teacher's pkg/reconciler.Reconciler run-loop shape (same
as pkg/lock.Reaper) and pkg/storage's one-collection-per-concern layout.
*/
package fallback

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/types"
)

// Store persists FallbackOperations in one database-wide collection
// (FOs span every logical collection, unlike Repository's per-collection
// physical split).
type Store struct {
	coll       *mongo.Collection
	deadLetter *mongo.Collection
}

// NewStore builds a Store over coll, dead-lettering into deadLetterColl.
func NewStore(coll, deadLetterColl *mongo.Collection) *Store {
	return &Store{coll: coll, deadLetter: deadLetterColl}
}

// EnsureIndexes provisions the indexes ProcessDue's due-query and manual
// lookups rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "nextAttemptAt", Value: 1}}},
		{Keys: bson.D{{Key: "collection", Value: 1}, {Key: "itemId", Value: 1}}},
	}
	_, err := s.coll.Indexes().CreateMany(ctx, models)
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return chronoserr.New(chronoserr.KindStorageTransient, "fallback.EnsureIndexes", err)
	}
	return nil
}

// Enqueue upserts fo by ID, so a retried classification doesn't create
// duplicate entries for the same failed attempt.
func (s *Store) Enqueue(ctx context.Context, fo types.FallbackOperation) error {
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": fo.ID}, fo, options.Replace().SetUpsert(true))
	if err != nil {
		return chronoserr.New(chronoserr.KindDocCommit, "fallback.Enqueue", err).WithContext(fo.Collection, fo.ItemID.Hex())
	}
	return nil
}

// ListDue returns up to limit FOs whose NextAttemptAt has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]types.FallbackOperation, error) {
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "nextAttemptAt", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"nextAttemptAt": bson.M{"$lte": now}}, opts)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "fallback.ListDue", err)
	}
	defer cur.Close(ctx)
	var out []types.FallbackOperation
	if err := cur.All(ctx, &out); err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "fallback.ListDue", err)
	}
	return out, nil
}

// Get fetches one FO by ID for manual inspection/retry surfaces.
func (s *Store) Get(ctx context.Context, id string) (*types.FallbackOperation, error) {
	var fo types.FallbackOperation
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&fo)
	if err == mongo.ErrNoDocuments {
		return nil, chronoserr.New(chronoserr.KindNotFound, "fallback.Get", nil)
	}
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "fallback.Get", err)
	}
	return &fo, nil
}

// Delete removes fo after a successful replay.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return chronoserr.New(chronoserr.KindStorageTransient, "fallback.Delete", err)
	}
	return nil
}

// RecordFailure increments Attempts, appends a History entry, and
// schedules NextAttemptAt per the backoff policy.
func (s *Store) RecordFailure(ctx context.Context, fo types.FallbackOperation, cause error, next time.Time) error {
	fo.Attempts++
	fo.LastError = cause.Error()
	fo.History = append(fo.History, types.HistoryEntry{At: time.Now().UTC(), Error: cause.Error()})
	fo.NextAttemptAt = next
	return s.Enqueue(ctx, fo)
}

// MoveToDeadLetter removes fo from the live queue and inserts it into
// the dead-letter collection with its full history intact.
func (s *Store) MoveToDeadLetter(ctx context.Context, fo types.FallbackOperation) error {
	if s.deadLetter != nil {
		if _, err := s.deadLetter.InsertOne(ctx, fo); err != nil {
			return chronoserr.New(chronoserr.KindDocCommit, "fallback.MoveToDeadLetter", err).WithContext(fo.Collection, fo.ItemID.Hex())
		}
	}
	return s.Delete(ctx, fo.ID)
}

// ListDeadLetters returns up to limit dead-lettered FOs for the CLI's
// dump surface.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]types.FallbackOperation, error) {
	if s.deadLetter == nil {
		return nil, nil
	}
	opts := options.Find().SetLimit(int64(limit))
	cur, err := s.deadLetter.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "fallback.ListDeadLetters", err)
	}
	defer cur.Close(ctx)
	var out []types.FallbackOperation
	if err := cur.All(ctx, &out); err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "fallback.ListDeadLetters", err)
	}
	return out, nil
}
