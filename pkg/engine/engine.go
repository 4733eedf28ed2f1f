/*
Package engine implements the CRUD + enrich state machine with saga-style
compensation (C7/C8), and the restore engine (C9):
Validate → AcquireLock → Externalize → PutSnapshotBlob → DocStoreCommit →
ReleaseLock → Emit(Events), with Compensate → Classify →
{ReportFailure|EnqueueFallback} on failure (§4.7). One file per operation
(create.go, update.go, delete.go, compensate.go, enrich.go, restore.go),
following the teacher's one-concern-per-file package layout (e.g.
pkg/scheduler splits into scheduler.go/strategies.go).
*/
package engine

import (
	"context"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cuemby/chronos-db/pkg/blob"
	"github.com/cuemby/chronos-db/pkg/chronolog"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/events"
	"github.com/cuemby/chronos-db/pkg/externalize"
	"github.com/cuemby/chronos-db/pkg/keys"
	"github.com/cuemby/chronos-db/pkg/lock"
	"github.com/cuemby/chronos-db/pkg/repository"
	"github.com/cuemby/chronos-db/pkg/types"
)

// FallbackEnqueuer is satisfied by the fallback worker (C11); the engine
// calls it when a mutation fails with a retryable classification.
type FallbackEnqueuer interface {
	Enqueue(ctx context.Context, fo types.FallbackOperation) error
}

// Options configures one Engine instance, sourced from config.Config.
type Options struct {
	Collection        string
	Buckets           Buckets
	CollectionMap     config.CollectionMap
	VersioningEnabled bool
	LogicalDelete     bool
	TransactionsEnabled bool
	DevShadow         config.DevShadow
	ServerID          string
	// RestoreWorkers bounds the goroutine pool CollectionRestore fans its
	// per-item work out to. Zero uses a default of 8.
	RestoreWorkers int
}

// Buckets is the four-bucket set this engine writes to.
type Buckets struct {
	Records  string
	Versions string
	Content  string
	Backups  string
}

// Engine drives CREATE/UPDATE/DELETE/ENRICH/RESTORE for one collection.
type Engine struct {
	repo      *repository.Repository
	blobStore blob.Adapter
	locks     *lock.Manager
	extern    *externalize.Externalizer
	fallback  FallbackEnqueuer
	client    *mongo.Client
	events    *events.Broker
	opts      Options
}

// New builds an Engine. client may be nil in standalone-node deployments
// that never attempt multi-statement transactions. eventBroker may be nil,
// in which case Emit(Events) is a no-op - no mutation depends on it.
func New(repo *repository.Repository, blobStore blob.Adapter, locks *lock.Manager, client *mongo.Client, fallback FallbackEnqueuer, eventBroker *events.Broker, opts Options) *Engine {
	return &Engine{
		repo:      repo,
		blobStore: blobStore,
		locks:     locks,
		extern:    externalize.New(blobStore, opts.Buckets.Content),
		fallback:  fallback,
		client:    client,
		events:    eventBroker,
		opts:      opts,
	}
}

// mutationContext tracks compensation state across one mutation attempt.
type mutationContext struct {
	itemID      types.ItemID
	writtenBlobKeys []types.BlobPointer
	lease       *lock.Lease
}

// releaseLock best-effort releases the lock taken for this mutation,
// logging but not failing the overall call if release itself errors (the
// lease TTL bounds the blast radius - §4.5).
func (e *Engine) releaseLock(ctx context.Context, mc *mutationContext) {
	if mc.lease == nil {
		return
	}
	if err := e.locks.Release(ctx, mc.lease); err != nil {
		chronolog.WithItem(e.opts.Collection, mc.itemID.Hex()).Warn().Err(err).Msg("failed to release lock after mutation")
	}
}

// commitAtomic runs fn inside a multi-statement transaction when
// TransactionsEnabled is set and a client was supplied; otherwise, or when
// StartSession fails, it runs fn directly against ctx (the sequential
// fallback for standalone nodes). It does not probe the deployment for
// transaction support.
func (e *Engine) commitAtomic(ctx context.Context, fn func(sessCtx context.Context) error) error {
	if !e.opts.TransactionsEnabled || e.client == nil {
		return fn(ctx)
	}
	sess, err := e.client.StartSession()
	if err != nil {
		return fn(ctx)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	return err
}

func snapshotBlobPointer(bucket, key string) types.BlobPointer {
	return types.BlobPointer{Bucket: bucket, Key: key}
}

func nowUTC() time.Time { return time.Now().UTC() }

// putSnapshot writes the fully transformed payload as the canonical
// item.json snapshot for (collection, itemID, ov).
func (e *Engine) putSnapshot(ctx context.Context, itemID string, ov int64, payload bson.M) (types.BlobPointer, blob.PutResult, error) {
	key, err := keys.SnapshotKey(e.opts.Collection, itemID, ov)
	if err != nil {
		return types.BlobPointer{}, blob.PutResult{}, err
	}
	res, err := e.blobStore.PutJSON(ctx, e.opts.Buckets.Versions, key, payload)
	if err != nil {
		return types.BlobPointer{}, blob.PutResult{}, err
	}
	return snapshotBlobPointer(e.opts.Buckets.Versions, key), res, nil
}

// classifyAndEnqueue inspects err for retryability and, when the caller
// configured a FallbackEnqueuer, persists a FO so the mutation is
// retried later with the original inputs (§4.7, §4.11).
func (e *Engine) classifyAndEnqueue(ctx context.Context, kind, itemID string, expectedOv *int64, payload bson.Raw, cause error) {
	if e.fallback == nil || !chronoserr.IsRetryable(cause) {
		return
	}
	id, err := types.ParseItemID(itemID)
	if err != nil {
		return
	}
	fo := types.FallbackOperation{
		ID:             itemID + ":" + kind + ":" + nowUTC().Format(time.RFC3339Nano),
		Kind:           kind,
		Collection:     e.opts.Collection,
		ItemID:         id,
		Payload:        payload,
		ExpectedOv:     expectedOv,
		Attempts:       0,
		NextAttemptAt:  nowUTC(),
		FirstAttemptAt: nowUTC(),
		LastError:      cause.Error(),
	}
	if err := e.fallback.Enqueue(ctx, fo); err != nil {
		chronolog.WithItem(e.opts.Collection, itemID).Error().Err(err).Msg("failed to enqueue fallback operation")
	}
}

// emit publishes the Emit(Events) pipeline step for a successful mutation.
// It is a no-op when the Engine was built without an event broker.
func (e *Engine) emit(eventType events.EventType, itemID string, ov, cv int64) {
	if e.events == nil {
		return
	}
	e.events.Publish(&events.Event{
		Type: eventType,
		Metadata: map[string]string{
			"collection": e.opts.Collection,
			"itemId":     itemID,
			"ov":         strconv.FormatInt(ov, 10),
			"cv":         strconv.FormatInt(cv, 10),
		},
	})
}
