/*
Package lock implements the per-item transaction Lock Manager (C5): the
unique-insert-based conflict detector, release paths, and the
ticker-driven background Reaper that sweeps expired locks. The Reaper's
run loop is the same fixed-interval, stop-channel shape as the teacher's
pkg/reconciler.Reconciler, generalized from cluster-wide node/container
health checks to per-collection expired-lock sweeps.
*/
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cuemby/chronos-db/pkg/chronolog"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/types"
)

// DefaultTTL is the default lock lease duration (§4.5): long enough to
// exceed the worst-case blob write latency plus document update.
const DefaultTTL = 30 * time.Second

// Lease is a held lock, returned by Acquire and required by Release.
type Lease struct {
	ID        string
	ItemID    types.ItemID
	Operation string
	ExpiresAt time.Time
}

// Manager is the per-collection lock manager, backed by one collection's
// `_locks` physical collection.
type Manager struct {
	coll     *mongo.Collection
	serverID string
	ttl      time.Duration
}

// New builds a Manager over the given `_locks` collection. serverID
// identifies this process for ReleaseAllByServer and lock provenance.
func New(coll *mongo.Collection, serverID string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{coll: coll, serverID: serverID, ttl: ttl}
}

// Acquire takes the per-item lock, inserting a TL document with a unique
// index violation mapped to LockConflict. On conflict it reads the
// existing lock; if its expiresAt has passed, it reaps the stale lock and
// retries once before surfacing LockConflict to the caller (§4.5).
func (m *Manager) Acquire(ctx context.Context, itemID types.ItemID, operation, requestID string) (*Lease, error) {
	lease, err := m.tryInsert(ctx, itemID, operation, requestID)
	if err == nil {
		return lease, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "lock.Acquire", err).WithContext("", itemID.Hex())
	}

	reaped, rErr := m.reapIfExpired(ctx, itemID)
	if rErr != nil {
		return nil, rErr
	}
	if !reaped {
		return nil, chronoserr.New(chronoserr.KindLockConflict, "lock.Acquire", nil).WithContext("", itemID.Hex())
	}

	lease, err = m.tryInsert(ctx, itemID, operation, requestID)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindLockConflict, "lock.Acquire", err).WithContext("", itemID.Hex())
	}
	return lease, nil
}

func (m *Manager) tryInsert(ctx context.Context, itemID types.ItemID, operation, requestID string) (*Lease, error) {
	now := time.Now().UTC()
	lease := &Lease{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Operation: operation,
		ExpiresAt: now.Add(m.ttl),
	}
	tl := types.TransactionLock{
		ID:        lease.ID,
		ItemID:    itemID,
		Operation: operation,
		LockedAt:  now,
		ExpiresAt: lease.ExpiresAt,
		ServerID:  m.serverID,
		RequestID: requestID,
	}
	if _, err := m.coll.InsertOne(ctx, tl); err != nil {
		return nil, err
	}
	return lease, nil
}

// reapIfExpired removes the existing lock for itemID if it has expired,
// reporting whether it did so.
func (m *Manager) reapIfExpired(ctx context.Context, itemID types.ItemID) (bool, error) {
	var existing types.TransactionLock
	err := m.coll.FindOne(ctx, bson.M{"itemId": itemID}).Decode(&existing)
	if err == mongo.ErrNoDocuments {
		// Released between our insert attempt and this read; treat as reaped.
		return true, nil
	}
	if err != nil {
		return false, chronoserr.New(chronoserr.KindStorageTransient, "lock.reapIfExpired", err).WithContext("", itemID.Hex())
	}
	if time.Now().UTC().Before(existing.ExpiresAt) {
		return false, nil
	}
	_, err = m.coll.DeleteOne(ctx, bson.M{"_id": existing.ID, "itemId": itemID})
	if err != nil {
		return false, chronoserr.New(chronoserr.KindStorageTransient, "lock.reapIfExpired", err).WithContext("", itemID.Hex())
	}
	return true, nil
}

// Release deletes the lock by its lease ID (preferred path).
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"_id": lease.ID})
	if err != nil {
		return chronoserr.New(chronoserr.KindStorageTransient, "lock.Release", err).WithContext("", lease.ItemID.Hex())
	}
	return nil
}

// ReleaseByItemID deletes whatever lock is held for itemID, used during
// compensation when the caller no longer has the original Lease value.
func (m *Manager) ReleaseByItemID(ctx context.Context, itemID types.ItemID) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"itemId": itemID})
	if err != nil {
		return chronoserr.New(chronoserr.KindStorageTransient, "lock.ReleaseByItemID", err).WithContext("", itemID.Hex())
	}
	return nil
}

// ReleaseAllByServer deletes every lock owned by serverID, a release path
// for graceful process shutdown. Nothing in this module, Router.Shutdown
// included, calls it.
func (m *Manager) ReleaseAllByServer(ctx context.Context, serverID string) error {
	_, err := m.coll.DeleteMany(ctx, bson.M{"serverId": serverID})
	if err != nil {
		return chronoserr.New(chronoserr.KindStorageTransient, "lock.ReleaseAllByServer", err)
	}
	return nil
}

// RetryEnqueuer receives reaped CREATE locks only; UPDATE, DELETE, and
// ENRICH locks are only ever reaped. The pkg/fallback.Worker
// implementation records each received lock in the dead-letter collection
// and does not schedule a retry.
type RetryEnqueuer interface {
	EnqueueFromReapedLock(ctx context.Context, lock types.TransactionLock) error
}

// Reaper periodically sweeps expired locks across one collection's
// `_locks` collection, mirroring the teacher's Reconciler's fixed-interval
// run loop.
type Reaper struct {
	coll     *mongo.Collection
	interval time.Duration
	enqueuer RetryEnqueuer
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReaper builds a Reaper over coll. enqueuer may be nil when
// fallback.enabled is false.
func NewReaper(coll *mongo.Collection, interval time.Duration, enqueuer RetryEnqueuer) *Reaper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reaper{
		coll:     coll,
		interval: interval,
		enqueuer: enqueuer,
		logger:   chronolog.WithComponent("lock-reaper"),
	}
}

// Start begins the sweep loop in a background goroutine.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run()
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (r *Reaper) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Msg("lock reaper started")
	for {
		select {
		case <-ticker.C:
			if err := r.sweep(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("lock sweep failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("lock reaper stopped")
			return
		}
	}
}

// Sweep runs one reap pass immediately, without waiting for the next
// ticker tick. Used by the one-shot `chronosctl lock reap` command as
// well as internally by the ticker-driven run loop.
func (r *Reaper) Sweep(ctx context.Context) error {
	return r.sweep(ctx)
}

func (r *Reaper) sweep(ctx context.Context) error {
	cur, err := r.coll.Find(ctx, bson.M{"expiresAt": bson.M{"$lt": time.Now().UTC()}})
	if err != nil {
		return chronoserr.New(chronoserr.KindStorageTransient, "lock.Reaper.sweep", err)
	}
	defer cur.Close(ctx)

	var expired []types.TransactionLock
	if err := cur.All(ctx, &expired); err != nil {
		return chronoserr.New(chronoserr.KindStorageTransient, "lock.Reaper.sweep", err)
	}

	for _, lk := range expired {
		if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": lk.ID}); err != nil {
			r.logger.Error().Err(err).Str("item_id", lk.ItemID.Hex()).Msg("failed to delete expired lock")
			continue
		}
		r.logger.Warn().Str("item_id", lk.ItemID.Hex()).Str("operation", lk.Operation).Msg("reaped expired lock")

		if r.enqueuer != nil && lk.Operation == string(types.OpCreate) {
			if err := r.enqueuer.EnqueueFromReapedLock(ctx, lk); err != nil {
				r.logger.Error().Err(err).Str("item_id", lk.ItemID.Hex()).Msg("failed to enqueue fallback for reaped lock")
			}
		}
	}
	return nil
}
