package engine

import (
	"context"
	"fmt"

	"github.com/cuemby/chronos-db/pkg/blob"
	"github.com/cuemby/chronos-db/pkg/chronolog"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/keys"
	"github.com/cuemby/chronos-db/pkg/types"
)

// compensate best-effort deletes every blob key accumulated during a
// failed mutation attempt. A blob write that succeeded but whose
// doc-store commit never landed must not leave orphaned bytes behind
// (§4.7's Compensate step); deletion failures are logged, not
// propagated, since the caller already has a primary error to return
// and a dangling blob is a cheaper failure mode than hiding the real one.
// When a per-key delete fails here, the key becomes a job for
// CleanupOrphans, which reconciles against the doc store instead of
// relying on the (already-failing) direct delete.
func (e *Engine) compensate(ctx context.Context, mc *mutationContext) {
	var missed bool
	for _, ptr := range mc.writtenBlobKeys {
		if err := e.blobStore.Delete(ctx, ptr.Bucket, ptr.Key); err != nil {
			missed = true
			logger := chronolog.WithItem(e.opts.Collection, mc.itemID.Hex()).
				With().Str("bucket", ptr.Bucket).Str("key", ptr.Key).Logger()
			chronolog.LogError(logger, err, "compensation failed to delete orphaned blob")
		}
	}
	if missed {
		if n, err := e.CleanupOrphans(ctx, mc.itemID, e.opts.Collection); err != nil {
			logger := chronolog.WithItem(e.opts.Collection, mc.itemID.Hex())
			chronolog.LogError(logger, err, "orphan sweep after failed compensation also failed")
		} else {
			chronolog.WithItem(e.opts.Collection, mc.itemID.Hex()).
				Info().Int("deleted", n).Msg("orphan sweep reconciled blobs compensation missed")
		}
	}
}

// CleanupOrphans reconciles the object-store keys under itemID's prefix
// in the snapshot and content buckets against the version records and
// head the doc store still holds for it (§4.7, §7). Any blob whose ov
// is not among the item's live version records is deleted: this covers
// both a compensation delete that itself failed, and the blobs left
// behind by a hard delete, whose cleanup is documented as the caller's
// administrative responsibility. It is safe to call on an item with no
// doc-store records left at all, in which case every blob under its
// prefix is orphaned and removed. Returns the number of keys deleted.
func (e *Engine) CleanupOrphans(ctx context.Context, itemID types.ItemID, collection string) (int, error) {
	live := map[int64]bool{}
	if versions, err := e.repo.ListVersionsForItem(ctx, itemID); err == nil {
		for _, vr := range versions {
			live[vr.Ov] = true
		}
	}
	if head, err := e.repo.GetHead(ctx, itemID); err == nil {
		live[head.Ov] = true
	}

	deleted := 0

	snapshotPrefix := fmt.Sprintf("%s/%s/", collection, itemID.Hex())
	n, err := e.sweepBucket(ctx, e.opts.Buckets.Versions, snapshotPrefix, func(key string) (int64, bool) {
		_, _, ov, perr := keys.ParseSnapshotKey(key)
		return ov, perr == nil
	}, live)
	if err != nil {
		return deleted, err
	}
	deleted += n

	for property := range e.opts.CollectionMap.Base64Props {
		contentPrefix := fmt.Sprintf("%s/%s/%s/", collection, property, itemID.Hex())
		n, err := e.sweepBucket(ctx, e.opts.Buckets.Content, contentPrefix, func(key string) (int64, bool) {
			if _, _, _, ov, perr := keys.ParseBlobKey(key); perr == nil {
				return ov, true
			}
			if _, _, _, ov, perr := keys.ParseTextKey(key); perr == nil {
				return ov, true
			}
			return 0, false
		}, live)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// sweepBucket pages through every key under prefix in bucket, deleting
// any whose ov (as extracted by ovOf) is absent from live.
func (e *Engine) sweepBucket(ctx context.Context, bucket, prefix string, ovOf func(key string) (int64, bool), live map[int64]bool) (int, error) {
	deleted := 0
	token := ""
	for {
		page, err := e.blobStore.List(ctx, bucket, prefix, blob.ListOptions{MaxKeys: 1000, ContinuationToken: token})
		if err != nil {
			return deleted, chronoserr.New(chronoserr.KindStorageTransient, "engine.CleanupOrphans", err).WithContext(e.opts.Collection, prefix)
		}
		for _, entry := range page.Entries {
			ov, ok := ovOf(entry.Key)
			if !ok || live[ov] {
				continue
			}
			if err := e.blobStore.Delete(ctx, bucket, entry.Key); err != nil {
				logger := chronolog.WithItem(e.opts.Collection, "").
					With().Str("bucket", bucket).Str("key", entry.Key).Logger()
				chronolog.LogError(logger, err, "orphan sweep failed to delete key")
				continue
			}
			deleted++
		}
		if page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	return deleted, nil
}
