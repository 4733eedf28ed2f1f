package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/events"
	"github.com/cuemby/chronos-db/pkg/rollup"
	"github.com/cuemby/chronos-db/pkg/types"
)

// RestoreObjectInput targets an item's past state by exact ov or by the
// latest version at-or-before a timestamp (§4.9). Exactly one of Ov/At
// must be set.
type RestoreObjectInput struct {
	ItemID types.ItemID
	Ov     *int64
	At     *time.Time
}

// RestoreObject appends a new, append-only version pointing at the
// target snapshot's existing blob - no bytes are copied, only the
// pointer moves (§4.9). Restoring to the item's current state is a
// no-op: no new version is written and the existing MutationResult is
// returned as-is.
func (e *Engine) RestoreObject(ctx context.Context, in RestoreObjectInput) (*types.MutationResult, error) {
	if (in.Ov == nil) == (in.At == nil) {
		return nil, chronoserr.New(chronoserr.KindValidation, "engine.RestoreObject",
			fmt.Errorf("exactly one of ov or at must be set"))
	}

	mc := &mutationContext{itemID: in.ItemID}
	lease, err := e.locks.Acquire(ctx, in.ItemID, string(types.OpRestore), "")
	if err != nil {
		return nil, err
	}
	mc.lease = lease
	defer e.releaseLock(ctx, mc)

	head, err := e.repo.GetHead(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}
	target, err := e.repo.VersionAt(ctx, in.ItemID, in.Ov, in.At)
	if err != nil {
		if !chronoserr.IsKind(err, chronoserr.KindNotFound) {
			return nil, err
		}
		target, err = e.versionFromManifest(ctx, in.ItemID, in.Ov, in.At)
		if err != nil {
			return nil, err
		}
	}

	if target.Blob == head.Blob {
		return &types.MutationResult{ID: in.ItemID, Ov: head.Ov, Cv: head.Cv, UpdatedAt: &head.UpdatedAt}, nil
	}

	now := nowUTC()
	newOv := head.Ov + 1
	var cv int64
	commitErr := e.commitAtomic(ctx, func(sessCtx context.Context) error {
		var ierr error
		cv, ierr = e.repo.IncCv(sessCtx)
		if ierr != nil {
			return ierr
		}
		prevOv := head.Ov
		vr := &types.VersionRecord{
			ItemID:      in.ItemID,
			Ov:          newOv,
			Cv:          cv,
			Op:          types.OpRestore,
			At:          now,
			Blob:        target.Blob,
			MetaIndexed: target.MetaIndexed,
			Size:        target.Size,
			Checksum:    target.Checksum,
			PrevOv:      &prevOv,
		}
		if ierr = e.repo.InsertVersion(sessCtx, vr); ierr != nil {
			return ierr
		}
		hr := &types.HeadRecord{
			ID:          in.ItemID,
			Ov:          newOv,
			Cv:          cv,
			Blob:        target.Blob,
			MetaIndexed: target.MetaIndexed,
			Size:        target.Size,
			Checksum:    target.Checksum,
			CreatedAt:   head.CreatedAt,
			UpdatedAt:   now,
		}
		return e.repo.UpsertHead(sessCtx, hr, head.Ov)
	})
	if commitErr != nil {
		return nil, commitErr
	}

	e.emit(events.EventItemRestored, in.ItemID.Hex(), newOv, cv)
	return &types.MutationResult{ID: in.ItemID, Ov: newOv, Cv: cv, UpdatedAt: &now}, nil
}

// CollectionRestoreInput targets a whole collection's state as of a
// target cv, or by the latest cv at-or-before a timestamp. Exactly one
// of TargetCv/At must be set.
type CollectionRestoreInput struct {
	TargetCv *int64
	At       *time.Time
	DryRun   bool
	PageSize int
}

// CollectionRestoreReport summarizes what CollectionRestore did (or, for
// a dry run, would do).
type CollectionRestoreReport struct {
	TargetCv int64
	Planned  int
	Restored int
	Skipped  int
	Failed   int
}

// CollectionRestore walks every item in pages, flipping each item's head
// pointer to the latest version with cv <= the resolved target cv
// (§4.9). Items already at or before the target are skipped; a dry run
// reports planned counts without writing.
func (e *Engine) CollectionRestore(ctx context.Context, in CollectionRestoreInput) (*CollectionRestoreReport, error) {
	if (in.TargetCv == nil) == (in.At == nil) {
		return nil, chronoserr.New(chronoserr.KindValidation, "engine.CollectionRestore",
			fmt.Errorf("exactly one of targetCv or at must be set"))
	}
	targetCv := int64(0)
	if in.TargetCv != nil {
		targetCv = *in.TargetCv
	} else {
		cv, err := e.repo.CounterAtOrBeforeAt(ctx, *in.At)
		if err != nil {
			return nil, err
		}
		targetCv = cv
	}

	pageSize := in.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	workers := e.opts.RestoreWorkers
	if workers <= 0 {
		workers = 8
	}

	report := &CollectionRestoreReport{TargetCv: targetCv}
	var mu sync.Mutex
	var afterID *types.ItemID
	for {
		page, err := e.repo.ListHeads(ctx, nil, afterID, pageSize)
		if err != nil {
			return report, err
		}

		jobs := make(chan types.HeadRecord, len(page.Items))
		for _, head := range page.Items {
			jobs <- head
		}
		close(jobs)

		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for head := range jobs {
					if head.Cv <= targetCv {
						mu.Lock()
						report.Skipped++
						mu.Unlock()
						continue
					}
					target, err := e.repo.VersionAtOrBeforeCv(ctx, head.ID, targetCv)
					if err != nil {
						mu.Lock()
						report.Failed++
						mu.Unlock()
						continue
					}
					if in.DryRun {
						mu.Lock()
						report.Planned++
						mu.Unlock()
						continue
					}
					if _, err := e.restoreHeadToVersion(ctx, head.ID, target); err != nil {
						mu.Lock()
						report.Failed++
						mu.Unlock()
						continue
					}
					mu.Lock()
					report.Restored++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if !page.HasMore || len(page.Items) == 0 {
			break
		}
		last := page.Items[len(page.Items)-1].ID
		afterID = &last
	}
	return report, nil
}

func (e *Engine) restoreHeadToVersion(ctx context.Context, itemID types.ItemID, target *types.VersionRecord) (*types.MutationResult, error) {
	mc := &mutationContext{itemID: itemID}
	lease, err := e.locks.Acquire(ctx, itemID, string(types.OpRestore), "")
	if err != nil {
		return nil, err
	}
	mc.lease = lease
	defer e.releaseLock(ctx, mc)

	head, err := e.repo.GetHead(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if target.Blob == head.Blob {
		return &types.MutationResult{ID: itemID, Ov: head.Ov, Cv: head.Cv}, nil
	}

	now := nowUTC()
	newOv := head.Ov + 1
	var cv int64
	commitErr := e.commitAtomic(ctx, func(sessCtx context.Context) error {
		var ierr error
		cv, ierr = e.repo.IncCv(sessCtx)
		if ierr != nil {
			return ierr
		}
		prevOv := head.Ov
		vr := &types.VersionRecord{
			ItemID:      itemID,
			Ov:          newOv,
			Cv:          cv,
			Op:          types.OpRestore,
			At:          now,
			Blob:        target.Blob,
			MetaIndexed: target.MetaIndexed,
			Size:        target.Size,
			Checksum:    target.Checksum,
			PrevOv:      &prevOv,
		}
		if ierr = e.repo.InsertVersion(sessCtx, vr); ierr != nil {
			return ierr
		}
		hr := &types.HeadRecord{
			ID:          itemID,
			Ov:          newOv,
			Cv:          cv,
			Blob:        target.Blob,
			MetaIndexed: target.MetaIndexed,
			Size:        target.Size,
			Checksum:    target.Checksum,
			CreatedAt:   head.CreatedAt,
			UpdatedAt:   now,
		}
		return e.repo.UpsertHead(sessCtx, hr, head.Ov)
	})
	if commitErr != nil {
		return nil, commitErr
	}
	e.emit(events.EventItemRestored, itemID.Hex(), newOv, cv)
	return &types.MutationResult{ID: itemID, Ov: newOv, Cv: cv, UpdatedAt: &now}, nil
}

// versionFromManifest is the fallback RestoreObject takes when the
// target ov (or at) has already been pruned from `_ver` by retention:
// it reads the single manifest rollup.Read returns for asOf and, if that
// manifest has an entry for itemID (with a matching ov when ov is given),
// synthesizes a VersionRecord from the entry's blob pointer. It does not
// look at older manifests when that entry is missing or does not match.
func (e *Engine) versionFromManifest(ctx context.Context, itemID types.ItemID, ov *int64, at *time.Time) (*types.VersionRecord, error) {
	asOf := nowUTC()
	if at != nil {
		asOf = *at
	}
	m, err := rollup.Read(ctx, e.blobStore, e.opts.Buckets.Versions, e.opts.Collection, asOf, 0)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindNotFound, "engine.RestoreObject", err).WithContext(e.opts.Collection, itemID.Hex())
	}
	entry, ok := m.Find(itemID)
	if !ok || (ov != nil && entry.Ov != *ov) {
		return nil, chronoserr.New(chronoserr.KindNotFound, "engine.RestoreObject", nil).WithContext(e.opts.Collection, itemID.Hex())
	}
	return &types.VersionRecord{
		ItemID:      itemID,
		Ov:          entry.Ov,
		Cv:          m.Cv,
		Op:          types.OpRestore,
		At:          m.GeneratedAt,
		Blob:        entry.Blob,
		MetaIndexed: entry.MetaIndexed,
		Size:        entry.Size,
		Checksum:    entry.Checksum,
	}, nil
}
