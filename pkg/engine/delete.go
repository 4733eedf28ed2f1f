package engine

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/events"
	"github.com/cuemby/chronos-db/pkg/types"
)

// DeleteInput is the caller-supplied request for Delete.
type DeleteInput struct {
	ItemID     types.ItemID
	ExpectedOv *int64
}

// Delete appends a DELETE version record (logical delete, the default)
// or removes the head and every version record (hard delete, when
// logicalDelete.enabled is false) (§4.7). Logical delete writes no new
// blob: the DELETE VR's blob pointer is the previous snapshot, so no
// externalization or snapshot write occurs on this path.
func (e *Engine) Delete(ctx context.Context, in DeleteInput) (*types.MutationResult, error) {
	mc := &mutationContext{itemID: in.ItemID}
	lease, err := e.locks.Acquire(ctx, in.ItemID, string(types.OpDelete), "")
	if err != nil {
		return nil, err
	}
	mc.lease = lease
	defer e.releaseLock(ctx, mc)

	head, err := e.repo.GetHead(ctx, in.ItemID)
	if err != nil {
		return nil, err
	}
	if in.ExpectedOv != nil && *in.ExpectedOv != head.Ov {
		return nil, chronoserr.New(chronoserr.KindOptimisticLock, "engine.Delete", nil).
			WithContext(e.opts.Collection, in.ItemID.Hex())
	}
	expectedOv := head.Ov

	if !e.opts.LogicalDelete {
		return e.hardDelete(ctx, in.ItemID, expectedOv)
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
			ItemID: in.ItemID,
			Ov:     newOv,
			Cv:     cv,
			Op:     types.OpDelete,
			At:     now,
			Blob:   head.Blob,
			PrevOv: &prevOv,
		}
		if e.opts.VersioningEnabled {
			if ierr = e.repo.InsertVersion(sessCtx, vr); ierr != nil {
				return ierr
			}
		}
		hr := &types.HeadRecord{
			ID:        in.ItemID,
			Ov:        newOv,
			Cv:        cv,
			Blob:      head.Blob,
			Size:      head.Size,
			Checksum:  head.Checksum,
			CreatedAt: head.CreatedAt,
			UpdatedAt: now,
			DeletedAt: &now,
		}
		if e.opts.DevShadow.Enabled && head.FullShadow != nil {
			shadow := bson.M{}
			for k, v := range head.FullShadow {
				shadow[k] = v
			}
			sys := decodeSystemEnvelope(shadow["_system"])
			sys.Deleted = true
			sys.DeletedAt = &now
			shadow["_system"] = sys
			hr.FullShadow = shadow
		}
		return e.repo.UpsertHead(sessCtx, hr, head.Ov)
	})
	if commitErr != nil {
		payload, _ := bson.Marshal(bson.M{})
		e.classifyAndEnqueue(ctx, "delete", in.ItemID.Hex(), &expectedOv, payload, commitErr)
		return nil, commitErr
	}

	e.emit(events.EventItemDeleted, in.ItemID.Hex(), newOv, cv)
	return &types.MutationResult{ID: in.ItemID, Ov: newOv, Cv: cv, UpdatedAt: &now, DeletedAt: &now}, nil
}

// hardDelete removes every version record and the head document. Blob
// cleanup of the now-orphaned snapshots is the caller's administrative
// responsibility (§4.7): the engine does not walk and delete every
// historical snapshot inline with the mutation's critical section.
func (e *Engine) hardDelete(ctx context.Context, itemID types.ItemID, expectedOv int64) (*types.MutationResult, error) {
	now := nowUTC()
	commitErr := e.commitAtomic(ctx, func(sessCtx context.Context) error {
		if err := e.repo.DeleteVersions(sessCtx, itemID); err != nil {
			return err
		}
		return e.repo.DeleteHead(sessCtx, itemID)
	})
	if commitErr != nil {
		payload, _ := bson.Marshal(bson.M{})
		e.classifyAndEnqueue(ctx, "delete", itemID.Hex(), &expectedOv, payload, commitErr)
		return nil, commitErr
	}
	e.emit(events.EventItemDeleted, itemID.Hex(), expectedOv, 0)
	return &types.MutationResult{ID: itemID, Ov: expectedOv, DeletedAt: &now}, nil
}
