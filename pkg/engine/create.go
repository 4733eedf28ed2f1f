package engine

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/events"
	"github.com/cuemby/chronos-db/pkg/types"
)

// CreateInput is the caller-supplied payload for Create. ItemID is
// optional: when zero-valued a fresh one is allocated, matching the
// fallback worker's need to carry a preallocated id into a retried
// CREATE (§4.11: CREATE retries are idempotent on itemId+ov=0).
type CreateInput struct {
	ItemID  types.ItemID
	Payload bson.M
	Lineage types.Lineage
}

// Create runs Validate → AcquireLock → Externalize → PutSnapshotBlob →
// DocStoreCommit → ReleaseLock → Emit(Events) (§4.7). On any failure past
// the lock acquisition it compensates: deletes whatever blob keys were
// written before returning the classified error, possibly enqueuing a
// fallback retry.
func (e *Engine) Create(ctx context.Context, in CreateInput) (*types.MutationResult, error) {
	if in.Payload == nil {
		return nil, chronoserr.New(chronoserr.KindValidation, "engine.Create", fmt.Errorf("payload must not be nil"))
	}
	itemID := in.ItemID
	if itemID.IsZero() {
		itemID = types.NewItemID()
	}

	mc := &mutationContext{itemID: itemID}
	lease, err := e.locks.Acquire(ctx, itemID, string(types.OpCreate), "")
	if err != nil {
		return nil, err
	}
	mc.lease = lease
	defer e.releaseLock(ctx, mc)

	res, err := e.extern.Externalize(ctx, e.opts.Collection, itemID.Hex(), 0, in.Payload, e.opts.CollectionMap)
	if err != nil {
		if res != nil {
			mc.writtenBlobKeys = res.WrittenKeys
		}
		e.compensate(ctx, mc)
		return nil, err
	}
	mc.writtenBlobKeys = res.WrittenKeys

	now := nowUTC()
	system := types.SystemEnvelope{
		InsertedAt:       now,
		UpdatedAt:        now,
		State:            types.StateNewNotSynched,
		ParentID:         in.Lineage.ParentID,
		ParentCollection: in.Lineage.ParentCollection,
		OriginID:         in.Lineage.OriginID,
		OriginCollection: in.Lineage.OriginCollection,
	}
	transformed := res.Transformed
	transformed["_system"] = system

	blobPtr, putRes, err := e.putSnapshot(ctx, itemID.Hex(), 0, transformed)
	if err != nil {
		e.compensate(ctx, mc)
		payload, _ := bson.Marshal(in.Payload)
		e.classifyAndEnqueue(ctx, "create", itemID.Hex(), nil, payload, err)
		return nil, err
	}
	mc.writtenBlobKeys = append(mc.writtenBlobKeys, blobPtr)
	system.State = types.StateSynched
	transformed["_system"] = system
	blobPtr, putRes, err = e.putSnapshot(ctx, itemID.Hex(), 0, transformed)
	if err != nil {
		e.compensate(ctx, mc)
		payload, _ := bson.Marshal(in.Payload)
		e.classifyAndEnqueue(ctx, "create", itemID.Hex(), nil, payload, err)
		return nil, err
	}

	var cv int64
	commitErr := e.commitAtomic(ctx, func(sessCtx context.Context) error {
		var ierr error
		cv, ierr = e.repo.IncCv(sessCtx)
		if ierr != nil {
			return ierr
		}
		vr := &types.VersionRecord{
			ItemID:      itemID,
			Ov:          0,
			Cv:          cv,
			Op:          types.OpCreate,
			At:          now,
			Blob:        blobPtr,
			MetaIndexed: res.MetaIndexed,
			Size:        putRes.Size,
			Checksum:    putRes.Checksum,
		}
		if e.opts.VersioningEnabled {
			if ierr = e.repo.InsertVersion(sessCtx, vr); ierr != nil {
				return ierr
			}
		}
		hr := &types.HeadRecord{
			ID:          itemID,
			Ov:          0,
			Cv:          cv,
			Blob:        blobPtr,
			MetaIndexed: res.MetaIndexed,
			Size:        putRes.Size,
			Checksum:    putRes.Checksum,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if e.opts.DevShadow.Enabled {
			hr.FullShadow = transformed
		}
		return e.repo.UpsertHead(sessCtx, hr, -1)
	})
	if commitErr != nil {
		e.compensate(ctx, mc)
		payload, _ := bson.Marshal(in.Payload)
		e.classifyAndEnqueue(ctx, "create", itemID.Hex(), nil, payload, commitErr)
		return nil, commitErr
	}

	e.emit(events.EventItemCreated, itemID.Hex(), 0, cv)
	return &types.MutationResult{ID: itemID, Ov: 0, Cv: cv, CreatedAt: &now, UpdatedAt: &now}, nil
}

// CreateIdempotent retries a CREATE that a prior attempt may have
// partially completed, without relying on Create's plain insert path
// (§4.11). The unique (itemId, ov) index on the version collection
// rejects a second ov=0 insert, so a naive retry of an attempt whose VR
// landed but whose HR upsert never did would fail forever. This checks
// what already landed before deciding what to do:
//
//  1. A head already exists: the prior attempt fully committed. Return
//     its current state as-is.
//  2. No head, but an ov=0 version record exists: the prior attempt's
//     VR insert succeeded but the HR upsert never reached the doc
//     store. Finish the commit from that VR's fields without inserting
//     a second VR.
//  3. Neither exists: this is a genuinely fresh attempt. Fall through
//     to Create.
func (e *Engine) CreateIdempotent(ctx context.Context, in CreateInput) (*types.MutationResult, error) {
	if in.ItemID.IsZero() {
		return e.Create(ctx, in)
	}

	if head, err := e.repo.GetHead(ctx, in.ItemID); err == nil {
		return &types.MutationResult{ID: in.ItemID, Ov: head.Ov, Cv: head.Cv, CreatedAt: &head.CreatedAt, UpdatedAt: &head.UpdatedAt}, nil
	} else if !chronoserr.IsKind(err, chronoserr.KindNotFound) {
		return nil, err
	}

	vr, err := e.repo.LatestVersion(ctx, in.ItemID)
	if err != nil {
		if chronoserr.IsKind(err, chronoserr.KindNotFound) {
			return e.Create(ctx, in)
		}
		return nil, err
	}
	if vr.Ov != 0 {
		return e.Create(ctx, in)
	}

	mc := &mutationContext{itemID: in.ItemID}
	lease, err := e.locks.Acquire(ctx, in.ItemID, string(types.OpCreate), "")
	if err != nil {
		return nil, err
	}
	mc.lease = lease
	defer e.releaseLock(ctx, mc)

	now := nowUTC()
	var cv int64
	commitErr := e.commitAtomic(ctx, func(sessCtx context.Context) error {
		var ierr error
		cv, ierr = e.repo.IncCv(sessCtx)
		if ierr != nil {
			return ierr
		}
		hr := &types.HeadRecord{
			ID:          in.ItemID,
			Ov:          0,
			Cv:          cv,
			Blob:        vr.Blob,
			MetaIndexed: vr.MetaIndexed,
			Size:        vr.Size,
			Checksum:    vr.Checksum,
			CreatedAt:   vr.At,
			UpdatedAt:   now,
		}
		return e.repo.UpsertHead(sessCtx, hr, -1)
	})
	if commitErr != nil {
		return nil, commitErr
	}

	e.emit(events.EventItemCreated, in.ItemID.Hex(), 0, cv)
	return &types.MutationResult{ID: in.ItemID, Ov: 0, Cv: cv, CreatedAt: &vr.At, UpdatedAt: &now}, nil
}
