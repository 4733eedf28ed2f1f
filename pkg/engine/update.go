package engine

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/events"
	"github.com/cuemby/chronos-db/pkg/types"
)

// UpdateInput is the caller-supplied payload for Update. ExpectedOv, when
// set, must match the current HeadRecord.Ov or the mutation fails
// OptimisticLock; when nil the value read under the lock is used as the
// commit predicate instead, so every UPDATE commit is optimistic-lock
// guarded regardless of whether the caller opted in (§4.7).
type UpdateInput struct {
	ItemID     types.ItemID
	Payload    bson.M
	ExpectedOv *int64
}

// Update runs the same pipeline as Create against an existing item,
// advancing ov by one and preserving insertedAt/lineage from the prior
// snapshot.
func (e *Engine) Update(ctx context.Context, in UpdateInput) (*types.MutationResult, error) {
	mc := &mutationContext{itemID: in.ItemID}
	lease, err := e.locks.Acquire(ctx, in.ItemID, string(types.OpUpdate), "")
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
		return nil, chronoserr.New(chronoserr.KindOptimisticLock, "engine.Update", nil).
			WithContext(e.opts.Collection, in.ItemID.Hex())
	}
	expectedOv := head.Ov

	var prevSystem types.SystemEnvelope
	prev, err := e.currentSnapshot(ctx, in.ItemID, head)
	if err != nil {
		return nil, err
	}
	if sys, ok := prev["_system"]; ok {
		prevSystem = decodeSystemEnvelope(sys)
	}

	newOv := head.Ov + 1
	res, err := e.extern.Externalize(ctx, e.opts.Collection, in.ItemID.Hex(), newOv, in.Payload, e.opts.CollectionMap)
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
		InsertedAt:       firstNonZeroTime(prevSystem.InsertedAt, head.CreatedAt),
		UpdatedAt:        now,
		State:            types.StateNewNotSynched,
		FunctionIDs:      prevSystem.FunctionIDs,
		ParentID:         prevSystem.ParentID,
		ParentCollection: prevSystem.ParentCollection,
		OriginID:         prevSystem.OriginID,
		OriginCollection: prevSystem.OriginCollection,
	}
	transformed := res.Transformed
	transformed["_system"] = system

	blobPtr, putRes, err := e.putSnapshot(ctx, in.ItemID.Hex(), newOv, transformed)
	if err != nil {
		e.compensate(ctx, mc)
		payload, _ := bson.Marshal(in.Payload)
		e.classifyAndEnqueue(ctx, "update", in.ItemID.Hex(), &expectedOv, payload, err)
		return nil, err
	}
	mc.writtenBlobKeys = append(mc.writtenBlobKeys, blobPtr)
	system.State = types.StateSynched
	transformed["_system"] = system
	blobPtr, putRes, err = e.putSnapshot(ctx, in.ItemID.Hex(), newOv, transformed)
	if err != nil {
		e.compensate(ctx, mc)
		payload, _ := bson.Marshal(in.Payload)
		e.classifyAndEnqueue(ctx, "update", in.ItemID.Hex(), &expectedOv, payload, err)
		return nil, err
	}

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
			Op:          types.OpUpdate,
			At:          now,
			Blob:        blobPtr,
			MetaIndexed: res.MetaIndexed,
			Size:        putRes.Size,
			Checksum:    putRes.Checksum,
			PrevOv:      &prevOv,
		}
		if e.opts.VersioningEnabled {
			if ierr = e.repo.InsertVersion(sessCtx, vr); ierr != nil {
				return ierr
			}
		}
		hr := &types.HeadRecord{
			ID:          in.ItemID,
			Ov:          newOv,
			Cv:          cv,
			Blob:        blobPtr,
			MetaIndexed: res.MetaIndexed,
			Size:        putRes.Size,
			Checksum:    putRes.Checksum,
			CreatedAt:   head.CreatedAt,
			UpdatedAt:   now,
		}
		if e.opts.DevShadow.Enabled {
			hr.FullShadow = transformed
		}
		return e.repo.UpsertHead(sessCtx, hr, head.Ov)
	})
	if commitErr != nil {
		e.compensate(ctx, mc)
		payload, _ := bson.Marshal(in.Payload)
		e.classifyAndEnqueue(ctx, "update", in.ItemID.Hex(), &expectedOv, payload, commitErr)
		return nil, commitErr
	}

	e.emit(events.EventItemUpdated, in.ItemID.Hex(), newOv, cv)
	return &types.MutationResult{ID: in.ItemID, Ov: newOv, Cv: cv, UpdatedAt: &now}, nil
}

func decodeSystemEnvelope(v interface{}) types.SystemEnvelope {
	var sys types.SystemEnvelope
	if raw, err := bson.Marshal(v); err == nil && bson.Unmarshal(raw, &sys) == nil {
		return sys
	}
	// A snapshot read back from the blob store holds JSON-decoded values
	// (RFC 3339 time strings), which the BSON decoder rejects.
	sys = types.SystemEnvelope{}
	if raw, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(raw, &sys)
	}
	return sys
}

func firstNonZeroTime(a, b time.Time) time.Time {
	if !a.IsZero() {
		return a
	}
	return b
}
