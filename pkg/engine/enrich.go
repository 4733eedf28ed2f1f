package engine

import (
	"context"
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cuemby/chronos-db/pkg/events"
	"github.com/cuemby/chronos-db/pkg/types"
)

// DeepMerge exposes the §4.8 deep-merge-with-array-union algorithm for
// the tiered resolver's merge=true lookup mode (§4.10), which combines
// generic/domain/tenant records using the same merge rules as Enrich.
func DeepMerge(target, patch bson.M) bson.M {
	return deepMergeArrayUnion(target, patch)
}

// EnrichInput is one deep-merge patch against the current snapshot.
type EnrichInput struct {
	ItemID     types.ItemID
	Patch      bson.M
	FunctionID string
}

// Enrich deep-merges Patch onto the item's current snapshot and commits
// the result as a new version, exactly as Update does, following §4.8's
// merge rules: nested objects recurse, arrays union with first-seen
// order preserved, everything else is replaced by the patch value.
// FunctionID, when set, is appended to _system.functionIds if not
// already present.
func (e *Engine) Enrich(ctx context.Context, in EnrichInput) (*types.MutationResult, error) {
	return e.enrichBatch(ctx, in.ItemID, []bson.M{in.Patch}, in.FunctionID)
}

// BatchEnrichInput applies a list of patches in order against the
// evolving in-memory target before a single blob write and commit
// (§4.8's batch enrich).
type BatchEnrichInput struct {
	ItemID     types.ItemID
	Patches    []bson.M
	FunctionID string
}

// BatchEnrich is Enrich with multiple patches folded into one version.
func (e *Engine) BatchEnrich(ctx context.Context, in BatchEnrichInput) (*types.MutationResult, error) {
	return e.enrichBatch(ctx, in.ItemID, in.Patches, in.FunctionID)
}

func (e *Engine) enrichBatch(ctx context.Context, itemID types.ItemID, patches []bson.M, functionID string) (*types.MutationResult, error) {
	mc := &mutationContext{itemID: itemID}
	lease, err := e.locks.Acquire(ctx, itemID, "ENRICH", "")
	if err != nil {
		return nil, err
	}
	mc.lease = lease
	defer e.releaseLock(ctx, mc)

	head, err := e.repo.GetHead(ctx, itemID)
	if err != nil {
		return nil, err
	}

	target, err := e.currentSnapshot(ctx, itemID, head)
	if err != nil {
		return nil, err
	}

	merged := target
	for _, patch := range patches {
		merged = deepMergeArrayUnion(merged, patch)
	}
	if canonicalEqual(merged, target) {
		return &types.MutationResult{ID: itemID, Ov: head.Ov, Cv: head.Cv, UpdatedAt: &head.UpdatedAt}, nil
	}
	target = merged

	var prevSystem types.SystemEnvelope
	if sys, ok := target["_system"]; ok {
		prevSystem = decodeSystemEnvelope(sys)
	}
	functionIDs := prevSystem.FunctionIDs
	if functionID != "" && !contains(functionIDs, functionID) {
		functionIDs = append(functionIDs, functionID)
	}

	newOv := head.Ov + 1
	res, err := e.extern.Externalize(ctx, e.opts.Collection, itemID.Hex(), newOv, stripSystem(target), e.opts.CollectionMap)
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
		FunctionIDs:      functionIDs,
		ParentID:         prevSystem.ParentID,
		ParentCollection: prevSystem.ParentCollection,
		OriginID:         prevSystem.OriginID,
		OriginCollection: prevSystem.OriginCollection,
	}
	transformed := res.Transformed
	transformed["_system"] = system

	blobPtr, putRes, err := e.putSnapshot(ctx, itemID.Hex(), newOv, transformed)
	if err != nil {
		e.compensate(ctx, mc)
		return nil, err
	}
	mc.writtenBlobKeys = append(mc.writtenBlobKeys, blobPtr)
	system.State = types.StateSynched
	transformed["_system"] = system
	blobPtr, putRes, err = e.putSnapshot(ctx, itemID.Hex(), newOv, transformed)
	if err != nil {
		e.compensate(ctx, mc)
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
			ItemID:      itemID,
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
			ID:          itemID,
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
		return nil, commitErr
	}

	e.emit(events.EventItemEnriched, itemID.Hex(), newOv, cv)
	return &types.MutationResult{ID: itemID, Ov: newOv, Cv: cv, UpdatedAt: &now}, nil
}

// currentSnapshot returns the full payload backing head: the embedded
// shadow when present, otherwise the item.json snapshot read back from
// the versions bucket.
func (e *Engine) currentSnapshot(ctx context.Context, itemID types.ItemID, head *types.HeadRecord) (bson.M, error) {
	if head.FullShadow != nil {
		return head.FullShadow, nil
	}
	var doc bson.M
	if err := e.blobStore.GetJSON(ctx, head.Blob.Bucket, head.Blob.Key, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func stripSystem(m bson.M) bson.M {
	out := bson.M{}
	for k, v := range m {
		if k == "_system" {
			continue
		}
		out[k] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// deepMergeArrayUnion merges patch onto target per §4.8: nested objects
// recurse; arrays union with first-seen order preserved using JSON-
// canonical equality for scalar/object elements; anything else is
// replaced wholesale by the patch value.
func deepMergeArrayUnion(target, patch bson.M) bson.M {
	if target == nil {
		target = bson.M{}
	}
	out := bson.M{}
	for k, v := range target {
		out[k] = v
	}
	for k, pv := range patch {
		tv, exists := out[k]
		if !exists {
			out[k] = pv
			continue
		}
		tMap, tIsMap := asDeepMap(tv)
		pMap, pIsMap := asDeepMap(pv)
		if tIsMap && pIsMap {
			out[k] = deepMergeArrayUnion(tMap, pMap)
			continue
		}
		tArr, tIsArr := asDeepArray(tv)
		pArr, pIsArr := asDeepArray(pv)
		if tIsArr && pIsArr {
			out[k] = unionArrays(tArr, pArr)
			continue
		}
		out[k] = pv
	}
	return out
}

func asDeepMap(v interface{}) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]interface{}:
		return bson.M(m), true
	default:
		return nil, false
	}
}

func asDeepArray(v interface{}) ([]interface{}, bool) {
	switch a := v.(type) {
	case bson.A:
		return []interface{}(a), true
	case []interface{}:
		return a, true
	default:
		return nil, false
	}
}

// unionArrays preserves a's order, then appends any element of b not
// already present in a, using JSON-canonical value equality.
func unionArrays(a, b []interface{}) []interface{} {
	out := append([]interface{}{}, a...)
	for _, bv := range b {
		found := false
		for _, av := range out {
			if canonicalEqual(av, bv) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, bv)
		}
	}
	return out
}

// canonicalEqual compares two values by their JSON encoding (map keys
// sorted, so key order does not matter), since map/slice values can't be
// compared with ==.
func canonicalEqual(a, b interface{}) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}
