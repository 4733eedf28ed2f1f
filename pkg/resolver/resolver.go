/*
Package resolver implements the Read/Tiered Resolver (C10): single-item
lookup by current state, exact ov, or as-of timestamp; metadata-filtered
listing with cursor pagination; and the generic/domain/tenant tiered
lookup used by Knowledge/Metadata databases, in first-match and deep-
merge modes (§4.10). Grounded on the teacher's pkg/client query-shape
(thin wrapper translating a typed request into the store's native
filter), generalized from single-backend lookups to the Router's
multi-tier candidate set.
*/
package resolver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cuemby/chronos-db/pkg/blob"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/engine"
	"github.com/cuemby/chronos-db/pkg/repository"
	"github.com/cuemby/chronos-db/pkg/types"
)

// Backend pairs one tier's Repository with the blob.Adapter its
// snapshots live in.
type Backend struct {
	Repo      *repository.Repository
	BlobStore blob.Adapter
}

// Resolver reads items back out of one Backend (single-tier case); tiered
// lookups are driven by GetTiered against an ordered []Backend instead.
type Resolver struct {
	backend Backend
}

// New builds a Resolver over one backend.
func New(backend Backend) *Resolver {
	return &Resolver{backend: backend}
}

// GetItemOptions controls GetItem's lookup mode and response shape.
// Ov and At are mutually exclusive; when neither is set the current
// head state is returned.
type GetItemOptions struct {
	Ov             *int64
	At             *time.Time
	IncludeDeleted bool
	IncludeMeta    bool
	Projection     []string
	Presign        bool
	TTLSeconds     int
}

// GetItemResult is the uniform response envelope. MetaIndexed/Ov/Cv/At/
// DeletedAt are only populated when opts.IncludeMeta is set (§4.10:
// bare {id,item} vs full envelope).
type GetItemResult struct {
	ID          types.ItemID
	Item        bson.M
	Ov          int64
	Cv          int64
	At          time.Time
	MetaIndexed bson.M
	DeletedAt   *time.Time
}

// GetItem resolves one item from the configured backend per opts.
func (r *Resolver) GetItem(ctx context.Context, itemID types.ItemID, opts GetItemOptions) (*GetItemResult, error) {
	return getItem(ctx, r.backend, itemID, opts)
}

func getItem(ctx context.Context, b Backend, itemID types.ItemID, opts GetItemOptions) (*GetItemResult, error) {
	if opts.Ov != nil && opts.At != nil {
		return nil, chronoserr.New(chronoserr.KindValidation, "resolver.GetItem", nil)
	}

	var (
		blobPtr     types.BlobPointer
		ov, cv      int64
		at          time.Time
		metaIndexed bson.M
		deletedAt   *time.Time
	)

	if opts.Ov != nil || opts.At != nil {
		vr, err := b.Repo.VersionAt(ctx, itemID, opts.Ov, opts.At)
		if err != nil {
			return nil, err
		}
		blobPtr, ov, cv, at, metaIndexed = vr.Blob, vr.Ov, vr.Cv, vr.At, vr.MetaIndexed
	} else {
		head, err := b.Repo.GetHead(ctx, itemID)
		if err != nil {
			return nil, err
		}
		if head.DeletedAt != nil && !opts.IncludeDeleted {
			return nil, chronoserr.New(chronoserr.KindNotFound, "resolver.GetItem", nil).
				WithContext("", itemID.Hex())
		}
		blobPtr, ov, cv, at, metaIndexed, deletedAt = head.Blob, head.Ov, head.Cv, head.UpdatedAt, head.MetaIndexed, head.DeletedAt
	}

	var item bson.M
	if err := b.BlobStore.GetJSON(ctx, blobPtr.Bucket, blobPtr.Key, &item); err != nil {
		return nil, err
	}

	if len(opts.Projection) > 0 {
		item = project(item, opts.Projection)
	}
	if opts.Presign {
		ttl := time.Duration(opts.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 15 * time.Minute
		}
		if err := presignRefs(ctx, b.BlobStore, item, ttl); err != nil {
			return nil, err
		}
	}

	return &GetItemResult{
		ID: itemID, Item: item, Ov: ov, Cv: cv, At: at,
		MetaIndexed: metaIndexed, DeletedAt: deletedAt,
	}, nil
}

func project(doc bson.M, fields []string) bson.M {
	out := bson.M{}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

// presignRefs walks doc for `{ref: {contentBucket, blobKey}}` shapes
// left behind by externalization and adds a presigned "url" alongside
// the descriptor, recursing into nested maps and arrays.
func presignRefs(ctx context.Context, blobStore blob.Adapter, v interface{}, ttl time.Duration) error {
	switch val := v.(type) {
	case map[string]interface{}:
		return presignRefs(ctx, blobStore, bson.M(val), ttl)
	case []interface{}:
		return presignRefs(ctx, blobStore, bson.A(val), ttl)
	case bson.M:
		ref, ok := val["ref"].(bson.M)
		if m, isMap := val["ref"].(map[string]interface{}); isMap {
			ref, ok = bson.M(m), true
		}
		if ok {
			bucket, _ := ref["contentBucket"].(string)
			key, _ := ref["blobKey"].(string)
			if bucket != "" && key != "" {
				url, err := blobStore.PresignGet(ctx, bucket, key, ttl)
				if err != nil {
					return err
				}
				ref["url"] = url
			}
			return nil
		}
		for _, nested := range val {
			if err := presignRefs(ctx, blobStore, nested, ttl); err != nil {
				return err
			}
		}
	case bson.A:
		for _, nested := range val {
			if err := presignRefs(ctx, blobStore, nested, ttl); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListInput drives ListByMetadata's safe filter + sort + cursor page.
type ListInput struct {
	Filters  []repository.MetaFilter
	AfterID  *types.ItemID
	Limit    int
}

// ListByMetadata lists head records matching Filters, restricted to the
// allow-listed operator set (§4.4/§4.10).
func (r *Resolver) ListByMetadata(ctx context.Context, in ListInput) (*repository.ListPage, error) {
	filter, err := repository.BuildFilter(in.Filters)
	if err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 100
	}
	return r.backend.Repo.ListHeads(ctx, filter, in.AfterID, limit)
}

// Tier is one named backend in a generic/domain/tenant candidate chain.
type Tier struct {
	Name    string
	Backend Backend
}

// TieredResult is GetTiered's response: the resolved record plus which
// tier(s) contributed it.
type TieredResult struct {
	Item              bson.M
	MatchedTier       string   // set only in first-match mode
	ContributingTiers []string // set only in merge mode
}

// GetTiered scans tiers (ordered tenant→domain→generic by caller
// convention) for itemID. merge=false returns the first tier with a
// record; merge=true instead scans generic→domain→tenant and deep-merges
// every tier that has the item, following Enrich's merge rules, so more
// specific tiers win field-level conflicts (§4.10).
func GetTiered(ctx context.Context, tiers []Tier, itemID types.ItemID, merge bool) (*TieredResult, error) {
	if !merge {
		for _, t := range tiers {
			res, err := getItem(ctx, t.Backend, itemID, GetItemOptions{})
			if err == nil {
				return &TieredResult{Item: res.Item, MatchedTier: t.Name}, nil
			}
			if !chronoserr.IsKind(err, chronoserr.KindNotFound) {
				return nil, err
			}
		}
		return nil, chronoserr.New(chronoserr.KindNotFound, "resolver.GetTiered", nil).WithContext("", itemID.Hex())
	}

	reversed := make([]Tier, len(tiers))
	for i, t := range tiers {
		reversed[len(tiers)-1-i] = t
	}

	var merged bson.M
	var contributing []string
	for _, t := range reversed {
		res, err := getItem(ctx, t.Backend, itemID, GetItemOptions{})
		if err != nil {
			if chronoserr.IsKind(err, chronoserr.KindNotFound) {
				continue
			}
			return nil, err
		}
		contributing = append(contributing, t.Name)
		if merged == nil {
			merged = res.Item
		} else {
			merged = engine.DeepMerge(merged, res.Item)
		}
	}
	if merged == nil {
		return nil, chronoserr.New(chronoserr.KindNotFound, "resolver.GetTiered", nil).WithContext("", itemID.Hex())
	}
	return &TieredResult{Item: merged, ContributingTiers: contributing}, nil
}
