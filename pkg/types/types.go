// Package types defines the Chronos-DB data model: the Item, Version
// Record, Head Record, Collection Counter, Transaction Lock, and
// Fallback Operation entities from spec §3, plus the system envelope
// embedded in every stored payload.
package types

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ItemID is the 12-byte opaque identifier for an Item. A Mongo
// primitive.ObjectID already satisfies "12-byte opaque" exactly, so it is
// reused directly rather than hand-rolled.
type ItemID = primitive.ObjectID

// NewItemID allocates a fresh ItemID.
func NewItemID() ItemID { return primitive.NewObjectID() }

// ParseItemID parses a hex-encoded ItemID.
func ParseItemID(hex string) (ItemID, error) { return primitive.ObjectIDFromHex(hex) }

// Op is the kind of mutation a Version Record records.
type Op string

const (
	OpCreate  Op = "CREATE"
	OpUpdate  Op = "UPDATE"
	OpDelete  Op = "DELETE"
	OpRestore Op = "RESTORE"
)

// State reflects whether a snapshot blob write has been confirmed by the
// doc-store commit. A persisted HR/VR is never observed with
// StateNewNotSynched; only a raw blob written by an interrupted mutation
// can surface it to a reader (see SPEC_FULL.md §3).
type State string

const (
	StateNewNotSynched State = "new-not-synched"
	StateSynched        State = "synched"
)

// BlobPointer locates a snapshot or part within a bucket.
type BlobPointer struct {
	Bucket string `bson:"bucket" json:"bucket"`
	Key    string `bson:"key" json:"key"`
}

// BlobRefDescriptor replaces an externalized payload property. It never
// appears with the raw bytes alongside it.
type BlobRefDescriptor struct {
	ContentBucket string `bson:"contentBucket" json:"contentBucket"`
	BlobKey       string `bson:"blobKey" json:"blobKey"`
	TextKey       string `bson:"textKey,omitempty" json:"textKey,omitempty"`
}

// BlobRef is the wrapper shape `{ref: {...}}` a transformed payload carries
// in place of an externalized field's raw value.
type BlobRef struct {
	Ref BlobRefDescriptor `bson:"ref" json:"ref"`
}

// SystemEnvelope is embedded in every stored payload under `_system`.
type SystemEnvelope struct {
	InsertedAt       time.Time `bson:"insertedAt" json:"insertedAt"`
	UpdatedAt        time.Time `bson:"updatedAt" json:"updatedAt"`
	DeletedAt        *time.Time `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
	Deleted          bool      `bson:"deleted" json:"deleted"`
	FunctionIDs      []string  `bson:"functionIds,omitempty" json:"functionIds,omitempty"`
	ParentID         string    `bson:"parentId,omitempty" json:"parentId,omitempty"`
	ParentCollection string    `bson:"parentCollection,omitempty" json:"parentCollection,omitempty"`
	OriginID         string    `bson:"originId,omitempty" json:"originId,omitempty"`
	OriginCollection string    `bson:"originCollection,omitempty" json:"originCollection,omitempty"`
	State            State     `bson:"state" json:"state"`
}

// Lineage carries the optional parent/origin edges a caller may supply at
// creation time.
type Lineage struct {
	ParentID         string
	ParentCollection string
	OriginID         string
	OriginCollection string
}

// VersionRecord (VR) is the immutable snapshot describing one write.
type VersionRecord struct {
	ItemID      ItemID      `bson:"itemId" json:"itemId"`
	Ov          int64       `bson:"ov" json:"ov"`
	Cv          int64       `bson:"cv" json:"cv"`
	Op          Op          `bson:"op" json:"op"`
	At          time.Time   `bson:"at" json:"at"`
	Actor       string      `bson:"actor,omitempty" json:"actor,omitempty"`
	Reason      string      `bson:"reason,omitempty" json:"reason,omitempty"`
	Blob        BlobPointer `bson:"blob" json:"blob"`
	MetaIndexed bson.M      `bson:"metaIndexed,omitempty" json:"metaIndexed,omitempty"`
	Size        *int64      `bson:"size,omitempty" json:"size,omitempty"`
	Checksum    string      `bson:"checksum,omitempty" json:"checksum,omitempty"`
	PrevOv      *int64      `bson:"prevOv,omitempty" json:"prevOv,omitempty"`
}

// HeadRecord (HR) is the mutable pointer to the latest VR for an item.
type HeadRecord struct {
	ID          ItemID      `bson:"_id" json:"id"`
	Ov          int64       `bson:"ov" json:"ov"`
	Cv          int64       `bson:"cv" json:"cv"`
	Blob        BlobPointer `bson:"blob" json:"blob"`
	MetaIndexed bson.M      `bson:"metaIndexed,omitempty" json:"metaIndexed,omitempty"`
	Size        *int64      `bson:"size,omitempty" json:"size,omitempty"`
	Checksum    string      `bson:"checksum,omitempty" json:"checksum,omitempty"`
	CreatedAt   time.Time   `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time   `bson:"updatedAt" json:"updatedAt"`
	DeletedAt   *time.Time  `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
	FullShadow  bson.M      `bson:"fullShadow,omitempty" json:"fullShadow,omitempty"`
}

// CollectionCounter (CC) holds the current cv value for a collection.
type CollectionCounter struct {
	ID  string `bson:"_id" json:"id"`
	Cv  int64  `bson:"cv" json:"cv"`
}

// TransactionLock (TL) is the per-item advisory lock.
type TransactionLock struct {
	ID        string    `bson:"_id" json:"id"`
	ItemID    ItemID    `bson:"itemId" json:"itemId"`
	Operation string    `bson:"operation" json:"operation"`
	LockedAt  time.Time `bson:"lockedAt" json:"lockedAt"`
	ExpiresAt time.Time `bson:"expiresAt" json:"expiresAt"`
	ServerID  string    `bson:"serverId" json:"serverId"`
	RequestID string    `bson:"requestId,omitempty" json:"requestId,omitempty"`
}

// FallbackOperation (FO) is a persisted failed mutation awaiting retry.
type FallbackOperation struct {
	ID             string         `bson:"_id" json:"id"`
	Kind           string         `bson:"kind" json:"kind"` // create|update|delete|enrich|restore
	Collection     string         `bson:"collection" json:"collection"`
	ItemID         ItemID         `bson:"itemId" json:"itemId"`
	RouteKey       string         `bson:"routeKey" json:"routeKey"`
	Payload        bson.Raw       `bson:"payload,omitempty" json:"payload,omitempty"`
	ExpectedOv     *int64         `bson:"expectedOv,omitempty" json:"expectedOv,omitempty"`
	Attempts       int            `bson:"attempts" json:"attempts"`
	NextAttemptAt  time.Time      `bson:"nextAttemptAt" json:"nextAttemptAt"`
	FirstAttemptAt time.Time      `bson:"firstAttemptAt" json:"firstAttemptAt"`
	LastError      string         `bson:"lastError,omitempty" json:"lastError,omitempty"`
	History        []HistoryEntry `bson:"history,omitempty" json:"history,omitempty"`
}

// HistoryEntry records one failed attempt for dead-letter diagnostics.
type HistoryEntry struct {
	At    time.Time `bson:"at" json:"at"`
	Error string    `bson:"error" json:"error"`
}

// MutationResult is the uniform success shape every mutation returns.
type MutationResult struct {
	ID        ItemID     `json:"id"`
	Ov        int64      `json:"ov"`
	Cv        int64      `json:"cv"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}
