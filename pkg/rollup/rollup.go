// Package rollup builds and reads the periodic manifest snapshots that
// back point-in-time restore once a covering version record has been
// pruned from `_ver` by retention (§7). A manifest is a gzip-compressed
// JSON snapshot of every item's state in a collection as of one cv,
// stored under the deterministic key layout keys.ManifestKey builds.
// Mirrors the teacher's ticker-driven background-loop shape (pkg/lock's
// Reaper, pkg/fallback's Worker), not the teacher's scheduler content.
package rollup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cuemby/chronos-db/pkg/blob"
	"github.com/cuemby/chronos-db/pkg/chronolog"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/config"
	"github.com/cuemby/chronos-db/pkg/keys"
	"github.com/cuemby/chronos-db/pkg/repository"
	"github.com/cuemby/chronos-db/pkg/types"
)

// ManifestItem is one item's state as of the manifest's cv.
type ManifestItem struct {
	ItemID      types.ItemID     `json:"itemId"`
	Ov          int64            `json:"ov"`
	Blob        types.BlobPointer `json:"blob"`
	MetaIndexed bson.M           `json:"metaIndexed,omitempty"`
	Size        *int64           `json:"size,omitempty"`
	Checksum    string           `json:"checksum,omitempty"`
}

// Manifest is the covering snapshot written for one collection as of
// one cv.
type Manifest struct {
	Collection  string         `json:"collection"`
	Cv          int64          `json:"cv"`
	GeneratedAt time.Time      `json:"generatedAt"`
	Items       []ManifestItem `json:"items"`
}

// Find returns the manifest's recorded state for itemID, if present.
func (m *Manifest) Find(itemID types.ItemID) (*ManifestItem, bool) {
	for i := range m.Items {
		if m.Items[i].ItemID == itemID {
			return &m.Items[i], true
		}
	}
	return nil, false
}

// Build pages through every head in the collection, resolving each
// item's version at-or-before cv via the same query collection restore
// uses, and assembles the resulting snapshot into a Manifest. Items with
// no version at or before cv (created after the manifest's cv) are
// omitted; that's consistent with them requiring no pre-cv restore
// target.
func Build(ctx context.Context, repo *repository.Repository, collection string, cv int64) (*Manifest, error) {
	m := &Manifest{Collection: collection, Cv: cv, GeneratedAt: time.Now().UTC()}
	var afterID *types.ItemID
	for {
		page, err := repo.ListHeads(ctx, nil, afterID, 500)
		if err != nil {
			return nil, err
		}
		for i := range page.Items {
			head := page.Items[i]
			vr, err := repo.VersionAtOrBeforeCv(ctx, head.ID, cv)
			if err != nil {
				if chronoserr.IsKind(err, chronoserr.KindNotFound) {
					continue
				}
				return nil, err
			}
			m.Items = append(m.Items, ManifestItem{
				ItemID:      vr.ItemID,
				Ov:          vr.Ov,
				Blob:        vr.Blob,
				MetaIndexed: vr.MetaIndexed,
				Size:        vr.Size,
				Checksum:    vr.Checksum,
			})
		}
		if !page.HasMore || len(page.Items) == 0 {
			break
		}
		last := page.Items[len(page.Items)-1].ID
		afterID = &last
	}
	return m, nil
}

// Write gzips m's JSON encoding and puts it at its deterministic
// manifest key in bucket.
func Write(ctx context.Context, blobStore blob.Adapter, bucket string, m *Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return chronoserr.New(chronoserr.KindValidation, "rollup.Write", err).WithContext(m.Collection, "")
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return chronoserr.New(chronoserr.KindStorageTransient, "rollup.Write", err).WithContext(m.Collection, "")
	}
	if err := gz.Close(); err != nil {
		return chronoserr.New(chronoserr.KindStorageTransient, "rollup.Write", err).WithContext(m.Collection, "")
	}
	key, err := keys.ManifestKey(m.Collection, m.GeneratedAt.Year(), int(m.GeneratedAt.Month()), m.Cv)
	if err != nil {
		return err
	}
	_, err = blobStore.PutRaw(ctx, bucket, key, buf.Bytes(), "application/gzip")
	if err != nil {
		return chronoserr.New(chronoserr.KindExternalization, "rollup.Write", err).WithContext(m.Collection, key)
	}
	return nil
}

// Read scans month prefixes backward from asOf (defaulting to now), up to
// monthsBack months (default 36), and fetches and decodes the first
// manifest key listed under the most recent month that has any. It does
// not choose among several manifests of that month by cv or by time.
func Read(ctx context.Context, blobStore blob.Adapter, bucket, collection string, asOf time.Time, monthsBack int) (*Manifest, error) {
	if monthsBack <= 0 {
		monthsBack = 36
	}
	cursor := asOf
	for i := 0; i < monthsBack; i++ {
		prefix, err := keys.ManifestKey(collection, cursor.Year(), int(cursor.Month()), 0)
		if err == nil {
			monthPrefix := prefix[:len(prefix)-len("snapshot-0.json.gz")]
			page, err := blobStore.List(ctx, bucket, monthPrefix, blob.ListOptions{MaxKeys: 1})
			if err == nil && len(page.Entries) > 0 {
				return readManifestKey(ctx, blobStore, bucket, page.Entries[len(page.Entries)-1].Key)
			}
		}
		cursor = cursor.AddDate(0, -1, 0)
	}
	return nil, chronoserr.New(chronoserr.KindNotFound, "rollup.Read", nil).WithContext(collection, "")
}

func readManifestKey(ctx context.Context, blobStore blob.Adapter, bucket, key string) (*Manifest, error) {
	raw, err := blobStore.GetRaw(ctx, bucket, key)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindNotFound, "rollup.Read", err).WithContext(bucket, key)
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindIntegrity, "rollup.Read", err).WithContext(bucket, key)
	}
	defer gz.Close()
	decoded, err := io.ReadAll(gz)
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindIntegrity, "rollup.Read", err).WithContext(bucket, key)
	}
	var m Manifest
	if err := json.Unmarshal(decoded, &m); err != nil {
		return nil, chronoserr.New(chronoserr.KindIntegrity, "rollup.Read", err).WithContext(bucket, key)
	}
	return &m, nil
}

// Scheduler runs Build+Write on a fixed cadence derived from
// config.Rollup.ManifestPeriod, matching the ticker-driven background
// loop shape of lock.Reaper and fallback.Worker.
type Scheduler struct {
	repo       *repository.Repository
	blobStore  blob.Adapter
	bucket     string
	collection string
	interval   time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler builds a Scheduler. period resolves to a fixed duration:
// daily=24h, weekly=7*24h, monthly=30*24h (approximate; manifests are
// read back by month key regardless of the exact run cadence).
func NewScheduler(repo *repository.Repository, blobStore blob.Adapter, bucket, collection string, period config.RollupPeriod) *Scheduler {
	return &Scheduler{
		repo:       repo,
		blobStore:  blobStore,
		bucket:     bucket,
		collection: collection,
		interval:   intervalFor(period),
	}
}

func intervalFor(period config.RollupPeriod) time.Duration {
	switch period {
	case config.RollupWeekly:
		return 7 * 24 * time.Hour
	case config.RollupMonthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Start begins the rollup loop in a background goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run()
}

// Stop signals the rollup loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	logger := chronolog.WithComponent("rollup-scheduler")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logger.Info().Str("collection", s.collection).Msg("rollup scheduler started")
	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(context.Background()); err != nil {
				logger.Error().Err(err).Msg("rollup pass failed")
			}
		case <-s.stopCh:
			logger.Info().Msg("rollup scheduler stopped")
			return
		}
	}
}

// RunOnce builds and writes one manifest at the collection's current cv,
// used both by the ticker-driven loop and by a one-shot CLI invocation.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	cv, err := s.repo.CounterAtOrBeforeAt(ctx, time.Now().UTC())
	if err != nil {
		if chronoserr.IsKind(err, chronoserr.KindNotFound) {
			return nil
		}
		return err
	}
	m, err := Build(ctx, s.repo, s.collection, cv)
	if err != nil {
		return err
	}
	return Write(ctx, s.blobStore, s.bucket, m)
}
