/*
Package router implements the deterministic multi-backend router (C3): it
maps a RouteContext to a concrete (doc-store connection, blob-store
connection, resolved database name, bucket set) tuple, choosing among
multiple configured connection pairs via Rendezvous (HRW) or Jump
consistent hashing. Connection pools are cached by URI in a process-wide
registry, the same lazy-instantiate-and-cache-by-key shape the teacher
uses for its embedded runtime handles in pkg/runtime.
*/
package router

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cuemby/chronos-db/pkg/blob"
	"github.com/cuemby/chronos-db/pkg/blob/fs"
	"github.com/cuemby/chronos-db/pkg/blob/s3"
	"github.com/cuemby/chronos-db/pkg/chronolog"
	"github.com/cuemby/chronos-db/pkg/chronoserr"
	"github.com/cuemby/chronos-db/pkg/config"
)

// DatabaseType selects the tier family (§4.3).
type DatabaseType string

const (
	DatabaseTypeMetadata   DatabaseType = "metadata"
	DatabaseTypeKnowledge  DatabaseType = "knowledge"
	DatabaseTypeRuntime    DatabaseType = "runtime"
	DatabaseTypeLogs       DatabaseType = "logs"
	DatabaseTypeMessaging  DatabaseType = "messaging"
	DatabaseTypeIdentities DatabaseType = "identities"
)

// Tier specifies scope within a database type. Runtime only allows Tenant.
type Tier string

const (
	TierGeneric Tier = "generic"
	TierDomain  Tier = "domain"
	TierTenant  Tier = "tenant"
)

// RouteContext carries every recognized routing option (§4.3).
type RouteContext struct {
	DatabaseType       DatabaseType
	Tier               Tier
	TenantID           string
	Domain             string
	Collection         string
	ItemID             string
	ForcedBackendIndex *int
}

func (rc RouteContext) validate() error {
	if rc.Collection == "" {
		return chronoserr.New(chronoserr.KindValidation, "router.Resolve", fmt.Errorf("collection is required"))
	}
	if rc.DatabaseType == DatabaseTypeRuntime && rc.Tier != TierTenant {
		return chronoserr.New(chronoserr.KindValidation, "router.Resolve", fmt.Errorf("runtime database type only allows tier=tenant"))
	}
	if rc.Tier == TierTenant && rc.TenantID == "" {
		return chronoserr.New(chronoserr.KindValidation, "router.Resolve", fmt.Errorf("tenantId is required for tier=tenant"))
	}
	if rc.Tier == TierDomain && rc.Domain == "" {
		return chronoserr.New(chronoserr.KindValidation, "router.Resolve", fmt.Errorf("domain is required for tier=domain"))
	}
	return nil
}

// Buckets is the four-bucket set resolved for a routed database entry.
type Buckets struct {
	Records  string
	Versions string
	Content  string
	Backups  string
}

// Route is the resolution result: concrete handles plus the resolved
// database name and bucket set.
type Route struct {
	Doc             *mongo.Client
	DatabaseName    string
	AnalyticsDbName string
	Blob            blob.Adapter
	Buckets         Buckets
}

type pooledBlob struct {
	adapter  blob.Adapter
	refcount int
}

// Router resolves RouteContexts against a loaded configuration, caching
// connection pools by URI.
type Router struct {
	cfg *config.Config

	mu       sync.Mutex
	docPools map[string]*mongo.Client
	blobPools map[string]*pooledBlob
}

// New builds a Router over cfg. Cardinality validation between paired
// doc-store/blob-store connection pools happens here, at Init time, never
// at request time (§4.3).
func New(cfg *config.Config) (*Router, error) {
	if err := validateCardinality(cfg); err != nil {
		return nil, err
	}
	return &Router{
		cfg:       cfg,
		docPools:  make(map[string]*mongo.Client),
		blobPools: make(map[string]*pooledBlob),
	}, nil
}

// validateCardinality rejects any database entry whose dbConnRef or
// spaceConnRef names a connection that isn't configured. Since each
// DatabaseEntry pairs exactly one doc-store ref with one blob-store ref,
// this is where a mismatched/incomplete pairing (§4.3: "cardinalities of
// doc-store and blob-store connection pools intended to be paired do not
// match") surfaces - at Init, never at request time.
func validateCardinality(cfg *config.Config) error {
	entries := []config.DatabaseEntry{cfg.Databases.Logs, cfg.Databases.Messaging, cfg.Databases.Identities}
	entries = append(entries, cfg.Databases.Metadata.GenericDatabase, cfg.Databases.Knowledge.GenericDatabase)
	entries = append(entries, cfg.Databases.Metadata.DomainsDatabases...)
	entries = append(entries, cfg.Databases.Metadata.TenantDatabases...)
	entries = append(entries, cfg.Databases.Knowledge.DomainsDatabases...)
	entries = append(entries, cfg.Databases.Knowledge.TenantDatabases...)
	entries = append(entries, cfg.Databases.Runtime.TenantDatabases...)

	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		if _, ok := cfg.DbConnections[e.DbConnRef]; !ok {
			return chronoserr.New(chronoserr.KindValidation, "router.New", fmt.Errorf("database %q: unknown dbConnRef %q", e.Name, e.DbConnRef))
		}
		if !cfg.LocalStorage.Enabled {
			if _, ok := cfg.SpacesConnections[e.SpaceConnRef]; !ok {
				return chronoserr.New(chronoserr.KindValidation, "router.New", fmt.Errorf("database %q: unknown spaceConnRef %q", e.Name, e.SpaceConnRef))
			}
		}
	}
	return nil
}

func (r *Router) entriesFor(rc RouteContext) ([]config.DatabaseEntry, error) {
	var tier config.TierSet
	switch rc.DatabaseType {
	case DatabaseTypeMetadata:
		tier = r.cfg.Databases.Metadata
	case DatabaseTypeKnowledge:
		tier = r.cfg.Databases.Knowledge
	case DatabaseTypeRuntime:
		entries := r.cfg.Databases.Runtime.TenantDatabases
		if len(entries) == 0 {
			return nil, chronoserr.New(chronoserr.KindValidation, "router.Resolve", fmt.Errorf("no runtime tenant databases configured"))
		}
		return filterTenant(entries, rc.TenantID), nil
	case DatabaseTypeLogs:
		return []config.DatabaseEntry{r.cfg.Databases.Logs}, nil
	case DatabaseTypeMessaging:
		return []config.DatabaseEntry{r.cfg.Databases.Messaging}, nil
	case DatabaseTypeIdentities:
		return []config.DatabaseEntry{r.cfg.Databases.Identities}, nil
	default:
		return nil, chronoserr.New(chronoserr.KindValidation, "router.Resolve", fmt.Errorf("unrecognized databaseType %q", rc.DatabaseType))
	}

	switch rc.Tier {
	case TierGeneric, "":
		return []config.DatabaseEntry{tier.GenericDatabase}, nil
	case TierDomain:
		matches := filterDomain(tier.DomainsDatabases, rc.Domain)
		if len(matches) == 0 {
			return nil, chronoserr.New(chronoserr.KindNotFound, "router.Resolve", nil).WithContext(string(rc.DatabaseType), rc.Domain)
		}
		return matches, nil
	case TierTenant:
		matches := filterTenant(tier.TenantDatabases, rc.TenantID)
		if len(matches) == 0 {
			return nil, chronoserr.New(chronoserr.KindNotFound, "router.Resolve", nil).WithContext(string(rc.DatabaseType), rc.TenantID)
		}
		return matches, nil
	default:
		return nil, chronoserr.New(chronoserr.KindValidation, "router.Resolve", fmt.Errorf("unrecognized tier %q", rc.Tier))
	}
}

func filterDomain(entries []config.DatabaseEntry, domain string) []config.DatabaseEntry {
	var out []config.DatabaseEntry
	for _, e := range entries {
		if e.Domain == domain {
			out = append(out, e)
		}
	}
	return out
}

func filterTenant(entries []config.DatabaseEntry, tenantID string) []config.DatabaseEntry {
	var out []config.DatabaseEntry
	for _, e := range entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// routingKey builds the default chooser key: tenantId|dbName|collection:itemId.
func routingKey(rc RouteContext, dbName string) string {
	return fmt.Sprintf("%s|%s|%s:%s", rc.TenantID, dbName, rc.Collection, rc.ItemID)
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// chooseRendezvous implements Highest Random Weight hashing: the entry
// whose combined (key, candidate) hash is largest wins, so adding or
// removing a candidate only reshuffles the entries tied to it.
func chooseRendezvous(key string, n int) int {
	best := -1
	var bestWeight uint64
	for i := 0; i < n; i++ {
		w := hashString(fmt.Sprintf("%s#%d", key, i))
		if best == -1 || w > bestWeight {
			best = i
			bestWeight = w
		}
	}
	return best
}

// chooseJump implements Jump Consistent Hash (Lamping & Veach).
func chooseJump(key string, n int) int {
	h := hashString(key)
	var b, j int64 = -1, 0
	for j < int64(n) {
		b = j
		h = h*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((h>>33)+1)))
	}
	return int(b)
}

func (r *Router) choose(rc RouteContext, dbName string, n int) int {
	if rc.ForcedBackendIndex != nil {
		idx := *rc.ForcedBackendIndex
		if idx >= 0 && idx < n {
			return idx
		}
	}
	key := routingKey(rc, dbName)
	if r.cfg.Routing.HashAlgo == config.HashJump {
		return chooseJump(key, n)
	}
	return chooseRendezvous(key, n)
}

// Resolve maps rc to a concrete Route, lazily opening and caching any
// connection pools it needs.
func (r *Router) Resolve(ctx context.Context, rc RouteContext) (*Route, error) {
	if err := rc.validate(); err != nil {
		return nil, err
	}
	entries, err := r.entriesFor(rc)
	if err != nil {
		return nil, err
	}
	idx := r.choose(rc, entries[0].Name, len(entries))
	entry := entries[idx]

	docClient, err := r.docPool(ctx, entry.DbConnRef)
	if err != nil {
		return nil, err
	}
	blobAdapter, err := r.blobPool(ctx, entry.SpaceConnRef)
	if err != nil {
		return nil, err
	}
	records, versions, content, backups := entry.Buckets()

	chronolog.WithRoute(string(rc.DatabaseType), string(rc.Tier), rc.Collection).Debug().
		Str("database", entry.Name).Int("candidateIndex", idx).Msg("resolved route")

	return &Route{
		Doc:             docClient,
		DatabaseName:    entry.Name,
		AnalyticsDbName: entry.AnalyticsDbName,
		Blob:            blobAdapter,
		Buckets:         Buckets{Records: records, Versions: versions, Content: content, Backups: backups},
	}, nil
}

func (r *Router) docPool(ctx context.Context, connRef string) (*mongo.Client, error) {
	uri, ok := r.cfg.DbConnections[connRef]
	if !ok {
		return nil, chronoserr.New(chronoserr.KindValidation, "router.docPool", fmt.Errorf("unknown dbConnRef %q", connRef))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.docPools[uri]; ok {
		return client, nil
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, chronoserr.New(chronoserr.KindStorageTransient, "router.docPool", err)
	}
	r.docPools[uri] = client
	return client, nil
}

func (r *Router) blobPool(ctx context.Context, connRef string) (blob.Adapter, error) {
	if r.cfg.LocalStorage.Enabled {
		connRef = "__local__"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.blobPools[connRef]; ok {
		p.refcount++
		return p.adapter, nil
	}

	var adapter blob.Adapter
	if r.cfg.LocalStorage.Enabled {
		a, err := fs.New(r.cfg.LocalStorage.BasePath)
		if err != nil {
			return nil, chronoserr.New(chronoserr.KindStorageTransient, "router.blobPool", err)
		}
		adapter = a
	} else {
		sc, ok := r.cfg.SpacesConnections[connRef]
		if !ok {
			return nil, chronoserr.New(chronoserr.KindValidation, "router.blobPool", fmt.Errorf("unknown spaceConnRef %q", connRef))
		}
		a, err := s3.New(ctx, s3.ConnectionConfig{
			Endpoint:        sc.Endpoint,
			Region:          sc.Region,
			AccessKeyID:     sc.AccessKeyID,
			SecretAccessKey: sc.SecretAccessKey,
			ForcePathStyle:  sc.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		adapter = a
	}
	r.blobPools[connRef] = &pooledBlob{adapter: adapter, refcount: 1}
	return adapter, nil
}

// Shutdown closes every cached connection pool.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for uri, client := range r.docPools {
		if err := client.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.docPools, uri)
	}
	for ref, p := range r.blobPools {
		if err := p.adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.blobPools, ref)
	}
	return firstErr
}
