/*
Package config decodes the hierarchical YAML configuration surface
(spec §6.1) into typed structs, the same apiVersion/Kind-free flat-YAML
style the teacher's cmd/warren/apply.go uses for resource files via
gopkg.in/yaml.v3. Unlike that one-shot resource decode, this config also
resolves `${VAR}` environment tokens in string fields before the YAML
is handed to callers, and redacts secret-shaped values when logged.
*/
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// HashAlgo selects the Router's deterministic backend chooser.
type HashAlgo string

const (
	HashRendezvous HashAlgo = "rendezvous"
	HashJump       HashAlgo = "jump"
)

// RollupPeriod is the cadence for manifest roll-up.
type RollupPeriod string

const (
	RollupDaily   RollupPeriod = "daily"
	RollupWeekly  RollupPeriod = "weekly"
	RollupMonthly RollupPeriod = "monthly"
)

// SpaceConnection is one spacesConnections entry.
type SpaceConnection struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	ForcePathStyle  bool   `yaml:"forcePathStyle"`
}

// DatabaseEntry is one concrete (doc-store, blob-store) pairing, with its
// own bucket overrides. Used for generic/domain/tenant/flat entries alike.
type DatabaseEntry struct {
	Name            string `yaml:"name"`
	DbConnRef       string `yaml:"dbConnRef"`
	SpaceConnRef    string `yaml:"spaceConnRef"`
	Domain          string `yaml:"domain,omitempty"`
	TenantID        string `yaml:"tenantId,omitempty"`
	AnalyticsDbName string `yaml:"analyticsDbName,omitempty"`

	Bucket         string `yaml:"bucket,omitempty"`
	RecordsBucket  string `yaml:"recordsBucket,omitempty"`
	VersionsBucket string `yaml:"versionsBucket,omitempty"`
	ContentBucket  string `yaml:"contentBucket,omitempty"`
	BackupsBucket  string `yaml:"backupsBucket,omitempty"`
}

// Buckets resolves the four logical buckets for this entry, applying the
// legacy single-bucket fallback (§6.2): a per-database *Bucket field wins
// when set; otherwise the flat `bucket` fills the gap.
func (d DatabaseEntry) Buckets() (records, versions, content, backups string) {
	records = firstNonEmpty(d.RecordsBucket, d.Bucket)
	versions = firstNonEmpty(d.VersionsBucket, d.Bucket)
	content = firstNonEmpty(d.ContentBucket, d.Bucket)
	backups = firstNonEmpty(d.BackupsBucket, d.Bucket)
	return
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// TierSet is the generic/domain/tenant family for one database type.
type TierSet struct {
	GenericDatabase DatabaseEntry    `yaml:"genericDatabase"`
	DomainsDatabases []DatabaseEntry `yaml:"domainsDatabases,omitempty"`
	TenantDatabases  []DatabaseEntry `yaml:"tenantDatabases,omitempty"`
}

// RuntimeDatabases is the tenant-only database family.
type RuntimeDatabases struct {
	TenantDatabases []DatabaseEntry `yaml:"tenantDatabases,omitempty"`
}

type Databases struct {
	Metadata  TierSet          `yaml:"metadata"`
	Knowledge TierSet          `yaml:"knowledge"`
	Runtime   RuntimeDatabases `yaml:"runtime"`
	Logs      DatabaseEntry    `yaml:"logs"`
	Messaging DatabaseEntry    `yaml:"messaging"`
	Identities DatabaseEntry   `yaml:"identities"`
}

type LocalStorage struct {
	Enabled  bool   `yaml:"enabled"`
	BasePath string `yaml:"basePath"`
}

type Routing struct {
	HashAlgo  HashAlgo `yaml:"hashAlgo"`
	ChooseKey string   `yaml:"chooseKey"`
}

type RetentionCounters struct {
	Days   int `yaml:"days"`
	Weeks  int `yaml:"weeks"`
	Months int `yaml:"months"`
}

type RetentionVer struct {
	Days       *int `yaml:"days,omitempty"`
	MaxPerItem *int `yaml:"maxPerItem,omitempty"`
}

type Retention struct {
	Ver      RetentionVer      `yaml:"ver"`
	Counters RetentionCounters `yaml:"counters"`
}

type Rollup struct {
	Enabled        bool         `yaml:"enabled"`
	ManifestPeriod RollupPeriod `yaml:"manifestPeriod"`
}

type Base64Prop struct {
	ContentType   string `yaml:"contentType"`
	PreferredText bool   `yaml:"preferredText,omitempty"`
	TextCharset   string `yaml:"textCharset,omitempty"`
}

type Validation struct {
	RequiredIndexed []string `yaml:"requiredIndexed,omitempty"`
}

type CollectionMap struct {
	IndexedProps []string              `yaml:"indexedProps,omitempty"`
	Base64Props  map[string]Base64Prop `yaml:"base64Props,omitempty"`
	Validation   Validation            `yaml:"validation,omitempty"`
}

type DevShadow struct {
	Enabled       bool  `yaml:"enabled"`
	TTLHours      int   `yaml:"ttlHours"`
	MaxBytesPerDoc int64 `yaml:"maxBytesPerDoc"`
}

type LogicalDelete struct {
	Enabled bool `yaml:"enabled"`
}

type Versioning struct {
	Enabled bool `yaml:"enabled"`
}

type Transactions struct {
	Enabled    bool `yaml:"enabled"`
	AutoDetect bool `yaml:"autoDetect"`
}

type Fallback struct {
	Enabled            bool   `yaml:"enabled"`
	MaxAttempts        int    `yaml:"maxAttempts"`
	BaseDelayMs        int    `yaml:"baseDelayMs"`
	MaxDelayMs         int    `yaml:"maxDelayMs"`
	DeadLetterCollection string `yaml:"deadLetterCollection"`
}

type WriteOptimization struct {
	BatchS3            bool `yaml:"batchS3"`
	BatchWindowMs      int  `yaml:"batchWindowMs"`
	DebounceCountersMs int  `yaml:"debounceCountersMs"`
	AllowShadowSkip    bool `yaml:"allowShadowSkip"`
}

// Config is the fully decoded configuration surface (§6.1).
type Config struct {
	DbConnections     map[string]string          `yaml:"dbConnections"`
	SpacesConnections map[string]SpaceConnection `yaml:"spacesConnections"`
	Databases         Databases                  `yaml:"databases"`
	LocalStorage      LocalStorage               `yaml:"localStorage"`
	Routing           Routing                    `yaml:"routing"`
	Retention         Retention                  `yaml:"retention"`
	Rollup            Rollup                     `yaml:"rollup"`
	CollectionMaps    map[string]CollectionMap   `yaml:"collectionMaps"`
	DevShadow         DevShadow                  `yaml:"devShadow"`
	LogicalDelete     LogicalDelete              `yaml:"logicalDelete"`
	Versioning        Versioning                 `yaml:"versioning"`
	Transactions      Transactions               `yaml:"transactions"`
	Fallback          Fallback                   `yaml:"fallback"`
	WriteOptimization WriteOptimization          `yaml:"writeOptimization"`
}

var envToken = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolate replaces every ${VAR} token in s with os.Getenv(VAR),
// leaving the token in place when the variable is unset so misconfiguration
// is visible rather than silently blanked.
func interpolate(s string) string {
	return envToken.ReplaceAllStringFunc(s, func(tok string) string {
		name := envToken.FindStringSubmatch(tok)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return tok
	})
}

// Load reads and decodes a YAML configuration file, applying ${VAR}
// environment interpolation to every string field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML bytes into a Config.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolate(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if cfg.Routing.HashAlgo == "" {
		cfg.Routing.HashAlgo = HashRendezvous
	}
	if cfg.Fallback.MaxAttempts == 0 {
		cfg.Fallback.MaxAttempts = 10
	}
	return &cfg, nil
}

var secretFieldNames = []string{"secretaccesskey", "accesskeyid", "password", "token", "credential"}

// Redact returns a copy of s with values of secret-shaped YAML keys masked,
// for safe inclusion in diagnostic output (§6.1: "the core must redact
// credential material in any diagnostic output").
func Redact(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, name := range secretFieldNames {
			if strings.Contains(lower, name+":") {
				idx := strings.Index(line, ":")
				lines[i] = line[:idx+1] + " ***REDACTED***"
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}
