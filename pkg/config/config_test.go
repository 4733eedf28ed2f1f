package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
dbConnections:
  primary: "mongodb://${MONGO_HOST}:27017"
spacesConnections:
  main:
    endpoint: "https://s3.example.com"
    region: "us-east-1"
    accessKeyId: "${AWS_KEY}"
    secretAccessKey: "${AWS_SECRET}"
    forcePathStyle: true
databases:
  metadata:
    genericDatabase:
      name: "meta_generic"
      dbConnRef: "primary"
      spaceConnRef: "main"
      bucket: "legacy-bucket"
      recordsBucket: "meta-records"
routing:
  hashAlgo: "jump"
fallback:
  enabled: true
  maxAttempts: 5
`

func TestParseInterpolatesEnvTokens(t *testing.T) {
	require.NoError(t, os.Setenv("MONGO_HOST", "db.internal"))
	require.NoError(t, os.Setenv("AWS_KEY", "AKIA123"))
	require.NoError(t, os.Setenv("AWS_SECRET", "shh"))
	t.Cleanup(func() {
		os.Unsetenv("MONGO_HOST")
		os.Unsetenv("AWS_KEY")
		os.Unsetenv("AWS_SECRET")
	})

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.DbConnections["primary"])
	assert.Equal(t, "AKIA123", cfg.SpacesConnections["main"].AccessKeyID)
	assert.Equal(t, "shh", cfg.SpacesConnections["main"].SecretAccessKey)
}

func TestParseLeavesUnsetTokenInPlace(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR")
	cfg, err := Parse([]byte(`dbConnections:
  primary: "mongodb://${TOTALLY_UNSET_VAR}:27017"
`))
	require.NoError(t, err)
	assert.Contains(t, cfg.DbConnections["primary"], "${TOTALLY_UNSET_VAR}")
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`dbConnections: {}`))
	require.NoError(t, err)
	assert.Equal(t, HashRendezvous, cfg.Routing.HashAlgo)
	assert.Equal(t, 10, cfg.Fallback.MaxAttempts)
}

func TestDatabaseEntryBucketPrecedence(t *testing.T) {
	d := DatabaseEntry{Bucket: "legacy", RecordsBucket: "records-specific"}
	records, versions, content, backups := d.Buckets()
	assert.Equal(t, "records-specific", records)
	assert.Equal(t, "legacy", versions)
	assert.Equal(t, "legacy", content)
	assert.Equal(t, "legacy", backups)
}

func TestRedactMasksSecretFields(t *testing.T) {
	out := Redact("accessKeyId: AKIA123\nsecretAccessKey: shh\nregion: us-east-1")
	assert.NotContains(t, out, "AKIA123")
	assert.NotContains(t, out, "shh")
	assert.Contains(t, out, "us-east-1")
}
