package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limitd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTemp(t, `
db: /tmp/limitd.db
buckets:
  ip:
    size: 10
    per_interval: 10
    interval: 1000
`)
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, f.Port)
	assert.Equal(t, DefaultHostname, f.Hostname)
	assert.Equal(t, DefaultProtocol, f.Protocol)
	assert.Equal(t, DefaultLogLevel, f.LogLevel)
	assert.Equal(t, "ip", f.Buckets["ip"].Name)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeTemp(t, `
db: /tmp/limitd.db
bogus_key: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingDB(t *testing.T) {
	path := writeTemp(t, `
port: 9231
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsBadProtocol(t *testing.T) {
	path := writeTemp(t, `
db: /tmp/limitd.db
protocol: carrier-pigeon
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidBucketType(t *testing.T) {
	path := writeTemp(t, `
db: /tmp/limitd.db
buckets:
  bad:
    size: 0
    per_interval: 10
    interval: 1000
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestRemoteConfigIntervalDefaultsWhenURISet(t *testing.T) {
	path := writeTemp(t, `
db: /tmp/limitd.db
remoteConfigURI: http://localhost:9999/buckets
`)
	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRemoteConfigInterval, f.RemoteConfigIntervalDuration())
}
