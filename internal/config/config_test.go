package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp", cfg.Dir)
	assert.Equal(t, "dump.rdb", cfg.DBFilename)
	assert.Equal(t, 6379, cfg.Port)
	assert.False(t, cfg.IsReplica)
}

func TestParseReplicaof(t *testing.T) {
	cfg, err := Parse([]string{"--replicaof", "localhost 7000"})
	require.NoError(t, err)
	assert.True(t, cfg.IsReplica)
	assert.Equal(t, "localhost", cfg.MasterHost)
	assert.Equal(t, 7000, cfg.MasterPort)
}

func TestParseInvalidReplicaof(t *testing.T) {
	_, err := Parse([]string{"--replicaof", "justonepart"})
	assert.Error(t, err)
}

func TestParseFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "myredis.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
dir = "/from-file"
port = 7777
log_level = "DEBUG"
`), 0o644))

	cfg, err := Parse([]string{"--config", path, "--port", "8888"})
	require.NoError(t, err)
	assert.Equal(t, "/from-file", cfg.Dir, "unset flag should take the file value")
	assert.Equal(t, 8888, cfg.Port, "explicit flag must win over the file value")
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}
