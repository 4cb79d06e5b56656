package rdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyRDBIsEightyEightBytes(t *testing.T) {
	blob := EmptyRDB()
	assert.Len(t, blob, 88)
	assert.Equal(t, "REDIS0011", string(blob[:9]))
}

func TestLoadMissingFileIsNotFatal(t *testing.T) {
	entries, err := Load(t.TempDir(), "does-not-exist.rdb")
	assert.NoError(t, err)
	assert.Nil(t, entries)
}

func TestLoadRoundTripsStringEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")

	var buf []byte
	buf = append(buf, []byte("REDIS0011")...)
	buf = append(buf, opSelectDB, 0x00)
	buf = append(buf, typeString)
	buf = append(buf, encodeLength(3)...)
	buf = append(buf, []byte("foo")...)
	buf = append(buf, encodeLength(3)...)
	buf = append(buf, []byte("bar")...)
	buf = append(buf, opEOF)

	require.NoError(t, os.WriteFile(path, buf, 0o644))

	entries, err := Load(dir, "dump.rdb")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "foo", string(entries[0].Key))
	assert.Equal(t, "bar", string(entries[0].Value))
	assert.True(t, entries[0].ExpiresAt.IsZero())
}

// encodeLength mirrors readLength's 6-bit length encoding for test fixtures.
func encodeLength(n int) []byte {
	if n < 0x40 {
		return []byte{byte(n)}
	}
	panic("encodeLength: fixture helper only supports 6-bit lengths")
}
