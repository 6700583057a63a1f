package ldcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixture = []Entry{
	{Flags: 0, SOName: "libc.so.4", Path: "/lib/libc.so.4"},
	{Flags: FlagELF, SOName: "libc.so.5", Path: "/lib/libc.so.5.4.46"},
	{Flags: FlagELF, SOName: "libm.so.5", Path: "/usr/lib/libm.so.5.0.9"},
	{Flags: FlagELF, SOName: "libc.so.5", Path: "/opt/libc.so.5"},
}

func writeCache(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ld.so.cache")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestBuildLayout(t *testing.T) {
	data := Build(fixture[:1])
	assert.Equal(t, "ld.so-1.7.0", string(data[:11]))
	assert.Equal(t, []byte{1, 0, 0, 0}, data[12:16])
	// record: flags, sooffset, liboffset
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 0}, data[16:28])
	assert.Equal(t, "libc.so.4\x00/lib/libc.so.4\x00", string(data[28:]))
}

func TestOpenAndLookup(t *testing.T) {
	cache, err := Open(writeCache(t, Build(fixture)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	if diff := cmp.Diff(fixture, cache.Entries()); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}

	path, ok := cache.Lookup("libc.so.5")
	assert.True(t, ok)
	assert.Equal(t, "/lib/libc.so.5.4.46", path, "first ELF record wins")

	_, ok = cache.Lookup("libc.so.4")
	assert.False(t, ok, "non-ELF records are never returned")

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())
}

func TestCorruptCache(t *testing.T) {
	bad := Build(fixture)
	copy(bad, "ld.sO-")
	_, err := Open(writeCache(t, bad))
	assert.ErrorIs(t, err, ErrBadCache)

	old := Build(fixture)
	copy(old[6:], "1.6.9")
	_, err = Open(writeCache(t, old))
	assert.ErrorIs(t, err, ErrBadCache)

	truncated := Build(fixture)[:30]
	_, err = Parse(truncated)
	assert.ErrorIs(t, err, ErrBadCache)

	_, err = Open(writeCache(t, []byte("ld.so")))
	assert.ErrorIs(t, err, ErrBadCache)

	_, err = Open(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNilCache(t *testing.T) {
	var cache *Cache
	_, ok := cache.Lookup("libc.so.5")
	assert.False(t, ok)
	assert.Nil(t, cache.Entries())
	assert.NoError(t, cache.Close())
}
