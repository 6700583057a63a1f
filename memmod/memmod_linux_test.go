//go:build linux

package memmod

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapMapsFileBelowLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment")
	require.NoError(t, os.WriteFile(path, []byte("mapped by ldso"), 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = file.Close() })

	space, err := NewMmap(1 << 32)
	require.NoError(t, err)

	length := 2 * space.PageSize()
	base, err := space.Reserve(0, length, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = space.Unmap(base, length) })
	assert.LessOrEqual(t, base+length, uint64(1<<32))

	buf := make([]byte, 14)
	assert.ErrorIs(t, space.ReadAt(buf, base), ErrFault)

	require.NoError(t, space.MapFile(base, space.PageSize(), file, 0, ProtRead))
	require.NoError(t, space.ReadAt(buf, base))
	assert.Equal(t, "mapped by ldso", string(buf))
	assert.ErrorIs(t, space.WriteAt(buf, base), ErrFault)

	bss, err := space.MapAnon(base+space.PageSize(), space.PageSize(), ProtRead|ProtWrite, true)
	require.NoError(t, err)
	require.NoError(t, space.WriteAt([]byte{0xaa}, bss))

	require.NoError(t, space.Protect(base, space.PageSize(), ProtRead|ProtWrite))
	require.NoError(t, space.WriteAt([]byte("M"), base))
	require.NoError(t, space.ReadAt(buf[:1], base))
	assert.Equal(t, byte('M'), buf[0])
}
