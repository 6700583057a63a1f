package elfdyn

import (
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/ldso/memmod"
)

func TestElfHash(t *testing.T) {
	cases := map[string]uint32{
		"":              0,
		"printf":        0x077905a6,
		"exit":          0x0006cf04,
		"syscall":       0x0b09985c,
		"flapenguin.me": 0x03987915,
	}
	for name, want := range cases {
		assert.Equal(t, want, ElfHash(name), name)
	}
	// the top nibble never survives
	assert.Zero(t, ElfHash("a_very_long_symbol_name_that_wraps_the_hash")&0xf0000000)
}

func newView(t *testing.T) (View, *memmod.Emulated, uint64) {
	t.Helper()
	space := memmod.NewEmulated()
	addr, err := space.MapAnon(0, 0x1000, memmod.ProtRead|memmod.ProtWrite, false)
	require.NoError(t, err)
	return View{Mem: space, Class: elf.ELFCLASS32, Order: binary.LittleEndian}, space, addr
}

func TestDynamicParsesUntilNull(t *testing.T) {
	view, _, addr := newView(t)
	entries := []uint32{
		uint32(elf.DT_NEEDED), 1,
		uint32(elf.DT_HASH), 0x94,
		uint32(elf.DT_NEEDED), 11,
		uint32(elf.DT_REL), 0x200,
		uint32(elf.DT_RELSZ), 16,
		0x6ffffff0, 0x300, // DT_VERSYM is beyond NumTags
		uint32(elf.DT_NULL), 0,
		uint32(elf.DT_SYMTAB), 0xdead, // after DT_NULL
	}
	for i, v := range entries {
		require.NoError(t, view.PutWord(addr+uint64(i)*4, uint64(v)))
	}

	info, err := view.Dynamic(addr, uint64(len(entries))*4)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 11}, info.Needed)
	assert.True(t, info.Has(elf.DT_HASH))
	assert.Equal(t, uint64(0x200), info.Get(elf.DT_REL))
	assert.False(t, info.Has(elf.DT_SYMTAB))
	assert.False(t, info.Has(elf.DT_RELA))

	info.Relocate(0x1000)
	assert.Equal(t, uint64(0x1200), info.Get(elf.DT_REL))
	assert.Equal(t, uint64(16), info.Get(elf.DT_RELSZ), "sizes are not addresses")
}

func TestDynamicRejectsTinySection(t *testing.T) {
	view, _, addr := newView(t)
	_, err := view.Dynamic(addr, 4)
	assert.ErrorIs(t, err, ErrBadDynamic)
}

func TestSymRelAndStrings(t *testing.T) {
	view, space, addr := newView(t)

	sym := make([]byte, 16)
	binary.LittleEndian.PutUint32(sym[0:], 7)
	binary.LittleEndian.PutUint32(sym[4:], 0x1234)
	binary.LittleEndian.PutUint32(sym[8:], 8)
	sym[12] = byte(elf.STB_WEAK)<<4 | byte(elf.STT_OBJECT)
	binary.LittleEndian.PutUint16(sym[14:], 5)
	require.NoError(t, space.WriteAt(sym, addr+16))

	got, err := view.Sym(addr, 1)
	require.NoError(t, err)
	assert.Equal(t, Sym{Name: 7, Value: 0x1234, Size: 8, Info: sym[12], Shndx: 5}, got)
	assert.Equal(t, elf.STB_WEAK, got.Bind())
	assert.Equal(t, elf.STT_OBJECT, got.Type())

	require.NoError(t, view.PutWord(addr+0x100, 0x2000))
	require.NoError(t, view.PutWord(addr+0x104, 3<<8|uint64(elf.R_386_GLOB_DAT)))
	rel, err := view.Rel(addr + 0x100)
	require.NoError(t, err)
	assert.Equal(t, Rel{Offset: 0x2000, Sym: 3, Type: uint32(elf.R_386_GLOB_DAT)}, rel)

	require.NoError(t, space.WriteAt([]byte("libm.so\x00"), addr+0x200))
	s, err := view.CString(addr + 0x200)
	require.NoError(t, err)
	assert.Equal(t, "libm.so", s)
}

func TestHashTable(t *testing.T) {
	view, space, addr := newView(t)
	words := []uint32{2, 3, 1, 0, 0, 2, 0}
	for i, w := range words {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w)
		require.NoError(t, space.WriteAt(b[:], addr+uint64(i)*4))
	}
	hash, err := view.Hash(addr)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), hash.NBucket)
	assert.Equal(t, uint32(3), hash.NChain)

	first, err := view.Bucket(hash, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), first)
	next, err := view.Chain(hash, first)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), next)
}
