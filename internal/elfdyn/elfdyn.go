// Package elfdyn reads dynamic-linking structures (dynamic section,
// symbols, relocations, strings) out of a mapped ELF image.
package elfdyn

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

// NumTags bounds the dynamic tags kept in Info; higher tags are ignored.
const NumTags = 35

const maxString = 4096

var ErrBadDynamic = errors.New("elfdyn: malformed dynamic section")

// Memory is the mapped image.
type Memory interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// Info is the dynamic section of one object, indexed by tag.
type Info struct {
	values  [NumTags]uint64
	present uint64
	// Needed holds the string-table offsets of each DT_NEEDED entry, in order.
	Needed []uint64
}

func (info *Info) Has(tag elf.DynTag) bool {
	return tag >= 0 && int(tag) < NumTags && info.present&(1<<uint(tag)) != 0
}

func (info *Info) Get(tag elf.DynTag) uint64 {
	if !info.Has(tag) {
		return 0
	}
	return info.values[tag]
}

func (info *Info) Set(tag elf.DynTag, value uint64) {
	if tag < 0 || int(tag) >= NumTags {
		return
	}
	info.values[tag] = value
	info.present |= 1 << uint(tag)
}

// Relocate adds offset to every address-valued tag that is present.
func (info *Info) Relocate(offset uint64) {
	for _, tag := range addressTags {
		if info.Has(tag) {
			info.values[tag] += offset
		}
	}
}

var addressTags = []elf.DynTag{
	elf.DT_PLTGOT, elf.DT_HASH, elf.DT_STRTAB, elf.DT_SYMTAB,
	elf.DT_RELA, elf.DT_REL, elf.DT_JMPREL, elf.DT_INIT, elf.DT_FINI,
}

// Sym is an ELF symbol widened to 64 bits.
type Sym struct {
	Name  uint32
	Value uint64
	Size  uint64
	Info  byte
	Other byte
	Shndx elf.SectionIndex
}

func (sym Sym) Bind() elf.SymBind { return elf.ST_BIND(sym.Info) }
func (sym Sym) Type() elf.SymType { return elf.ST_TYPE(sym.Info) }

// Rel is one REL entry.
type Rel struct {
	Offset uint64
	Sym    uint32
	Type   uint32
}

// View decodes structures in Memory according to an ELF class and byte order.
type View struct {
	Mem   Memory
	Class elf.Class
	Order binary.ByteOrder
}

func (view View) WordSize() uint64 {
	if view.Class == elf.ELFCLASS64 {
		return 8
	}
	return 4
}

func (view View) SymSize() uint64 {
	if view.Class == elf.ELFCLASS64 {
		return 24
	}
	return 16
}

func (view View) RelSize() uint64 {
	return 2 * view.WordSize()
}

func (view View) Uint32(addr uint64) (uint32, error) {
	var b [4]byte
	if err := view.Mem.ReadAt(b[:], addr); err != nil {
		return 0, err
	}
	return view.Order.Uint32(b[:]), nil
}

func (view View) Word(addr uint64) (uint64, error) {
	if view.Class == elf.ELFCLASS64 {
		var b [8]byte
		if err := view.Mem.ReadAt(b[:], addr); err != nil {
			return 0, err
		}
		return view.Order.Uint64(b[:]), nil
	}
	v, err := view.Uint32(addr)
	return uint64(v), err
}

func (view View) PutWord(addr, value uint64) error {
	if view.Class == elf.ELFCLASS64 {
		var b [8]byte
		view.Order.PutUint64(b[:], value)
		return view.Mem.WriteAt(b[:], addr)
	}
	var b [4]byte
	view.Order.PutUint32(b[:], uint32(value))
	return view.Mem.WriteAt(b[:], addr)
}

// CString reads a NUL-terminated string.
func (view View) CString(addr uint64) (string, error) {
	buf := make([]byte, 0, 32)
	var b [1]byte
	for i := uint64(0); i < maxString; i++ {
		if err := view.Mem.ReadAt(b[:], addr+i); err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("elfdyn: unterminated string at 0x%x", addr)
}

// Sym reads symbol index from the table at symtab.
func (view View) Sym(symtab uint64, index uint32) (Sym, error) {
	addr := symtab + uint64(index)*view.SymSize()
	b := make([]byte, view.SymSize())
	if err := view.Mem.ReadAt(b, addr); err != nil {
		return Sym{}, fmt.Errorf("read symbol %d: %w", index, err)
	}
	o := view.Order
	if view.Class == elf.ELFCLASS64 {
		return Sym{
			Name:  o.Uint32(b[0:]),
			Info:  b[4],
			Other: b[5],
			Shndx: elf.SectionIndex(o.Uint16(b[6:])),
			Value: o.Uint64(b[8:]),
			Size:  o.Uint64(b[16:]),
		}, nil
	}
	return Sym{
		Name:  o.Uint32(b[0:]),
		Value: uint64(o.Uint32(b[4:])),
		Size:  uint64(o.Uint32(b[8:])),
		Info:  b[12],
		Other: b[13],
		Shndx: elf.SectionIndex(o.Uint16(b[14:])),
	}, nil
}

// Rel reads the REL entry at addr.
func (view View) Rel(addr uint64) (Rel, error) {
	offset, err := view.Word(addr)
	if err != nil {
		return Rel{}, err
	}
	info, err := view.Word(addr + view.WordSize())
	if err != nil {
		return Rel{}, err
	}
	if view.Class == elf.ELFCLASS64 {
		return Rel{Offset: offset, Sym: uint32(info >> 32), Type: uint32(info)}, nil
	}
	return Rel{Offset: offset, Sym: uint32(info >> 8), Type: uint32(info & 0xff)}, nil
}

// Dynamic parses the dynamic section at addr. Parsing stops at DT_NULL or
// after size bytes.
func (view View) Dynamic(addr, size uint64) (Info, error) {
	var info Info
	entry := 2 * view.WordSize()
	if size < entry {
		return info, fmt.Errorf("%w: size 0x%x", ErrBadDynamic, size)
	}
	for off := uint64(0); off+entry <= size; off += entry {
		tag, err := view.Word(addr + off)
		if err != nil {
			return info, fmt.Errorf("%w: %v", ErrBadDynamic, err)
		}
		val, err := view.Word(addr + off + view.WordSize())
		if err != nil {
			return info, fmt.Errorf("%w: %v", ErrBadDynamic, err)
		}
		if view.Class != elf.ELFCLASS64 {
			tag = uint64(int64(int32(tag)))
		}
		switch dt := elf.DynTag(tag); dt {
		case elf.DT_NULL:
			return info, nil
		case elf.DT_NEEDED:
			info.Needed = append(info.Needed, val)
		default:
			info.Set(dt, val)
		}
	}
	return info, nil
}

// Hash is a SysV hash table.
type Hash struct {
	NBucket uint32
	NChain  uint32
	Buckets uint64
	Chains  uint64
}

// Hash reads the DT_HASH header at addr.
func (view View) Hash(addr uint64) (Hash, error) {
	nbucket, err := view.Uint32(addr)
	if err != nil {
		return Hash{}, err
	}
	nchain, err := view.Uint32(addr + 4)
	if err != nil {
		return Hash{}, err
	}
	return Hash{
		NBucket: nbucket,
		NChain:  nchain,
		Buckets: addr + 8,
		Chains:  addr + 8 + 4*uint64(nbucket),
	}, nil
}

// Bucket returns the first symbol index in bucket b.
func (view View) Bucket(hash Hash, b uint32) (uint32, error) {
	return view.Uint32(hash.Buckets + 4*uint64(b))
}

// Chain returns the symbol index following index in its chain.
func (view View) Chain(hash Hash, index uint32) (uint32, error) {
	return view.Uint32(hash.Chains + 4*uint64(index))
}

// ElfHash is the SysV ELF symbol hash.
func ElfHash(name string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		if g := h & 0xf0000000; g != 0 {
			h ^= g >> 24
			h &^= g
		}
	}
	return h
}
