// Package elftest writes small ELF32 little-endian objects (i386 or ARM)
// with a dynamic section, SysV hash table, REL/JMPREL tables and a GOT, for
// exercising the dynamic linker.
//
// Layout: a read/exec segment holding the headers, .hash, .dynsym, .dynstr,
// .rel.dyn, .rel.plt and .text, then a page-aligned read/write segment
// holding .dynamic, .got, .data and .bss. Some junk follows the file part of
// the data segment so that loaders which forget to clear the bss tail are
// caught.
package elftest

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sliverarmory/ldso/internal/elfdyn"
)

const (
	ExecBase = 0x08048000
	PageSize = 0x1000

	ehdrSize = 52
	phdrSize = 32
	stubSize = 16
	junkSize = 64
)

// Kind is a machine-independent relocation class.
type Kind int

const (
	None Kind = iota
	Abs32
	PC32
	Copy
	GlobDat
	JmpSlot
	Relative
)

var relTypes = map[elf.Machine]map[Kind]uint32{
	elf.EM_386: {
		None: uint32(elf.R_386_NONE), Abs32: uint32(elf.R_386_32), PC32: uint32(elf.R_386_PC32),
		Copy: uint32(elf.R_386_COPY), GlobDat: uint32(elf.R_386_GLOB_DAT),
		JmpSlot: uint32(elf.R_386_JMP_SLOT), Relative: uint32(elf.R_386_RELATIVE),
	},
	elf.EM_ARM: {
		None: uint32(elf.R_ARM_NONE), Abs32: uint32(elf.R_ARM_ABS32), PC32: uint32(elf.R_ARM_REL32),
		Copy: uint32(elf.R_ARM_COPY), GlobDat: uint32(elf.R_ARM_GLOB_DAT),
		JmpSlot: uint32(elf.R_ARM_JUMP_SLOT), Relative: uint32(elf.R_ARM_RELATIVE),
	},
}

// RelType returns the machine's relocation type number for kind.
func RelType(machine elf.Machine, kind Kind) uint32 {
	return relTypes[machine][kind]
}

// Section names where a Slot lives.
type Section int

const (
	Text Section = iota + 1
	Data
	BSS
	GOT
)

// Slot is a location inside the object being built.
type Slot struct {
	Section Section
	Offset  uint64
}

type symbol struct {
	name string
	at   Slot
	size uint64
	bind elf.SymBind
	typ  elf.SymType
	// undefined symbols with a PLT value point at their stub
	pltValue bool
}

type reloc struct {
	typ uint32
	at  Slot
	sym string
}

type pltEntry struct {
	sym  string
	stub uint64
}

type Builder struct {
	machine elf.Machine
	typ     elf.Type
	base    uint64
	nbucket int

	needed []string
	rpath  string
	soname string

	syms []symbol
	rels []reloc
	plts []pltEntry
	text []byte
	data []byte
	bss  uint64

	init, fini, entry string

	// hashAt overrides the DT_HASH value when nonzero
	hashAt uint64

	rela, noDynamic, debug, textrel, bindNow bool
}

// New starts a position-independent shared object linked at 0.
func New(machine elf.Machine) *Builder {
	return &Builder{machine: machine, typ: elf.ET_DYN}
}

// NewExec starts a fixed-address executable linked at ExecBase.
func NewExec(machine elf.Machine) *Builder {
	return &Builder{machine: machine, typ: elf.ET_EXEC, base: ExecBase}
}

func (b *Builder) At(base uint64) *Builder { b.base = base; return b }

func (b *Builder) Buckets(n int) *Builder { b.nbucket = n; return b }

func (b *Builder) Needed(names ...string) *Builder {
	b.needed = append(b.needed, names...)
	return b
}

func (b *Builder) RPath(dirs string) *Builder { b.rpath = dirs; return b }

func (b *Builder) SOName(name string) *Builder { b.soname = name; return b }

func (b *Builder) Init(fn string) *Builder { b.init = fn; return b }

func (b *Builder) Fini(fn string) *Builder { b.fini = fn; return b }

func (b *Builder) Entry(fn string) *Builder { b.entry = fn; return b }

func (b *Builder) WithRELA() *Builder { b.rela = true; return b }

func (b *Builder) WithoutDynamic() *Builder { b.noDynamic = true; return b }

func (b *Builder) Debug() *Builder { b.debug = true; return b }

func (b *Builder) TextRel() *Builder { b.textrel = true; return b }

func (b *Builder) BindNow() *Builder { b.bindNow = true; return b }

// HashAt points DT_HASH at addr instead of the real table.
func (b *Builder) HashAt(addr uint64) *Builder { b.hashAt = addr; return b }

// Func defines a function symbol in .text.
func (b *Builder) Func(name string, bind elf.SymBind) Slot {
	at := Slot{Text, uint64(len(b.text))}
	b.text = append(b.text, stub()...)
	b.define(symbol{name: name, at: at, size: stubSize, bind: bind, typ: elf.STT_FUNC})
	return at
}

// Object defines a data symbol in .data holding content.
func (b *Builder) Object(name string, bind elf.SymBind, content []byte) Slot {
	at := b.appendData(content)
	b.define(symbol{name: name, at: at, size: uint64(len(content)), bind: bind, typ: elf.STT_OBJECT})
	return at
}

// Common defines a zero-initialized data symbol in .bss.
func (b *Builder) Common(name string, bind elf.SymBind, size uint64) Slot {
	at := Slot{BSS, b.bss}
	b.bss += align(size, 4)
	b.define(symbol{name: name, at: at, size: size, bind: bind, typ: elf.STT_OBJECT})
	return at
}

// Reserve adds size zeroed bytes of .bss without a symbol.
func (b *Builder) Reserve(size uint64) Slot {
	at := Slot{BSS, b.bss}
	b.bss += align(size, 4)
	return at
}

// Undef declares an undefined symbol reference.
func (b *Builder) Undef(name string, bind elf.SymBind) *Builder {
	if b.symIndex(name) == 0 {
		b.syms = append(b.syms, symbol{name: name, bind: bind, typ: elf.STT_NOTYPE})
	}
	return b
}

// Word adds an anonymous 32-bit word to .data.
func (b *Builder) Word(value uint32) Slot {
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], value)
	return b.appendData(w[:])
}

// TextWord adds an anonymous 32-bit word to .text.
func (b *Builder) TextWord(value uint32) Slot {
	at := Slot{Text, uint64(len(b.text))}
	var w [4]byte
	binary.LittleEndian.PutUint32(w[:], value)
	b.text = append(b.text, w[:]...)
	return at
}

// Rel adds a DT_REL entry. An empty sym means symbol index 0.
func (b *Builder) Rel(kind Kind, at Slot, sym string) *Builder {
	return b.RawRel(RelType(b.machine, kind), at, sym)
}

func (b *Builder) RawRel(typ uint32, at Slot, sym string) *Builder {
	if sym != "" {
		b.Undef(sym, elf.STB_GLOBAL)
	}
	b.rels = append(b.rels, reloc{typ: typ, at: at, sym: sym})
	return b
}

// PLT adds a GOT slot for sym with a lazy-binding stub and a JMPREL entry.
// The slot initially holds the stub's link address.
func (b *Builder) PLT(sym string) Slot {
	b.Undef(sym, elf.STB_GLOBAL)
	stubOff := uint64(len(b.text))
	b.text = append(b.text, stub()...)
	b.plts = append(b.plts, pltEntry{sym: sym, stub: stubOff})
	return Slot{GOT, 4 * uint64(2+len(b.plts))}
}

// PLTValue gives the undefined symbol sym the address of its PLT stub, the
// way executables export functions they only call through the PLT.
func (b *Builder) PLTValue(sym string) *Builder {
	for i := range b.syms {
		if b.syms[i].name == sym && b.syms[i].at.Section == 0 {
			b.syms[i].pltValue = true
		}
	}
	return b
}

// define adds sym, replacing an earlier undefined reference of that name.
func (b *Builder) define(sym symbol) {
	if i := b.symIndex(sym.name); i != 0 && b.syms[i-1].at.Section == 0 {
		b.syms[i-1] = sym
		return
	}
	b.syms = append(b.syms, sym)
}

func (b *Builder) appendData(content []byte) Slot {
	for len(b.data)%4 != 0 {
		b.data = append(b.data, 0)
	}
	at := Slot{Data, uint64(len(b.data))}
	b.data = append(b.data, content...)
	return at
}

func (b *Builder) symIndex(name string) int {
	for i, sym := range b.syms {
		if sym.name == name {
			return i + 1
		}
	}
	return 0
}

func stub() []byte {
	out := make([]byte, stubSize)
	out[0] = 0xc3
	for i := 1; i < len(out); i++ {
		out[i] = 0x90
	}
	return out
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

type layout struct {
	phnum   int
	strtab  []byte
	strOff  map[string]uint32
	hash    uint64
	dynsym  uint64
	dynstr  uint64
	rel     uint64
	pltrel  uint64
	text    uint64
	textEnd uint64
	dataOff uint64
	dynamic uint64
	ndyn    int
	got     uint64
	data    uint64
	dataEnd uint64
	bss     uint64
	memEnd  uint64
}

func (b *Builder) buckets() int {
	if b.nbucket > 0 {
		return b.nbucket
	}
	return len(b.syms)/2 + 1
}

func (b *Builder) plan() *layout {
	l := &layout{strOff: make(map[string]uint32), strtab: []byte{0}}
	addStr := func(s string) {
		if _, ok := l.strOff[s]; ok || s == "" {
			return
		}
		l.strOff[s] = uint32(len(l.strtab))
		l.strtab = append(l.strtab, s...)
		l.strtab = append(l.strtab, 0)
	}
	for _, name := range b.needed {
		addStr(name)
	}
	addStr(b.rpath)
	addStr(b.soname)
	for _, sym := range b.syms {
		addStr(sym.name)
	}

	l.phnum = 2
	if !b.noDynamic {
		l.phnum = 3
	}
	nsyms := uint64(len(b.syms) + 1)
	off := uint64(ehdrSize + phdrSize*l.phnum)
	l.hash = off
	off += 4 * (2 + uint64(b.buckets()) + nsyms)
	l.dynsym = off
	off += 16 * nsyms
	l.dynstr = off
	off = align(off+uint64(len(l.strtab)), 4)
	l.rel = off
	off += 8 * uint64(len(b.rels))
	l.pltrel = off
	off += 8 * uint64(len(b.plts))
	l.text = align(off, 16)
	l.textEnd = l.text + uint64(len(b.text))

	l.dataOff = align(l.textEnd, PageSize)
	l.dynamic = l.dataOff
	if !b.noDynamic {
		l.ndyn = len(b.dynamicEntries(l))
	}
	l.got = l.dynamic + 8*uint64(l.ndyn)
	l.data = l.got + 4*uint64(3+len(b.plts))
	l.dataEnd = l.data + uint64(len(b.data))
	l.bss = align(l.dataEnd, 4)
	l.memEnd = l.bss + b.bss
	return l
}

func (b *Builder) slotAddr(l *layout, at Slot) uint64 {
	switch at.Section {
	case Text:
		return b.base + l.text + at.Offset
	case Data:
		return b.base + l.data + at.Offset
	case BSS:
		return b.base + l.bss + at.Offset
	case GOT:
		return b.base + l.got + at.Offset
	}
	return 0
}

func (b *Builder) symValue(l *layout, sym symbol) uint64 {
	if sym.at.Section != 0 {
		return b.slotAddr(l, sym.at)
	}
	if sym.pltValue {
		for _, p := range b.plts {
			if p.sym == sym.name {
				return b.base + l.text + p.stub
			}
		}
	}
	return 0
}

// Addr returns the link-time address of a slot.
func (b *Builder) Addr(at Slot) uint64 {
	return b.slotAddr(b.plan(), at)
}

// SymValue returns st_value of the named symbol.
func (b *Builder) SymValue(name string) uint64 {
	i := b.symIndex(name)
	if i == 0 {
		return 0
	}
	return b.symValue(b.plan(), b.syms[i-1])
}

// GOTAddr returns the link-time address of GOT[0].
func (b *Builder) GOTAddr() uint64 {
	return b.base + b.plan().got
}

// DynamicAddr returns the link-time address of the dynamic section.
func (b *Builder) DynamicAddr() uint64 {
	return b.base + b.plan().dynamic
}

func (b *Builder) dynamicEntries(l *layout) [][2]uint64 {
	var entries [][2]uint64
	add := func(tag elf.DynTag, value uint64) {
		entries = append(entries, [2]uint64{uint64(tag), value})
	}
	for _, name := range b.needed {
		add(elf.DT_NEEDED, uint64(l.strOff[name]))
	}
	if b.soname != "" {
		add(elf.DT_SONAME, uint64(l.strOff[b.soname]))
	}
	if b.rpath != "" {
		add(elf.DT_RPATH, uint64(l.strOff[b.rpath]))
	}
	if b.hashAt != 0 {
		add(elf.DT_HASH, b.hashAt)
	} else {
		add(elf.DT_HASH, b.base+l.hash)
	}
	add(elf.DT_STRTAB, b.base+l.dynstr)
	add(elf.DT_SYMTAB, b.base+l.dynsym)
	add(elf.DT_STRSZ, uint64(len(l.strtab)))
	add(elf.DT_SYMENT, 16)
	if len(b.rels) > 0 {
		add(elf.DT_REL, b.base+l.rel)
		add(elf.DT_RELSZ, 8*uint64(len(b.rels)))
		add(elf.DT_RELENT, 8)
	}
	if b.rela {
		add(elf.DT_RELA, b.base+l.rel)
		add(elf.DT_RELASZ, 0)
		add(elf.DT_RELAENT, 12)
	}
	add(elf.DT_PLTGOT, b.base+l.got)
	if len(b.plts) > 0 {
		add(elf.DT_PLTRELSZ, 8*uint64(len(b.plts)))
		add(elf.DT_PLTREL, uint64(elf.DT_REL))
		add(elf.DT_JMPREL, b.base+l.pltrel)
	}
	if b.init != "" {
		add(elf.DT_INIT, b.symValue(l, b.syms[b.symIndex(b.init)-1]))
	}
	if b.fini != "" {
		add(elf.DT_FINI, b.symValue(l, b.syms[b.symIndex(b.fini)-1]))
	}
	if b.debug {
		add(elf.DT_DEBUG, 0)
	}
	if b.textrel {
		add(elf.DT_TEXTREL, 0)
	}
	if b.bindNow {
		add(elf.DT_BIND_NOW, 0)
	}
	add(elf.DT_NULL, 0)
	return entries
}

// Bytes renders the object.
func (b *Builder) Bytes() []byte {
	l := b.plan()
	le := binary.LittleEndian
	out := make([]byte, l.dataEnd+junkSize)

	copy(out, elf.ELFMAG)
	out[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	out[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	out[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(out[16:], uint16(b.typ))
	le.PutUint16(out[18:], uint16(b.machine))
	le.PutUint32(out[20:], uint32(elf.EV_CURRENT))
	if b.entry != "" {
		le.PutUint32(out[24:], uint32(b.symValue(l, b.syms[b.symIndex(b.entry)-1])))
	}
	le.PutUint32(out[28:], ehdrSize)
	if b.machine == elf.EM_ARM {
		le.PutUint32(out[36:], 0x05000000)
	}
	le.PutUint16(out[40:], ehdrSize)
	le.PutUint16(out[42:], phdrSize)
	le.PutUint16(out[44:], uint16(l.phnum))
	le.PutUint16(out[46:], 40)

	phdr := func(i int, typ elf.ProgType, off, vaddr, filesz, memsz uint64, flags elf.ProgFlag, alignment uint32) {
		p := out[ehdrSize+phdrSize*i:]
		le.PutUint32(p[0:], uint32(typ))
		le.PutUint32(p[4:], uint32(off))
		le.PutUint32(p[8:], uint32(vaddr))
		le.PutUint32(p[12:], uint32(vaddr))
		le.PutUint32(p[16:], uint32(filesz))
		le.PutUint32(p[20:], uint32(memsz))
		le.PutUint32(p[24:], uint32(flags))
		le.PutUint32(p[28:], alignment)
	}
	phdr(0, elf.PT_LOAD, 0, b.base, l.textEnd, l.textEnd, elf.PF_R|elf.PF_X, PageSize)
	phdr(1, elf.PT_LOAD, l.dataOff, b.base+l.dataOff, l.dataEnd-l.dataOff, l.memEnd-l.dataOff, elf.PF_R|elf.PF_W, PageSize)
	if !b.noDynamic {
		size := 8 * uint64(l.ndyn)
		phdr(2, elf.PT_DYNAMIC, l.dynamic, b.base+l.dynamic, size, size, elf.PF_R|elf.PF_W, 4)
	}

	nbucket := uint32(b.buckets())
	nsyms := uint32(len(b.syms) + 1)
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, nsyms)
	for i := uint32(1); i < nsyms; i++ {
		h := elfdyn.ElfHash(b.syms[i-1].name) % nbucket
		chains[i] = buckets[h]
		buckets[h] = i
	}
	le.PutUint32(out[l.hash:], nbucket)
	le.PutUint32(out[l.hash+4:], nsyms)
	for i, v := range buckets {
		le.PutUint32(out[l.hash+8+4*uint64(i):], v)
	}
	for i, v := range chains {
		le.PutUint32(out[l.hash+8+4*uint64(nbucket)+4*uint64(i):], v)
	}

	for i, sym := range b.syms {
		p := out[l.dynsym+16*uint64(i+1):]
		le.PutUint32(p[0:], l.strOff[sym.name])
		le.PutUint32(p[4:], uint32(b.symValue(l, sym)))
		le.PutUint32(p[8:], uint32(sym.size))
		p[12] = elf.ST_INFO(sym.bind, sym.typ)
		le.PutUint16(p[14:], uint16(sectionIndex(sym.at.Section)))
	}
	copy(out[l.dynstr:], l.strtab)

	for i, r := range b.rels {
		p := out[l.rel+8*uint64(i):]
		le.PutUint32(p[0:], uint32(b.slotAddr(l, r.at)))
		le.PutUint32(p[4:], uint32(b.symIndex(r.sym))<<8|r.typ&0xff)
	}
	for i, p := range b.plts {
		got := Slot{GOT, 4 * uint64(3+i)}
		e := out[l.pltrel+8*uint64(i):]
		le.PutUint32(e[0:], uint32(b.slotAddr(l, got)))
		le.PutUint32(e[4:], uint32(b.symIndex(p.sym))<<8|RelType(b.machine, JmpSlot))
		le.PutUint32(out[l.got+4*uint64(3+i):], uint32(b.base+l.text+p.stub))
	}
	copy(out[l.text:], b.text)

	if !b.noDynamic {
		for i, e := range b.dynamicEntries(l) {
			le.PutUint32(out[l.dynamic+8*uint64(i):], uint32(e[0]))
			le.PutUint32(out[l.dynamic+8*uint64(i)+4:], uint32(e[1]))
		}
		le.PutUint32(out[l.got:], uint32(b.base+l.dynamic))
	}
	copy(out[l.data:], b.data)
	for i := l.dataEnd; i < uint64(len(out)); i++ {
		out[i] = 0xaa
	}
	return out
}

func sectionIndex(section Section) elf.SectionIndex {
	if section == 0 {
		return elf.SHN_UNDEF
	}
	return elf.SectionIndex(section)
}

// WriteFile renders the object to dir/name and returns the path.
func (b *Builder) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, b.Bytes(), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
