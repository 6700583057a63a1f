package ld

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/sliverarmory/ldso/memmod"
)

// FixedThreshold separates position-independent images from ones that
// must be mapped at their link addresses: an object whose first PT_LOAD
// starts above it is mapped where it was linked.
const FixedThreshold = 0x1000000

type image struct {
	file    *elf.File
	loads   []*elf.Prog
	dynamic *elf.Prog
}

// LoadObject maps the object at path and registers it. An object that is
// already registered under the same path is returned as is.
func (s *Session) LoadObject(path string, kind Kind) (*Module, error) {
	path = canonicalPath(path)
	if module, ok := s.reg.Lookup(path); ok {
		module.Usage++
		return module, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	defer file.Close()

	img, err := s.validate(file, kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer img.file.Close()

	base, offset, span, segments, err := s.mapImage(file, img, kind)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	module, err := s.newModule(img, path, kind, base, offset, span)
	if err == nil {
		err = s.chainLink(module)
	}
	if err != nil {
		_ = s.space.Unmap(base, span)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	module.segments = segments
	s.reg.Register(module)

	s.log.Debug("loaded object",
		zap.String("path", path),
		zap.Stringer("kind", kind),
		zap.Int("handle", int(module.Handle)),
		hexField("base", base),
		hexField("offset", offset),
	)
	return module, nil
}

func (s *Session) validate(file *os.File, kind Kind) (*image, error) {
	var ident [elf.EI_NIDENT]byte
	if _, err := io.ReadFull(file, ident[:]); err != nil || !bytes.Equal(ident[:4], []byte(elf.ELFMAG)) {
		return nil, ErrNotELF
	}
	if elf.Class(ident[elf.EI_CLASS]) != elf.ELFCLASS32 || elf.Data(ident[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %s %s", ErrWrongArchOrType, elf.Class(ident[elf.EI_CLASS]), elf.Data(ident[elf.EI_DATA]))
	}

	f, err := elf.NewFile(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	img := &image{file: f}
	ok := false
	defer func() {
		if !ok {
			f.Close()
		}
	}()

	switch {
	case f.Type == elf.ET_DYN:
	case f.Type == elf.ET_EXEC && kind == Executable:
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongArchOrType, f.Type)
	}
	if s.mach == nil {
		if err := s.setMachine(f.Machine); err != nil {
			return nil, err
		}
	}
	if f.Machine != s.machine {
		return nil, fmt.Errorf("%w: %s, expected %s", ErrWrongArchOrType, f.Machine, s.machine)
	}

	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_LOAD:
			if prog.Memsz == 0 {
				continue
			}
			if prog.Vaddr%s.space.PageSize() != prog.Off%s.space.PageSize() {
				return nil, fmt.Errorf("%w: misaligned segment at 0x%x", ErrNotELF, prog.Vaddr)
			}
			img.loads = append(img.loads, prog)
		case elf.PT_DYNAMIC:
			img.dynamic = prog
		}
	}
	if len(img.loads) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrNotELF)
	}
	if img.dynamic == nil {
		return nil, ErrNoDynamicSection
	}
	ok = true
	return img, nil
}

// mapImage reserves the whole span, then maps every segment over it. On
// failure the reservation is released.
func (s *Session) mapImage(file *os.File, img *image, kind Kind) (base, offset, span uint64, segments []segment, err error) {
	pageSize := s.space.PageSize()
	first := img.loads[0]
	low := alignDown(first.Vaddr, pageSize)
	high := low
	for _, prog := range img.loads {
		if end := alignUp(prog.Vaddr+prog.Memsz, pageSize); end > high {
			high = end
		}
	}
	span = high - low

	fixed := first.Vaddr > FixedThreshold || img.file.Type == elf.ET_EXEC
	hint := uint64(0)
	if fixed {
		hint = low
	}
	base, err = s.space.Reserve(hint, span, fixed)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("%w: reserve 0x%x bytes: %v", ErrMmapFailed, span, err)
	}
	offset = base - low

	defer func() {
		if err != nil {
			_ = s.space.Unmap(base, span)
		}
	}()

	for _, prog := range img.loads {
		prot := progProt(prog.Flags)
		start := alignDown(prog.Vaddr, pageSize) + offset
		fileEnd := prog.Vaddr + prog.Filesz + offset
		memEnd := alignUp(prog.Vaddr+prog.Memsz+offset, pageSize)

		anonStart := start
		if prog.Filesz > 0 {
			if err = s.space.MapFile(start, fileEnd-start, file, int64(alignDown(prog.Off, pageSize)), prot); err != nil {
				return 0, 0, 0, nil, fmt.Errorf("%w: %v", ErrMmapFailed, err)
			}
			anonStart = alignUp(fileEnd, pageSize)
		}

		if prog.Flags&elf.PF_W != 0 {
			if prog.Filesz > 0 && anonStart > fileEnd {
				if err = s.space.WriteAt(make([]byte, anonStart-fileEnd), fileEnd); err != nil {
					return 0, 0, 0, nil, fmt.Errorf("%w: clear bss: %v", ErrMmapFailed, err)
				}
			}
			if memEnd > anonStart {
				if _, err = s.space.MapAnon(anonStart, memEnd-anonStart, prot, true); err != nil {
					return 0, 0, 0, nil, fmt.Errorf("%w: map bss: %v", ErrMmapFailed, err)
				}
			}
		}
		segments = append(segments, segment{addr: start, length: memEnd - start, prot: prot})
	}

	s.log.Debug("mapped segments",
		zap.Int("segments", len(segments)),
		zap.Bool("fixed", fixed),
		zap.Stringer("kind", kind),
		hexField("base", base),
		hexField("span", span),
	)
	return base, offset, span, segments, nil
}

// newModule builds the module for a mapped image. Everything that can fail
// happens here, before the module is registered or linked into the
// debugger list, so a rejected candidate leaves no trace.
func (s *Session) newModule(img *image, path string, kind Kind, base, offset, span uint64) (*Module, error) {
	dynAddr := img.dynamic.Vaddr + offset
	info, err := s.view.Dynamic(dynAddr, img.dynamic.Memsz)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	info.Relocate(offset)

	module := &Module{
		Handle:      NoModule,
		Path:        path,
		Name:        path,
		Kind:        kind,
		Base:        base,
		Offset:      offset,
		Span:        span,
		Entry:       img.file.Entry + offset,
		Dynamic:     info,
		DynamicAddr: dynAddr,
		DynamicSize: img.dynamic.Memsz,
	}
	if err := s.describe(module); err != nil {
		return nil, err
	}
	if err := s.newLinkRecord(module); err != nil {
		return nil, err
	}
	if err := s.patchGOT(module); err != nil {
		return nil, err
	}
	return module, nil
}

// describe fills in the hash table, soname and rpath of a module.
func (s *Session) describe(module *Module) error {
	info := &module.Dynamic
	if info.Has(elf.DT_HASH) {
		hash, err := s.view.Hash(info.Get(elf.DT_HASH))
		if err != nil {
			return fmt.Errorf("%w: read hash table: %v", ErrNotELF, err)
		}
		module.Hash, module.HasHash = hash, true
	}
	strtab := info.Get(elf.DT_STRTAB)
	if info.Has(elf.DT_SONAME) {
		name, err := s.view.CString(strtab + info.Get(elf.DT_SONAME))
		if err != nil {
			return fmt.Errorf("%w: read DT_SONAME: %v", ErrNotELF, err)
		}
		module.SOName = name
	}
	if info.Has(elf.DT_RPATH) {
		rpath, err := s.view.CString(strtab + info.Get(elf.DT_RPATH))
		if err != nil {
			return fmt.Errorf("%w: read DT_RPATH: %v", ErrNotELF, err)
		}
		module.RPath = SplitPath(rpath)
	}
	return nil
}

// patchGOT stores the module tag in GOT[1] and the lazy-binding
// trampoline in GOT[2]. GOT[0] keeps the link-time _DYNAMIC address, so
// the two reserved lazy-binding slots are the second and third words, as
// the i386 and ARM PLT stubs expect.
func (s *Session) patchGOT(module *Module) error {
	if !module.Dynamic.Has(elf.DT_PLTGOT) {
		return nil
	}
	got := module.Dynamic.Get(elf.DT_PLTGOT)
	word := s.view.WordSize()
	if err := s.view.PutWord(got+word, module.Tag); err != nil {
		return fmt.Errorf("patch GOT[1]: %w", err)
	}
	if err := s.view.PutWord(got+2*word, s.trampoline); err != nil {
		return fmt.Errorf("patch GOT[2]: %w", err)
	}
	return nil
}

func progProt(flags elf.ProgFlag) memmod.Prot {
	var prot memmod.Prot
	if flags&elf.PF_R != 0 {
		prot |= memmod.ProtRead
	}
	if flags&elf.PF_W != 0 {
		prot |= memmod.ProtWrite
	}
	if flags&elf.PF_X != 0 {
		prot |= memmod.ProtExec
	}
	return prot
}

func alignDown(v, a uint64) uint64 {
	return v &^ (a - 1)
}

func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func hasPathSeparator(name string) bool {
	return strings.ContainsRune(name, '/')
}
