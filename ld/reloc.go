package ld

import (
	"debug/elf"
	"fmt"

	"go.uber.org/zap"

	"github.com/sliverarmory/ldso/internal/elfdyn"
	"github.com/sliverarmory/ldso/memmod"
)

// Relocate processes every registered module, dependencies first, then
// performs copy relocations. Modules already processed are skipped.
func (s *Session) Relocate() error {
	modules := s.reg.Modules()
	for i := len(modules) - 1; i >= 0; i-- {
		if err := s.relocateModule(modules[i]); err != nil {
			return err
		}
	}
	for i := len(modules) - 1; i >= 0; i-- {
		if err := s.copyRelocate(modules[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) bindNow(module *Module) bool {
	return s.cfg.BindNow || module.Dynamic.Has(elf.DT_BIND_NOW) ||
		module.Dynamic.Get(elf.DT_FLAGS)&uint64(elf.DF_BIND_NOW) != 0
}

func (s *Session) relocateModule(module *Module) error {
	info := &module.Dynamic
	if info.Has(elf.DT_RELA) {
		return fmt.Errorf("%s: RELA relocation records: %w", module.Path, ErrUnsupportedRelocation)
	}

	restore, err := s.unprotectText(module)
	if err != nil {
		return err
	}
	defer restore()

	if !module.Flags.Has(RelocsDone) {
		module.setFlag(RelocsDone)
		if info.Has(elf.DT_REL) {
			if err := s.applyTable(module, info.Get(elf.DT_REL), info.Get(elf.DT_RELSZ), false); err != nil {
				return err
			}
		}
	}
	if !module.Flags.Has(JmpRelocsDone) {
		module.setFlag(JmpRelocsDone)
		if info.Has(elf.DT_JMPREL) {
			addr, size := info.Get(elf.DT_JMPREL), info.Get(elf.DT_PLTRELSZ)
			if s.bindNow(module) {
				err = s.applyTable(module, addr, size, false)
			} else {
				err = s.installLazy(module, addr, size)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// applyTable applies a REL table. With copies set only COPY entries are
// processed; otherwise COPY entries are skipped.
func (s *Session) applyTable(module *Module, addr, size uint64, copies bool) error {
	symtab := module.Dynamic.Get(elf.DT_SYMTAB)
	strtab := module.Dynamic.Get(elf.DT_STRTAB)
	var unresolved []string
	applied := 0

	for off := uint64(0); off < size; off += s.view.RelSize() {
		rel, err := s.view.Rel(addr + off)
		if err != nil {
			return fmt.Errorf("%s: read relocation: %w", module.Path, err)
		}
		class := s.mach.class(rel.Type)
		if class == relUnknown {
			return fmt.Errorf("%s: relocation type %d: %w", module.Path, rel.Type, ErrUnsupportedRelocation)
		}
		if (class == relCopy) != copies {
			continue
		}
		target := rel.Offset + module.Offset

		var symAddr uint64
		var sym elfdyn.Sym
		var name string
		if rel.Sym != 0 {
			if sym, err = s.view.Sym(symtab, rel.Sym); err != nil {
				return fmt.Errorf("%s: %w", module.Path, err)
			}
			if name, err = s.view.CString(strtab + uint64(sym.Name)); err != nil {
				return fmt.Errorf("%s: %w", module.Path, err)
			}
			var scope Scope
			origin := NoModule
			switch class {
			case relCopy:
				scope = s.after(module.Handle)
			case relJmpSlot:
				origin = module.Handle
			}
			def, ok := s.Lookup(name, scope, origin, class == relCopy)
			switch {
			case ok:
				symAddr = def.Addr
			case sym.Bind() == elf.STB_WEAK && class != relCopy:
				// undefined weak references bind to zero
			default:
				if sym.Bind() != elf.STB_WEAK {
					unresolved = append(unresolved, name)
				}
				continue
			}
			if class == relCopy {
				if err := s.copySymbol(module, target, def, sym.Size); err != nil {
					return err
				}
				applied++
				continue
			}
		}
		if err := s.apply(module, class, target, symAddr); err != nil {
			return fmt.Errorf("%s: %s at 0x%x: %w", module.Path, class, target, err)
		}
		applied++
	}

	s.log.Debug("applied relocations",
		zap.String("module", module.Path),
		zap.Bool("copy", copies),
		zap.Int("applied", applied),
		zap.Int("unresolved", len(unresolved)),
	)
	return s.reportUnresolved(module, unresolved)
}

func (s *Session) reportUnresolved(module *Module, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if s.cfg.Trace && s.cfg.Warn {
		for _, name := range names {
			fmt.Fprintf(s.out, "\tsymbol not found: %s\t(%s)\n", name, module.Path)
		}
		s.unresolved = append(s.unresolved, names...)
		return nil
	}
	return fmt.Errorf("%s: can't resolve symbol '%s': %w", module.Path, names[0], ErrUnresolvedSymbol)
}

// apply performs one non-copy relocation at addr.
func (s *Session) apply(module *Module, class relClass, addr, symAddr uint64) error {
	switch class {
	case relNone:
		return nil
	case relAbs32, relPC32, relRelative:
		cur, err := s.view.Word(addr)
		if err != nil {
			return err
		}
		switch class {
		case relAbs32:
			cur += symAddr
		case relPC32:
			cur += symAddr - addr
		case relRelative:
			cur += module.Offset
		}
		return s.view.PutWord(addr, cur)
	case relGlobDat, relJmpSlot:
		return s.view.PutWord(addr, symAddr)
	default:
		return fmt.Errorf("relocation %s: %w", class, ErrUnsupportedRelocation)
	}
}

// installLazy points each PLT GOT entry at its relocated stub; the entry
// is resolved by FixupPLT when first called.
func (s *Session) installLazy(module *Module, addr, size uint64) error {
	for off := uint64(0); off < size; off += s.view.RelSize() {
		rel, err := s.view.Rel(addr + off)
		if err != nil {
			return fmt.Errorf("%s: read relocation: %w", module.Path, err)
		}
		switch s.mach.class(rel.Type) {
		case relNone:
		case relJmpSlot:
			target := rel.Offset + module.Offset
			cur, err := s.view.Word(target)
			if err != nil {
				return fmt.Errorf("%s: %w", module.Path, err)
			}
			if err := s.view.PutWord(target, cur+module.Offset); err != nil {
				return fmt.Errorf("%s: %w", module.Path, err)
			}
		default:
			return fmt.Errorf("%s: lazy relocation type %d: %w", module.Path, rel.Type, ErrUnsupportedRelocation)
		}
	}
	s.log.Debug("installed lazy PLT", zap.String("module", module.Path), zap.Uint64("entries", size/s.view.RelSize()))
	return nil
}

// FixupPLT resolves one lazy PLT entry. tag is the value the trampoline
// found in GOT[1] and relOffset the byte offset of the entry in DT_JMPREL.
// It returns the resolved address after storing it in the GOT.
func (s *Session) FixupPLT(tag, relOffset uint64) (uint64, error) {
	module, ok := s.reg.ByTag(tag)
	if !ok {
		return 0, fmt.Errorf("lazy binding: unknown module tag 0x%x", tag)
	}
	info := &module.Dynamic
	if !info.Has(elf.DT_JMPREL) || relOffset >= info.Get(elf.DT_PLTRELSZ) {
		return 0, fmt.Errorf("%s: lazy binding: bad PLT offset 0x%x", module.Path, relOffset)
	}
	rel, err := s.view.Rel(info.Get(elf.DT_JMPREL) + relOffset)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", module.Path, err)
	}
	if s.mach.class(rel.Type) != relJmpSlot {
		return 0, fmt.Errorf("%s: lazy relocation type %d: %w", module.Path, rel.Type, ErrUnsupportedRelocation)
	}
	sym, err := s.view.Sym(info.Get(elf.DT_SYMTAB), rel.Sym)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", module.Path, err)
	}
	name, err := s.view.CString(info.Get(elf.DT_STRTAB) + uint64(sym.Name))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", module.Path, err)
	}
	def, ok := s.Lookup(name, nil, module.Handle, false)
	if !ok {
		return 0, fmt.Errorf("%s: can't resolve symbol '%s': %w", module.Path, name, ErrUnresolvedSymbol)
	}
	if err := s.view.PutWord(rel.Offset+module.Offset, def.Addr); err != nil {
		return 0, fmt.Errorf("%s: %w", module.Path, err)
	}
	s.log.Debug("bound PLT entry", zap.String("module", module.Path), zap.String("symbol", name), hexField("addr", def.Addr))
	return def.Addr, nil
}

// copyRelocate runs the COPY entries of module's DT_REL once.
func (s *Session) copyRelocate(module *Module) error {
	if module.Flags.Has(CopyRelocsDone) {
		return nil
	}
	module.setFlag(CopyRelocsDone)
	if !module.Dynamic.Has(elf.DT_REL) {
		return nil
	}
	return s.applyTable(module, module.Dynamic.Get(elf.DT_REL), module.Dynamic.Get(elf.DT_RELSZ), true)
}

func (s *Session) copySymbol(module *Module, target uint64, def Symbol, size uint64) error {
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	if err := s.space.ReadAt(buf, def.Addr); err != nil {
		return fmt.Errorf("%s: copy '%s': %w", module.Path, def.Name, err)
	}
	if err := s.space.WriteAt(buf, target); err != nil {
		return fmt.Errorf("%s: copy '%s': %w", module.Path, def.Name, err)
	}
	return nil
}

// unprotectText makes the read-only segments of a DT_TEXTREL module
// writable and returns the function that restores them.
func (s *Session) unprotectText(module *Module) (func(), error) {
	if !module.Dynamic.Has(elf.DT_TEXTREL) || module.Flags.Has(RelocsDone|JmpRelocsDone) {
		return func() {}, nil
	}
	var changed []segment
	restore := func() {
		for _, seg := range changed {
			if err := s.space.Protect(seg.addr, seg.length, seg.prot); err != nil {
				s.log.Warn("restore segment protection", zap.String("module", module.Path), zap.Error(err))
			}
		}
	}
	for _, seg := range module.segments {
		if seg.prot&memmod.ProtWrite != 0 {
			continue
		}
		if err := s.space.Protect(seg.addr, seg.length, seg.prot|memmod.ProtWrite); err != nil {
			restore()
			return nil, fmt.Errorf("%s: %w: make text writable: %v", module.Path, ErrMmapFailed, err)
		}
		changed = append(changed, seg)
	}
	return restore, nil
}

// RunInit calls DT_INIT of every library once, dependencies first, and
// registers DT_FINI. The executable and interpreter are skipped.
func (s *Session) RunInit() error {
	modules := s.reg.Modules()
	for i := len(modules) - 1; i >= 0; i-- {
		module := modules[i]
		if module.Kind == Executable || module.Kind == ProgramInterpreter || module.Flags.Has(InitCalled) {
			continue
		}
		module.setFlag(InitCalled)
		if module.Dynamic.Has(elf.DT_INIT) {
			addr := module.Dynamic.Get(elf.DT_INIT)
			s.log.Debug("calling init", zap.String("module", module.Path), hexField("addr", addr))
			if err := s.invoker.Call(addr); err != nil {
				return fmt.Errorf("%s: init: %w", module.Path, err)
			}
		}
		if module.Dynamic.Has(elf.DT_FINI) {
			s.finis = append(s.finis, module.Dynamic.Get(elf.DT_FINI))
		}
	}
	return nil
}

// RunFini calls the registered DT_FINI functions in reverse order of
// registration. Each runs at most once.
func (s *Session) RunFini() error {
	for len(s.finis) > 0 {
		addr := s.finis[len(s.finis)-1]
		s.finis = s.finis[:len(s.finis)-1]
		s.log.Debug("calling fini", hexField("addr", addr))
		if err := s.invoker.Call(addr); err != nil {
			return fmt.Errorf("fini 0x%x: %w", addr, err)
		}
	}
	return nil
}

// Unresolved lists symbols reported missing in trace-and-warn mode.
func (s *Session) Unresolved() []string {
	return s.unresolved
}
