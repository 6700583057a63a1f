package ld

import (
	"debug/elf"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ReservedPrefix marks the interpreter's own symbols. Only relocations
// against these (and symbol-less ones) are applied during self-relocation.
const ReservedPrefix = "_dl_"

const trampolineSize = 16

// bootstrap prepares the lazy-binding trampoline and the debugger record,
// then maps and self-relocates the interpreter image when one is
// configured. It runs once, before any other module is loaded.
func (s *Session) bootstrap() error {
	if s.booted {
		return nil
	}
	s.booted = true

	tramp, err := s.arena.Alloc(trampolineSize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSelfRelocation, err)
	}
	s.trampoline = tramp
	if err := s.initDebug(); err != nil {
		return fmt.Errorf("%w: %w", ErrSelfRelocation, err)
	}

	if s.cfg.Interpreter == "" {
		return nil
	}
	interp, err := s.LoadObject(s.cfg.Interpreter, ProgramInterpreter)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSelfRelocation, err)
	}
	if err := s.selfRelocate(interp); err != nil {
		return err
	}
	interp.setFlag(RelocsDone | JmpRelocsDone | CopyRelocsDone)
	s.interp = interp.Handle
	return nil
}

// selfRelocate applies the interpreter's REL and JMPREL entries that
// reference reserved symbols, resolving them against the interpreter's own
// symbol table.
func (s *Session) selfRelocate(interp *Module) error {
	info := &interp.Dynamic
	if info.Has(elf.DT_RELA) {
		return fmt.Errorf("%w: %s: %w", ErrSelfRelocation, interp.Path, ErrUnsupportedRelocation)
	}
	symtab := info.Get(elf.DT_SYMTAB)
	strtab := info.Get(elf.DT_STRTAB)

	applied := 0
	for _, table := range s.relTables(interp) {
		for off := uint64(0); off < table.size; off += s.view.RelSize() {
			rel, err := s.view.Rel(table.addr + off)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSelfRelocation, err)
			}
			var symAddr uint64
			if rel.Sym != 0 {
				sym, err := s.view.Sym(symtab, rel.Sym)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrSelfRelocation, err)
				}
				name, err := s.view.CString(strtab + uint64(sym.Name))
				if err != nil {
					return fmt.Errorf("%w: %v", ErrSelfRelocation, err)
				}
				if !strings.HasPrefix(name, ReservedPrefix) {
					continue
				}
				if sym.Value == 0 {
					return fmt.Errorf("%w: symbol '%s' resolves to zero", ErrSelfRelocation, name)
				}
				symAddr = interp.Offset + sym.Value
			}
			class := s.mach.class(rel.Type)
			if class == relCopy || class == relUnknown {
				return fmt.Errorf("%w: relocation type %d in %s", ErrSelfRelocation, rel.Type, interp.Path)
			}
			if err := s.apply(interp, class, rel.Offset+interp.Offset, symAddr); err != nil {
				return fmt.Errorf("%w: %v", ErrSelfRelocation, err)
			}
			applied++
		}
	}
	s.log.Debug("self-relocated interpreter", zap.String("path", interp.Path), zap.Int("relocations", applied))
	return nil
}

type relTable struct {
	addr uint64
	size uint64
}

func (s *Session) relTables(module *Module) []relTable {
	info := &module.Dynamic
	var tables []relTable
	if info.Has(elf.DT_REL) {
		tables = append(tables, relTable{info.Get(elf.DT_REL), info.Get(elf.DT_RELSZ)})
	}
	if info.Has(elf.DT_JMPREL) {
		tables = append(tables, relTable{info.Get(elf.DT_JMPREL), info.Get(elf.DT_PLTRELSZ)})
	}
	return tables
}

// Trampoline is the address stored in every GOT[2].
func (s *Session) Trampoline() uint64 {
	return s.trampoline
}
