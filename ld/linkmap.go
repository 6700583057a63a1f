package ld

import (
	"debug/elf"
	"fmt"
)

// Debugger interface records, word-sized fields:
//
//	r_debug  { r_version, r_map, r_brk, r_state, r_ldbase }
//	link_map { l_addr, l_name, l_ld, l_next, l_prev }
const (
	debugVersion = 1
	recordWords  = 5

	rMap    = 1
	rBrk    = 2
	rLDBase = 4

	lAddr = 0
	lName = 1
	lLD   = 2
	lNext = 3
	lPrev = 4
)

// LinkEntry is one decoded link_map record.
type LinkEntry struct {
	Record  uint64
	Addr    uint64
	Name    string
	Dynamic uint64
	Next    uint64
	Prev    uint64
}

func (s *Session) wordAt(record uint64, field int) uint64 {
	return record + uint64(field)*s.view.WordSize()
}

func (s *Session) initDebug() error {
	addr, err := s.arena.Alloc(recordWords * s.view.WordSize())
	if err != nil {
		return err
	}
	if err := s.view.PutWord(s.wordAt(addr, 0), debugVersion); err != nil {
		return err
	}
	if err := s.view.PutWord(s.wordAt(addr, rBrk), s.trampoline); err != nil {
		return err
	}
	s.rDebug = addr
	return nil
}

// newLinkRecord writes a detached link_map record for module and makes its
// address the module tag.
func (s *Session) newLinkRecord(module *Module) error {
	record, err := s.arena.Alloc(recordWords * s.view.WordSize())
	if err != nil {
		return err
	}
	name, err := s.arena.AllocString(module.Path)
	if err != nil {
		return err
	}
	fields := []struct {
		field int
		value uint64
	}{
		{lAddr, module.Offset},
		{lName, name},
		{lLD, module.DynamicAddr},
		{lPrev, s.lastLink},
	}
	for _, f := range fields {
		if err := s.view.PutWord(s.wordAt(record, f.field), f.value); err != nil {
			return fmt.Errorf("write link_map: %w", err)
		}
	}
	module.Tag = record
	return nil
}

// chainLink appends the record of module to the debugger list. The list
// only changes on the final write.
func (s *Session) chainLink(module *Module) error {
	if module.Kind == ProgramInterpreter {
		if err := s.view.PutWord(s.wordAt(s.rDebug, rLDBase), module.Base); err != nil {
			return fmt.Errorf("write r_debug: %w", err)
		}
	}
	if s.lastLink != 0 {
		if err := s.view.PutWord(s.wordAt(s.lastLink, lNext), module.Tag); err != nil {
			return fmt.Errorf("write link_map: %w", err)
		}
	} else if err := s.view.PutWord(s.wordAt(s.rDebug, rMap), module.Tag); err != nil {
		return fmt.Errorf("write r_debug: %w", err)
	}
	s.lastLink = module.Tag
	return nil
}

// publishDebug stores the r_debug address in the executable's DT_DEBUG
// entry, if it has one.
func (s *Session) publishDebug(exe *Module) error {
	if !exe.Dynamic.Has(elf.DT_DEBUG) {
		return nil
	}
	entry := 2 * s.view.WordSize()
	for off := uint64(0); off+entry <= exe.DynamicSize; off += entry {
		tag, err := s.view.Word(exe.DynamicAddr + off)
		if err != nil {
			return fmt.Errorf("%s: %w", exe.Path, err)
		}
		if elf.DynTag(tag) == elf.DT_DEBUG {
			if err := s.view.PutWord(exe.DynamicAddr+off+s.view.WordSize(), s.rDebug); err != nil {
				return fmt.Errorf("%s: set DT_DEBUG: %w", exe.Path, err)
			}
			return nil
		}
	}
	return nil
}

// DebugAddr is the address of the r_debug record.
func (s *Session) DebugAddr() uint64 {
	return s.rDebug
}

// DebugList walks the link_map chain from r_debug.
func (s *Session) DebugList() ([]LinkEntry, error) {
	if s.rDebug == 0 {
		return nil, nil
	}
	record, err := s.view.Word(s.wordAt(s.rDebug, rMap))
	if err != nil {
		return nil, err
	}
	var entries []LinkEntry
	for record != 0 && len(entries) <= s.reg.Len() {
		var words [recordWords]uint64
		for i := range words {
			if words[i], err = s.view.Word(s.wordAt(record, i)); err != nil {
				return nil, err
			}
		}
		name, err := s.view.CString(words[lName])
		if err != nil {
			return nil, err
		}
		entries = append(entries, LinkEntry{
			Record:  record,
			Addr:    words[lAddr],
			Name:    name,
			Dynamic: words[lLD],
			Next:    words[lNext],
			Prev:    words[lPrev],
		})
		record = words[lNext]
	}
	return entries, nil
}
