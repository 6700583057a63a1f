package ld

import (
	"debug/elf"

	"github.com/sliverarmory/ldso/internal/elfdyn"
)

// Scope is an ordered list of modules searched for a symbol. A nil scope
// means the global scope.
type Scope []Handle

// Symbol is a resolved definition.
type Symbol struct {
	Name   string
	Addr   uint64
	Value  uint64
	Size   uint64
	Bind   elf.SymBind
	Type   elf.SymType
	Module Handle
}

// Lookup resolves name through the ELF hash tables of scope.
//
// Unless copyReloc is set the executable is searched ahead of scope. The
// first GLOBAL definition wins; the first WEAK one is kept as a fallback
// and returned if the scope is exhausted or the executable is reached
// again. When origin is given, undefined entries of origin are skipped if
// they are the first match within origin's own chain.
func (s *Session) Lookup(name string, scope Scope, origin Handle, copyReloc bool) (Symbol, bool) {
	if scope == nil {
		scope = s.globalScope()
	}
	if !copyReloc && s.exec != NoModule {
		scope = append(Scope{s.exec}, scope...)
	}

	hn := elfdyn.ElfHash(name)
	want := append([]byte(name), 0)
	buf := make([]byte, len(want))

	var weak Symbol
	haveWeak := false

	for _, handle := range scope {
		firstDef := NoModule
		module := s.reg.Get(handle)
		if module == nil {
			continue
		}
		if module.Kind == Executable && haveWeak {
			break
		}
		if !module.HasHash || module.Hash.NBucket == 0 {
			continue
		}
		symtab := module.Dynamic.Get(elf.DT_SYMTAB)
		strtab := module.Dynamic.Get(elf.DT_STRTAB)

		idx, err := s.view.Bucket(module.Hash, hn%module.Hash.NBucket)
		for steps := uint32(0); err == nil && idx != 0 && idx < module.Hash.NChain && steps < module.Hash.NChain; steps++ {
			sym, serr := s.view.Sym(symtab, idx)
			if serr == nil && acceptable(sym) && s.nameIs(strtab+uint64(sym.Name), want, buf) {
				skip := false
				if origin != NoModule {
					if firstDef == NoModule {
						firstDef = handle
					}
					skip = firstDef == origin && sym.Shndx == elf.SHN_UNDEF
				}
				if !skip {
					switch sym.Bind() {
					case elf.STB_GLOBAL:
						return s.symbol(name, module, sym), true
					case elf.STB_WEAK:
						if !haveWeak {
							weak, haveWeak = s.symbol(name, module, sym), true
						}
					}
				}
			}
			idx, err = s.view.Chain(module.Hash, idx)
		}
	}
	return weak, haveWeak
}

func acceptable(sym elfdyn.Sym) bool {
	switch sym.Type() {
	case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
		return sym.Value != 0
	}
	return false
}

func (s *Session) nameIs(addr uint64, want, buf []byte) bool {
	if err := s.space.ReadAt(buf, addr); err != nil {
		return false
	}
	return string(buf) == string(want)
}

func (s *Session) symbol(name string, module *Module, sym elfdyn.Sym) Symbol {
	return Symbol{
		Name:   name,
		Addr:   module.Offset + sym.Value,
		Value:  sym.Value,
		Size:   sym.Size,
		Bind:   sym.Bind(),
		Type:   sym.Type(),
		Module: module.Handle,
	}
}

// globalScope is every module in registry order, with the interpreter last.
func (s *Session) globalScope() Scope {
	scope := make(Scope, 0, s.reg.Len())
	for i := 0; i < s.reg.Len(); i++ {
		if Handle(i) != s.interp {
			scope = append(scope, Handle(i))
		}
	}
	if s.interp != NoModule {
		scope = append(scope, s.interp)
	}
	return scope
}

// after is the scope of modules registered after handle, used for copy
// relocations.
func (s *Session) after(handle Handle) Scope {
	scope := Scope{}
	for h := s.reg.Next(handle); h != NoModule; h = s.reg.Next(h) {
		scope = append(scope, h)
	}
	return scope
}
