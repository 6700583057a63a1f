// Package ld is a dynamic linker for ELF32 REL objects (i386 and ARM). A
// Session maps an executable and its shared-library dependencies into a
// memmod.Space, resolves symbols through the ELF hash tables, applies
// relocations, runs initializers and hands control to the program.
//
// A Session is single-threaded and is never torn down while the program
// it loaded is alive.
package ld

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sliverarmory/ldso/arena"
	"github.com/sliverarmory/ldso/internal/elfdyn"
	"github.com/sliverarmory/ldso/internal/ldcache"
	"github.com/sliverarmory/ldso/memmod"
)

// Session is the linker state for one program.
type Session struct {
	cfg     Config
	log     *zap.Logger
	out     io.Writer
	space   memmod.Space
	invoker memmod.Invoker
	view    elfdyn.View
	arena   *arena.Arena

	reg     Registry
	machine elf.Machine
	mach    *machine
	cache   *ldcache.Cache

	exec   Handle
	interp Handle

	trampoline uint64
	rDebug     uint64
	lastLink   uint64

	finis      []uint64
	unresolved []string
	booted     bool
}

// New validates cfg and returns an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.ProgName == "" {
		cfg.ProgName = "ld.so"
	}
	if cfg.CachePath == "" {
		cfg.CachePath = ldcache.DefaultPath
	}
	if cfg.DefaultDirs == nil {
		cfg.DefaultDirs = DefaultDirs
	}
	if cfg.Space == nil {
		cfg.Space = memmod.NewEmulated()
	}
	if cfg.Invoker == nil {
		cfg.Invoker = &memmod.Recorder{}
	}
	if _, native := cfg.Invoker.(memmod.Native); native {
		// no lazy-binding trampoline exists for native code
		cfg.BindNow = true
	}
	if cfg.Privileged {
		cfg.LibraryPath = nil
		cfg.Preload = nil
	}

	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.Named("ld"),
		out:     cfg.Stdout,
		space:   cfg.Space,
		invoker: cfg.Invoker,
		view:    elfdyn.View{Mem: cfg.Space, Class: elf.ELFCLASS32, Order: binary.LittleEndian},
		arena:   arena.New(cfg.Space, 0),
		exec:    NoModule,
		interp:  NoModule,
	}
	if cfg.Machine != 0 {
		if err := s.setMachine(cfg.Machine); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Session) setMachine(m elf.Machine) error {
	mach, ok := machines[m]
	if !ok {
		return fmt.Errorf("machine %s: %w", m, ErrWrongArchOrType)
	}
	s.machine, s.mach = m, mach
	return nil
}

// Start loads program and everything it needs, relocates, and runs the
// initializers. In trace mode it prints the dependency list instead and
// stops before relocating, unless Warn is also set.
func (s *Session) Start(program string) error {
	if err := s.bootstrap(); err != nil {
		return err
	}
	s.openCache()

	exe, err := s.LoadObject(program, Executable)
	if err != nil {
		if s.cfg.Trace && errors.Is(err, ErrNoDynamicSection) {
			fmt.Fprintf(s.out, "\tnot a dynamic executable\n")
			return nil
		}
		return fmt.Errorf("load %s: %w", program, err)
	}
	exe.Name = program
	s.exec = exe.Handle
	if err := s.publishDebug(exe); err != nil {
		return err
	}

	for _, name := range s.cfg.Preload {
		lib, err := s.locate(name, Scope{exe.Handle}, PreloadedFile)
		if err != nil {
			if s.cfg.Trace {
				fmt.Fprintf(s.out, "\t%s => not found\n", name)
				continue
			}
			return fmt.Errorf("%w '%s': %w", ErrPreload, name, err)
		}
		s.traceLoaded(name, lib)
	}

	if err := s.loadNeeded(); err != nil {
		return err
	}

	if s.cfg.Trace && !s.cfg.Warn {
		return nil
	}
	if err := s.Relocate(); err != nil {
		return err
	}
	if s.cfg.Trace {
		return nil
	}
	return s.RunInit()
}

// loadNeeded walks DT_NEEDED breadth-first in registry order.
func (s *Session) loadNeeded() error {
	for i := 0; i < s.reg.Len(); i++ {
		module := s.reg.Get(Handle(i))
		if module.Kind == ProgramInterpreter {
			continue
		}
		strtab := module.Dynamic.Get(elf.DT_STRTAB)
		for _, off := range module.Dynamic.Needed {
			name, err := s.view.CString(strtab + off)
			if err != nil {
				return fmt.Errorf("%s: read DT_NEEDED: %w", module.Path, err)
			}
			lib, err := s.locate(name, s.rpathScope(module), Library)
			if err != nil {
				if s.cfg.Trace {
					fmt.Fprintf(s.out, "\t%s => not found\n", name)
					continue
				}
				return err
			}
			s.traceLoaded(name, lib)
		}
	}
	return nil
}

func (s *Session) traceLoaded(name string, module *Module) {
	if !s.cfg.Trace || module.Usage != 1 || module.Kind == ProgramInterpreter {
		return
	}
	fmt.Fprintf(s.out, "\t%s => %s (0x%08x)\n", name, module.Path, module.Offset)
}

// rpathScope is the requesting module followed by the executable.
func (s *Session) rpathScope(module *Module) Scope {
	scope := Scope{module.Handle}
	if s.exec != NoModule && s.exec != module.Handle {
		scope = append(scope, s.exec)
	}
	return scope
}

func (s *Session) openCache() {
	if s.cache != nil {
		return
	}
	cache, err := ldcache.Open(s.cfg.CachePath)
	if err != nil {
		if errors.Is(err, ldcache.ErrBadCache) {
			s.log.Warn("ignoring library cache", zap.String("path", s.cfg.CachePath), zap.Error(err))
		} else {
			s.log.Debug("no library cache", zap.String("path", s.cfg.CachePath), zap.Error(err))
		}
		return
	}
	s.log.Debug("mapped library cache", zap.String("path", s.cfg.CachePath), zap.Int("entries", len(cache.Entries())))
	s.cache = cache
}

// Handoff transfers control to the program. An empty entry means the ELF
// entry point; otherwise entry names a symbol in the global scope.
func (s *Session) Handoff(entry string) error {
	exe := s.reg.Get(s.exec)
	if exe == nil {
		return errors.New("ld: no program loaded")
	}
	addr := exe.Entry
	if entry != "" {
		sym, ok := s.Lookup(entry, nil, NoModule, false)
		if !ok {
			return fmt.Errorf("%s: entry symbol '%s': %w", exe.Path, entry, ErrUnresolvedSymbol)
		}
		addr = sym.Addr
	}
	s.log.Debug("transferring control", zap.String("entry", entry), hexField("addr", addr))
	if err := s.invoker.Call(addr); err != nil {
		return fmt.Errorf("call entry 0x%x: %w", addr, err)
	}
	return nil
}

// Executable returns the loaded program, if any.
func (s *Session) Executable() *Module {
	return s.reg.Get(s.exec)
}

// Modules returns the loaded modules in registry order.
func (s *Session) Modules() []*Module {
	return s.reg.Modules()
}

// Registry exposes the module registry.
func (s *Session) Registry() *Registry {
	return &s.reg
}

// Space is the address space modules are mapped into.
func (s *Session) Space() memmod.Space {
	return s.space
}

// Close releases the library cache mapping. Mapped modules stay mapped.
func (s *Session) Close() error {
	if s.cache == nil {
		return nil
	}
	err := s.cache.Close()
	s.cache = nil
	return err
}

func hexField(key string, v uint64) zap.Field {
	return zap.String(key, fmt.Sprintf("0x%x", v))
}

func canonicalPath(path string) string {
	return filepath.Clean(path)
}
