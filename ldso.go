// Package ldso loads a dynamically linked ELF program the way ld.so does:
// it maps the program and its libraries, binds their symbols and runs
// their initializers. See package ld for the linker itself.
package ldso

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/sliverarmory/ldso/ld"
)

var ErrProgramClosed = errors.New("ldso: program is closed")

type Program struct {
	mu      sync.RWMutex
	session *ld.Session
	closed  bool
}

// Load maps the program at path with everything it needs, relocates it and
// runs the library initializers.
func Load(path string, cfg ld.Config) (*Program, error) {
	if path == "" {
		return nil, errors.New("ldso: empty program path")
	}

	session, err := ld.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("ldso: %w", err)
	}
	if err := session.Start(path); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("ldso: load program: %w", err)
	}
	return &Program{session: session}, nil
}

// LoadFromEnv is Load configured from the LD_* environment variables.
func LoadFromEnv(path string) (*Program, error) {
	return Load(path, ld.ConfigFromEnv())
}

// Run transfers control to entry, or to the ELF entry point when entry is
// empty.
func (program *Program) Run(entry string) error {
	program.mu.RLock()
	defer program.mu.RUnlock()

	if program.closed {
		return ErrProgramClosed
	}
	if err := program.session.Handoff(entry); err != nil {
		return fmt.Errorf("ldso: run: %w", err)
	}
	return nil
}

// Lookup returns the address of a symbol in the global scope.
func (program *Program) Lookup(name string) (uint64, error) {
	program.mu.RLock()
	defer program.mu.RUnlock()

	if program.closed {
		return 0, ErrProgramClosed
	}
	sym, ok := program.session.Lookup(name, nil, ld.NoModule, false)
	if !ok {
		return 0, fmt.Errorf("ldso: lookup %q: %w", name, ld.ErrUnresolvedSymbol)
	}
	return sym.Addr, nil
}

// Modules lists the loaded objects in load order.
func (program *Program) Modules() []*ld.Module {
	program.mu.RLock()
	defer program.mu.RUnlock()

	if program.closed {
		return nil
	}
	return program.session.Modules()
}

// DebugList decodes the link_map chain a debugger would see.
func (program *Program) DebugList() ([]ld.LinkEntry, error) {
	program.mu.RLock()
	defer program.mu.RUnlock()

	if program.closed {
		return nil, ErrProgramClosed
	}
	return program.session.DebugList()
}

// Session exposes the underlying linker session.
func (program *Program) Session() *ld.Session {
	program.mu.RLock()
	defer program.mu.RUnlock()
	return program.session
}

// Close runs the registered finalizers and releases the library cache.
// Mapped objects stay mapped.
func (program *Program) Close() error {
	program.mu.Lock()
	defer program.mu.Unlock()

	if program.closed {
		return nil
	}
	program.closed = true

	var result *multierror.Error
	if err := program.session.RunFini(); err != nil {
		result = multierror.Append(result, fmt.Errorf("ldso: run finalizers: %w", err))
	}
	if err := program.session.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("ldso: close cache: %w", err))
	}
	return result.ErrorOrNil()
}
