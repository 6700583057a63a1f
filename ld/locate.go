package ld

import (
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Locate finds and loads the library name as a dependency of scope.
func (s *Session) Locate(name string, scope Scope) (*Module, error) {
	return s.locate(name, scope, Library)
}

// locate tries, in order: name itself when it contains a slash, the
// library path, the cache, the rpath of each module in scope, and the
// default directories. The first candidate that loads wins. A failure
// other than "not found" is remembered in preference to "not found".
func (s *Session) locate(name string, scope Scope, kind Kind) (*Module, error) {
	var (
		attempts *multierror.Error
		best     error
	)
	try := func(path string) *Module {
		module, err := s.LoadObject(path, kind)
		if err == nil {
			return module
		}
		attempts = multierror.Append(attempts, err)
		if best == nil || (isNotFound(best) && !isNotFound(err)) {
			best = err
		}
		return nil
	}
	found := func(module *Module, how string) (*Module, error) {
		s.log.Debug("located library", zap.String("name", name), zap.String("path", module.Path), zap.String("via", how))
		if module.Name == module.Path {
			module.Name = name
		}
		return module, nil
	}

	if hasPathSeparator(name) {
		if module := try(name); module != nil {
			return found(module, "path")
		}
		return nil, s.notFound(name, best, attempts)
	}

	for _, dir := range s.cfg.LibraryPath {
		if module := try(filepath.Join(dir, name)); module != nil {
			return found(module, "library path")
		}
	}

	if path, ok := s.cache.Lookup(name); ok {
		if module := try(path); module != nil {
			return found(module, "cache")
		}
	}

	for _, handle := range scope {
		owner := s.reg.Get(handle)
		if owner == nil {
			continue
		}
		for _, dir := range owner.RPath {
			if module := try(filepath.Join(dir, name)); module != nil {
				return found(module, "rpath")
			}
		}
	}

	for _, dir := range s.cfg.DefaultDirs {
		if module := try(filepath.Join(dir, name)); module != nil {
			return found(module, "default directory")
		}
	}

	return nil, s.notFound(name, best, attempts)
}

func (s *Session) notFound(name string, best error, attempts *multierror.Error) error {
	if attempts != nil {
		s.log.Debug("library search failed", zap.String("name", name), zap.Error(attempts.ErrorOrNil()))
	}
	if best == nil {
		best = ErrNotFound
	}
	return fmt.Errorf("can't load library '%s': %w", name, best)
}
