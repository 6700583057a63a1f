package ld

import (
	"errors"

	"github.com/sliverarmory/ldso/arena"
	"github.com/sliverarmory/ldso/internal/ldcache"
)

var (
	ErrNotFound              = errors.New("cannot find library")
	ErrNotELF                = errors.New("not an ELF file")
	ErrWrongArchOrType       = errors.New("wrong architecture or object type")
	ErrNoDynamicSection      = errors.New("no dynamic section")
	ErrMmapFailed            = errors.New("cannot map segment")
	ErrUnsupportedRelocation = errors.New("unsupported relocation format")
	ErrUnresolvedSymbol      = errors.New("unresolved symbol")
	ErrSelfRelocation        = errors.New("cannot self-relocate")
	ErrCacheMap              = errors.New("cannot map library cache")
	ErrPreload               = errors.New("cannot preload library")
)

// Exit codes. Each fatal error class has its own stable value.
const (
	ExitOK                    = 0
	ExitSelfRelocation        = 1
	ExitCacheMap              = 2
	ExitFailure               = 3
	ExitNotELF                = 10
	ExitWrongArchOrType       = 11
	ExitNoDynamicSection      = 12
	ExitMmapFailed            = 13
	ExitUnresolvedSymbol      = 14
	ExitPreload               = 15
	ExitNotFound              = 16
	ExitUnsupportedRelocation = 18
)

var exitCodes = []struct {
	err  error
	code int
}{
	{ErrSelfRelocation, ExitSelfRelocation},
	{ErrCacheMap, ExitCacheMap},
	{ldcache.ErrMap, ExitCacheMap},
	{ErrPreload, ExitPreload},
	{ErrUnsupportedRelocation, ExitUnsupportedRelocation},
	{ErrUnresolvedSymbol, ExitUnresolvedSymbol},
	{ErrMmapFailed, ExitMmapFailed},
	{arena.ErrOutOfMemory, ExitMmapFailed},
	{ErrNoDynamicSection, ExitNoDynamicSection},
	{ErrWrongArchOrType, ExitWrongArchOrType},
	{ErrNotELF, ExitNotELF},
	{ErrNotFound, ExitNotFound},
}

// ExitCode maps an error returned by this package to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	for _, ec := range exitCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ExitFailure
}
