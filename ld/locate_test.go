package ld

import (
	"debug/elf"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/ldso/internal/elftest"
	"github.com/sliverarmory/ldso/internal/ldcache"
)

func libWith(symbol string) *elftest.Builder {
	b := elftest.New(elf.EM_386)
	b.Func(symbol, elf.STB_GLOBAL)
	return b
}

func TestLocateDefaultDirectory(t *testing.T) {
	f := newFixture(t)
	path := f.library("libfoo.so", libWith("foo"))
	s := f.mustStart(f.program(executable().Needed("libfoo.so")))

	m := module(t, s, path)
	assert.Equal(t, Library, m.Kind)
}

func TestLocateLibraryPathOrder(t *testing.T) {
	f := newFixture(t)
	first := filepath.Join(f.dir, "first")
	second := filepath.Join(f.dir, "second")
	f.library("libfoo.so", libWith("from_default"))
	want := libWith("from_second").WriteFile(t, second, "libfoo.so")
	require.NoError(t, os.MkdirAll(first, 0o755))
	f.cfg.LibraryPath = []string{first, second}

	s := f.mustStart(f.program(executable().Needed("libfoo.so")))
	module(t, s, want)
	_, ok := s.Lookup("from_default", nil, NoModule, false)
	assert.False(t, ok)

	libWith("from_first").WriteFile(t, first, "libfoo.so")
	s = f.mustStart(f.program(executable().Needed("libfoo.so")))
	module(t, s, filepath.Join(first, "libfoo.so"))
}

func TestPrivilegedIgnoresLibraryPath(t *testing.T) {
	f := newFixture(t)
	private := filepath.Join(f.dir, "private")
	libWith("foo").WriteFile(t, private, "libfoo.so")
	f.cfg.LibraryPath = []string{private}
	f.cfg.Privileged = true

	_, err := f.start(f.program(executable().Needed("libfoo.so")))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, ExitNotFound, ExitCode(err))
	assert.Contains(t, err.Error(), "can't load library 'libfoo.so'")
}

func TestLocateThroughCache(t *testing.T) {
	f := newFixture(t)
	elsewhere := libWith("foo").WriteFile(t, filepath.Join(f.dir, "opt"), "libfoo.so.1.2")
	require.NoError(t, os.WriteFile(f.cfg.CachePath, ldcache.Build([]ldcache.Entry{
		{Flags: ldcache.FlagELF, SOName: "libfoo.so.1", Path: elsewhere},
	}), 0o644))

	s := f.mustStart(f.program(executable().Needed("libfoo.so.1")))
	m := module(t, s, elsewhere)
	assert.Equal(t, "libfoo.so.1", m.Name)
}

func TestCorruptCacheIsIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.cfg.CachePath, []byte("not a cache at all"), 0o644))
	path := f.library("libfoo.so", libWith("foo"))

	s := f.mustStart(f.program(executable().Needed("libfoo.so")))
	module(t, s, path)
}

func TestLocateRPath(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.dir, "rpath")
	path := libWith("foo").WriteFile(t, dir, "libfoo.so")

	s := f.mustStart(f.program(executable().Needed("libfoo.so").RPath("/nonexistent:" + dir)))
	module(t, s, path)
	assert.Equal(t, []string{"/nonexistent", dir}, s.Executable().RPath)
}

func TestLocateLiteralPath(t *testing.T) {
	f := newFixture(t)
	path := libWith("foo").WriteFile(t, filepath.Join(f.dir, "abs"), "libfoo.so")
	f.library("libfoo.so", libWith("foo"))

	s := f.mustStart(f.program(executable().Needed(path)))
	m := module(t, s, path)
	assert.Equal(t, path, m.Name)
	assert.Len(t, s.Modules(), 2)

	_, err := s.Locate(filepath.Join(f.dir, "abs", "libbar.so"), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocateReportsMostSpecificError(t *testing.T) {
	tests := []struct {
		name  string
		write func(f *fixture)
		code  int
	}{
		{
			name:  "missing",
			write: func(f *fixture) {},
			code:  ExitNotFound,
		},
		{
			name: "not elf",
			write: func(f *fixture) {
				require.NoError(f.t, os.WriteFile(filepath.Join(f.lib, "libfoo.so"), []byte("#!/bin/sh\n"), 0o644))
			},
			code: ExitNotELF,
		},
		{
			name: "wrong machine",
			write: func(f *fixture) {
				f.library("libfoo.so", elftest.New(elf.EM_ARM))
			},
			code: ExitWrongArchOrType,
		},
		{
			name: "executable as library",
			write: func(f *fixture) {
				f.library("libfoo.so", elftest.NewExec(elf.EM_386))
			},
			code: ExitWrongArchOrType,
		},
		{
			name: "no dynamic section",
			write: func(f *fixture) {
				f.library("libfoo.so", elftest.New(elf.EM_386).WithoutDynamic())
			},
			code: ExitNoDynamicSection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.cfg.LibraryPath = []string{filepath.Join(f.dir, "empty")}
			tt.write(f)
			_, err := f.start(f.program(executable().Needed("libfoo.so")))
			require.Error(t, err)
			assert.Equal(t, tt.code, ExitCode(err), err.Error())
		})
	}
}

func TestPreload(t *testing.T) {
	f := newFixture(t)
	f.cfg.BindNow = true
	pre := libWith("foo")
	prePath := f.library("libpre.so", pre)
	f.library("libfoo.so", libWith("foo"))
	f.cfg.Preload = []string{"libpre.so"}

	exe := executable().Needed("libfoo.so")
	ptr := exe.Word(0)
	exe.Rel(elftest.GlobDat, ptr, "foo")
	s := f.mustStart(f.program(exe))

	m := module(t, s, prePath)
	assert.Equal(t, PreloadedFile, m.Kind)
	assert.Equal(t, Handle(1), m.Handle)
	assert.Equal(t, m.Offset+pre.SymValue("foo"), word(t, s, exe.Addr(ptr)))
}

func TestPreloadFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Preload = []string{"libnope.so"}
	_, err := f.start(f.program(executable()))

	assert.ErrorIs(t, err, ErrPreload)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, ExitPreload, ExitCode(err))

	f.cfg.Trace = true
	_, err = f.start(f.program(executable()))
	require.NoError(t, err)
	assert.Equal(t, "\tlibnope.so => not found\n", f.out.String())
}
