package ld

import (
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sliverarmory/ldso/internal/elftest"
	"github.com/sliverarmory/ldso/memmod"
)

type fixture struct {
	t   *testing.T
	dir string
	lib string
	out *bytes.Buffer
	rec *memmod.Recorder
	cfg Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		t:   t,
		dir: dir,
		lib: filepath.Join(dir, "lib"),
		out: &bytes.Buffer{},
		rec: &memmod.Recorder{},
	}
	require.NoError(t, os.MkdirAll(f.lib, 0o755))
	f.cfg = Config{
		CachePath:   filepath.Join(dir, "ld.so.cache"),
		DefaultDirs: []string{f.lib},
		Stdout:      f.out,
		Invoker:     f.rec,
		Logger:      zaptest.NewLogger(t),
	}
	return f
}

func (f *fixture) library(name string, b *elftest.Builder) string {
	f.t.Helper()
	return b.WriteFile(f.t, f.lib, name)
}

func (f *fixture) program(b *elftest.Builder) string {
	f.t.Helper()
	return b.WriteFile(f.t, f.dir, "prog")
}

func (f *fixture) session() *Session {
	f.t.Helper()
	s, err := New(f.cfg)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = s.Close() })
	return s
}

func (f *fixture) start(prog string) (*Session, error) {
	f.t.Helper()
	s := f.session()
	return s, s.Start(prog)
}

func (f *fixture) mustStart(prog string) *Session {
	f.t.Helper()
	s, err := f.start(prog)
	require.NoError(f.t, err)
	return s
}

func word(t *testing.T, s *Session, addr uint64) uint64 {
	t.Helper()
	v, err := s.view.Word(addr)
	require.NoError(t, err)
	return v
}

func module(t *testing.T, s *Session, path string) *Module {
	t.Helper()
	m, ok := s.Registry().Lookup(path)
	require.True(t, ok, "%s is not loaded", path)
	return m
}

func executable() *elftest.Builder {
	b := elftest.NewExec(elf.EM_386)
	b.Func("_start", elf.STB_GLOBAL)
	b.Entry("_start")
	return b
}

func TestStartLinksExecutableAgainstLibrary(t *testing.T) {
	f := newFixture(t)
	f.cfg.BindNow = true

	lib := elftest.New(elf.EM_386).SOName("libfoo.so")
	lib.Func("foo", elf.STB_GLOBAL)
	lib.Object("counter", elf.STB_GLOBAL, []byte{7, 0, 0, 0})
	libPath := f.library("libfoo.so", lib)

	exe := executable().Needed("libfoo.so")
	ptr := exe.Word(0)
	exe.Rel(elftest.GlobDat, ptr, "counter")
	slot := exe.PLT("foo")
	prog := f.program(exe)

	s := f.mustStart(prog)
	m := module(t, s, libPath)

	require.Len(t, s.Modules(), 2)
	assert.Equal(t, Executable, s.Executable().Kind)
	assert.Equal(t, prog, s.Executable().Name)
	assert.Equal(t, "libfoo.so", m.Name)
	assert.Equal(t, "libfoo.so", m.SOName)
	assert.Equal(t, m.Offset+lib.SymValue("counter"), word(t, s, exe.Addr(ptr)))
	assert.Equal(t, m.Offset+lib.SymValue("foo"), word(t, s, exe.Addr(slot)))
	assert.True(t, m.Flags.Has(RelocsDone|CopyRelocsDone))
	assert.True(t, s.Executable().Flags.Has(JmpRelocsDone))
}

func TestLibraryIsMappedOnce(t *testing.T) {
	f := newFixture(t)
	libc := elftest.New(elf.EM_386)
	libc.Func("puts", elf.STB_GLOBAL)
	libcPath := f.library("libc.so.5", libc)
	f.library("liba.so", elftest.New(elf.EM_386).Needed("libc.so.5"))
	f.library("libb.so", elftest.New(elf.EM_386).Needed("libc.so.5"))

	s := f.mustStart(f.program(executable().Needed("liba.so", "libb.so", "libc.so.5")))

	require.Len(t, s.Modules(), 4)
	m := module(t, s, libcPath)
	assert.Equal(t, 3, m.Usage)
	assert.Equal(t, Handle(3), m.Handle)

	again, err := s.Locate("libc.so.5", nil)
	require.NoError(t, err)
	assert.Same(t, m, again)
	assert.Equal(t, 4, m.Usage)
}

func TestInitAndFiniOrder(t *testing.T) {
	f := newFixture(t)
	libc := elftest.New(elf.EM_386)
	libc.Func("c_init", elf.STB_GLOBAL)
	libc.Func("c_fini", elf.STB_GLOBAL)
	libc.Init("c_init").Fini("c_fini")
	libcPath := f.library("libc.so.5", libc)

	liba := elftest.New(elf.EM_386).Needed("libc.so.5")
	liba.Func("a_init", elf.STB_GLOBAL)
	liba.Func("a_fini", elf.STB_GLOBAL)
	liba.Init("a_init").Fini("a_fini")
	libaPath := f.library("liba.so", liba)

	exe := executable().Needed("liba.so")
	exe.Func("exe_init", elf.STB_GLOBAL)
	exe.Init("exe_init")
	s := f.mustStart(f.program(exe))

	c := module(t, s, libcPath)
	a := module(t, s, libaPath)
	assert.Equal(t, []uint64{
		c.Offset + libc.SymValue("c_init"),
		a.Offset + liba.SymValue("a_init"),
	}, f.rec.Calls, "dependencies initialize first, the executable never")

	require.NoError(t, s.RunInit())
	assert.Len(t, f.rec.Calls, 2)

	f.rec.Calls = nil
	require.NoError(t, s.RunFini())
	require.NoError(t, s.RunFini())
	assert.Equal(t, []uint64{
		a.Offset + liba.SymValue("a_fini"),
		c.Offset + libc.SymValue("c_fini"),
	}, f.rec.Calls)
}

func TestHandoff(t *testing.T) {
	f := newFixture(t)
	exe := executable()
	exe.Func("main", elf.STB_GLOBAL)
	s := f.mustStart(f.program(exe))

	require.NoError(t, s.Handoff(""))
	require.NoError(t, s.Handoff("main"))
	assert.Equal(t, []uint64{exe.SymValue("_start"), exe.SymValue("main")}, f.rec.Calls)

	err := s.Handoff("nope")
	assert.ErrorIs(t, err, ErrUnresolvedSymbol)
}

func TestHandoffWithoutProgram(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.session().Handoff(""))
}

func TestTraceListsDependencies(t *testing.T) {
	f := newFixture(t)
	f.cfg.Trace = true
	libPath := f.library("libfoo.so", elftest.New(elf.EM_386).Needed("libfoo.so"))

	exe := executable().Needed("libfoo.so", "libmissing.so")
	ptr := exe.Word(0)
	exe.Rel(elftest.GlobDat, ptr, "undefined_thing")
	s := f.mustStart(f.program(exe))

	m := module(t, s, libPath)
	want := "\tlibfoo.so => " + libPath + fmt.Sprintf(" (0x%08x)\n", m.Offset) +
		"\tlibmissing.so => not found\n"
	assert.Equal(t, want, f.out.String())
	assert.False(t, m.Flags.Has(RelocsDone), "trace without warn stops before relocating")
	assert.Empty(t, f.rec.Calls)
}

func TestTraceWarnReportsUnresolvedSymbols(t *testing.T) {
	f := newFixture(t)
	f.cfg.Trace = true
	f.cfg.Warn = true

	exe := executable()
	ptr := exe.Word(0)
	exe.Rel(elftest.GlobDat, ptr, "undefined_thing")
	prog := f.program(exe)
	s := f.mustStart(prog)

	assert.Equal(t, "\tsymbol not found: undefined_thing\t("+prog+")\n", f.out.String())
	assert.Equal(t, []string{"undefined_thing"}, s.Unresolved())
	assert.Empty(t, f.rec.Calls, "trace never runs initializers")
}

func TestTraceNotDynamic(t *testing.T) {
	f := newFixture(t)
	f.cfg.Trace = true
	prog := f.program(executable().WithoutDynamic())

	_, err := f.start(prog)
	require.NoError(t, err)
	assert.Equal(t, "\tnot a dynamic executable\n", f.out.String())

	f.cfg.Trace = false
	_, err = f.start(prog)
	assert.ErrorIs(t, err, ErrNoDynamicSection)
	assert.Equal(t, ExitNoDynamicSection, ExitCode(err))
}

func TestNativeInvokerForcesBindNow(t *testing.T) {
	s, err := New(Config{Invoker: memmod.Native{}, CachePath: filepath.Join(t.TempDir(), "none")})
	require.NoError(t, err)
	assert.True(t, s.cfg.BindNow)
}

func TestNewRejectsUnknownMachine(t *testing.T) {
	_, err := New(Config{Machine: elf.EM_X86_64})
	assert.ErrorIs(t, err, ErrWrongArchOrType)
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
