package ldso_test

import (
	"debug/elf"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sliverarmory/ldso"
	"github.com/sliverarmory/ldso/internal/elftest"
	"github.com/sliverarmory/ldso/ld"
	"github.com/sliverarmory/ldso/memmod"
)

type sharedLibTarget struct {
	machine   elf.Machine
	zigTarget string
	fileProbe string
}

var sharedLibTargets = []sharedLibTarget{
	{machine: elf.EM_386, zigTarget: "x86-linux-gnu", fileProbe: "Intel 80386"},
	{machine: elf.EM_ARM, zigTarget: "arm-linux-gnueabi", fileProbe: "ARM"},
}

func TestLinkZigSharedLibrary(t *testing.T) {
	requireCommand(t, "zig")
	requireCommand(t, "file")

	for _, target := range sharedLibTargets {
		target := target
		t.Run(target.zigTarget, func(t *testing.T) {
			dir := t.TempDir()
			libDir := filepath.Join(dir, "lib")
			require.NoError(t, os.MkdirAll(libDir, 0o755))
			soPath := buildOneSharedLib(t, libDir, target)

			fileOut := runCmd(t, "file", soPath)
			if !strings.Contains(fileOut, target.fileProbe) {
				t.Fatalf("unexpected architecture probe for %s: want substring %q, got %q", soPath, target.fileProbe, fileOut)
			}

			exe := elftest.NewExec(target.machine).Needed("libbasic.so")
			exe.Func("_start", elf.STB_GLOBAL)
			exe.Entry("_start")
			ptr := exe.Word(0)
			exe.Rel(elftest.GlobDat, ptr, "ldso_basic_value")
			prog := exe.WriteFile(t, dir, "prog")

			program, err := ldso.Load(prog, ld.Config{
				DefaultDirs: []string{libDir},
				CachePath:   filepath.Join(dir, "ld.so.cache"),
				Invoker:     &memmod.Recorder{},
				BindNow:     true,
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = program.Close() })

			modules := program.Modules()
			require.Len(t, modules, 2)
			lib := modules[1]

			want := dynamicSymbols(t, soPath)
			value, err := program.Lookup("ldso_basic_value")
			require.NoError(t, err)
			assert.Equal(t, lib.Offset+want["ldso_basic_value"], value)

			counter, err := program.Lookup("ldso_basic_counter")
			require.NoError(t, err)
			ref, err := program.Lookup("ldso_basic_ref")
			require.NoError(t, err)

			space := program.Session().Space()
			assert.Equal(t, uint32(counter), readWord(t, space, ref), "data pointer is bound")
			assert.Equal(t, uint32(value), readWord(t, space, exe.Addr(ptr)))
			assert.Equal(t, uint32(41), readWord(t, space, counter))
		})
	}
}

func dynamicSymbols(t *testing.T, path string) map[string]uint64 {
	t.Helper()
	f, err := elf.Open(path)
	require.NoError(t, err)
	defer f.Close()
	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	out := make(map[string]uint64, len(syms))
	for _, sym := range syms {
		out[sym.Name] = sym.Value
	}
	return out
}

func readWord(t *testing.T, space memmod.Space, addr uint64) uint32 {
	t.Helper()
	var b [4]byte
	require.NoError(t, space.ReadAt(b[:], addr))
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func buildOneSharedLib(t *testing.T, outDir string, target sharedLibTarget) string {
	t.Helper()

	outputPath := filepath.Join(outDir, "libbasic.so")
	sourcePath := filepath.Join("testdata", "c", "basic.c")

	// The linker only reads SysV hash tables and REL records.
	args := []string{
		"cc", "-target", target.zigTarget, "-O2", "-g0",
		"-shared", "-fPIC", "-nostdlib",
		"-Wl,--hash-style=sysv",
		"-o", outputPath, sourcePath,
	}

	cmd := exec.Command("zig", args...)
	cmd.Env = append(
		os.Environ(),
		"ZIG_GLOBAL_CACHE_DIR="+filepath.Join(os.TempDir(), "ldso-zig-global-cache"),
		"ZIG_LOCAL_CACHE_DIR="+filepath.Join(os.TempDir(), "ldso-zig-local-cache"),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build shared lib target=%s: %v\n%s", target.zigTarget, err, output)
	}
	return outputPath
}

func runCmd(t *testing.T, name string, args ...string) string {
	t.Helper()

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s failed: %v\n%s", name, strings.Join(args, " "), err, output)
	}
	return string(output)
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}
