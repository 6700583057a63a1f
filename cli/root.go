package main

import (
	"debug/elf"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sliverarmory/ldso"
	"github.com/sliverarmory/ldso/ld"
	"github.com/sliverarmory/ldso/memmod"
)

var (
	entrySymbol string
	emulate     bool
	libraryPath string
	preload     string
	bindNow     bool
	cachePath   string
	interpreter string
	machineName string
	debugLog    bool
)

var rootCmd = &cobra.Command{
	Use:           "ldso <program>",
	Short:         "Map a dynamically linked ELF program with its libraries, bind it and run it",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, done, err := commandConfig(cmd)
		if err != nil {
			return err
		}
		defer done()

		program, err := ldso.Load(args[0], cfg)
		if err != nil {
			return err
		}
		defer func() { err = closeAfter(err, program.Close) }()

		if cfg.Trace {
			return nil
		}
		return program.Run(entrySymbol)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&libraryPath, "library-path", "", "Colon-separated directories searched before the cache (overrides LD_LIBRARY_PATH)")
	flags.StringVar(&preload, "preload", "", "Libraries loaded ahead of the program's dependencies (overrides LD_PRELOAD)")
	flags.BoolVar(&bindNow, "bind-now", false, "Resolve PLT entries at load time")
	flags.StringVar(&cachePath, "cache", "", "Library cache file (default /etc/ld.so.cache)")
	flags.StringVar(&interpreter, "interp", "", "Interpreter image to map and self-relocate first")
	flags.StringVar(&machineName, "machine", "", "Expected machine: i386 or arm (default: taken from the program)")
	flags.BoolVar(&debugLog, "debug", false, "Log linker decisions to stderr")
	flags.BoolVar(&emulate, "emulate", true, "Map into an emulated address space instead of this process")

	rootCmd.Flags().StringVar(&entrySymbol, "entry", "", "Symbol to call instead of the ELF entry point")

	rootCmd.AddCommand(listCmd, inspectCmd, cacheCmd)
}

// commandConfig starts from the LD_* environment and applies the flags
// that were set. The returned function flushes the logger.
func commandConfig(cmd *cobra.Command) (ld.Config, func(), error) {
	cfg := ld.ConfigFromEnv()
	flags := cmd.Flags()

	if flags.Changed("library-path") {
		cfg.LibraryPath = ld.SplitPath(libraryPath)
	}
	if flags.Changed("preload") {
		cfg.Preload = ld.SplitPreload(preload)
	}
	if bindNow {
		cfg.BindNow = true
	}
	cfg.CachePath = cachePath
	cfg.Interpreter = interpreter
	cfg.Stdout = cmd.OutOrStdout()
	cfg.ProgName = cmd.Root().Name()

	machine, err := parseMachine(machineName)
	if err != nil {
		return cfg, nil, err
	}
	cfg.Machine = machine

	if !emulate {
		if !memmod.CanCallNative() {
			return cfg, nil, memmod.ErrNoNativeCalls
		}
		space, err := memmod.NewMmap(1 << 32)
		if err != nil {
			return cfg, nil, fmt.Errorf("%w: %w", ld.ErrMmapFailed, err)
		}
		cfg.Space = space
		cfg.Invoker = memmod.Native{}
	}

	logger := zap.NewNop()
	if debugLog {
		if logger, err = zap.NewDevelopment(); err != nil {
			return cfg, nil, fmt.Errorf("create logger: %w", err)
		}
	}
	cfg.Logger = logger
	return cfg, func() { _ = logger.Sync() }, nil
}

// closeAfter runs closeFn and reports its error unless err already holds
// the failure that decides the exit code.
func closeAfter(err error, closeFn func() error) error {
	if cerr := closeFn(); err == nil {
		return cerr
	}
	return err
}

func parseMachine(name string) (elf.Machine, error) {
	switch strings.ToLower(name) {
	case "":
		return 0, nil
	case "i386", "386", "x86":
		return elf.EM_386, nil
	case "arm":
		return elf.EM_ARM, nil
	default:
		return 0, fmt.Errorf("unknown machine %q: %w", name, ld.ErrWrongArchOrType)
	}
}
