package ld

import (
	"debug/elf"
	"io"
	"strings"

	"github.com/xyproto/env/v2"
	"go.uber.org/zap"

	"github.com/sliverarmory/ldso/memmod"
)

// DefaultDirs are searched after the library path, cache and rpaths.
var DefaultDirs = []string{"/usr/lib", "/lib"}

// Config controls a linker Session.
type Config struct {
	// ProgName prefixes diagnostics.
	ProgName string

	LibraryPath []string
	Preload     []string
	BindNow     bool
	Trace       bool
	Warn        bool

	// Privileged sessions ignore LibraryPath and Preload.
	Privileged bool

	// CachePath defaults to /etc/ld.so.cache.
	CachePath   string
	DefaultDirs []string

	// Interpreter, when set, is mapped and self-relocated before anything
	// else is loaded.
	Interpreter string

	// Machine is fixed by the executable when zero.
	Machine elf.Machine

	Space   memmod.Space
	Invoker memmod.Invoker
	Logger  *zap.Logger
	Stdout  io.Writer
}

// ConfigFromEnv reads the LD_* variables of the current process.
func ConfigFromEnv() Config {
	return configFromLookup(func(key string) (string, bool) {
		return env.Str(key), env.Has(key)
	}, isPrivileged())
}

func configFromLookup(lookup func(string) (string, bool), privileged bool) Config {
	first := func(keys ...string) string {
		for _, key := range keys {
			if v, ok := lookup(key); ok {
				return v
			}
		}
		return ""
	}
	has := func(key string) bool {
		_, ok := lookup(key)
		return ok
	}

	return Config{
		LibraryPath: SplitPath(first("LD_ELF_LIBRARY_PATH", "LD_LIBRARY_PATH")),
		Preload:     SplitPreload(first("LD_ELF_PRELOAD", "LD_PRELOAD")),
		BindNow:     has("LD_BIND_NOW"),
		Trace:       has("LD_TRACE_LOADED_OBJECTS"),
		Warn:        has("LD_WARN"),
		Privileged:  privileged,
	}
}

// SplitPath splits a colon-separated directory list, dropping empty entries.
func SplitPath(s string) []string {
	return splitList(s, ":")
}

// SplitPreload splits a preload list on colons and whitespace.
func SplitPreload(s string) []string {
	return splitList(s, ": \t")
}

func splitList(s, separators string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(separators, r)
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
