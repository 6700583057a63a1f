package ld

import (
	"fmt"

	"github.com/sliverarmory/ldso/internal/elfdyn"
	"github.com/sliverarmory/ldso/memmod"
)

// Handle is a stable index into a Registry.
type Handle int

// NoModule is the absent Handle.
const NoModule Handle = -1

// Kind says how a module entered the process.
type Kind int

const (
	Library Kind = iota
	Executable
	ProgramInterpreter
	PreloadedFile
)

func (kind Kind) String() string {
	switch kind {
	case Library:
		return "library"
	case Executable:
		return "executable"
	case ProgramInterpreter:
		return "interpreter"
	case PreloadedFile:
		return "preload"
	default:
		return fmt.Sprintf("Kind(%d)", int(kind))
	}
}

// Flags record one-shot processing steps. Bits are only ever set.
type Flags uint8

const (
	CopyRelocsDone Flags = 1 << iota
	RelocsDone
	JmpRelocsDone
	InitCalled
)

func (flags Flags) Has(f Flags) bool {
	return flags&f == f
}

type segment struct {
	addr   uint64
	length uint64
	prot   memmod.Prot
}

// Module is one mapped ELF object.
type Module struct {
	Handle Handle
	Path   string
	// Name is the name the object was requested by.
	Name string
	Kind Kind

	// Base is the lowest mapped address; Offset is Base minus the link
	// address of the first segment.
	Base   uint64
	Offset uint64
	Span   uint64

	Dynamic     elfdyn.Info
	DynamicAddr uint64
	DynamicSize uint64

	Hash    elfdyn.Hash
	HasHash bool

	Entry  uint64
	SOName string
	RPath  []string

	// Tag is the address of the module's link_map record. It is stored in
	// GOT[1] and identifies the module to the lazy resolver.
	Tag uint64

	Usage int
	Flags Flags

	segments []segment
}

func (module *Module) setFlag(f Flags) {
	module.Flags |= f
}
