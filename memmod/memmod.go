// Package memmod provides the address spaces the dynamic linker maps
// objects into, and the invokers used to call code inside them.
package memmod

import (
	"errors"
	"os"
)

// Prot is a page protection, using the PROT_* bit values.
type Prot int

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1
	ProtWrite Prot = 2
	ProtExec  Prot = 4
)

func (prot Prot) String() string {
	b := []byte("---")
	if prot&ProtRead != 0 {
		b[0] = 'r'
	}
	if prot&ProtWrite != 0 {
		b[1] = 'w'
	}
	if prot&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

var (
	ErrFault         = errors.New("memmod: access to unmapped or protected memory")
	ErrOverlap       = errors.New("memmod: fixed mapping overlaps an existing mapping")
	ErrNoSpace       = errors.New("memmod: address space exhausted")
	ErrUnaligned     = errors.New("memmod: address is not page aligned")
	ErrUnsupported   = errors.New("memmod: native address space is only supported on linux")
	ErrNoNativeCalls = errors.New("memmod: native calls require cgo on linux/386 or linux/arm")
)

// Space is an address space the linker maps segments into.
//
// Reserve and MapAnon treat addr as a hint unless fixed is set. MapFile
// always maps at addr, replacing whatever was there.
type Space interface {
	PageSize() uint64
	Reserve(addr, length uint64, fixed bool) (uint64, error)
	MapFile(addr, length uint64, file *os.File, offset int64, prot Prot) error
	MapAnon(addr, length uint64, prot Prot, fixed bool) (uint64, error)
	Protect(addr, length uint64, prot Prot) error
	Unmap(addr, length uint64) error
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// Invoker transfers control to code at an address inside a Space.
type Invoker interface {
	Call(addr uint64) error
}

// Recorder is an Invoker that only records the addresses it was asked to
// call. It is the invoker used with the emulated address space.
type Recorder struct {
	Calls []uint64
}

func (recorder *Recorder) Call(addr uint64) error {
	recorder.Calls = append(recorder.Calls, addr)
	return nil
}

// Native calls code in the current process.
type Native struct{}

func alignDown(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return v &^ (a - 1)
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + (a - 1)) &^ (a - 1)
}
