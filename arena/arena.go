// Package arena is a bump allocator over anonymous pages of a memmod.Space.
// Nothing allocated from an Arena is ever freed.
package arena

import (
	"errors"
	"fmt"

	"github.com/sliverarmory/ldso/memmod"
)

const (
	ChunkSize = 4096
	Align     = 4
)

var ErrOutOfMemory = errors.New("arena: out of memory")

// Mapper is the part of memmod.Space an Arena needs.
type Mapper interface {
	MapAnon(addr, length uint64, prot memmod.Prot, fixed bool) (uint64, error)
	WriteAt(p []byte, addr uint64) error
}

type Arena struct {
	mapper Mapper
	hint   uint64
	next   uint64
	end    uint64
	chunks int
}

// New returns an arena whose chunks are requested near hint.
func New(mapper Mapper, hint uint64) *Arena {
	return &Arena{mapper: mapper, hint: hint}
}

// Alloc returns the address of size fresh zeroed bytes, 4-byte aligned.
func (arena *Arena) Alloc(size uint64) (uint64, error) {
	size = (size + Align - 1) &^ (Align - 1)
	if size == 0 {
		size = Align
	}
	if arena.next+size > arena.end || arena.chunks == 0 {
		length := uint64(ChunkSize)
		if size > length {
			length = (size + ChunkSize - 1) &^ (ChunkSize - 1)
		}
		addr, err := arena.mapper.MapAnon(arena.hint, length, memmod.ProtRead|memmod.ProtWrite, false)
		if err != nil {
			return 0, fmt.Errorf("%w: map 0x%x byte chunk: %v", ErrOutOfMemory, length, err)
		}
		arena.next, arena.end = addr, addr+length
		arena.hint = arena.end
		arena.chunks++
	}
	addr := arena.next
	arena.next += size
	return addr, nil
}

// AllocString copies s and a terminating NUL into the arena.
func (arena *Arena) AllocString(s string) (uint64, error) {
	addr, err := arena.Alloc(uint64(len(s)) + 1)
	if err != nil {
		return 0, err
	}
	if err := arena.mapper.WriteAt(append([]byte(s), 0), addr); err != nil {
		return 0, fmt.Errorf("arena: store string: %w", err)
	}
	return addr, nil
}

// Chunks reports how many chunks have been mapped.
func (arena *Arena) Chunks() int {
	return arena.chunks
}
