package memmod

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	emulatedPageSize = 4096
	emulatedBase     = 0x40000000
	emulatedLimit    = 1 << 32
)

type page struct {
	data []byte
	prot Prot
}

// Emulated is a 32-bit address space held entirely in Go memory. Page
// protections are enforced on ReadAt and WriteAt; nothing is executed.
type Emulated struct {
	pages map[uint64]*page
	next  uint64
}

func NewEmulated() *Emulated {
	return &Emulated{
		pages: make(map[uint64]*page),
		next:  emulatedBase,
	}
}

func (space *Emulated) PageSize() uint64 {
	return emulatedPageSize
}

func (space *Emulated) Reserve(addr, length uint64, fixed bool) (uint64, error) {
	return space.mapPages(addr, length, ProtNone, fixed, true, nil, 0)
}

func (space *Emulated) MapFile(addr, length uint64, file *os.File, offset int64, prot Prot) error {
	if offset%emulatedPageSize != 0 {
		return fmt.Errorf("map %s at offset 0x%x: %w", file.Name(), offset, ErrUnaligned)
	}
	_, err := space.mapPages(addr, length, prot, true, false, file, offset)
	if err != nil {
		return fmt.Errorf("map %s: %w", file.Name(), err)
	}
	return nil
}

func (space *Emulated) MapAnon(addr, length uint64, prot Prot, fixed bool) (uint64, error) {
	return space.mapPages(addr, length, prot, fixed, false, nil, 0)
}

func (space *Emulated) Protect(addr, length uint64, prot Prot) error {
	if addr%emulatedPageSize != 0 {
		return ErrUnaligned
	}
	length = alignUp(length, emulatedPageSize)
	for p := addr; p < addr+length; p += emulatedPageSize {
		if _, ok := space.pages[p]; !ok {
			return fmt.Errorf("protect 0x%x: %w", p, ErrFault)
		}
	}
	for p := addr; p < addr+length; p += emulatedPageSize {
		space.pages[p].prot = prot
	}
	return nil
}

func (space *Emulated) Unmap(addr, length uint64) error {
	if addr%emulatedPageSize != 0 {
		return ErrUnaligned
	}
	length = alignUp(length, emulatedPageSize)
	for p := addr; p < addr+length; p += emulatedPageSize {
		delete(space.pages, p)
	}
	return nil
}

func (space *Emulated) ReadAt(p []byte, addr uint64) error {
	return space.access(p, addr, false)
}

func (space *Emulated) WriteAt(p []byte, addr uint64) error {
	return space.access(p, addr, true)
}

// Mapped reports the protection of the page containing addr.
func (space *Emulated) Mapped(addr uint64) (Prot, bool) {
	pg, ok := space.pages[alignDown(addr, emulatedPageSize)]
	if !ok {
		return ProtNone, false
	}
	return pg.prot, true
}

func (space *Emulated) access(p []byte, addr uint64, write bool) error {
	want := ProtRead
	if write {
		want = ProtWrite
	}
	for done := 0; done < len(p); {
		cur := addr + uint64(done)
		pg, ok := space.pages[alignDown(cur, emulatedPageSize)]
		if !ok || pg.prot&want == 0 {
			op := "read"
			if write {
				op = "write"
			}
			return fmt.Errorf("%s at 0x%x: %w", op, cur, ErrFault)
		}
		off := cur % emulatedPageSize
		var n int
		if write {
			n = copy(pg.data[off:], p[done:])
		} else {
			n = copy(p[done:], pg.data[off:])
		}
		done += n
	}
	return nil
}

func (space *Emulated) mapPages(addr, length uint64, prot Prot, fixed, noReplace bool, file *os.File, offset int64) (uint64, error) {
	if length == 0 {
		return 0, errors.New("memmod: zero-length mapping")
	}
	length = alignUp(length, emulatedPageSize)
	if fixed {
		if addr%emulatedPageSize != 0 {
			return 0, ErrUnaligned
		}
		if addr+length > emulatedLimit || addr+length < addr {
			return 0, ErrNoSpace
		}
		if noReplace && !space.free(addr, length) {
			return 0, ErrOverlap
		}
	} else {
		var err error
		if addr, err = space.findFree(alignDown(addr, emulatedPageSize), length); err != nil {
			return 0, err
		}
	}

	for i := uint64(0); i < length; i += emulatedPageSize {
		pg := &page{data: make([]byte, emulatedPageSize), prot: prot}
		if file != nil {
			if _, err := file.ReadAt(pg.data, offset+int64(i)); err != nil && !errors.Is(err, io.EOF) {
				return 0, err
			}
		}
		space.pages[addr+i] = pg
	}
	return addr, nil
}

func (space *Emulated) findFree(hint, length uint64) (uint64, error) {
	if hint != 0 && space.free(hint, length) {
		return hint, nil
	}
	for candidate := space.next; candidate+length <= emulatedLimit; candidate += emulatedPageSize {
		if space.free(candidate, length) {
			space.next = candidate + length
			return candidate, nil
		}
	}
	return 0, ErrNoSpace
}

func (space *Emulated) free(addr, length uint64) bool {
	if addr+length > emulatedLimit || addr+length < addr {
		return false
	}
	for p := addr; p < addr+length; p += emulatedPageSize {
		if _, ok := space.pages[p]; ok {
			return false
		}
	}
	return true
}
