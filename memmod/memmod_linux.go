//go:build linux

package memmod

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const mmapHintBase = 0x40000000

// Mmap is the address space of the current process.
type Mmap struct {
	pageSize uint64
	limit    uint64
	next     uint64
	prots    map[uint64]Prot
}

// NewMmap returns the process address space. When limit is nonzero every
// mapping must end at or below it, which is how 32-bit images are kept
// addressable from a 64-bit process.
func NewMmap(limit uint64) (*Mmap, error) {
	return &Mmap{
		pageSize: uint64(unix.Getpagesize()),
		limit:    limit,
		next:     mmapHintBase,
		prots:    make(map[uint64]Prot),
	}, nil
}

func (space *Mmap) PageSize() uint64 {
	return space.pageSize
}

func (space *Mmap) Reserve(addr, length uint64, fixed bool) (uint64, error) {
	return space.anon(addr, length, ProtNone, fixed, true)
}

func (space *Mmap) MapAnon(addr, length uint64, prot Prot, fixed bool) (uint64, error) {
	return space.anon(addr, length, prot, fixed, false)
}

func (space *Mmap) MapFile(addr, length uint64, file *os.File, offset int64, prot Prot) error {
	length = alignUp(length, space.pageSize)
	ptr, err := unix.MmapPtr(int(file.Fd()), offset, unsafe.Pointer(uintptr(addr)), uintptr(length),
		int(prot), unix.MAP_PRIVATE|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("mmap %s at 0x%x: %w", file.Name(), addr, err)
	}
	if uint64(uintptr(ptr)) != addr {
		_ = unix.MunmapPtr(ptr, uintptr(length))
		return fmt.Errorf("mmap %s: kernel ignored fixed address 0x%x: %w", file.Name(), addr, ErrOverlap)
	}
	space.track(addr, length, prot)
	return nil
}

func (space *Mmap) Protect(addr, length uint64, prot Prot) error {
	length = alignUp(length, space.pageSize)
	if err := unix.Mprotect(space.bytes(addr, length), int(prot)); err != nil {
		return fmt.Errorf("mprotect 0x%x+0x%x: %w", addr, length, err)
	}
	space.track(addr, length, prot)
	return nil
}

func (space *Mmap) Unmap(addr, length uint64) error {
	length = alignUp(length, space.pageSize)
	if err := unix.MunmapPtr(unsafe.Pointer(uintptr(addr)), uintptr(length)); err != nil {
		return fmt.Errorf("munmap 0x%x+0x%x: %w", addr, length, err)
	}
	for p := addr; p < addr+length; p += space.pageSize {
		delete(space.prots, p)
	}
	return nil
}

func (space *Mmap) ReadAt(p []byte, addr uint64) error {
	if err := space.check(addr, uint64(len(p)), ProtRead); err != nil {
		return fmt.Errorf("read at 0x%x: %w", addr, err)
	}
	copy(p, space.bytes(addr, uint64(len(p))))
	return nil
}

func (space *Mmap) WriteAt(p []byte, addr uint64) error {
	if err := space.check(addr, uint64(len(p)), ProtWrite); err != nil {
		return fmt.Errorf("write at 0x%x: %w", addr, err)
	}
	copy(space.bytes(addr, uint64(len(p))), p)
	return nil
}

func (space *Mmap) anon(addr, length uint64, prot Prot, fixed, noReplace bool) (uint64, error) {
	length = alignUp(length, space.pageSize)
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	switch {
	case fixed && noReplace:
		flags |= unix.MAP_FIXED_NOREPLACE
	case fixed:
		flags |= unix.MAP_FIXED
	case addr == 0 && space.limit != 0:
		addr = space.next
	}

	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(uintptr(addr)), uintptr(length), int(prot), flags)
	if err != nil {
		return 0, fmt.Errorf("mmap anonymous 0x%x bytes: %w", length, err)
	}
	got := uint64(uintptr(ptr))
	if fixed && got != addr {
		_ = unix.MunmapPtr(ptr, uintptr(length))
		return 0, fmt.Errorf("mmap at 0x%x: %w", addr, ErrOverlap)
	}
	if space.limit != 0 && got+length > space.limit {
		_ = unix.MunmapPtr(ptr, uintptr(length))
		return 0, fmt.Errorf("mmap landed at 0x%x above 0x%x: %w", got, space.limit, ErrNoSpace)
	}
	if !fixed && got+length > space.next {
		space.next = got + length
	}
	space.track(got, length, prot)
	return got, nil
}

func (space *Mmap) track(addr, length uint64, prot Prot) {
	for p := addr; p < addr+length; p += space.pageSize {
		space.prots[p] = prot
	}
}

func (space *Mmap) check(addr, length uint64, want Prot) error {
	for p := alignDown(addr, space.pageSize); p < addr+length; p += space.pageSize {
		prot, ok := space.prots[p]
		if !ok || prot&want == 0 {
			return ErrFault
		}
	}
	return nil
}

func (space *Mmap) bytes(addr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}
