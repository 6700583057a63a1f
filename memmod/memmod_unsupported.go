//go:build !linux

package memmod

import "os"

type Mmap struct{}

func NewMmap(limit uint64) (*Mmap, error) {
	_ = limit
	return nil, ErrUnsupported
}

func (space *Mmap) PageSize() uint64 { return 0 }

func (space *Mmap) Reserve(addr, length uint64, fixed bool) (uint64, error) {
	return 0, ErrUnsupported
}

func (space *Mmap) MapFile(addr, length uint64, file *os.File, offset int64, prot Prot) error {
	return ErrUnsupported
}

func (space *Mmap) MapAnon(addr, length uint64, prot Prot, fixed bool) (uint64, error) {
	return 0, ErrUnsupported
}

func (space *Mmap) Protect(addr, length uint64, prot Prot) error { return ErrUnsupported }

func (space *Mmap) Unmap(addr, length uint64) error { return ErrUnsupported }

func (space *Mmap) ReadAt(p []byte, addr uint64) error { return ErrUnsupported }

func (space *Mmap) WriteAt(p []byte, addr uint64) error { return ErrUnsupported }
