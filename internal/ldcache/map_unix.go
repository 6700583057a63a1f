//go:build unix

package ldcache

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Open maps path read-only and parses it.
func Open(path string) (*Cache, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < headerSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBadCache, path, info.Size())
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMap, path, err)
	}

	entries, err := parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	return &Cache{
		data:    data,
		entries: entries,
		unmap:   func() error { return unix.Munmap(data) },
	}, nil
}
