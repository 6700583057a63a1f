//go:build !unix

package ldcache

import (
	"fmt"
	"os"
)

// Open reads path and parses it.
func Open(path string) (*Cache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrBadCache, path, len(data))
	}
	return Parse(data)
}
