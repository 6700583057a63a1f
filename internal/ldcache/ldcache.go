// Package ldcache reads the binary library cache written by ldconfig
// (format "ld.so-1.7.0").
package ldcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	DefaultPath  = "/etc/ld.so.cache"
	cacheMagic   = "ld.so-"
	cacheVersion = "1.7.0"

	headerSize = 16
	entrySize  = 12

	// FlagELF marks a record describing an ELF library.
	FlagELF = 1
)

var (
	ErrBadCache = errors.New("ldcache: bad magic or version")
	ErrMap      = errors.New("ldcache: cannot map cache file")
)

type cacheHeader struct {
	Magic   [6]byte
	Version [5]byte
	_       byte
	NLibs   int32
}

func (h *cacheHeader) Validate() error {
	if string(h.Magic[:]) != cacheMagic {
		return fmt.Errorf("%w: magic %q", ErrBadCache, h.Magic[:])
	}
	if string(h.Version[:]) != cacheVersion {
		return fmt.Errorf("%w: version %q", ErrBadCache, h.Version[:])
	}
	return nil
}

type libEntry struct {
	Flags     int32
	SOOffset  int32
	LibOffset int32
}

type Entry struct {
	Flags  int32
	SOName string
	Path   string
}

func (entry Entry) IsELF() bool {
	return entry.Flags == FlagELF
}

// Cache is a parsed cache file. Its data may be a read-only mapping.
type Cache struct {
	data    []byte
	entries []Entry
	unmap   func() error
}

func parse(data []byte) ([]Entry, error) {
	var header cacheHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCache, err)
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	if header.NLibs < 0 || headerSize+int64(header.NLibs)*entrySize > int64(len(data)) {
		return nil, fmt.Errorf("%w: %d records do not fit in %d bytes", ErrBadCache, header.NLibs, len(data))
	}

	strs := data[headerSize+int(header.NLibs)*entrySize:]
	records := make([]libEntry, header.NLibs)
	if err := binary.Read(bytes.NewReader(data[headerSize:]), binary.LittleEndian, records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCache, err)
	}

	entries := make([]Entry, 0, len(records))
	for i, rec := range records {
		soname, err := stringAt(strs, rec.SOOffset)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d soname: %v", ErrBadCache, i, err)
		}
		path, err := stringAt(strs, rec.LibOffset)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d path: %v", ErrBadCache, i, err)
		}
		entries = append(entries, Entry{Flags: rec.Flags, SOName: soname, Path: path})
	}
	return entries, nil
}

func stringAt(pool []byte, off int32) (string, error) {
	if off < 0 || int(off) >= len(pool) {
		return "", fmt.Errorf("offset %d outside string pool", off)
	}
	end := bytes.IndexByte(pool[off:], 0)
	if end < 0 {
		return "", fmt.Errorf("unterminated string at %d", off)
	}
	return string(pool[int(off) : int(off)+end]), nil
}

// Parse decodes cache data already in memory.
func Parse(data []byte) (*Cache, error) {
	entries, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Cache{data: data, entries: entries}, nil
}

// Lookup returns the path of the first ELF record whose soname is name.
func (cache *Cache) Lookup(name string) (string, bool) {
	if cache == nil {
		return "", false
	}
	for _, entry := range cache.entries {
		if entry.IsELF() && entry.SOName == name {
			return entry.Path, true
		}
	}
	return "", false
}

func (cache *Cache) Entries() []Entry {
	if cache == nil {
		return nil
	}
	return cache.entries
}

// Close releases the mapping. Entries stay valid.
func (cache *Cache) Close() error {
	if cache == nil || cache.unmap == nil {
		return nil
	}
	unmap := cache.unmap
	cache.unmap = nil
	cache.data = nil
	return unmap()
}

// Build encodes entries in cache format, strings pooled in record order.
func Build(entries []Entry) []byte {
	var pool bytes.Buffer
	records := make([]libEntry, 0, len(entries))
	for _, entry := range entries {
		rec := libEntry{Flags: entry.Flags, SOOffset: int32(pool.Len())}
		pool.WriteString(entry.SOName)
		pool.WriteByte(0)
		rec.LibOffset = int32(pool.Len())
		pool.WriteString(entry.Path)
		pool.WriteByte(0)
		records = append(records, rec)
	}

	var out bytes.Buffer
	header := cacheHeader{NLibs: int32(len(entries))}
	copy(header.Magic[:], cacheMagic)
	copy(header.Version[:], cacheVersion)
	_ = binary.Write(&out, binary.LittleEndian, &header)
	_ = binary.Write(&out, binary.LittleEndian, records)
	out.Write(pool.Bytes())
	return out.Bytes()
}
