package rvf

import (
	"fmt"

	"github.com/ruvector/rvf/internal/mmap"
)

// byteSource adapts a storage backing to the manifest chain's read
// surface. Implementations are immutable snapshots: the store publishes a
// new source after every append.
type byteSource interface {
	Slice(off, n uint64) ([]byte, error)
	Len() uint64
	Close() error
}

// mmapSource is the normal on-disk backing.
type mmapSource struct {
	m *mmap.File
}

func (s *mmapSource) Slice(off, n uint64) ([]byte, error) {
	end := off + n
	if end < off || end > uint64(len(s.m.Data)) {
		return nil, fmt.Errorf("read [0x%x,0x%x) beyond mapped %d bytes", off, end, len(s.m.Data))
	}
	return s.m.Data[off:end], nil
}

func (s *mmapSource) Len() uint64 { return uint64(s.m.Len()) }

func (s *mmapSource) Close() error { return s.m.Close() }

// memSource backs a store materializing in memory, as during seed
// expansion before the file reaches disk.
type memSource struct {
	data []byte
}

func (s *memSource) Slice(off, n uint64) ([]byte, error) {
	end := off + n
	if end < off || end > uint64(len(s.data)) {
		return nil, fmt.Errorf("read [0x%x,0x%x) beyond %d buffered bytes", off, end, len(s.data))
	}
	return s.data[off:end], nil
}

func (s *memSource) Len() uint64 { return uint64(len(s.data)) }

func (s *memSource) Close() error { return nil }
