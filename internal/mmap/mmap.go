// Package mmap provides read-only memory-mapped access to RVF files.
//
// The map backs every reader snapshot: manifest views, segment payloads,
// and vector blocks all borrow slices from it. Appends extend the file
// through a separate write path and publish a fresh mapping; existing
// mappings stay valid until their snapshot is released.
package mmap

import (
	"errors"
	"io"
	"os"
)

// File is a read-only memory-mapped file.
type File struct {
	Data []byte
	f    *os.File
}

// Open maps the file at path into memory as read-only.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := fi.Size()
	if size < 0 {
		f.Close()
		return nil, errors.New("mmap: file size is negative")
	}
	if size == 0 {
		return &File{Data: nil, f: f}, nil
	}

	data, err := mmap(f, int(size))
	if err != nil {
		f.Close()
		return nil, err
	}

	return &File{Data: data, f: f}, nil
}

// Remap re-maps the file after it has grown, returning a new independent
// mapping. The receiver stays valid; callers release it when the last
// snapshot referencing it is dropped.
func (m *File) Remap() (*File, error) {
	if m.f == nil {
		return nil, errors.New("mmap: file is closed")
	}
	return Open(m.f.Name())
}

// Len returns the mapped size in bytes.
func (m *File) Len() int { return len(m.Data) }

// Close unmaps the memory and closes the underlying file.
func (m *File) Close() error {
	if m == nil {
		return nil
	}
	var err error
	if m.Data != nil {
		err = munmap(m.Data)
		m.Data = nil
	}
	if m.f != nil {
		if closeErr := m.f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		m.f = nil
	}
	return err
}

// ReadAt implements io.ReaderAt on the mapping.
func (m *File) ReadAt(p []byte, off int64) (n int, err error) {
	if m.Data == nil {
		return 0, io.EOF
	}
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	n = copy(p, m.Data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
