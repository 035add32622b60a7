package manifest

import (
	"fmt"
	"sync"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/security"
)

// Bytes is the read surface the chain verifies against. Implementations
// are a memory-mapped file or an in-memory staging buffer during seed
// expansion; slices may alias the underlying storage.
type Bytes interface {
	Slice(off, n uint64) ([]byte, error)
	Len() uint64
}

// Status is the mount state of the integrity chain.
type Status uint8

const (
	StatusL0Verified Status = iota
	StatusL1Verified
	StatusReadOnly // WarnOnly hash mismatch: reads allowed, writes refused
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusL0Verified:
		return "L0Verified"
	case StatusL1Verified:
		return "L1Verified"
	case StatusReadOnly:
		return "ReadOnly"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Chain holds the verified Level 0 manifest and mediates every segment
// read beneath it. Content hashes are checked according to the policy the
// chain was mounted with, and each offset is verified at most once: the
// write-once cache is only ever dropped by building a fresh chain, which
// is exactly what compaction does.
type Chain struct {
	policy security.Policy

	mu       sync.Mutex
	l0       *format.Level0
	records  []format.SegmentRecord
	verified map[uint64]struct{}
	status   Status
}

// New builds a chain over an already-parsed Level 0 manifest. The caller
// has performed the policy's signature checks; the chain owns everything
// below the tail page.
func New(l0 *format.Level0, policy security.Policy) *Chain {
	return &Chain{
		policy:   policy,
		l0:       l0,
		verified: make(map[uint64]struct{}),
		status:   StatusL0Verified,
	}
}

// Level0 returns the manifest at the root of the chain.
func (c *Chain) Level0() *format.Level0 { return c.l0 }

// Policy returns the security policy the chain was mounted with.
func (c *Chain) Policy() security.Policy { return c.policy }

// Status returns the current mount state.
func (c *Chain) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Writable reports whether the chain still accepts appends.
func (c *Chain) Writable() bool {
	s := c.Status()
	return s == StatusL0Verified || s == StatusL1Verified
}

// Fail moves the chain to the terminal Failed state.
func (c *Chain) Fail() {
	c.mu.Lock()
	c.status = StatusFailed
	c.mu.Unlock()
}

// failOrDemote applies the policy's reaction to a hash mismatch: Strict
// and Paranoid fail the mount, WarnOnly demotes to read-only.
func (c *Chain) failOrDemote() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusFailed {
		return
	}
	if c.policy >= security.Strict {
		c.status = StatusFailed
	} else {
		c.status = StatusReadOnly
	}
}

// readRaw slices the stored segment bytes (header plus payload) at off.
func readRaw(src Bytes, off uint64) (format.SegmentHeader, []byte, error) {
	hb, err := src.Slice(off, format.SegmentHeaderSize)
	if err != nil {
		return format.SegmentHeader{}, nil, err
	}
	hdr, err := format.DecodeSegmentHeader(hb)
	if err != nil {
		return format.SegmentHeader{}, nil, err
	}
	raw, err := src.Slice(off, format.SegmentHeaderSize+hdr.PayloadLength)
	if err != nil {
		return format.SegmentHeader{}, nil, err
	}
	return hdr, raw, nil
}

// checkHash verifies the stored segment bytes at off against want, caching
// success so repeat reads skip the hash. A zero hash (version 1 layout)
// verifies nothing.
func (c *Chain) checkHash(name string, off uint64, raw []byte, want format.ContentHash) error {
	if !c.policy.VerifiesHashes() || want == (format.ContentHash{}) {
		return nil
	}
	c.mu.Lock()
	_, done := c.verified[off]
	c.mu.Unlock()
	if done {
		return nil
	}
	got := format.Shake128(raw)
	if got != want {
		c.failOrDemote()
		return &security.HashMismatchError{
			PointerName: name,
			Expected:    want,
			Actual:      got,
			Offset:      off,
		}
	}
	c.mu.Lock()
	c.verified[off] = struct{}{}
	c.mu.Unlock()
	return nil
}

// HotPayload reads, verifies, and decompresses the segment behind the
// given hotset slot. Absent slots return (nil, nil).
func (c *Chain) HotPayload(src Bytes, idx format.HotPointerIndex) ([]byte, error) {
	p := c.l0.Hotset[idx]
	if !p.Present() {
		return nil, nil
	}
	hdr, raw, err := readRaw(src, p.Offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", idx.FieldName(), err)
	}
	if want := idx.SegmentKind(); hdr.Kind != want {
		return nil, fmt.Errorf("%s: segment kind %s, want %s", idx.FieldName(), hdr.Kind, want)
	}
	if err := c.checkHash(idx.FieldName(), p.Offset, raw, p.Hash); err != nil {
		return nil, err
	}
	return Decompress(hdr.Flags, raw[format.SegmentHeaderSize:])
}

// Directory returns the Level 1 segment records, loading and caching them
// on first touch. A file without a directory returns (nil, nil).
func (c *Chain) Directory(src Bytes) ([]format.SegmentRecord, error) {
	c.mu.Lock()
	if c.records != nil || c.l0.L1DirectoryOffset == 0 {
		recs := c.records
		c.mu.Unlock()
		return recs, nil
	}
	c.mu.Unlock()

	hdr, raw, err := readRaw(src, c.l0.L1DirectoryOffset)
	if err != nil {
		return nil, &format.L1CorruptError{Offset: c.l0.L1DirectoryOffset, Detail: err.Error()}
	}
	if hdr.Kind != format.SegmentL1Directory {
		return nil, &format.L1CorruptError{
			Offset: c.l0.L1DirectoryOffset,
			Detail: fmt.Sprintf("segment kind %s where directory expected", hdr.Kind),
		}
	}
	payload, err := Decompress(hdr.Flags, raw[format.SegmentHeaderSize:])
	if err != nil {
		return nil, &format.L1CorruptError{Offset: c.l0.L1DirectoryOffset, Detail: err.Error()}
	}
	records, err := format.DecodeL1(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.records = records
	if c.status == StatusL0Verified {
		c.status = StatusL1Verified
	}
	c.mu.Unlock()
	return records, nil
}

// VerifyStored checks raw stored segment bytes against the directory
// record's content hash without decoding them. Compaction runs every
// live record through this before copying it forward, so tampered bytes
// cannot be re-signed into the successor file.
func (c *Chain) VerifyStored(rec format.SegmentRecord, raw []byte) error {
	name := fmt.Sprintf("%s[%d]", rec.Kind, rec.LayerID)
	return c.checkHash(name, rec.Offset, raw, rec.Hash)
}

// SegmentPayload reads, verifies, and decompresses the segment a Level 1
// record points at. The same write-once hash rule as the hotset applies.
func (c *Chain) SegmentPayload(src Bytes, rec format.SegmentRecord) ([]byte, error) {
	hdr, raw, err := readRaw(src, rec.Offset)
	if err != nil {
		return nil, err
	}
	if hdr.Kind != rec.Kind {
		return nil, fmt.Errorf("segment at 0x%x: kind %s, directory says %s", rec.Offset, hdr.Kind, rec.Kind)
	}
	name := fmt.Sprintf("%s[%d]", rec.Kind, rec.LayerID)
	if err := c.checkHash(name, rec.Offset, raw, rec.Hash); err != nil {
		return nil, err
	}
	return Decompress(hdr.Flags, raw[format.SegmentHeaderSize:])
}
