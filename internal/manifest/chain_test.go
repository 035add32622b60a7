package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/security"
)

// memBytes is a Bytes over a plain buffer.
type memBytes []byte

func (m memBytes) Slice(off, n uint64) ([]byte, error) {
	if off+n > uint64(len(m)) {
		return nil, assert.AnError
	}
	return m[off : off+n], nil
}

func (m memBytes) Len() uint64 { return uint64(len(m)) }

// writeSegment appends a framed segment to buf and returns the new buffer,
// the segment offset, and the content hash of the stored bytes.
func writeSegment(buf []byte, kind format.SegmentKind, payload []byte) ([]byte, uint64, format.ContentHash) {
	off := uint64(len(buf))
	raw := format.EncodeSegmentHeader(format.SegmentHeader{Kind: kind, PayloadLength: uint64(len(payload))})
	raw = append(raw, payload...)
	return append(buf, raw...), off, format.Shake128(raw)
}

func TestChainStatusTransitions(t *testing.T) {
	c := New(&format.Level0{}, security.Strict)
	assert.Equal(t, StatusL0Verified, c.Status())
	assert.True(t, c.Writable())

	c.Fail()
	assert.Equal(t, StatusFailed, c.Status())
	assert.False(t, c.Writable())
}

func TestChainHotPayloadAbsent(t *testing.T) {
	c := New(&format.Level0{}, security.Strict)
	payload, err := c.HotPayload(memBytes(nil), format.HotEntrypoint)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestChainHotPayload(t *testing.T) {
	buf := make([]byte, 8) // preamble
	buf, off, hash := writeSegment(buf, format.SegmentEntrypoint, []byte("entry payload"))

	l0 := &format.Level0{Version: format.Version2}
	l0.Hotset[format.HotEntrypoint] = format.HotPointer{Offset: off, Hash: hash}

	c := New(l0, security.Strict)
	payload, err := c.HotPayload(memBytes(buf), format.HotEntrypoint)
	require.NoError(t, err)
	assert.Equal(t, []byte("entry payload"), payload)
}

func TestChainHotPayloadHashMismatch(t *testing.T) {
	buf := make([]byte, 8)
	buf, off, _ := writeSegment(buf, format.SegmentEntrypoint, []byte("entry payload"))

	l0 := &format.Level0{Version: format.Version2}
	l0.Hotset[format.HotEntrypoint] = format.HotPointer{Offset: off, Hash: format.Shake128([]byte("something else"))}

	c := New(l0, security.Strict)
	_, err := c.HotPayload(memBytes(buf), format.HotEntrypoint)
	var hashErr *security.HashMismatchError
	require.ErrorAs(t, err, &hashErr)
	assert.Equal(t, "entrypoint_seg_offset", hashErr.PointerName)

	// Strict fails the mount on tamper.
	assert.Equal(t, StatusFailed, c.Status())
}

func TestChainHashMismatchDemotesUnderWarnOnly(t *testing.T) {
	buf := make([]byte, 8)
	buf, off, _ := writeSegment(buf, format.SegmentEntrypoint, []byte("entry payload"))

	l0 := &format.Level0{Version: format.Version2}
	l0.Hotset[format.HotEntrypoint] = format.HotPointer{Offset: off, Hash: format.Shake128([]byte("tampered"))}

	c := New(l0, security.WarnOnly)
	_, err := c.HotPayload(memBytes(buf), format.HotEntrypoint)
	require.Error(t, err)

	assert.Equal(t, StatusReadOnly, c.Status())
	assert.False(t, c.Writable())
}

func TestChainPermissiveSkipsHashes(t *testing.T) {
	buf := make([]byte, 8)
	buf, off, _ := writeSegment(buf, format.SegmentEntrypoint, []byte("entry payload"))

	l0 := &format.Level0{Version: format.Version2}
	l0.Hotset[format.HotEntrypoint] = format.HotPointer{Offset: off, Hash: format.Shake128([]byte("wrong"))}

	c := New(l0, security.Permissive)
	payload, err := c.HotPayload(memBytes(buf), format.HotEntrypoint)
	require.NoError(t, err)
	assert.Equal(t, []byte("entry payload"), payload)
}

func TestChainHotPayloadKindMismatch(t *testing.T) {
	buf := make([]byte, 8)
	buf, off, hash := writeSegment(buf, format.SegmentVectorBlock, []byte("not an entrypoint"))

	l0 := &format.Level0{Version: format.Version2}
	l0.Hotset[format.HotEntrypoint] = format.HotPointer{Offset: off, Hash: hash}

	c := New(l0, security.Strict)
	_, err := c.HotPayload(memBytes(buf), format.HotEntrypoint)
	assert.ErrorContains(t, err, "segment kind")
}

func TestChainDirectory(t *testing.T) {
	records := []format.SegmentRecord{
		{Kind: format.SegmentVectorBlock, Offset: 8, Size: 40, Hash: format.Shake128([]byte("x"))},
	}
	buf := make([]byte, 8)
	buf, off, _ := writeSegment(buf, format.SegmentL1Directory, format.EncodeL1(records))

	l0 := &format.Level0{Version: format.Version2, L1DirectoryOffset: off}
	c := New(l0, security.Strict)

	got, err := c.Directory(memBytes(buf))
	require.NoError(t, err)
	assert.Equal(t, records, got)
	assert.Equal(t, StatusL1Verified, c.Status())

	// Second read serves the cache.
	again, err := c.Directory(memBytes(buf))
	require.NoError(t, err)
	assert.Equal(t, records, again)
}

func TestChainDirectoryAbsent(t *testing.T) {
	c := New(&format.Level0{}, security.Strict)
	got, err := c.Directory(memBytes(nil))
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, StatusL0Verified, c.Status())
}

func TestChainDirectoryCorrupt(t *testing.T) {
	payload := format.EncodeL1(nil)
	payload[len(payload)-1] ^= 0xFF
	buf := make([]byte, 8)
	buf, off, _ := writeSegment(buf, format.SegmentL1Directory, payload)

	c := New(&format.Level0{Version: format.Version2, L1DirectoryOffset: off}, security.Strict)
	_, err := c.Directory(memBytes(buf))
	var l1Err *format.L1CorruptError
	assert.ErrorAs(t, err, &l1Err)
}

func TestChainSegmentPayload(t *testing.T) {
	buf := make([]byte, 8)
	buf, off, hash := writeSegment(buf, format.SegmentVectorBlock, []byte("block bytes"))

	c := New(&format.Level0{Version: format.Version2}, security.Strict)
	rec := format.SegmentRecord{Kind: format.SegmentVectorBlock, Offset: off, Hash: hash}

	payload, err := c.SegmentPayload(memBytes(buf), rec)
	require.NoError(t, err)
	assert.Equal(t, []byte("block bytes"), payload)
}

func TestCompressRoundTrip(t *testing.T) {
	payload := []byte("the same sixteen bytes repeated, the same sixteen bytes repeated")

	for _, flags := range []uint16{0, format.SegFlagZstd, format.SegFlagLZ4} {
		stored, err := Compress(flags, payload)
		require.NoError(t, err)

		got, err := Decompress(flags, stored)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestDriftNProbe(t *testing.T) {
	const base, maxDrift = 8, 64

	tests := []struct {
		name      string
		drift     uint32
		nProbe    uint32
		recompute bool
	}{
		{"no drift", 0, 8, false},
		{"at half", 32, 8, false},
		{"interpolated", 48, 12, false},
		{"at max", 64, 16, false},
		{"beyond max", 100, 16, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nProbe, recompute := DriftNProbe(base, tt.drift, maxDrift)
			assert.Equal(t, tt.nProbe, nProbe)
			assert.Equal(t, tt.recompute, recompute)
		})
	}
}

func TestDriftNProbeZeroMaxUsesDefault(t *testing.T) {
	nProbe, recompute := DriftNProbe(8, DefaultMaxEpochDrift+1, 0)
	assert.Equal(t, uint32(16), nProbe)
	assert.True(t, recompute)
}
