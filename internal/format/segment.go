package format

import (
	"encoding/binary"
	"fmt"
)

// SegmentKind identifies the type of a segment payload.
type SegmentKind uint8

const (
	SegmentVectorBlock SegmentKind = 1
	SegmentIndex       SegmentKind = 2 // one per HNSW layer or sub-layer
	SegmentCentroid    SegmentKind = 3
	SegmentQuantDict   SegmentKind = 4
	SegmentHotCache    SegmentKind = 5
	SegmentEntrypoint  SegmentKind = 6
	SegmentL1Directory SegmentKind = 7
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentVectorBlock:
		return "VECTOR_BLOCK"
	case SegmentIndex:
		return "INDEX_SEG"
	case SegmentCentroid:
		return "CENTROID_SEG"
	case SegmentQuantDict:
		return "QUANT_DICT_SEG"
	case SegmentHotCache:
		return "HOT_CACHE_SEG"
	case SegmentEntrypoint:
		return "ENTRYPOINT_SEG"
	case SegmentL1Directory:
		return "L1_DIRECTORY"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(k))
	}
}

// Segment payload compression flags. Compression applies to the stored
// payload bytes; content hashes always cover the stored form so on-disk
// verification never needs to decompress.
const (
	SegFlagZstd uint16 = 0x0001
	SegFlagLZ4  uint16 = 0x0002
)

// SegmentHeaderSize is the fixed size of the header preceding every
// segment payload.
const SegmentHeaderSize = 12

// SegmentHeader is the length-prefixed framing written before each
// segment payload.
type SegmentHeader struct {
	Kind          SegmentKind
	Flags         uint16
	PayloadLength uint64
}

// EncodeSegmentHeader serializes the header into a fresh buffer.
func EncodeSegmentHeader(h SegmentHeader) []byte {
	buf := make([]byte, SegmentHeaderSize)
	buf[0] = byte(h.Kind)
	// buf[1] reserved
	binary.LittleEndian.PutUint16(buf[2:4], h.Flags)
	binary.LittleEndian.PutUint64(buf[4:12], h.PayloadLength)
	return buf
}

// DecodeSegmentHeader parses a segment header from b.
func DecodeSegmentHeader(b []byte) (SegmentHeader, error) {
	if len(b) < SegmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("segment header truncated: %d bytes", len(b))
	}
	return SegmentHeader{
		Kind:          SegmentKind(b[0]),
		Flags:         binary.LittleEndian.Uint16(b[2:4]),
		PayloadLength: binary.LittleEndian.Uint64(b[4:12]),
	}, nil
}
