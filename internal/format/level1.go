package format

import (
	"encoding/binary"
)

const (
	l1Magic   = 0x314C5652 // "RVL1"
	l1Version = 1

	l1HeaderSize = 16
	l1RecordSize = 1 + 1 + 2 + 8 + 8 + 16 + 12
)

// LayerMeta carries optional per-segment build parameters recorded in the
// Level 1 directory. Fields not applicable to a segment kind stay zero.
type LayerMeta struct {
	M              uint16 // HNSW max neighbors per node
	EfConstruction uint16
	CentroidK      uint32
	CodebookSize   uint32
}

// SegmentRecord is one Level 1 directory entry: everything a reader needs
// to locate and verify a segment without touching any other metadata.
type SegmentRecord struct {
	Kind    SegmentKind
	LayerID uint8 // HNSW layer ordinal for INDEX_SEG records
	Flags   uint16
	Offset  uint64
	Size    uint64
	Hash    ContentHash
	Meta    LayerMeta
}

// EncodeL1 serializes the directory as a self-checking payload:
// magic, version, CRC32C of the record area, record count, records.
func EncodeL1(records []SegmentRecord) []byte {
	body := make([]byte, 0, len(records)*l1RecordSize)
	pb := newPayloadBuffer(body)
	for _, r := range records {
		pb.writeUint8(uint8(r.Kind))
		pb.writeUint8(r.LayerID)
		pb.writeUint16(r.Flags)
		pb.writeUint64(r.Offset)
		pb.writeUint64(r.Size)
		pb.writeBytes(r.Hash[:])
		pb.writeUint16(r.Meta.M)
		pb.writeUint16(r.Meta.EfConstruction)
		pb.writeUint32(r.Meta.CentroidK)
		pb.writeUint32(r.Meta.CodebookSize)
	}

	out := make([]byte, l1HeaderSize, l1HeaderSize+len(pb.buf))
	binary.LittleEndian.PutUint32(out[0:4], l1Magic)
	binary.LittleEndian.PutUint32(out[4:8], l1Version)
	binary.LittleEndian.PutUint32(out[8:12], CRC32C(pb.buf))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(records)))
	return append(out, pb.buf...)
}

// DecodeL1 parses a Level 1 directory payload.
func DecodeL1(b []byte) ([]SegmentRecord, error) {
	if len(b) < l1HeaderSize {
		return nil, &L1CorruptError{Detail: "directory truncated"}
	}
	if binary.LittleEndian.Uint32(b[0:4]) != l1Magic {
		return nil, &L1CorruptError{Detail: "bad directory magic"}
	}
	if binary.LittleEndian.Uint32(b[4:8]) != l1Version {
		return nil, &L1CorruptError{Detail: "unsupported directory version"}
	}
	stored := binary.LittleEndian.Uint32(b[8:12])
	count := binary.LittleEndian.Uint32(b[12:16])

	body := b[l1HeaderSize:]
	if computed := CRC32C(body); computed != stored {
		return nil, &L1CorruptError{Detail: "directory crc32c mismatch"}
	}
	if uint64(len(body)) != uint64(count)*l1RecordSize {
		return nil, &L1CorruptError{Detail: "directory record count mismatch"}
	}

	records := make([]SegmentRecord, count)
	pb := newPayloadBuffer(body)
	for i := range records {
		r := &records[i]
		r.Kind = SegmentKind(pb.readUint8())
		r.LayerID = pb.readUint8()
		r.Flags = pb.readUint16()
		r.Offset = pb.readUint64()
		r.Size = pb.readUint64()
		copy(r.Hash[:], pb.readBytes(16))
		r.Meta.M = pb.readUint16()
		r.Meta.EfConstruction = pb.readUint16()
		r.Meta.CentroidK = pb.readUint32()
		r.Meta.CodebookSize = pb.readUint32()
	}
	if pb.err != nil {
		return nil, &L1CorruptError{Detail: pb.err.Error()}
	}
	return records, nil
}
