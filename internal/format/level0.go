package format

import (
	"encoding/binary"
)

// Level0Size is the fixed size of the tail page.
const Level0Size = 4096

// Magic is the four-byte file magic at offset 0x000.
var Magic = [4]byte{'R', 'V', 'F', '1'}

// Layout versions. Version 1 predates the hardening pass: no content
// hashes, signature at the legacy offset. Version 2 is current.
const (
	Version1 = 1
	Version2 = 2
)

// File-level flag bits (offset 0x006). The encrypted bit is reserved;
// files that set it are rejected until a key schedule is defined.
const (
	FileFlagEncrypted uint16 = 0x0001
)

// Fixed field offsets within the tail page.
const (
	offMagic            = 0x000
	offVersion          = 0x004
	offFlags            = 0x006
	offFileID           = 0x008
	offEpoch            = 0x010
	offTotalVectorCount = 0x014
	offDimension        = 0x018
	offBaseDtype        = 0x01A
	offProfileID        = 0x01B
	offCreatedNS        = 0x01C
	offL1Offset         = 0x024
	offL1Size           = 0x02C
	offHotPointers      = 0x034 // five u64 offsets
	offBaseNProbe       = 0x05C
	offEfSearchDefault  = 0x060
	offHotHashes        = 0x0A0 // five 16-byte hashes, 16-byte stride
	offCentroidEpoch    = 0x0F0
	offMaxEpochDrift    = 0x0F4
	offSignerHint       = 0x0F8
	offSigAlgo          = 0x100
	offSigLength        = 0x102
	offSignature        = 0x104
	offCRC              = 0xFFC

	// Version 1 kept the signature where version 2 stores content hashes.
	offSignatureV1 = 0x0A0
)

// SignedPrefixLen is the number of tail-page bytes covered by the
// signature in version 2 files: everything before the signature itself.
const SignedPrefixLen = offSignature

// SigAlgo identifies the manifest signature algorithm.
type SigAlgo uint16

const (
	SigAlgoEd25519 SigAlgo = 0
	SigAlgoMLDSA65 SigAlgo = 1
)

func (a SigAlgo) String() string {
	switch a {
	case SigAlgoEd25519:
		return "Ed25519"
	case SigAlgoMLDSA65:
		return "ML-DSA-65"
	default:
		return "Unknown"
	}
}

// Dtype identifies the base element type of stored vectors.
type Dtype uint8

const (
	DtypeF32 Dtype = 0
	DtypeF16 Dtype = 1
	DtypeI8  Dtype = 2
)

// Size returns the per-element byte width.
func (d Dtype) Size() int {
	switch d {
	case DtypeF32:
		return 4
	case DtypeF16:
		return 2
	case DtypeI8:
		return 1
	default:
		return 0
	}
}

// HotPointerIndex names the five hotset slots in Level 0. The order is the
// on-disk order of both the offset fields and the hash fields.
type HotPointerIndex int

const (
	HotEntrypoint HotPointerIndex = iota
	HotTopLayer
	HotCentroid
	HotQuantDict
	HotCache

	NumHotPointers
)

// FieldName returns the Level 0 field name of the slot's offset, as it
// appears in error records and audit events.
func (i HotPointerIndex) FieldName() string {
	switch i {
	case HotEntrypoint:
		return "entrypoint_seg_offset"
	case HotTopLayer:
		return "toplayer_seg_offset"
	case HotCentroid:
		return "centroid_seg_offset"
	case HotQuantDict:
		return "quantdict_seg_offset"
	case HotCache:
		return "hot_cache_seg_offset"
	default:
		return "unknown"
	}
}

// SegmentKind returns the segment kind expected behind the slot.
func (i HotPointerIndex) SegmentKind() SegmentKind {
	switch i {
	case HotEntrypoint:
		return SegmentEntrypoint
	case HotTopLayer:
		return SegmentIndex
	case HotCentroid:
		return SegmentCentroid
	case HotQuantDict:
		return SegmentQuantDict
	case HotCache:
		return SegmentHotCache
	default:
		return 0
	}
}

// HotPointer is one hotset slot: a file offset plus the content hash of the
// segment payload stored there. Offset 0 with a zero hash means absent.
type HotPointer struct {
	Offset uint64
	Hash   ContentHash
}

// Present reports whether the slot points at a segment.
func (p HotPointer) Present() bool { return p.Offset != 0 }

// Level0 is the decoded tail page: the root of trust for the whole file.
type Level0 struct {
	Version          uint16
	Flags            uint16
	FileID           uint64
	Epoch            uint32
	TotalVectorCount uint32
	Dimension        uint16
	BaseDtype        Dtype
	ProfileID        uint8
	CreatedNS        uint64

	L1DirectoryOffset uint64
	L1DirectorySize   uint64

	Hotset [NumHotPointers]HotPointer

	BaseNProbe      uint32
	EfSearchDefault uint32

	CentroidEpoch uint32
	MaxEpochDrift uint32

	// SignerHint is the leading 8 bytes of the signing key's fingerprint.
	// It lets a reader name the signer in errors when nothing in the trust
	// store can verify the signature.
	SignerHint [8]byte

	SigAlgo   SigAlgo
	Signature []byte
}

// Signed reports whether the manifest carries a signature.
func (m *Level0) Signed() bool { return len(m.Signature) > 0 }

// EpochDrift returns epoch - centroid_epoch, the centroid staleness signal.
func (m *Level0) EpochDrift() uint32 {
	if m.Epoch < m.CentroidEpoch {
		return 0
	}
	return m.Epoch - m.CentroidEpoch
}

// sigStart returns the offset of the signature field block (algorithm,
// length, signature bytes) for the manifest's version.
func (m *Level0) sigStart() int {
	if m.Version == Version1 {
		return offSignatureV1
	}
	return offSigAlgo
}

// SignedPrefix returns the byte range covered by the signature: all tail
// page bytes before the signature field.
func (m *Level0) SignedPrefix(page []byte) []byte {
	if m.Version == Version1 {
		return page[:offSignatureV1]
	}
	return page[:offSignature]
}

// ParseLevel0 decodes a 4096-byte tail page. It validates the magic,
// version, and trailing CRC32C; signature and content-hash verification are
// policy decisions left to the caller.
func ParseLevel0(page []byte) (*Level0, error) {
	if len(page) != Level0Size {
		return nil, &Error{code: CodeInvalidMagic, detail: "tail page must be 4096 bytes"}
	}
	if [4]byte(page[offMagic:offMagic+4]) != Magic {
		return nil, ErrInvalidMagic
	}

	version := binary.LittleEndian.Uint16(page[offVersion:])
	if version != Version1 && version != Version2 {
		return nil, ErrVersionUnsupported
	}

	stored := binary.LittleEndian.Uint32(page[offCRC:])
	computed := CRC32C(page[:offCRC])
	if stored != computed {
		return nil, &CRCMismatchError{Expected: stored, Actual: computed}
	}

	m := &Level0{
		Version:           version,
		Flags:             binary.LittleEndian.Uint16(page[offFlags:]),
		FileID:            binary.LittleEndian.Uint64(page[offFileID:]),
		Epoch:             binary.LittleEndian.Uint32(page[offEpoch:]),
		TotalVectorCount:  binary.LittleEndian.Uint32(page[offTotalVectorCount:]),
		Dimension:         binary.LittleEndian.Uint16(page[offDimension:]),
		BaseDtype:         Dtype(page[offBaseDtype]),
		ProfileID:         page[offProfileID],
		CreatedNS:         binary.LittleEndian.Uint64(page[offCreatedNS:]),
		L1DirectoryOffset: binary.LittleEndian.Uint64(page[offL1Offset:]),
		L1DirectorySize:   binary.LittleEndian.Uint64(page[offL1Size:]),
		BaseNProbe:        binary.LittleEndian.Uint32(page[offBaseNProbe:]),
		EfSearchDefault:   binary.LittleEndian.Uint32(page[offEfSearchDefault:]),
	}

	for i := HotPointerIndex(0); i < NumHotPointers; i++ {
		m.Hotset[i].Offset = binary.LittleEndian.Uint64(page[offHotPointers+8*int(i):])
	}

	if version >= Version2 {
		for i := HotPointerIndex(0); i < NumHotPointers; i++ {
			copy(m.Hotset[i].Hash[:], page[offHotHashes+16*int(i):])
		}
		m.CentroidEpoch = binary.LittleEndian.Uint32(page[offCentroidEpoch:])
		m.MaxEpochDrift = binary.LittleEndian.Uint32(page[offMaxEpochDrift:])
		copy(m.SignerHint[:], page[offSignerHint:offSignerHint+8])
	}

	sigStart := m.sigStart()
	m.SigAlgo = SigAlgo(binary.LittleEndian.Uint16(page[sigStart:]))
	sigLen := int(binary.LittleEndian.Uint16(page[sigStart+2:]))
	if sigLen > 0 {
		if sigStart+4+sigLen > offCRC {
			return nil, &Error{code: CodeInvalidMagic, detail: "signature overruns tail page"}
		}
		m.Signature = append([]byte(nil), page[sigStart+4:sigStart+4+sigLen]...)
	}

	return m, nil
}

// SerializeLevel0 produces the deterministic 4096-byte tail page for m.
// Reserved regions are zero-filled; the trailing CRC32C is computed last.
func SerializeLevel0(m *Level0) ([]byte, error) {
	page := make([]byte, Level0Size)
	copy(page[offMagic:], Magic[:])
	binary.LittleEndian.PutUint16(page[offVersion:], m.Version)
	binary.LittleEndian.PutUint16(page[offFlags:], m.Flags)
	binary.LittleEndian.PutUint64(page[offFileID:], m.FileID)
	binary.LittleEndian.PutUint32(page[offEpoch:], m.Epoch)
	binary.LittleEndian.PutUint32(page[offTotalVectorCount:], m.TotalVectorCount)
	binary.LittleEndian.PutUint16(page[offDimension:], m.Dimension)
	page[offBaseDtype] = byte(m.BaseDtype)
	page[offProfileID] = m.ProfileID
	binary.LittleEndian.PutUint64(page[offCreatedNS:], m.CreatedNS)
	binary.LittleEndian.PutUint64(page[offL1Offset:], m.L1DirectoryOffset)
	binary.LittleEndian.PutUint64(page[offL1Size:], m.L1DirectorySize)

	for i := HotPointerIndex(0); i < NumHotPointers; i++ {
		binary.LittleEndian.PutUint64(page[offHotPointers+8*int(i):], m.Hotset[i].Offset)
	}
	binary.LittleEndian.PutUint32(page[offBaseNProbe:], m.BaseNProbe)
	binary.LittleEndian.PutUint32(page[offEfSearchDefault:], m.EfSearchDefault)

	if m.Version >= Version2 {
		for i := HotPointerIndex(0); i < NumHotPointers; i++ {
			copy(page[offHotHashes+16*int(i):], m.Hotset[i].Hash[:])
		}
		binary.LittleEndian.PutUint32(page[offCentroidEpoch:], m.CentroidEpoch)
		binary.LittleEndian.PutUint32(page[offMaxEpochDrift:], m.MaxEpochDrift)
		copy(page[offSignerHint:offSignerHint+8], m.SignerHint[:])
	}

	sigStart := m.sigStart()
	binary.LittleEndian.PutUint16(page[sigStart:], uint16(m.SigAlgo))
	binary.LittleEndian.PutUint16(page[sigStart+2:], uint16(len(m.Signature)))
	if len(m.Signature) > 0 {
		if sigStart+4+len(m.Signature) > offCRC {
			return nil, &Error{code: CodeInvalidMagic, detail: "signature too large for tail page"}
		}
		copy(page[sigStart+4:], m.Signature)
	}

	binary.LittleEndian.PutUint32(page[offCRC:], CRC32C(page[:offCRC]))
	return page, nil
}
