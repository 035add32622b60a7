package seed

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/ruvector/rvf"
	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/security"
)

// MaxSeedBytes is the binary capacity of a version 40 QR code with low
// error correction: the hard ceiling for a single-code seed.
const MaxSeedBytes = 2953

// MaxPartBytes bounds each part of a structured-append seed, leaving
// room for the part framing within smaller QR versions.
const MaxPartBytes = 2740

// SeedMagic opens every RVQS payload.
var SeedMagic = [4]byte{'R', 'V', 'Q', 'S'}

const (
	seedVersion    = 1
	seedHeaderSize = 0x40
)

// Seed flag bits.
const (
	// FlagKernel marks a payload carrying a microkernel.
	FlagKernel uint16 = 1 << 0

	// FlagManifest marks a payload carrying a download manifest.
	FlagManifest uint16 = 1 << 1

	// FlagSigned marks a signed payload. Unsigned seeds never verify.
	FlagSigned uint16 = 1 << 2

	// FlagOffline marks seeds that can answer without a network.
	FlagOffline uint16 = 1 << 3

	// FlagEncrypted marks encrypted payloads. Parse rejects them: key
	// delivery is out of scope.
	FlagEncrypted uint16 = 1 << 4

	// FlagKernelBrotli marks a Brotli-compressed microkernel.
	FlagKernelBrotli uint16 = 1 << 5

	// FlagInlineVectors marks seeds embedding vectors directly.
	FlagInlineVectors uint16 = 1 << 6

	// FlagStreamUpgrade marks seeds whose hosts support upgrading the
	// range stream to the full file in one connection.
	FlagStreamUpgrade uint16 = 1 << 7
)

// Header field offsets.
const (
	offMagic       = 0x00
	offVersion     = 0x04
	offFlags       = 0x06
	offFileID      = 0x08
	offVectorCount = 0x10
	offDimension   = 0x14
	offBaseDtype   = 0x16
	offProfileID   = 0x17
	offCreatedNS   = 0x18
	offKernelOff   = 0x20
	offKernelSize  = 0x24
	offManifestOff = 0x28
	offManifestLen = 0x2C
	offSigAlgo     = 0x30
	offSigLength   = 0x32
	offTotalSize   = 0x34
	offContentHash = 0x38
)

// Download manifest TLV tags. 0x0001..0x0008 are the wire-stable core
// set; tagSignerKey is an extension tag that embeds the signer public
// key so a scanner can verify before consulting any store.
const (
	tagPrimaryHost   = 0x0001
	tagFallbackHost  = 0x0002
	tagFileHash      = 0x0003
	tagTotalFileSize = 0x0004
	tagLayers        = 0x0005
	tagSessionToken  = 0x0006
	tagTTLSeconds    = 0x0007
	tagCertPin       = 0x0008
	tagSignerKey     = 0x0009
)

// LayerID names a progressive download layer.
type LayerID uint8

const (
	LayerLevel0 LayerID = iota
	LayerHotCache
	LayerHNSWA
	LayerQuantDict
	LayerHNSWB
	LayerFullVectors
	LayerHNSWC
)

func (l LayerID) String() string {
	switch l {
	case LayerLevel0:
		return "level0"
	case LayerHotCache:
		return "hot_cache"
	case LayerHNSWA:
		return "hnsw_layer_a"
	case LayerQuantDict:
		return "quant_dict"
	case LayerHNSWB:
		return "hnsw_layer_b"
	case LayerFullVectors:
		return "full_vectors"
	case LayerHNSWC:
		return "hnsw_layer_c"
	default:
		return fmt.Sprintf("layer(%d)", uint8(l))
	}
}

// LayerEntry is one progressive download range of the remote file.
type LayerEntry struct {
	ID       LayerID
	Priority uint8
	Required bool
	Offset   uint64
	Size     uint64
	Hash     [16]byte // SHAKE-256-128 of the raw range
}

// HostEntry is one download source, in failover priority order.
type HostEntry struct {
	URL      string
	Priority uint8
	Region   uint8
	KeyHash  [16]byte // expected SPKI digest prefix, informational
}

// Seed is a parsed RVQS payload.
type Seed struct {
	Version          uint16
	Flags            uint16
	FileID           uint64
	TotalVectorCount uint32
	Dimension        uint16
	BaseDtype        uint8
	ProfileID        uint8
	CreatedNS        uint64

	// SigAlgo selects the payload signature scheme: Ed25519 for
	// single-code seeds, ML-DSA-65 for structured-append sequences.
	SigAlgo rvf.SignatureAlgo

	// ContentHash is the SHAKE-256-64 digest of the fully expanded RVF
	// file. All zero means unrecorded.
	ContentHash [8]byte

	// Kernel is the decoded WASM microkernel, nil when absent.
	Kernel []byte

	Hosts  []HostEntry
	Layers []LayerEntry

	// FileHash is the optional 32-byte full-file hash from the download
	// manifest. All zero means unrecorded.
	FileHash [32]byte

	TotalFileSize uint64

	// SessionToken rides on every range request until TTLSeconds after
	// CreatedNS have elapsed. Zero TTL means no expiry.
	SessionToken []byte
	TTLSeconds   uint32

	// CertPin is the SHA-256 SPKI pin every TLS connection must match.
	// All zero means unpinned.
	CertPin [32]byte

	// SignerKey is the public key the payload signature verifies under.
	SignerKey []byte

	signedLen int
	signature []byte
}

// Errors returned by seed parsing and verification.
var (
	ErrBadMagic     = errors.New("seed: bad magic")
	ErrBadVersion   = errors.New("seed: unsupported version")
	ErrTruncated    = errors.New("seed: payload truncated")
	ErrTooLarge     = errors.New("seed: payload exceeds structured-append capacity")
	ErrEncrypted    = errors.New("seed: encrypted payloads are not supported")
	ErrBadSignature = errors.New("seed: signature does not verify")
	ErrUnsigned     = errors.New("seed: payload is not signed")
)

// Parse decodes an RVQS payload without verifying the signature; call
// Verify before trusting anything in the result.
func Parse(raw []byte) (*Seed, error) {
	if len(raw) < seedHeaderSize {
		return nil, ErrTruncated
	}
	if [4]byte(raw[offMagic:offMagic+4]) != SeedMagic {
		return nil, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(raw[offVersion:]) != seedVersion {
		return nil, ErrBadVersion
	}
	flags := binary.LittleEndian.Uint16(raw[offFlags:])
	if flags&FlagEncrypted != 0 {
		return nil, ErrEncrypted
	}

	// A reassembled structured-append payload may exceed single-code
	// capacity; the u32 size field is the only upper bound here.
	total := int(binary.LittleEndian.Uint32(raw[offTotalSize:]))
	if total < seedHeaderSize || total > len(raw) {
		return nil, ErrTruncated
	}
	raw = raw[:total]

	s := &Seed{
		Version:          seedVersion,
		Flags:            flags,
		FileID:           binary.LittleEndian.Uint64(raw[offFileID:]),
		TotalVectorCount: binary.LittleEndian.Uint32(raw[offVectorCount:]),
		Dimension:        binary.LittleEndian.Uint16(raw[offDimension:]),
		BaseDtype:        raw[offBaseDtype],
		ProfileID:        raw[offProfileID],
		CreatedNS:        binary.LittleEndian.Uint64(raw[offCreatedNS:]),
		SigAlgo:          rvf.SignatureAlgo(binary.LittleEndian.Uint16(raw[offSigAlgo:])),
	}
	copy(s.ContentHash[:], raw[offContentHash:offContentHash+8])

	kernelOff := int(binary.LittleEndian.Uint32(raw[offKernelOff:]))
	kernelSize := int(binary.LittleEndian.Uint32(raw[offKernelSize:]))
	manifestOff := int(binary.LittleEndian.Uint32(raw[offManifestOff:]))
	manifestLen := int(binary.LittleEndian.Uint32(raw[offManifestLen:]))
	sigLen := int(binary.LittleEndian.Uint16(raw[offSigLength:]))

	if kernelOff+kernelSize > total || manifestOff+manifestLen > total || sigLen > total-seedHeaderSize {
		return nil, ErrTruncated
	}

	if flags&FlagKernel != 0 && kernelSize > 0 {
		packed := raw[kernelOff : kernelOff+kernelSize]
		if flags&FlagKernelBrotli != 0 {
			kernel, err := io.ReadAll(brotli.NewReader(bytes.NewReader(packed)))
			if err != nil {
				return nil, fmt.Errorf("seed: microkernel decompress: %w", err)
			}
			s.Kernel = kernel
		} else {
			s.Kernel = append([]byte(nil), packed...)
		}
	}

	if flags&FlagManifest != 0 && manifestLen > 0 {
		if err := s.parseManifest(raw[manifestOff : manifestOff+manifestLen]); err != nil {
			return nil, err
		}
	}

	s.signedLen = total - sigLen
	if sigLen > 0 {
		s.signature = append([]byte(nil), raw[s.signedLen:total]...)
	}
	return s, nil
}

func (s *Seed) parseManifest(b []byte) error {
	tlvs, err := format.ParseTLVs(b)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	for _, t := range tlvs {
		switch t.Tag {
		case tagPrimaryHost, tagFallbackHost:
			h, err := parseHost(t.Value)
			if err != nil {
				return err
			}
			if t.Tag == tagPrimaryHost {
				s.Hosts = append([]HostEntry{h}, s.Hosts...)
			} else {
				s.Hosts = append(s.Hosts, h)
			}
		case tagLayers:
			layers, err := parseLayers(t.Value)
			if err != nil {
				return err
			}
			s.Layers = layers
		case tagFileHash:
			if len(t.Value) != 32 {
				return fmt.Errorf("seed: full-file hash must be 32 bytes, got %d", len(t.Value))
			}
			copy(s.FileHash[:], t.Value)
		case tagTotalFileSize:
			if len(t.Value) != 8 {
				return fmt.Errorf("seed: total file size must be 8 bytes")
			}
			s.TotalFileSize = binary.LittleEndian.Uint64(t.Value)
		case tagSessionToken:
			s.SessionToken = append([]byte(nil), t.Value...)
		case tagTTLSeconds:
			if len(t.Value) != 4 {
				return fmt.Errorf("seed: ttl must be 4 bytes")
			}
			s.TTLSeconds = binary.LittleEndian.Uint32(t.Value)
		case tagCertPin:
			if len(t.Value) != 32 {
				return fmt.Errorf("seed: cert pin must be 32 bytes")
			}
			copy(s.CertPin[:], t.Value)
		case tagSignerKey:
			s.SignerKey = append([]byte(nil), t.Value...)
		default:
			// Unknown tags are skipped for forward compatibility.
		}
	}
	return nil
}

// parseHost decodes one host TLV: priority, region, key hash, then the
// length-prefixed URL.
func parseHost(b []byte) (HostEntry, error) {
	if len(b) < 2+16+2 {
		return HostEntry{}, ErrTruncated
	}
	var h HostEntry
	h.Priority = b[0]
	h.Region = b[1]
	copy(h.KeyHash[:], b[2:18])
	urlLen := int(binary.LittleEndian.Uint16(b[18:20]))
	if len(b) < 20+urlLen {
		return HostEntry{}, ErrTruncated
	}
	h.URL = string(b[20 : 20+urlLen])
	return h, nil
}

func parseLayers(b []byte) ([]LayerEntry, error) {
	if len(b) < 1 {
		return nil, ErrTruncated
	}
	count := int(b[0])
	b = b[1:]
	const rec = 2 + 8 + 8 + 16 + 1
	if len(b) < count*rec {
		return nil, ErrTruncated
	}
	layers := make([]LayerEntry, 0, count)
	for i := 0; i < count; i++ {
		e := LayerEntry{
			ID:       LayerID(b[0]),
			Priority: b[1],
			Offset:   binary.LittleEndian.Uint64(b[2:]),
			Size:     binary.LittleEndian.Uint64(b[10:]),
		}
		copy(e.Hash[:], b[18:34])
		e.Required = b[34] == 1
		b = b[rec:]
		layers = append(layers, e)
	}
	return layers, nil
}

// Signed reports whether the payload carries a signature.
func (s *Seed) Signed() bool {
	return s.Flags&FlagSigned != 0 && len(s.signature) > 0
}

// Verify checks the payload signature over the prefix it covers, using
// the embedded signer key and the header's algorithm. The caller must
// separately decide whether that key is trusted, typically by comparing
// SignerFingerprint against a pinned value.
func (s *Seed) Verify(raw []byte) error {
	if !s.Signed() {
		return ErrUnsigned
	}
	if s.signedLen > len(raw) {
		return ErrTruncated
	}
	if err := security.Verify(format.SigAlgo(s.SigAlgo), s.SignerKey, raw[:s.signedLen], s.signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// SignerFingerprint returns the 16-byte identity of the embedded signer
// key.
func (s *Seed) SignerFingerprint() [16]byte {
	return format.Shake128(s.SignerKey)
}
