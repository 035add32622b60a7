package seed

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/andybalholm/brotli"

	"github.com/ruvector/rvf"
	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/security"
)

// maxSessionToken bounds the session token TLV.
const maxSessionToken = 16

// maxFallbackHosts bounds the fallback host TLVs; one primary host plus
// up to three fallbacks.
const maxFallbackHosts = 3

// BuildConfig parameterizes seed generation for a committed store.
type BuildConfig struct {
	// Hosts are the download sources: the lowest-priority entry becomes
	// the primary host, the rest (at most three) the fallbacks.
	Hosts []HostEntry

	// Kernel is the raw WASM microkernel; it is brotli-compressed into
	// the payload. Optional.
	Kernel []byte

	// SessionToken is forwarded on every range request, at most 16
	// bytes. Optional.
	SessionToken []byte

	// TTLSeconds bounds how long the session token is honored after the
	// seed's creation time. Zero means no expiry.
	TTLSeconds uint32

	// CertPin is the SHA-256 SPKI pin downloads must match. All zero
	// disables pinning.
	CertPin [32]byte

	// SigAlgo selects the signature scheme. Ed25519 (the zero value)
	// fits a single QR code; ML-DSA-65 payloads need Split.
	SigAlgo rvf.SignatureAlgo

	// SigningKey signs the payload. Required: an unsigned seed is not
	// worth scanning.
	SigningKey []byte

	// OfflineCapable marks seeds whose microkernel can answer without
	// any network.
	OfflineCapable bool

	// StreamUpgrade advertises that hosts can upgrade a range stream to
	// the full file.
	StreamUpgrade bool
}

// Build serializes an RVQS payload describing the store's progressive
// download layers. The store must have a committed directory. A result
// larger than MaxSeedBytes does not fit one QR code; Split frames it
// across structured-append codes.
func Build(ctx context.Context, st *rvf.Store, cfg BuildConfig) ([]byte, error) {
	if len(cfg.Hosts) == 0 {
		return nil, errors.New("seed: at least one host is required")
	}
	if len(cfg.Hosts) > 1+maxFallbackHosts {
		return nil, fmt.Errorf("seed: at most %d hosts, got %d", 1+maxFallbackHosts, len(cfg.Hosts))
	}
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("seed: a signing key is required")
	}
	if len(cfg.SessionToken) > maxSessionToken {
		return nil, fmt.Errorf("seed: session token must be at most %d bytes", maxSessionToken)
	}
	sigSize, err := security.SignatureSize(format.SigAlgo(cfg.SigAlgo))
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	layers, err := collectLayers(ctx, st)
	if err != nil {
		return nil, err
	}

	// The content hash covers the image Expand reconstructs: layer bytes
	// at their offsets, zeros in the gaps the layers skip (the preamble
	// and superseded tail pages).
	fileSize := st.FileSize()
	file, err := st.ReadRange(0, fileSize)
	if err != nil {
		return nil, err
	}
	image := make([]byte, fileSize)
	for _, l := range layers {
		copy(image[l.Offset:l.Offset+l.Size], file[l.Offset:l.Offset+l.Size])
	}
	contentHash := format.Shake64(image)

	manifest, err := encodeManifest(cfg, layers, fileSize, format.Shake256(file))
	if err != nil {
		return nil, err
	}

	var kernel []byte
	if len(cfg.Kernel) > 0 {
		var buf bytes.Buffer
		bw := brotli.NewWriterLevel(&buf, brotli.BestCompression)
		if _, err := bw.Write(cfg.Kernel); err != nil {
			return nil, fmt.Errorf("seed: microkernel compress: %w", err)
		}
		if err := bw.Close(); err != nil {
			return nil, fmt.Errorf("seed: microkernel compress: %w", err)
		}
		kernel = buf.Bytes()
	}

	flags := FlagManifest | FlagSigned
	if len(kernel) > 0 {
		flags |= FlagKernel | FlagKernelBrotli
	}
	if cfg.OfflineCapable {
		flags |= FlagOffline
	}
	if cfg.StreamUpgrade {
		flags |= FlagStreamUpgrade
	}

	kernelOff := seedHeaderSize
	manifestOff := kernelOff + len(kernel)
	sigOff := manifestOff + len(manifest)
	total := sigOff + sigSize

	payload := make([]byte, total)
	copy(payload[offMagic:], SeedMagic[:])
	binary.LittleEndian.PutUint16(payload[offVersion:], seedVersion)
	binary.LittleEndian.PutUint16(payload[offFlags:], flags)
	binary.LittleEndian.PutUint64(payload[offFileID:], st.FileID())
	binary.LittleEndian.PutUint32(payload[offVectorCount:], st.VectorCount())
	binary.LittleEndian.PutUint16(payload[offDimension:], uint16(st.Dimension()))
	payload[offBaseDtype] = st.BaseDtype()
	payload[offProfileID] = st.ProfileID()
	binary.LittleEndian.PutUint64(payload[offCreatedNS:], st.CreatedNS())
	binary.LittleEndian.PutUint32(payload[offKernelOff:], uint32(kernelOff))
	binary.LittleEndian.PutUint32(payload[offKernelSize:], uint32(len(kernel)))
	binary.LittleEndian.PutUint32(payload[offManifestOff:], uint32(manifestOff))
	binary.LittleEndian.PutUint32(payload[offManifestLen:], uint32(len(manifest)))
	binary.LittleEndian.PutUint16(payload[offSigAlgo:], uint16(cfg.SigAlgo))
	binary.LittleEndian.PutUint16(payload[offSigLength:], uint16(sigSize))
	binary.LittleEndian.PutUint32(payload[offTotalSize:], uint32(total))
	copy(payload[offContentHash:], contentHash[:])
	copy(payload[kernelOff:], kernel)
	copy(payload[manifestOff:], manifest)

	// The signature covers everything before it, sig fields included.
	sig, err := security.Sign(format.SigAlgo(cfg.SigAlgo), cfg.SigningKey, payload[:sigOff])
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}
	copy(payload[sigOff:], sig)
	return payload, nil
}

// collectLayers maps the committed segment directory onto progressive
// download layers, each a covering byte range with its content hash.
func collectLayers(ctx context.Context, st *rvf.Store) ([]LayerEntry, error) {
	segs, err := st.Segments(ctx)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, errors.New("seed: store has no committed directory")
	}

	var maxGraph uint8
	for _, seg := range segs {
		if seg.Kind == rvf.SegmentIndex && seg.LayerID > maxGraph {
			maxGraph = seg.LayerID
		}
	}

	fileSize := st.FileSize()
	ranges := map[LayerID]*span{
		LayerLevel0: {lo: fileSize - format.Level0Size, hi: fileSize},
	}
	if off, size := st.DirectoryRegion(); size > 0 {
		ranges[LayerLevel0].extend(off, size)
	}
	for _, seg := range segs {
		id := classify(seg, maxGraph)
		if sp, ok := ranges[id]; ok {
			sp.extend(seg.Offset, seg.Size)
		} else {
			ranges[id] = &span{lo: seg.Offset, hi: seg.Offset + seg.Size}
		}
	}

	layers := make([]LayerEntry, 0, len(ranges))
	for id, sp := range ranges {
		raw, err := st.ReadRange(sp.lo, sp.hi-sp.lo)
		if err != nil {
			return nil, err
		}
		layers = append(layers, LayerEntry{
			ID:       id,
			Priority: layerPriority(id),
			Required: layerRequired(id),
			Offset:   sp.lo,
			Size:     sp.hi - sp.lo,
			Hash:     format.Shake128(raw),
		})
	}
	sort.Slice(layers, func(i, j int) bool {
		if layers[i].Priority != layers[j].Priority {
			return layers[i].Priority < layers[j].Priority
		}
		return layers[i].Offset < layers[j].Offset
	})
	return layers, nil
}

type span struct{ lo, hi uint64 }

func (s *span) extend(off, size uint64) {
	if off < s.lo {
		s.lo = off
	}
	if off+size > s.hi {
		s.hi = off + size
	}
}

// classify assigns a segment to its download layer. The top graph layer,
// entrypoint and centroids form Layer A; intermediate graph layers Layer
// B; the dense base layer Layer C.
func classify(seg rvf.SegmentRef, maxGraph uint8) LayerID {
	switch seg.Kind {
	case rvf.SegmentHotCache:
		return LayerHotCache
	case rvf.SegmentEntrypoint, rvf.SegmentCentroid:
		return LayerHNSWA
	case rvf.SegmentIndex:
		switch {
		case seg.LayerID == maxGraph:
			return LayerHNSWA
		case seg.LayerID == 0:
			return LayerHNSWC
		default:
			return LayerHNSWB
		}
	case rvf.SegmentQuantDict:
		return LayerQuantDict
	case rvf.SegmentVectorBlock:
		return LayerFullVectors
	default:
		return LayerFullVectors
	}
}

func layerPriority(id LayerID) uint8 {
	switch id {
	case LayerLevel0:
		return 0
	case LayerHotCache:
		return 1
	case LayerHNSWA:
		return 2
	case LayerQuantDict:
		return 3
	case LayerHNSWB:
		return 4
	case LayerFullVectors:
		return 5
	default:
		return 6
	}
}

func layerRequired(id LayerID) bool {
	switch id {
	case LayerLevel0, LayerHotCache, LayerHNSWA:
		return true
	default:
		return false
	}
}

func encodeHost(h HostEntry) ([]byte, error) {
	if len(h.URL) > 65535 {
		return nil, fmt.Errorf("seed: host url too long: %d bytes", len(h.URL))
	}
	b := make([]byte, 0, 20+len(h.URL))
	b = append(b, h.Priority, h.Region)
	b = append(b, h.KeyHash[:]...)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(h.URL)))
	b = append(b, h.URL...)
	return b, nil
}

func encodeManifest(cfg BuildConfig, layers []LayerEntry, fileSize uint64, fileHash [32]byte) ([]byte, error) {
	hosts := append([]HostEntry(nil), cfg.Hosts...)
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Priority < hosts[j].Priority })

	lb := []byte{byte(len(layers))}
	for _, l := range layers {
		req := byte(0)
		if l.Required {
			req = 1
		}
		lb = append(lb, byte(l.ID), l.Priority)
		lb = binary.LittleEndian.AppendUint64(lb, l.Offset)
		lb = binary.LittleEndian.AppendUint64(lb, l.Size)
		lb = append(lb, l.Hash[:]...)
		lb = append(lb, req)
	}

	pub, err := security.PublicKeyOf(format.SigAlgo(cfg.SigAlgo), cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	var out []byte
	appendTLV := func(tag uint16, value []byte) {
		if err != nil {
			return
		}
		out, err = format.AppendTLV(out, tag, value)
	}
	for i, h := range hosts {
		hb, hostErr := encodeHost(h)
		if hostErr != nil {
			return nil, hostErr
		}
		if i == 0 {
			appendTLV(tagPrimaryHost, hb)
		} else {
			appendTLV(tagFallbackHost, hb)
		}
	}
	appendTLV(tagFileHash, fileHash[:])
	appendTLV(tagTotalFileSize, binary.LittleEndian.AppendUint64(nil, fileSize))
	appendTLV(tagLayers, lb)
	if len(cfg.SessionToken) > 0 {
		appendTLV(tagSessionToken, cfg.SessionToken)
	}
	if cfg.TTLSeconds > 0 {
		appendTLV(tagTTLSeconds, binary.LittleEndian.AppendUint32(nil, cfg.TTLSeconds))
	}
	if cfg.CertPin != ([32]byte{}) {
		appendTLV(tagCertPin, cfg.CertPin[:])
	}
	appendTLV(tagSignerKey, pub)
	if err != nil {
		return nil, err
	}
	return out, nil
}
