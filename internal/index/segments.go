package index

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ruvector/rvf/internal/f16"
	"github.com/ruvector/rvf/internal/format"
)

// Entrypoint is the decoded ENTRYPOINT_SEG payload: where HNSW descent
// starts and how tall the graph is.
type Entrypoint struct {
	NodeID   uint64
	MaxLevel uint8
}

// EncodeEntrypoint serializes the entrypoint payload.
func EncodeEntrypoint(e *Entrypoint) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], e.NodeID)
	buf[8] = e.MaxLevel
	return buf
}

// DecodeEntrypoint parses an ENTRYPOINT_SEG payload.
func DecodeEntrypoint(b []byte) (*Entrypoint, error) {
	if len(b) < 12 {
		return nil, fmt.Errorf("entrypoint segment truncated: %d bytes", len(b))
	}
	return &Entrypoint{
		NodeID:   binary.LittleEndian.Uint64(b[0:8]),
		MaxLevel: b[8],
	}, nil
}

// GraphLayer is the decoded INDEX_SEG payload for one HNSW level:
// per-node adjacency bounded by M, plus the layer's entry node.
type GraphLayer struct {
	Level   uint8
	M       uint16
	EntryID uint64

	// order preserves on-disk node order for deterministic re-encoding.
	order     []uint64
	neighbors map[uint64][]uint64
}

// NewGraphLayer creates an empty layer.
func NewGraphLayer(level uint8, m uint16, entryID uint64) *GraphLayer {
	return &GraphLayer{
		Level:     level,
		M:         m,
		EntryID:   entryID,
		neighbors: make(map[uint64][]uint64),
	}
}

// SetNeighbors records the adjacency of node id, truncated to M entries.
func (g *GraphLayer) SetNeighbors(id uint64, ns []uint64) {
	if len(ns) > int(g.M) {
		ns = ns[:g.M]
	}
	if _, ok := g.neighbors[id]; !ok {
		g.order = append(g.order, id)
	}
	g.neighbors[id] = ns
}

// Neighbors returns the adjacency of node id.
func (g *GraphLayer) Neighbors(id uint64) []uint64 {
	return g.neighbors[id]
}

// Len returns the number of nodes in the layer.
func (g *GraphLayer) Len() int { return len(g.neighbors) }

// Contains reports whether the node exists in this layer.
func (g *GraphLayer) Contains(id uint64) bool {
	_, ok := g.neighbors[id]
	return ok
}

// EncodeGraphLayer serializes an INDEX_SEG payload.
func EncodeGraphLayer(g *GraphLayer) []byte {
	size := 16
	for _, id := range g.order {
		size += 10 + len(g.neighbors[id])*8
	}
	buf := make([]byte, 16, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(g.order)))
	buf[4] = g.Level
	binary.LittleEndian.PutUint16(buf[6:8], g.M)
	binary.LittleEndian.PutUint64(buf[8:16], g.EntryID)

	for _, id := range g.order {
		ns := g.neighbors[id]
		buf = binary.LittleEndian.AppendUint64(buf, id)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ns)))
		for _, n := range ns {
			buf = binary.LittleEndian.AppendUint64(buf, n)
		}
	}
	return buf
}

// DecodeGraphLayer parses an INDEX_SEG payload.
func DecodeGraphLayer(b []byte) (*GraphLayer, error) {
	if len(b) < 16 {
		return nil, fmt.Errorf("index segment truncated: %d bytes", len(b))
	}
	count := binary.LittleEndian.Uint32(b[0:4])
	g := NewGraphLayer(b[4], binary.LittleEndian.Uint16(b[6:8]), binary.LittleEndian.Uint64(b[8:16]))

	pos := 16
	for i := uint32(0); i < count; i++ {
		if pos+10 > len(b) {
			return nil, fmt.Errorf("index segment truncated at node %d", i)
		}
		id := binary.LittleEndian.Uint64(b[pos:])
		n := int(binary.LittleEndian.Uint16(b[pos+8:]))
		pos += 10
		if pos+8*n > len(b) {
			return nil, fmt.Errorf("index segment truncated at node %d neighbors", i)
		}
		ns := make([]uint64, n)
		for j := range ns {
			ns[j] = binary.LittleEndian.Uint64(b[pos:])
			pos += 8
		}
		g.order = append(g.order, id)
		g.neighbors[id] = ns
	}
	return g, nil
}

// CentroidSet is the decoded CENTROID_SEG payload: K reference vectors and
// the vector block ids routed through each.
type CentroidSet struct {
	Dim    int
	data   []float32 // K*Dim, row-major
	blocks [][]uint32
}

// NewCentroidSet builds a centroid set from row-major centroid data.
func NewCentroidSet(dim int, data []float32, blocks [][]uint32) (*CentroidSet, error) {
	if dim <= 0 || len(data)%dim != 0 {
		return nil, fmt.Errorf("centroid data length %d not a multiple of dim %d", len(data), dim)
	}
	if len(blocks) != len(data)/dim {
		return nil, fmt.Errorf("centroid block lists (%d) do not match K (%d)", len(blocks), len(data)/dim)
	}
	return &CentroidSet{Dim: dim, data: data, blocks: blocks}, nil
}

// K returns the number of centroids.
func (c *CentroidSet) K() int { return len(c.data) / c.Dim }

// Centroid returns the i-th reference vector.
func (c *CentroidSet) Centroid(i int) []float32 {
	return c.data[i*c.Dim : (i+1)*c.Dim]
}

// Blocks returns the vector block ids associated with centroid i.
func (c *CentroidSet) Blocks(i int) []uint32 { return c.blocks[i] }

// EncodeCentroidSet serializes a CENTROID_SEG payload.
func EncodeCentroidSet(c *CentroidSet) []byte {
	size := 8 + len(c.data)*4
	for _, bs := range c.blocks {
		size += 4 + len(bs)*4
	}
	buf := make([]byte, 8, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.K()))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(c.Dim))

	for _, v := range c.data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	for _, bs := range c.blocks {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(bs)))
		for _, b := range bs {
			buf = binary.LittleEndian.AppendUint32(buf, b)
		}
	}
	return buf
}

// DecodeCentroidSet parses a CENTROID_SEG payload.
func DecodeCentroidSet(b []byte) (*CentroidSet, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("centroid segment truncated: %d bytes", len(b))
	}
	k := int(binary.LittleEndian.Uint32(b[0:4]))
	dim := int(binary.LittleEndian.Uint16(b[4:6]))
	if dim <= 0 || k < 0 {
		return nil, fmt.Errorf("centroid segment: bad dimensions k=%d dim=%d", k, dim)
	}

	pos := 8
	need := k * dim * 4
	if pos+need > len(b) {
		return nil, fmt.Errorf("centroid segment truncated: vectors")
	}
	data := make([]float32, k*dim)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[pos:]))
		pos += 4
	}

	blocks := make([][]uint32, k)
	for i := range blocks {
		if pos+4 > len(b) {
			return nil, fmt.Errorf("centroid segment truncated: block list %d", i)
		}
		n := int(binary.LittleEndian.Uint32(b[pos:]))
		pos += 4
		if pos+4*n > len(b) {
			return nil, fmt.Errorf("centroid segment truncated: block ids %d", i)
		}
		bs := make([]uint32, n)
		for j := range bs {
			bs[j] = binary.LittleEndian.Uint32(b[pos:])
			pos += 4
		}
		blocks[i] = bs
	}

	return NewCentroidSet(dim, data, blocks)
}

// Vector block flag bits.
const (
	// BlockFlagPQCodes marks a block whose data area holds per-vector PQ
	// codes (Count*M bytes) instead of raw vectors.
	BlockFlagPQCodes uint8 = 0x01

	// BlockFlagExternalIDs marks a block carrying an external id mapping
	// after the vector data.
	BlockFlagExternalIDs uint8 = 0x02
)

// VectorBlock is the decoded VECTOR_BLOCK (or hot cache member) payload:
// Count contiguous vectors of Dim elements in Dtype, ids FirstID..FirstID+Count-1.
type VectorBlock struct {
	BlockID uint32
	FirstID uint64
	Count   int
	Dim     int
	Dtype   format.Dtype
	Flags   uint8

	data   []byte   // raw element data (or PQ codes)
	extIDs []uint64 // optional external ids, len == Count
}

// NewVectorBlock builds an f32 block from row-major vector data.
func NewVectorBlock(blockID uint32, firstID uint64, dim int, vectors []float32) (*VectorBlock, error) {
	if dim <= 0 || len(vectors)%dim != 0 {
		return nil, fmt.Errorf("vector data length %d not a multiple of dim %d", len(vectors), dim)
	}
	data := make([]byte, len(vectors)*4)
	for i, v := range vectors {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return &VectorBlock{
		BlockID: blockID,
		FirstID: firstID,
		Count:   len(vectors) / dim,
		Dim:     dim,
		Dtype:   format.DtypeF32,
		data:    data,
	}, nil
}

// NewF16VectorBlock builds a binary16 block from row-major float32 data.
func NewF16VectorBlock(blockID uint32, firstID uint64, dim int, vectors []float32) (*VectorBlock, error) {
	if dim <= 0 || len(vectors)%dim != 0 {
		return nil, fmt.Errorf("vector data length %d not a multiple of dim %d", len(vectors), dim)
	}
	data := make([]byte, len(vectors)*2)
	for i, v := range vectors {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(f16.FromFloat32(v)))
	}
	return &VectorBlock{
		BlockID: blockID,
		FirstID: firstID,
		Count:   len(vectors) / dim,
		Dim:     dim,
		Dtype:   format.DtypeF16,
		data:    data,
	}, nil
}

// NewPQVectorBlock builds a block of per-vector PQ codes (m bytes each).
func NewPQVectorBlock(blockID uint32, firstID uint64, dim, m int, codes []byte) (*VectorBlock, error) {
	if m <= 0 || len(codes)%m != 0 {
		return nil, fmt.Errorf("code length %d not a multiple of m %d", len(codes), m)
	}
	return &VectorBlock{
		BlockID: blockID,
		FirstID: firstID,
		Count:   len(codes) / m,
		Dim:     dim,
		Dtype:   format.DtypeI8,
		Flags:   BlockFlagPQCodes,
		data:    codes,
	}, nil
}

// SetExternalIDs attaches a per-vector external id mapping.
func (vb *VectorBlock) SetExternalIDs(ids []uint64) error {
	if len(ids) != vb.Count {
		return fmt.Errorf("external id count %d does not match vector count %d", len(ids), vb.Count)
	}
	vb.extIDs = ids
	vb.Flags |= BlockFlagExternalIDs
	return nil
}

// ExternalID returns the external id of the i-th vector, or its internal
// id when no mapping is present.
func (vb *VectorBlock) ExternalID(i int) uint64 {
	if vb.extIDs != nil {
		return vb.extIDs[i]
	}
	return vb.FirstID + uint64(i)
}

// LastID returns the highest internal id in the block.
func (vb *VectorBlock) LastID() uint64 {
	return vb.FirstID + uint64(vb.Count) - 1
}

// Contains reports whether the internal id falls inside the block.
func (vb *VectorBlock) Contains(id uint64) bool {
	return id >= vb.FirstID && id <= vb.LastID()
}

// PQ reports whether the block stores quantized codes.
func (vb *VectorBlock) PQ() bool { return vb.Flags&BlockFlagPQCodes != 0 }

// Vector decodes the i-th vector into dst (grown as needed) and returns
// it. Returns nil for PQ blocks; use Code instead.
func (vb *VectorBlock) Vector(i int, dst []float32) []float32 {
	if vb.PQ() {
		return nil
	}
	if cap(dst) < vb.Dim {
		dst = make([]float32, vb.Dim)
	}
	dst = dst[:vb.Dim]
	switch vb.Dtype {
	case format.DtypeF32:
		off := i * vb.Dim * 4
		for j := 0; j < vb.Dim; j++ {
			dst[j] = math.Float32frombits(binary.LittleEndian.Uint32(vb.data[off+j*4:]))
		}
	case format.DtypeF16:
		off := i * vb.Dim * 2
		for j := 0; j < vb.Dim; j++ {
			dst[j] = f16.ToFloat32(f16.Bits(binary.LittleEndian.Uint16(vb.data[off+j*2:])))
		}
	default:
		return nil
	}
	return dst
}

// Code returns the i-th PQ code for a quantized block.
func (vb *VectorBlock) Code(i, m int) []byte {
	if !vb.PQ() {
		return nil
	}
	return vb.data[i*m : (i+1)*m]
}

// elemWidth returns the per-vector byte width of the data area.
func (vb *VectorBlock) elemWidth() int {
	if vb.PQ() {
		return len(vb.data) / max(vb.Count, 1)
	}
	return vb.Dim * vb.Dtype.Size()
}

// EncodeVectorBlock serializes a VECTOR_BLOCK payload.
func EncodeVectorBlock(vb *VectorBlock) []byte {
	size := 24 + len(vb.data) + len(vb.extIDs)*8
	buf := make([]byte, 24, size)
	binary.LittleEndian.PutUint32(buf[0:4], vb.BlockID)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(vb.Count))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(vb.Dim))
	buf[10] = byte(vb.Dtype)
	buf[11] = vb.Flags
	binary.LittleEndian.PutUint64(buf[12:20], vb.FirstID)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(vb.elemWidth()))

	buf = append(buf, vb.data...)
	for _, id := range vb.extIDs {
		buf = binary.LittleEndian.AppendUint64(buf, id)
	}
	return buf
}

// DecodeVectorBlock parses a VECTOR_BLOCK payload.
func DecodeVectorBlock(b []byte) (*VectorBlock, error) {
	if len(b) < 24 {
		return nil, fmt.Errorf("vector block truncated: %d bytes", len(b))
	}
	vb := &VectorBlock{
		BlockID: binary.LittleEndian.Uint32(b[0:4]),
		Count:   int(binary.LittleEndian.Uint32(b[4:8])),
		Dim:     int(binary.LittleEndian.Uint16(b[8:10])),
		Dtype:   format.Dtype(b[10]),
		Flags:   b[11],
		FirstID: binary.LittleEndian.Uint64(b[12:20]),
	}
	// Count and width are untrusted u32s; their product must be sized in
	// uint64 so a crafted block cannot wrap the bounds check.
	width := uint64(binary.LittleEndian.Uint32(b[20:24]))
	need := uint64(vb.Count) * width
	rest := uint64(len(b) - 24)
	if need > rest {
		return nil, fmt.Errorf("vector block truncated: data area")
	}
	dataLen := int(need)
	pos := 24
	vb.data = b[pos : pos+dataLen]
	pos += dataLen

	if vb.Flags&BlockFlagExternalIDs != 0 {
		if uint64(vb.Count)*8 > rest-need {
			return nil, fmt.Errorf("vector block truncated: external ids")
		}
		vb.extIDs = make([]uint64, vb.Count)
		for i := range vb.extIDs {
			vb.extIDs[i] = binary.LittleEndian.Uint64(b[pos:])
			pos += 8
		}
	}
	return vb, nil
}

// EncodeHotCache serializes a HOT_CACHE_SEG payload: length-prefixed
// vector blocks in their stored scan order.
func EncodeHotCache(blocks []*VectorBlock) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(blocks)))
	for _, vb := range blocks {
		enc := EncodeVectorBlock(vb)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(enc)))
		buf = append(buf, enc...)
	}
	return buf
}

// DecodeHotCache parses a HOT_CACHE_SEG payload.
func DecodeHotCache(b []byte) ([]*VectorBlock, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("hot cache truncated: %d bytes", len(b))
	}
	count := int(binary.LittleEndian.Uint32(b[0:4]))
	pos := 4
	blocks := make([]*VectorBlock, 0, count)
	for i := 0; i < count; i++ {
		if pos+4 > len(b) {
			return nil, fmt.Errorf("hot cache truncated at block %d", i)
		}
		n := int(binary.LittleEndian.Uint32(b[pos:]))
		pos += 4
		if pos+n > len(b) {
			return nil, fmt.Errorf("hot cache truncated at block %d payload", i)
		}
		vb, err := DecodeVectorBlock(b[pos : pos+n])
		if err != nil {
			return nil, fmt.Errorf("hot cache block %d: %w", i, err)
		}
		pos += n
		blocks = append(blocks, vb)
	}
	return blocks, nil
}
