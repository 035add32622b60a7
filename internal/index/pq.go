package index

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ruvector/rvf/internal/math32"
)

// Codebook is the decoded QUANT_DICT_SEG payload: a product-quantization
// dictionary with M subspaces of KSub centers each. It enables the
// compact-distance path when full vectors are not mounted.
type Codebook struct {
	M    int // subspaces
	KSub int // centers per subspace, codes are one byte so KSub <= 256
	DSub int // dimensions per subspace

	// centers is laid out [M][KSub][DSub].
	centers []float32
}

// NewCodebook builds a codebook from flat center data.
func NewCodebook(m, ksub, dsub int, centers []float32) (*Codebook, error) {
	if m <= 0 || ksub <= 0 || ksub > 256 || dsub <= 0 {
		return nil, fmt.Errorf("bad codebook shape m=%d ksub=%d dsub=%d", m, ksub, dsub)
	}
	if len(centers) != m*ksub*dsub {
		return nil, fmt.Errorf("codebook center count %d does not match shape", len(centers))
	}
	return &Codebook{M: m, KSub: ksub, DSub: dsub, centers: centers}, nil
}

// Dim returns the full vector dimensionality the codebook quantizes.
func (c *Codebook) Dim() int { return c.M * c.DSub }

func (c *Codebook) center(sub, k int) []float32 {
	off := (sub*c.KSub + k) * c.DSub
	return c.centers[off : off+c.DSub]
}

// ADCTable precomputes the asymmetric distance table for query: the
// squared L2 distance from each query sub-vector to every center,
// laid out [M][KSub]. Scanning a code is then M table lookups.
func (c *Codebook) ADCTable(query []float32, dst []float32) []float32 {
	n := c.M * c.KSub
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for sub := 0; sub < c.M; sub++ {
		q := query[sub*c.DSub : (sub+1)*c.DSub]
		row := dst[sub*c.KSub : (sub+1)*c.KSub]
		for k := 0; k < c.KSub; k++ {
			row[k] = math32.SquaredL2(q, c.center(sub, k))
		}
	}
	return dst
}

// ADCDistance sums the table entries selected by code.
func (c *Codebook) ADCDistance(table []float32, code []byte) float32 {
	var d float32
	for sub, k := range code {
		d += table[sub*c.KSub+int(k)]
	}
	return d
}

// Encode quantizes vec into an M-byte code using nearest centers.
func (c *Codebook) Encode(vec []float32, dst []byte) []byte {
	if cap(dst) < c.M {
		dst = make([]byte, c.M)
	}
	dst = dst[:c.M]
	for sub := 0; sub < c.M; sub++ {
		v := vec[sub*c.DSub : (sub+1)*c.DSub]
		best, bestDist := 0, float32(math.MaxFloat32)
		for k := 0; k < c.KSub; k++ {
			if d := math32.SquaredL2(v, c.center(sub, k)); d < bestDist {
				best, bestDist = k, d
			}
		}
		dst[sub] = byte(best)
	}
	return dst
}

// EncodeCodebook serializes a QUANT_DICT_SEG payload.
func EncodeCodebook(c *Codebook) []byte {
	buf := make([]byte, 8, 8+len(c.centers)*4)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(c.M))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(c.KSub))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(c.DSub))
	for _, v := range c.centers {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// DecodeCodebook parses a QUANT_DICT_SEG payload.
func DecodeCodebook(b []byte) (*Codebook, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("quant dict truncated: %d bytes", len(b))
	}
	m := int(binary.LittleEndian.Uint16(b[0:2]))
	ksub := int(binary.LittleEndian.Uint16(b[2:4]))
	dsub := int(binary.LittleEndian.Uint16(b[4:6]))
	need := 8 + m*ksub*dsub*4
	if len(b) < need {
		return nil, fmt.Errorf("quant dict truncated: centers")
	}
	centers := make([]float32, m*ksub*dsub)
	for i := range centers {
		centers[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[8+i*4:]))
	}
	return NewCodebook(m, ksub, dsub, centers)
}
