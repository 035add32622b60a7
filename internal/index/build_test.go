package index

import (
	"context"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/math32"
	"github.com/ruvector/rvf/internal/searcher"
)

func randomVectors(t *testing.T, n, dim int) []float32 {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	vecs := make([]float32, n*dim)
	for i := range vecs {
		vecs[i] = rng.Float32()
	}
	return vecs
}

func TestBuildGraph(t *testing.T) {
	const n, dim = 200, 8
	vecs := randomVectors(t, n, dim)

	entry, layers, err := BuildGraph(context.Background(), vecs, dim, BuildConfig{M: 8, EfConstruction: 64, Seed: 1})
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.NotEmpty(t, layers)

	// The base layer holds every node.
	var base *GraphLayer
	for _, g := range layers {
		if g.Level == 0 {
			base = g
		}
	}
	require.NotNil(t, base)
	assert.Equal(t, n, base.Len())

	// The entry node exists at the top layer.
	top := layers[len(layers)-1]
	for _, g := range layers {
		if g.Level > top.Level {
			top = g
		}
	}
	assert.Equal(t, int(entry.MaxLevel), int(top.Level))
	assert.True(t, top.Contains(entry.NodeID))
}

func TestBuildGraphDeterministic(t *testing.T) {
	const n, dim = 100, 4
	vecs := randomVectors(t, n, dim)
	cfg := BuildConfig{M: 8, EfConstruction: 32, Seed: 7}

	e1, l1, err := BuildGraph(context.Background(), vecs, dim, cfg)
	require.NoError(t, err)
	e2, l2, err := BuildGraph(context.Background(), vecs, dim, cfg)
	require.NoError(t, err)

	assert.Equal(t, e1, e2)
	require.Equal(t, len(l1), len(l2))
	for i := range l1 {
		assert.Equal(t, EncodeGraphLayer(l1[i]), EncodeGraphLayer(l2[i]))
	}
}

func TestBuildGraphEmpty(t *testing.T) {
	entry, layers, err := BuildGraph(context.Background(), nil, 4, BuildConfig{})
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Empty(t, layers)
}

func TestBuildGraphCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vecs := randomVectors(t, 2000, 16)
	_, _, err := BuildGraph(ctx, vecs, 16, BuildConfig{})
	assert.ErrorIs(t, err, context.Canceled)
}

// searchState builds a mounted State over the given graph for traversal
// tests.
func searchState(entry *Entrypoint, layers []*GraphLayer) *State {
	st := &State{Entry: entry, Layers: make(map[uint8]*GraphLayer)}
	for _, g := range layers {
		st.Layers[g.Level] = g
	}
	return st
}

func TestSearchGraphRecall(t *testing.T) {
	const n, dim, k = 500, 8, 10
	vecs := randomVectors(t, n, dim)

	entry, layers, err := BuildGraph(context.Background(), vecs, dim, BuildConfig{M: 16, EfConstruction: 128, Seed: 3})
	require.NoError(t, err)
	st := searchState(entry, layers)

	query := vecs[17*dim : 18*dim]
	dist := func(id uint64) (float32, bool) {
		return math32.SquaredL2(query, vecs[int(id)*dim:int(id+1)*dim]), true
	}

	s := searcher.Get()
	defer searcher.Put(s)

	results, err := SearchGraph(context.Background(), s, st, query, 64, dist)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// The query is a stored vector: it must come back first at distance 0.
	assert.Equal(t, uint64(17), results[0].ID)
	assert.Equal(t, float32(0), results[0].Distance)

	// Best-first ordering.
	for i := 1; i < len(results) && i < k; i++ {
		assert.GreaterOrEqual(t, results[i].Distance, results[i-1].Distance)
	}
}

func TestSearchGraphNoIndex(t *testing.T) {
	s := searcher.Get()
	defer searcher.Put(s)

	results, err := SearchGraph(context.Background(), s, &State{Layers: map[uint8]*GraphLayer{}}, []float32{0}, 10, nil)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestProbeDegenerateWidens(t *testing.T) {
	const dim, k = 2, 64

	// All centroids equidistant from the query: zero routing signal.
	data := make([]float32, 0, k*dim)
	blocks := make([][]uint32, k)
	for i := 0; i < k; i++ {
		data = append(data, 1, 0)
		blocks[i] = []uint32{uint32(i)}
	}
	cs, err := NewCentroidSet(dim, data, blocks)
	require.NoError(t, err)

	s := searcher.Get()
	defer searcher.Put(s)

	res := Probe(s, cs, []float32{0, 0}, 4, 4, 0)
	assert.True(t, res.Degenerate)
	assert.Equal(t, WidenedNProbe(4, k), res.EffectiveNProbe)
	assert.Len(t, res.BlockIDs, res.EffectiveNProbe)
}

func TestProbeDiscriminating(t *testing.T) {
	const dim = 2
	data := []float32{
		0, 0,
		10, 10,
		20, 20,
		30, 30,
	}
	blocks := [][]uint32{{0}, {1}, {2}, {3}}
	cs, err := NewCentroidSet(dim, data, blocks)
	require.NoError(t, err)

	s := searcher.Get()
	defer searcher.Put(s)

	res := Probe(s, cs, []float32{1, 1}, 2, 2, 0)
	assert.False(t, res.Degenerate)
	assert.Equal(t, 2, res.EffectiveNProbe)
	assert.Equal(t, []uint32{0, 1}, res.BlockIDs)
}

func TestWidenedNProbeCap(t *testing.T) {
	// 4x base, capped at ceil(sqrt(K)).
	assert.Equal(t, 32, WidenedNProbe(8, 10000))
	assert.Equal(t, 10, WidenedNProbe(8, 100))
	assert.Equal(t, 8, WidenedNProbe(8, 16))
}

func TestVectorBlockRoundTrip(t *testing.T) {
	vecs := []float32{1, 2, 3, 4, 5, 6}
	vb, err := NewVectorBlock(3, 100, 3, vecs)
	require.NoError(t, err)
	assert.Equal(t, 2, vb.Count)
	assert.Equal(t, uint64(101), vb.LastID())
	assert.True(t, vb.Contains(100))
	assert.False(t, vb.Contains(102))

	got, err := DecodeVectorBlock(EncodeVectorBlock(vb))
	require.NoError(t, err)
	assert.Equal(t, vb.BlockID, got.BlockID)
	assert.Equal(t, []float32{4, 5, 6}, got.Vector(1, nil))
}

func TestDecodeVectorBlockHugeCount(t *testing.T) {
	// Count and width whose product wraps 32-bit arithmetic must fail the
	// bounds check, not slice past the payload.
	craft := func(count, width uint32) []byte {
		b := make([]byte, 24+64)
		binary.LittleEndian.PutUint32(b[0:4], 1)
		binary.LittleEndian.PutUint32(b[4:8], count)
		binary.LittleEndian.PutUint16(b[8:10], 4)
		b[10] = byte(format.DtypeF32)
		binary.LittleEndian.PutUint32(b[20:24], width)
		return b
	}

	_, err := DecodeVectorBlock(craft(0xFFFFFFFF, 0xFFFFFFFF))
	require.ErrorContains(t, err, "truncated")

	// 2 * 0x80000010 overflows int32 but not the check.
	_, err = DecodeVectorBlock(craft(2, 0x80000010))
	require.ErrorContains(t, err, "truncated")

	_, err = DecodeVectorBlock(craft(0x10000001, 0x10))
	require.ErrorContains(t, err, "truncated")
}

func TestF16VectorBlockPrecision(t *testing.T) {
	vecs := []float32{1.5, -2.25, 0.5, 8}
	vb, err := NewF16VectorBlock(0, 0, 2, vecs)
	require.NoError(t, err)

	got, err := DecodeVectorBlock(EncodeVectorBlock(vb))
	require.NoError(t, err)
	// These values are exactly representable in binary16.
	assert.Equal(t, []float32{1.5, -2.25}, got.Vector(0, nil))
	assert.Equal(t, []float32{0.5, 8}, got.Vector(1, nil))
}

func TestHotCacheRoundTrip(t *testing.T) {
	vb1, err := NewVectorBlock(0, 0, 2, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	vb2, err := NewVectorBlock(1, 2, 2, []float32{5, 6})
	require.NoError(t, err)

	blocks, err := DecodeHotCache(EncodeHotCache([]*VectorBlock{vb1, vb2}))
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, []float32{5, 6}, blocks[1].Vector(0, nil))
}

func TestMountTableSnapshots(t *testing.T) {
	tbl := NewTable()
	before := tbl.Load()

	vb, err := NewVectorBlock(0, 0, 2, []float32{1, 2})
	require.NoError(t, err)
	tbl.MountBlock(vb)

	after := tbl.Load()
	assert.Empty(t, before.Blocks, "snapshots are immutable")
	require.Len(t, after.Blocks, 1)

	// Remounting the same block id replaces, not duplicates.
	vb2, err := NewVectorBlock(0, 0, 2, []float32{9, 9})
	require.NoError(t, err)
	tbl.MountBlock(vb2)
	st := tbl.Load()
	require.Len(t, st.Blocks, 1)
	v, ok := st.Vector(0, nil)
	require.True(t, ok)
	assert.Equal(t, []float32{9, 9}, v)
}

func TestStateTotalVectors(t *testing.T) {
	vb, err := NewVectorBlock(0, 0, 2, []float32{1, 2, 3, 4})
	require.NoError(t, err)

	// The same block mounted both hot and warm counts once.
	st := &State{Blocks: []*VectorBlock{vb}, HotCache: []*VectorBlock{vb}}
	assert.Equal(t, 2, st.TotalVectors())
}

func TestCodebookADC(t *testing.T) {
	// m=2 subspaces, ksub=2 centers, dsub=1.
	cb, err := NewCodebook(2, 2, 1, []float32{0, 10, 0, 10})
	require.NoError(t, err)
	assert.Equal(t, 2, cb.Dim())

	code := cb.Encode([]float32{9, 1}, nil)
	assert.Equal(t, []byte{1, 0}, code)

	table := cb.ADCTable([]float32{9, 1}, nil)
	d := cb.ADCDistance(table, code)
	assert.InDelta(t, 1*1+1*1, d, 1e-5)

	got, err := DecodeCodebook(EncodeCodebook(cb))
	require.NoError(t, err)
	assert.Equal(t, cb.M, got.M)
	assert.Equal(t, code, got.Encode([]float32{9, 1}, nil))
}
