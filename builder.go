package rvf

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/ruvector/rvf/distance"
	"github.com/ruvector/rvf/internal/index"
	"github.com/ruvector/rvf/internal/kmeans"
)

// BuildOptions tunes BuildIndex. The zero value gets sensible defaults.
type BuildOptions struct {
	// BlockSize is the number of vectors per VECTOR_BLOCK. Default 256.
	BlockSize int

	// CentroidK is the size of the coarse routing centroid set.
	// Zero means sqrt(n).
	CentroidK int

	// HotCacheBlocks pins the first N blocks into the HOT_CACHE_SEG.
	// Default 1.
	HotCacheBlocks int

	// M and EfConstruction are the HNSW build parameters.
	M              int
	EfConstruction int

	// PQSubspaces trains a product-quantization codebook with this many
	// subspaces. Zero skips the QUANT_DICT_SEG.
	PQSubspaces int

	// Compress stores bulk segments compressed: lz4 for vector blocks,
	// zstd for index structures.
	Compress bool

	// Seed makes centroid training and level assignment reproducible.
	Seed int64
}

func (o *BuildOptions) fill(n int) {
	if o.BlockSize <= 0 {
		o.BlockSize = 256
	}
	if o.CentroidK <= 0 {
		o.CentroidK = int(math.Sqrt(float64(n)))
	}
	if o.CentroidK < 1 {
		o.CentroidK = 1
	}
	if o.CentroidK > n {
		o.CentroidK = n
	}
	if o.HotCacheBlocks <= 0 {
		o.HotCacheBlocks = 1
	}
	if o.M <= 0 {
		o.M = 16
	}
	if o.EfConstruction <= 0 {
		o.EfConstruction = 200
	}
}

// BuildIndex populates the store from a flat vector array (row-major,
// n x dimension, ids 0..n-1): vector blocks, hot cache, routing
// centroids, optional PQ codebook, the HNSW layer stack, and the
// entrypoint, followed by a manifest commit. The store must be writable
// and is queryable at full quality once BuildIndex returns.
func (s *Store) BuildIndex(ctx context.Context, vectors []float32, opts BuildOptions) error {
	dim := s.Dimension()
	if dim == 0 || len(vectors)%dim != 0 {
		return fmt.Errorf("%w: data length %d, store dimension %d", ErrDimensionMismatch, len(vectors), dim)
	}
	n := len(vectors) / dim
	if n == 0 {
		return fmt.Errorf("rvf: no vectors to index")
	}
	opts.fill(n)

	blockOpt := func(extra ...AppendOption) []AppendOption {
		if opts.Compress {
			return append(extra, WithLZ4())
		}
		return extra
	}
	indexOpt := func(extra ...AppendOption) []AppendOption {
		if opts.Compress {
			return append(extra, WithZstd())
		}
		return extra
	}

	// Vector blocks.
	numBlocks := (n + opts.BlockSize - 1) / opts.BlockSize
	blocks := make([]*index.VectorBlock, 0, numBlocks)
	for b := 0; b < numBlocks; b++ {
		first := b * opts.BlockSize
		last := first + opts.BlockSize
		if last > n {
			last = n
		}
		vb, err := index.NewVectorBlock(uint32(b), uint64(first), dim, vectors[first*dim:last*dim])
		if err != nil {
			return err
		}
		blocks = append(blocks, vb)
		_, err = s.AppendSegment(ctx, SegmentVectorBlock, index.EncodeVectorBlock(vb),
			blockOpt(WithVectorCount(uint32(last-first)))...)
		if err != nil {
			return err
		}
	}

	// Hot cache: the leading blocks, pinned for first-query latency.
	hot := opts.HotCacheBlocks
	if hot > len(blocks) {
		hot = len(blocks)
	}
	if _, err := s.AppendSegment(ctx, SegmentHotCache, index.EncodeHotCache(blocks[:hot]), blockOpt()...); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(opts.Seed))

	// Routing centroids with per-centroid block lists.
	cents, err := kmeans.Train(ctx, rng, vectors, dim, opts.CentroidK, distance.MetricL2, 25)
	if err != nil {
		return err
	}
	if cents == nil {
		// Corpus smaller than k: a single mean centroid routes everything.
		cents = meanVector(vectors, dim)
		opts.CentroidK = 1
	}
	blockLists, err := assignBlocks(vectors, cents, dim, opts.BlockSize)
	if err != nil {
		return err
	}
	cs, err := index.NewCentroidSet(dim, cents, blockLists)
	if err != nil {
		return err
	}
	_, err = s.AppendSegment(ctx, SegmentCentroid, index.EncodeCentroidSet(cs),
		indexOpt(WithCentroidMeta(uint32(opts.CentroidK), 0))...)
	if err != nil {
		return err
	}

	// Optional PQ codebook.
	if opts.PQSubspaces > 0 {
		cb, err := trainCodebook(ctx, rng, vectors, dim, opts.PQSubspaces)
		if err != nil {
			return err
		}
		if cb != nil {
			_, err = s.AppendSegment(ctx, SegmentQuantDict, index.EncodeCodebook(cb),
				indexOpt(WithCentroidMeta(0, uint32(cb.KSub)))...)
			if err != nil {
				return err
			}
		}
	}

	// HNSW layer stack, bottom-up, then the entrypoint.
	entry, layers, err := index.BuildGraph(ctx, vectors, dim, index.BuildConfig{
		M:              opts.M,
		EfConstruction: opts.EfConstruction,
		Seed:           opts.Seed,
	})
	if err != nil {
		return err
	}
	for _, g := range layers {
		_, err = s.AppendSegment(ctx, SegmentIndex, index.EncodeGraphLayer(g),
			indexOpt(WithLayerID(g.Level), WithBuildMeta(uint16(opts.M), uint16(opts.EfConstruction)))...)
		if err != nil {
			return err
		}
	}
	if _, err := s.AppendSegment(ctx, SegmentEntrypoint, index.EncodeEntrypoint(entry)); err != nil {
		return err
	}

	if err := s.WriteManifest(ctx); err != nil {
		return err
	}
	return s.MountAll(ctx)
}

// meanVector returns the single mean of all rows.
func meanVector(vectors []float32, dim int) []float32 {
	n := len(vectors) / dim
	mean := make([]float32, dim)
	for i := 0; i < n; i++ {
		for d := 0; d < dim; d++ {
			mean[d] += vectors[i*dim+d]
		}
	}
	for d := 0; d < dim; d++ {
		mean[d] /= float32(n)
	}
	return mean
}

// assignBlocks maps every centroid to the sorted set of block ids holding
// at least one vector assigned to it.
func assignBlocks(vectors, centroids []float32, dim, blockSize int) ([][]uint32, error) {
	k := len(centroids) / dim
	sets := make([]map[uint32]struct{}, k)
	for i := range sets {
		sets[i] = make(map[uint32]struct{})
	}
	n := len(vectors) / dim
	for i := 0; i < n; i++ {
		c, err := kmeans.AssignPartition(vectors[i*dim:(i+1)*dim], centroids, dim, distance.MetricL2)
		if err != nil {
			return nil, err
		}
		sets[c][uint32(i/blockSize)] = struct{}{}
	}
	lists := make([][]uint32, k)
	for i, set := range sets {
		list := make([]uint32, 0, len(set))
		for b := range set {
			list = append(list, b)
		}
		sort.Slice(list, func(x, y int) bool { return list[x] < list[y] })
		lists[i] = list
	}
	return lists, nil
}

// trainCodebook learns a PQ codebook: one k-means per subspace over the
// sliced training data.
func trainCodebook(ctx context.Context, rng *rand.Rand, vectors []float32, dim, m int) (*index.Codebook, error) {
	if dim%m != 0 {
		return nil, fmt.Errorf("rvf: dimension %d not divisible by %d subspaces", dim, m)
	}
	dsub := dim / m
	n := len(vectors) / dim
	ksub := 256
	if ksub > n {
		ksub = n
	}

	centers := make([]float32, 0, m*ksub*dsub)
	sub := make([]float32, n*dsub)
	for s := 0; s < m; s++ {
		for i := 0; i < n; i++ {
			copy(sub[i*dsub:(i+1)*dsub], vectors[i*dim+s*dsub:i*dim+(s+1)*dsub])
		}
		c, err := kmeans.Train(ctx, rng, sub, dsub, ksub, distance.MetricL2, 15)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, nil
		}
		centers = append(centers, c...)
	}
	return index.NewCodebook(m, ksub, dsub, centers)
}
