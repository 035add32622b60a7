package rvf_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rvf "github.com/ruvector/rvf"
	"github.com/ruvector/rvf/internal/index"
)

// clusteredVectors produces n vectors in well-separated clusters, so the
// centroid distance distribution is never flat by accident.
func clusteredVectors(rng *rand.Rand, n, dim, clusters int) []float32 {
	out := make([]float32, n*dim)
	for i := 0; i < n; i++ {
		c := i % clusters
		for d := 0; d < dim; d++ {
			out[i*dim+d] = float32(c*50) + rng.Float32()
		}
	}
	return out
}

func newSignedStore(t *testing.T, dim int, cfg rvf.CreateConfig, opts ...rvf.Option) (*rvf.Store, string, []byte) {
	t.Helper()
	pub, priv, err := rvf.GenerateKey(rvf.Ed25519)
	require.NoError(t, err)
	cfg.Dimension = dim
	path := filepath.Join(t.TempDir(), "store.rvf")
	all := append([]rvf.Option{rvf.WithSigningKey(rvf.Ed25519, priv)}, opts...)
	s, err := rvf.Create(path, cfg, all...)
	require.NoError(t, err)
	return s, path, pub
}

func trustFor(t *testing.T, pub []byte) *rvf.TrustStore {
	t.Helper()
	ts := rvf.NewTrustStore()
	ts.AddSigner(rvf.Ed25519, pub)
	return ts
}

func flipByte(t *testing.T, path string, off uint64) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Less(t, off, uint64(len(raw)))
	raw[off] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))
}

func TestCreateBuildReopen(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	const dim = 8

	s, path, pub := newSignedStore(t, dim, rvf.CreateConfig{})
	assert.Equal(t, uint32(1), s.Epoch())
	assert.Equal(t, dim, s.Dimension())
	assert.False(t, s.ReadOnly())
	fileID := s.FileID()

	vectors := clusteredVectors(rng, 200, dim, 10)
	require.NoError(t, s.BuildIndex(ctx, vectors, rvf.BuildOptions{Seed: 7}))
	assert.Equal(t, uint32(2), s.Epoch())
	assert.Equal(t, uint32(200), s.VectorCount())
	assert.Contains(t, s.MountedTiers(), rvf.TierFullVectors)
	assert.Contains(t, s.MountedTiers(), rvf.TierLayerC)
	require.NoError(t, s.Close())

	// A fresh strict mount must verify against the signer's public key.
	r, err := rvf.Open(path, rvf.WithTrustStore(trustFor(t, pub)))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, fileID, r.FileID())
	assert.Equal(t, uint32(200), r.VectorCount())
	require.NoError(t, r.MountAll(ctx))
	assert.Equal(t, "L1Verified", r.Status())

	resp, err := r.Query(ctx, rvf.Query{Vector: vectors[17*dim : 18*dim], K: 5})
	require.NoError(t, err)
	require.Len(t, resp.Results, 5)
	assert.Equal(t, uint64(17), resp.Results[0].ID)
	assert.Equal(t, float32(0), resp.Results[0].Distance)
	assert.Equal(t, rvf.ResponseVerified, resp.Quality)
}

func TestAppendThenCommit(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))
	const dim = 4

	s, _, _ := newSignedStore(t, dim, rvf.CreateConfig{})
	defer s.Close()
	require.NoError(t, s.BuildIndex(ctx, clusteredVectors(rng, 40, dim, 4), rvf.BuildOptions{Seed: 1}))
	epoch := s.Epoch()
	before, err := s.Segments(ctx)
	require.NoError(t, err)

	vb, err := index.NewVectorBlock(9, 40, dim, clusteredVectors(rng, 4, dim, 1))
	require.NoError(t, err)
	ref, err := s.AppendSegment(ctx, rvf.SegmentVectorBlock, index.EncodeVectorBlock(vb),
		rvf.WithVectorCount(4))
	require.NoError(t, err)
	assert.NotZero(t, ref.Offset)

	// Uncommitted appends are invisible to the directory.
	mid, err := s.Segments(ctx)
	require.NoError(t, err)
	assert.Len(t, mid, len(before))
	assert.Equal(t, uint32(40), s.VectorCount())

	require.NoError(t, s.WriteManifest(ctx))
	assert.Equal(t, epoch+1, s.Epoch())
	assert.Equal(t, uint32(44), s.VectorCount())
	after, err := s.Segments(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+1)

	// Nothing pending: commit is a no-op.
	require.NoError(t, s.WriteManifest(ctx))
	assert.Equal(t, epoch+1, s.Epoch())
}

func TestTamperedHotsetStrict(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	const dim = 8

	s, path, pub := newSignedStore(t, dim, rvf.CreateConfig{})
	require.NoError(t, s.BuildIndex(ctx, clusteredVectors(rng, 100, dim, 5), rvf.BuildOptions{Seed: 3}))
	refs, err := s.Segments(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var hot rvf.SegmentRef
	for _, ref := range refs {
		if ref.Kind == rvf.SegmentHotCache {
			hot = ref
		}
	}
	require.NotZero(t, hot.Size)
	flipByte(t, path, hot.Offset+hot.Size-2)

	sink := &rvf.MemoryAuditSink{}
	_, err = rvf.Open(path, rvf.WithTrustStore(trustFor(t, pub)), rvf.WithAuditSink(sink))
	require.Error(t, err)
	assert.True(t, rvf.IsTamper(err))
	assert.Equal(t, "E_SEC_HASH_MISMATCH", rvf.ErrorCode(err))

	var mismatches int
	for _, ev := range sink.Events() {
		if ev.Type == rvf.AuditHashMismatch {
			mismatches++
			assert.Equal(t, "hot_cache_seg_offset", ev.Pointer)
			assert.Equal(t, hot.Offset, ev.Offset)
		}
	}
	assert.Equal(t, 1, mismatches)
}

func TestTamperedHotsetWarnOnly(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(4))
	const dim = 8

	s, path, _ := newSignedStore(t, dim, rvf.CreateConfig{})
	vectors := clusteredVectors(rng, 100, dim, 5)
	require.NoError(t, s.BuildIndex(ctx, vectors, rvf.BuildOptions{Seed: 4}))
	refs, err := s.Segments(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var hot rvf.SegmentRef
	for _, ref := range refs {
		if ref.Kind == rvf.SegmentHotCache {
			hot = ref
		}
	}
	flipByte(t, path, hot.Offset+hot.Size-2)

	// WarnOnly defers hash checks to first access, then demotes to
	// read-only instead of failing the mount.
	r, err := rvf.Open(path, rvf.WithPolicy(rvf.WarnOnly))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "L0Verified", r.Status())

	q := rvf.Query{Vector: vectors[:dim], K: 3}
	_, err = r.Query(ctx, q)
	require.Error(t, err)
	assert.True(t, rvf.IsTamper(err))
	assert.Equal(t, "ReadOnly", r.Status())
	assert.True(t, r.ReadOnly())

	_, err = r.AppendSegment(ctx, rvf.SegmentVectorBlock, []byte{0})
	assert.ErrorIs(t, err, rvf.ErrReadOnly)

	// Later queries run against whatever did mount; with the raw vectors
	// unreachable the response honestly reports itself unreliable.
	resp, err := r.Query(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, rvf.ResponseUnreliable, resp.Quality)
	require.NotNil(t, resp.Reason)
	assert.Equal(t, rvf.DegradeInsufficientCandidates, resp.Reason.Kind)
}

func TestTamperedHotsetPermissive(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))
	const dim = 8

	s, path, _ := newSignedStore(t, dim, rvf.CreateConfig{})
	vectors := clusteredVectors(rng, 100, dim, 5)
	require.NoError(t, s.BuildIndex(ctx, vectors, rvf.BuildOptions{Seed: 5}))
	refs, err := s.Segments(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var hot rvf.SegmentRef
	for _, ref := range refs {
		if ref.Kind == rvf.SegmentHotCache {
			hot = ref
		}
	}
	flipByte(t, path, hot.Offset+hot.Size-2)

	r, err := rvf.Open(path, rvf.WithPolicy(rvf.Permissive))
	require.NoError(t, err)
	defer r.Close()

	resp, err := r.Query(ctx, rvf.Query{Vector: vectors[:dim], K: 3})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
	assert.False(t, r.ReadOnly())
}

func TestUnknownSignerRejected(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(6))
	const dim = 4

	s, path, _ := newSignedStore(t, dim, rvf.CreateConfig{})
	require.NoError(t, s.BuildIndex(ctx, clusteredVectors(rng, 20, dim, 2), rvf.BuildOptions{Seed: 6}))
	require.NoError(t, s.Close())

	otherPub, _, err := rvf.GenerateKey(rvf.Ed25519)
	require.NoError(t, err)

	_, err = rvf.Open(path, rvf.WithTrustStore(trustFor(t, otherPub)))
	require.Error(t, err)
	assert.Equal(t, "E_SEC_UNKNOWN_SIGNER", rvf.ErrorCode(err))
	assert.True(t, rvf.IsTamper(err))
}

func TestUnsignedFileUnderStrict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unsigned.rvf")
	s, err := rvf.Create(path, rvf.CreateConfig{Dimension: 4}, rvf.WithPolicy(rvf.WarnOnly))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = rvf.Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, rvf.ErrUnsigned)
	assert.Equal(t, "E_SEC_UNSIGNED", rvf.ErrorCode(err))

	r, err := rvf.Open(path, rvf.WithPolicy(rvf.WarnOnly))
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestCompact(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	const dim = 8

	s, _, _ := newSignedStore(t, dim, rvf.CreateConfig{})
	defer s.Close()
	vectors := clusteredVectors(rng, 150, dim, 6)
	require.NoError(t, s.BuildIndex(ctx, vectors, rvf.BuildOptions{Seed: 7, BlockSize: 32}))
	fileID := s.FileID()
	epoch := s.Epoch()

	// Supersede the hot cache so the old segment becomes dead weight.
	vb, err := index.NewVectorBlock(0, 0, dim, vectors[:32*dim])
	require.NoError(t, err)
	_, err = s.AppendSegment(ctx, rvf.SegmentHotCache, index.EncodeHotCache([]*index.VectorBlock{vb}))
	require.NoError(t, err)
	require.NoError(t, s.WriteManifest(ctx))
	sizeBefore := s.FileSize()

	reclaimed, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Greater(t, reclaimed, uint64(0))
	assert.Equal(t, sizeBefore-reclaimed, s.FileSize())
	assert.Equal(t, fileID, s.FileID())
	assert.Equal(t, epoch+2, s.Epoch())

	refs, err := s.Segments(ctx)
	require.NoError(t, err)
	var hotCaches int
	for _, ref := range refs {
		if ref.Kind == rvf.SegmentHotCache {
			hotCaches++
		}
	}
	assert.Equal(t, 1, hotCaches)

	resp, err := s.Query(ctx, rvf.Query{Vector: vectors[9*dim : 10*dim], K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, uint64(9), resp.Results[0].ID)
}

func TestCompactRefusesDirtyStore(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(8))
	const dim = 4

	s, _, _ := newSignedStore(t, dim, rvf.CreateConfig{})
	defer s.Close()
	require.NoError(t, s.BuildIndex(ctx, clusteredVectors(rng, 20, dim, 2), rvf.BuildOptions{Seed: 8}))

	vb, err := index.NewVectorBlock(5, 20, dim, clusteredVectors(rng, 2, dim, 1))
	require.NoError(t, err)
	_, err = s.AppendSegment(ctx, rvf.SegmentVectorBlock, index.EncodeVectorBlock(vb))
	require.NoError(t, err)

	_, err = s.Compact(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uncommitted")
}

// A vector block sits outside the hotset, so a tampered one survives the
// mount; compaction re-verifies every live segment before copying it into
// the freshly signed successor, and must refuse to carry the damage over.
func TestCompactRefusesTamperedSegment(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(10))
	const dim = 8

	pub, priv, err := rvf.GenerateKey(rvf.Ed25519)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "store.rvf")
	s, err := rvf.Create(path, rvf.CreateConfig{Dimension: dim},
		rvf.WithSigningKey(rvf.Ed25519, priv))
	require.NoError(t, err)
	require.NoError(t, s.BuildIndex(ctx, clusteredVectors(rng, 100, dim, 5), rvf.BuildOptions{Seed: 10}))
	refs, err := s.Segments(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var block rvf.SegmentRef
	for _, ref := range refs {
		if ref.Kind == rvf.SegmentVectorBlock {
			block = ref
		}
	}
	require.NotZero(t, block.Size)
	flipByte(t, path, block.Offset+block.Size/2)

	r, err := rvf.Open(path,
		rvf.WithTrustStore(trustFor(t, pub)),
		rvf.WithSigningKey(rvf.Ed25519, priv))
	require.NoError(t, err, "vector blocks are not read at mount time")
	defer r.Close()

	_, err = r.Compact(ctx)
	require.Error(t, err)
	assert.True(t, rvf.IsTamper(err))
	assert.Equal(t, "E_SEC_HASH_MISMATCH", rvf.ErrorCode(err))
}

func TestOpenBytesReadOnly(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(9))
	const dim = 8

	s, path, pub := newSignedStore(t, dim, rvf.CreateConfig{})
	vectors := clusteredVectors(rng, 80, dim, 4)
	require.NoError(t, s.BuildIndex(ctx, vectors, rvf.BuildOptions{Seed: 9}))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	r, err := rvf.OpenBytes(raw, rvf.WithTrustStore(trustFor(t, pub)))
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, r.ReadOnly())
	assert.Equal(t, uint64(len(raw)), r.FileSize())

	_, err = r.AppendSegment(ctx, rvf.SegmentVectorBlock, []byte{0})
	assert.ErrorIs(t, err, rvf.ErrReadOnly)

	require.NoError(t, r.MountAll(ctx))
	resp, err := r.Query(ctx, rvf.Query{Vector: vectors[3*dim : 4*dim], K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(3), resp.Results[0].ID)
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newSignedStore(t, 4, rvf.CreateConfig{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Query(ctx, rvf.Query{Vector: make([]float32, 4), K: 1})
	assert.ErrorIs(t, err, rvf.ErrClosed)
	_, err = s.Segments(ctx)
	assert.ErrorIs(t, err, rvf.ErrClosed)
}
