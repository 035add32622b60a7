package seed_test

import (
	"context"
	"crypto/ed25519"
	crand "crypto/rand"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rvf "github.com/ruvector/rvf"
	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/seed"
)

const testDim = 8

func testVectors(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n*testDim)
	for i := 0; i < n; i++ {
		c := i % 6
		for d := 0; d < testDim; d++ {
			out[i*testDim+d] = float32(c*50) + rng.Float32()
		}
	}
	return out
}

// buildStore creates a signed, indexed store and returns it still open,
// together with the trust material a reader needs.
func buildStore(t *testing.T) (*rvf.Store, string, *rvf.TrustStore, []float32) {
	t.Helper()
	pub, priv, err := rvf.GenerateKey(rvf.Ed25519)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "store.rvf")
	s, err := rvf.Create(path, rvf.CreateConfig{Dimension: testDim},
		rvf.WithSigningKey(rvf.Ed25519, priv))
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(11))
	vectors := testVectors(rng, 120)
	require.NoError(t, s.BuildIndex(context.Background(), vectors, rvf.BuildOptions{Seed: 11}))

	trust := rvf.NewTrustStore()
	trust.AddSigner(rvf.Ed25519, pub)
	return s, path, trust, vectors
}

func seedKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func testHosts() []seed.HostEntry {
	return []seed.HostEntry{
		{URL: "https://b.example/store.rvf", Priority: 1, Region: 2},
		{URL: "https://a.example/store.rvf", Priority: 0, Region: 1},
	}
}

func TestBuildParseVerify(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := buildStore(t)
	defer st.Close()
	pub, priv := seedKey(t)

	kernel := make([]byte, 600)
	for i := range kernel {
		kernel[i] = byte(i % 7)
	}
	cfg := seed.BuildConfig{
		Hosts:          testHosts(),
		Kernel:         kernel,
		SessionToken:   []byte("tok-123"),
		TTLSeconds:     3600,
		SigningKey:     priv,
		OfflineCapable: true,
		StreamUpgrade:  true,
	}
	cfg.CertPin[0] = 0xAB

	raw, err := seed.Build(ctx, st, cfg)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), seed.MaxSeedBytes, "seed should fit one QR code")

	s, err := seed.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, s.Verify(raw))
	assert.True(t, s.Signed())

	assert.Equal(t, st.FileID(), s.FileID)
	assert.Equal(t, uint32(120), s.TotalVectorCount)
	assert.Equal(t, uint16(testDim), s.Dimension)
	assert.Equal(t, st.FileSize(), s.TotalFileSize)
	for _, flag := range []uint16{
		seed.FlagKernel, seed.FlagManifest, seed.FlagSigned,
		seed.FlagOffline, seed.FlagKernelBrotli, seed.FlagStreamUpgrade,
	} {
		assert.NotZero(t, s.Flags&flag)
	}
	assert.Zero(t, s.Flags&seed.FlagEncrypted)
	assert.Equal(t, rvf.Ed25519, s.SigAlgo)
	assert.Equal(t, kernel, s.Kernel)
	assert.Equal(t, []byte("tok-123"), s.SessionToken)
	assert.Equal(t, uint32(3600), s.TTLSeconds)
	assert.Equal(t, byte(0xAB), s.CertPin[0])
	assert.Equal(t, []byte(pub), s.SignerKey)
	assert.Equal(t, [16]byte(format.Shake128(pub)), s.SignerFingerprint())

	// Hosts come back in failover priority order.
	require.Len(t, s.Hosts, 2)
	assert.Equal(t, "https://a.example/store.rvf", s.Hosts[0].URL)
	assert.Equal(t, "https://b.example/store.rvf", s.Hosts[1].URL)

	// The boot-critical layers are present, required, and sorted by
	// priority.
	byID := map[seed.LayerID]seed.LayerEntry{}
	for i, l := range s.Layers {
		byID[l.ID] = l
		if i > 0 {
			assert.GreaterOrEqual(t, l.Priority, s.Layers[i-1].Priority)
		}
		assert.NotZero(t, l.Size)
		assert.NotEqual(t, [16]byte{}, l.Hash)
	}
	for _, id := range []seed.LayerID{seed.LayerLevel0, seed.LayerHotCache, seed.LayerHNSWA} {
		l, ok := byID[id]
		require.True(t, ok, "layer %s missing", id)
		assert.True(t, l.Required, "layer %s must be required", id)
	}
	l0 := byID[seed.LayerLevel0]
	assert.Equal(t, s.TotalFileSize, l0.Offset+l0.Size,
		"the manifest layer reaches the end of the file")

	// The 8-byte content hash covers the image the layers reconstruct;
	// the 32-byte manifest hash covers the file as hosted.
	file, err := st.ReadRange(0, st.FileSize())
	require.NoError(t, err)
	image := make([]byte, len(file))
	for _, l := range s.Layers {
		copy(image[l.Offset:l.Offset+l.Size], file[l.Offset:l.Offset+l.Size])
	}
	assert.Equal(t, format.Shake64(image), s.ContentHash)
	assert.Equal(t, format.Shake256(file), s.FileHash)
}

func TestBuildValidation(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := buildStore(t)
	defer st.Close()
	_, priv := seedKey(t)

	_, err := seed.Build(ctx, st, seed.BuildConfig{SigningKey: priv})
	assert.ErrorContains(t, err, "host")

	_, err = seed.Build(ctx, st, seed.BuildConfig{Hosts: testHosts()})
	assert.ErrorContains(t, err, "signing key")

	long := make([]byte, 17)
	_, err = seed.Build(ctx, st, seed.BuildConfig{Hosts: testHosts(), SigningKey: priv, SessionToken: long})
	assert.ErrorContains(t, err, "session token")

	var crowd []seed.HostEntry
	for i := 0; i < 5; i++ {
		crowd = append(crowd, seed.HostEntry{URL: "https://x.example", Priority: uint8(i)})
	}
	_, err = seed.Build(ctx, st, seed.BuildConfig{Hosts: crowd, SigningKey: priv})
	assert.ErrorContains(t, err, "at most")
}

func TestParseRejectsDamage(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := buildStore(t)
	defer st.Close()
	_, priv := seedKey(t)

	raw, err := seed.Build(ctx, st, seed.BuildConfig{Hosts: testHosts(), SigningKey: priv})
	require.NoError(t, err)

	_, err = seed.Parse(raw[:8])
	assert.ErrorIs(t, err, seed.ErrTruncated)

	bad := append([]byte(nil), raw...)
	bad[0] = 'X'
	_, err = seed.Parse(bad)
	assert.ErrorIs(t, err, seed.ErrBadMagic)

	bad = append([]byte(nil), raw...)
	bad[4] = 0xFF // version
	_, err = seed.Parse(bad)
	assert.ErrorIs(t, err, seed.ErrBadVersion)
}

func TestVerifyDetectsTamper(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := buildStore(t)
	defer st.Close()
	_, priv := seedKey(t)

	raw, err := seed.Build(ctx, st, seed.BuildConfig{Hosts: testHosts(), SigningKey: priv})
	require.NoError(t, err)

	tampered := append([]byte(nil), raw...)
	tampered[0x14] ^= 0xFF // dimension, inside the signed span
	s, err := seed.Parse(tampered)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Verify(tampered), seed.ErrBadSignature)
}

func TestParseRejectsEncrypted(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := buildStore(t)
	defer st.Close()
	_, priv := seedKey(t)

	raw, err := seed.Build(ctx, st, seed.BuildConfig{Hosts: testHosts(), SigningKey: priv})
	require.NoError(t, err)

	enc := append([]byte(nil), raw...)
	enc[0x06] |= byte(seed.FlagEncrypted)
	_, err = seed.Parse(enc)
	assert.ErrorIs(t, err, seed.ErrEncrypted)
}

// An ML-DSA-65 signature pushes the payload past single-code capacity;
// the structured-append framing carries it and the signature still
// verifies after reassembly.
func TestBuildMLDSAStructuredAppend(t *testing.T) {
	ctx := context.Background()
	st, _, _, _ := buildStore(t)
	defer st.Close()
	pub, priv, err := rvf.GenerateKey(rvf.MLDSA65)
	require.NoError(t, err)

	raw, err := seed.Build(ctx, st, seed.BuildConfig{
		Hosts:      testHosts(),
		SigAlgo:    rvf.MLDSA65,
		SigningKey: priv,
	})
	require.NoError(t, err)
	assert.Greater(t, len(raw), seed.MaxSeedBytes)

	parts, err := seed.Split(raw)
	require.NoError(t, err)
	assert.Greater(t, len(parts), 1)

	back, err := seed.Reassemble(parts)
	require.NoError(t, err)

	s, err := seed.Parse(back)
	require.NoError(t, err)
	require.NoError(t, s.Verify(back))
	assert.Equal(t, rvf.MLDSA65, s.SigAlgo)
	assert.Equal(t, pub, s.SignerKey)
}

func TestSplitReassemble(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	payload := make([]byte, 6000)
	_, err := rng.Read(payload)
	require.NoError(t, err)

	parts, err := seed.Split(payload)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), seed.MaxPartBytes)
	}

	// Any scan order reassembles.
	shuffled := [][]byte{parts[2], parts[0], parts[1]}
	got, err := seed.Reassemble(shuffled)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = seed.Reassemble([][]byte{parts[0], parts[1]})
	assert.ErrorContains(t, err, "missing part")

	_, err = seed.Reassemble([][]byte{parts[0], parts[0], parts[1]})
	assert.ErrorContains(t, err, "duplicate part")

	odd := append([]byte(nil), parts[2]...)
	odd[5] = 2 // part count disagrees
	_, err = seed.Reassemble([][]byte{parts[0], parts[1], odd})
	assert.ErrorContains(t, err, "disagree")

	_, err = seed.Reassemble(nil)
	assert.Error(t, err)
}

func TestSplitSinglePart(t *testing.T) {
	payload := []byte("small payload")
	parts, err := seed.Split(payload)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	got, err := seed.Reassemble(parts)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
