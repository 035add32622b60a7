package seed_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rvf "github.com/ruvector/rvf"
	"github.com/ruvector/rvf/seed"
)

// memFetcher serves ranges from an in-memory copy of the remote file,
// with switches to simulate dead hosts and corrupted transfers.
type memFetcher struct {
	data    []byte
	down    map[string]bool // host URLs that refuse every request
	corrupt map[uint64]bool // range offsets whose bytes come back damaged

	mu    sync.Mutex
	calls int
}

func (f *memFetcher) FetchRange(_ context.Context, baseURL string, off, size uint64) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.down[baseURL] {
		return nil, errors.New("host unreachable")
	}
	if off+size > uint64(len(f.data)) {
		return nil, errors.New("range beyond file end")
	}
	out := append([]byte(nil), f.data[off:off+size]...)
	if f.corrupt[off] && len(out) > 0 {
		out[0] ^= 0xFF
	}
	return out, nil
}

// gatedFetcher holds back selected range offsets until released, so a
// test can observe the store between boot and full growth.
type gatedFetcher struct {
	inner   seed.Fetcher
	release chan struct{}
	held    map[uint64]bool
}

func (f *gatedFetcher) FetchRange(ctx context.Context, baseURL string, off, size uint64) ([]byte, error) {
	if f.held[off] {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.inner.FetchRange(ctx, baseURL, off, size)
}

// buildSeed produces a signed seed plus the raw remote file image it
// describes.
func buildSeed(t *testing.T, cfg seed.BuildConfig) ([]byte, []byte, *rvf.TrustStore, []float32) {
	t.Helper()
	st, path, trust, vectors := buildStore(t)
	if cfg.SigningKey == nil {
		_, cfg.SigningKey = seedKey(t)
	}
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = testHosts()
	}
	raw, err := seed.Build(context.Background(), st, cfg)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	file, err := os.ReadFile(path)
	require.NoError(t, err)
	return raw, file, trust, vectors
}

func TestExpandInMemory(t *testing.T) {
	ctx := context.Background()
	raw, file, trust, vectors := buildSeed(t, seed.BuildConfig{})

	done := make(chan error, 1)
	st, err := seed.Expand(ctx, raw, "",
		seed.WithFetcher(&memFetcher{data: file}),
		seed.WithGrowthDone(done),
		seed.WithStoreOptions(rvf.WithTrustStore(trust)))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, <-done)

	assert.True(t, st.ReadOnly())
	assert.Equal(t, uint64(len(file)), st.FileSize())

	resp, err := st.Query(ctx, rvf.Query{Vector: vectors[33*testDim : 34*testDim], K: 3})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, uint64(33), resp.Results[0].ID)
}

func TestExpandToFile(t *testing.T) {
	ctx := context.Background()
	raw, file, trust, vectors := buildSeed(t, seed.BuildConfig{})
	dest := t.TempDir() + "/expanded.rvf"

	done := make(chan error, 1)
	st, err := seed.Expand(ctx, raw, dest,
		seed.WithFetcher(&memFetcher{data: file}),
		seed.WithGrowthDone(done),
		seed.WithStoreOptions(rvf.WithTrustStore(trust)))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, <-done)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(file)), info.Size())

	// Background growth wrote every fetched layer back to the file.
	s, err := seed.Parse(raw)
	require.NoError(t, err)
	onDisk, err := os.ReadFile(dest)
	require.NoError(t, err)
	for _, l := range s.Layers {
		assert.Equal(t, file[l.Offset:l.Offset+l.Size], onDisk[l.Offset:l.Offset+l.Size],
			"layer %s bytes on disk", l.ID)
	}

	resp, err := st.Query(ctx, rvf.Query{Vector: vectors[5*testDim : 6*testDim], K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(5), resp.Results[0].ID)

	// Expansion never overwrites an existing file.
	_, err = seed.Expand(ctx, raw, dest, seed.WithFetcher(&memFetcher{data: file}))
	require.Error(t, err)
}

// The store must answer as soon as the boot layers land, while the
// remaining layers are still in flight, and upgrade to full quality once
// they arrive.
func TestExpandServesDuringGrowth(t *testing.T) {
	ctx := context.Background()
	raw, file, trust, vectors := buildSeed(t, seed.BuildConfig{})

	s, err := seed.Parse(raw)
	require.NoError(t, err)
	held := map[uint64]bool{}
	for _, l := range s.Layers {
		if !l.Required {
			held[l.Offset] = true
		}
	}
	require.NotEmpty(t, held)

	release := make(chan struct{})
	done := make(chan error, 1)
	st, err := seed.Expand(ctx, raw, "",
		seed.WithFetcher(&gatedFetcher{inner: &memFetcher{data: file}, release: release, held: held}),
		seed.WithGrowthDone(done),
		seed.WithStoreOptions(rvf.WithTrustStore(trust)))
	require.NoError(t, err)
	defer st.Close()

	// Optional layers are still held back; the hot cache answers.
	resp, err := st.Query(ctx, rvf.Query{Vector: vectors[70*testDim : 71*testDim], K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(70), resp.Results[0].ID)
	assert.NotEqual(t, rvf.RetrievalFull, resp.Results[0].Quality)

	close(release)
	require.NoError(t, <-done)

	resp, err = st.Query(ctx, rvf.Query{Vector: vectors[70*testDim : 71*testDim], K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(70), resp.Results[0].ID)
	assert.Equal(t, rvf.RetrievalFull, resp.Results[0].Quality)
}

func TestExpandHostFailover(t *testing.T) {
	ctx := context.Background()
	raw, file, trust, _ := buildSeed(t, seed.BuildConfig{})

	f := &memFetcher{
		data: file,
		down: map[string]bool{"https://a.example/store.rvf": true},
	}
	done := make(chan error, 1)
	st, err := seed.Expand(ctx, raw, "",
		seed.WithFetcher(f),
		seed.WithGrowthDone(done),
		seed.WithStoreOptions(rvf.WithTrustStore(trust)))
	require.NoError(t, err)
	require.NoError(t, <-done)
	st.Close()
}

func TestExpandRequiredLayerUnavailable(t *testing.T) {
	ctx := context.Background()
	raw, file, _, _ := buildSeed(t, seed.BuildConfig{})

	s, err := seed.Parse(raw)
	require.NoError(t, err)
	var hot seed.LayerEntry
	for _, l := range s.Layers {
		if l.ID == seed.LayerHotCache {
			hot = l
		}
	}
	require.NotZero(t, hot.Size)

	// Every host damages the hot cache bytes; the per-layer hash check
	// rejects them all and the required layer aborts the boot.
	f := &memFetcher{data: file, corrupt: map[uint64]bool{hot.Offset: true}}
	_, err = seed.Expand(ctx, raw, "", seed.WithFetcher(f))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable from all")
}

func TestExpandOptionalLayerDegrades(t *testing.T) {
	ctx := context.Background()
	raw, file, trust, vectors := buildSeed(t, seed.BuildConfig{})

	s, err := seed.Parse(raw)
	require.NoError(t, err)
	var full seed.LayerEntry
	for _, l := range s.Layers {
		if l.ID == seed.LayerFullVectors {
			full = l
		}
	}
	require.NotZero(t, full.Size)
	require.False(t, full.Required)

	f := &memFetcher{data: file, corrupt: map[uint64]bool{full.Offset: true}}
	done := make(chan error, 1)
	st, err := seed.Expand(ctx, raw, "",
		seed.WithFetcher(f),
		seed.WithGrowthDone(done),
		seed.WithStoreOptions(rvf.WithTrustStore(trust)))
	require.NoError(t, err)
	defer st.Close()

	// Growth reports the layer it could not fetch, but the mount stays up
	// and boot-critical tiers still answer.
	growErr := <-done
	require.Error(t, growErr)
	assert.Contains(t, growErr.Error(), "full_vectors")

	resp, err := st.Query(ctx, rvf.Query{Vector: vectors[:testDim], K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(0), resp.Results[0].ID)
}

func TestExpandPinnedSigner(t *testing.T) {
	ctx := context.Background()
	raw, file, trust, _ := buildSeed(t, seed.BuildConfig{})

	s, err := seed.Parse(raw)
	require.NoError(t, err)

	_, err = seed.Expand(ctx, raw, "",
		seed.WithFetcher(&memFetcher{data: file}),
		seed.WithPinnedSigner([16]byte{1, 2, 3}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinned")

	done := make(chan error, 1)
	st, err := seed.Expand(ctx, raw, "",
		seed.WithFetcher(&memFetcher{data: file}),
		seed.WithPinnedSigner(s.SignerFingerprint()),
		seed.WithGrowthDone(done),
		seed.WithStoreOptions(rvf.WithTrustStore(trust)))
	require.NoError(t, err)
	require.NoError(t, <-done)
	st.Close()
}

func TestExpandMaxPriority(t *testing.T) {
	ctx := context.Background()
	raw, file, trust, vectors := buildSeed(t, seed.BuildConfig{})

	// Priority 2 covers the manifest, the hot cache and Layer A: a fast
	// partial boot that can already answer from the cache, with nothing
	// left for background growth.
	done := make(chan error, 1)
	st, err := seed.Expand(ctx, raw, "",
		seed.WithFetcher(&memFetcher{data: file}),
		seed.WithMaxPriority(2),
		seed.WithGrowthDone(done),
		seed.WithStoreOptions(rvf.WithTrustStore(trust)))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, <-done)

	resp, err := st.Query(ctx, rvf.Query{Vector: vectors[70*testDim : 71*testDim], K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(70), resp.Results[0].ID)

	// A cutoff below a required layer's priority cannot boot at all.
	_, err = seed.Expand(ctx, raw, "",
		seed.WithFetcher(&memFetcher{data: file}),
		seed.WithMaxPriority(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required layer")
}

func TestExpandTamperedSeed(t *testing.T) {
	ctx := context.Background()
	raw, file, _, _ := buildSeed(t, seed.BuildConfig{})

	tampered := append([]byte(nil), raw...)
	tampered[0x20] ^= 0xFF // microkernel offset, inside the signed span
	_, err := seed.Expand(ctx, tampered, "", seed.WithFetcher(&memFetcher{data: file}))
	assert.ErrorIs(t, err, seed.ErrBadSignature)
}

func TestExpandOverHTTP(t *testing.T) {
	ctx := context.Background()

	var sawAuth string
	var mu sync.Mutex
	var file []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		sawAuth = r.Header.Get("Authorization")
		data := file
		mu.Unlock()
		http.ServeContent(w, r, "store.rvf", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()

	raw, img, trust, vectors := buildSeed(t, seed.BuildConfig{
		Hosts:        []seed.HostEntry{{URL: srv.URL + "/store.rvf", Priority: 0}},
		SessionToken: []byte("range-token"),
	})
	mu.Lock()
	file = img
	mu.Unlock()

	done := make(chan error, 1)
	st, err := seed.Expand(ctx, raw, "",
		seed.WithGrowthDone(done),
		seed.WithStoreOptions(rvf.WithTrustStore(trust)))
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, "Bearer range-token", sawAuth)
	mu.Unlock()

	resp, err := st.Query(ctx, rvf.Query{Vector: vectors[12*testDim : 13*testDim], K: 1})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(12), resp.Results[0].ID)
}
