package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ruvector/rvf"
	"github.com/ruvector/rvf/internal/format"
)

// ExpandOption adjusts seed expansion.
type ExpandOption func(*expandOptions)

type expandOptions struct {
	fetcher     Fetcher
	concurrency int
	maxPriority uint8
	fingerprint [16]byte
	pinSigner   bool
	storeOpts   []rvf.Option
	growthDone  chan<- error
}

// WithFetcher substitutes the range fetcher, typically for tests.
func WithFetcher(f Fetcher) ExpandOption {
	return func(o *expandOptions) { o.fetcher = f }
}

// WithConcurrency bounds how many layers download in parallel.
// The default is 4.
func WithConcurrency(n int) ExpandOption {
	return func(o *expandOptions) { o.concurrency = n }
}

// WithMaxPriority skips layers above the given priority entirely, for a
// permanently partial mount. Required layers above the cutoff are an
// error.
func WithMaxPriority(p uint8) ExpandOption {
	return func(o *expandOptions) { o.maxPriority = p }
}

// WithPinnedSigner requires the seed's embedded signer key to match the
// given fingerprint, closing the loop between a QR scanned in the wild
// and a key distributed out of band.
func WithPinnedSigner(fp [16]byte) ExpandOption {
	return func(o *expandOptions) { o.fingerprint = fp; o.pinSigner = true }
}

// WithStoreOptions forwards options to the final rvf.Open call.
func WithStoreOptions(opts ...rvf.Option) ExpandOption {
	return func(o *expandOptions) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithGrowthDone delivers the background growth outcome: one nil on full
// materialization, one error if a fetch or the final content hash check
// failed. Without it growth outcomes are only observable through
// response quality.
func WithGrowthDone(done chan<- error) ExpandOption {
	return func(o *expandOptions) { o.growthDone = done }
}

// Expand bootstraps a store from a scanned seed payload: it verifies the
// signature, downloads the required boot layers from the seed's hosts,
// materializes the file at destPath and mounts it. The remaining layers
// keep downloading in the background, each mounted as it lands, so the
// returned store answers immediately from the hot cache and upgrades
// toward full quality on its own. An empty destPath keeps the image in
// memory.
func Expand(ctx context.Context, raw []byte, destPath string, opts ...ExpandOption) (*rvf.Store, error) {
	o := expandOptions{concurrency: 4, maxPriority: 255}
	for _, opt := range opts {
		opt(&o)
	}

	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := s.Verify(raw); err != nil {
		return nil, err
	}
	if o.pinSigner && s.SignerFingerprint() != o.fingerprint {
		return nil, errors.New("seed: signer key does not match the pinned fingerprint")
	}
	if len(s.Hosts) == 0 {
		return nil, errors.New("seed: no download hosts")
	}
	if s.TotalFileSize < format.Level0Size {
		return nil, fmt.Errorf("seed: total file size %d is smaller than the tail page", s.TotalFileSize)
	}
	if o.fetcher == nil {
		o.fetcher = NewHTTPFetcher(FetchConfig{
			CertPin:      s.CertPin,
			SessionToken: s.sessionTokenNow(time.Now()),
		})
	}

	image := make([]byte, s.TotalFileSize)

	layers := append([]LayerEntry(nil), s.Layers...)
	sort.Slice(layers, func(i, j int) bool { return layers[i].Priority < layers[j].Priority })

	// The tail page lands first and alone: every other layer is verified
	// against pointers it contains.
	var boot, growth []LayerEntry
	for _, l := range layers {
		switch {
		case l.Priority > o.maxPriority:
			if l.Required {
				return nil, fmt.Errorf("seed: required layer %s has priority %d, above the cutoff %d",
					l.ID, l.Priority, o.maxPriority)
			}
		case l.ID == LayerLevel0:
			if err := fetchLayer(ctx, o.fetcher, s, l, image); err != nil {
				return nil, err
			}
		case l.Required:
			boot = append(boot, l)
		default:
			growth = append(growth, l)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, l := range boot {
		g.Go(func() error {
			return fetchLayer(gctx, o.fetcher, s, l, image)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var st *rvf.Store
	var dest *os.File
	if destPath == "" {
		// OpenBytes mounts the image slice itself, so bytes the growth
		// goroutine copies in stay visible to the store.
		st, err = rvf.OpenBytes(image, o.storeOpts...)
	} else {
		// The mapping is shared, so range writes through dest surface in
		// the store's view of the file.
		if err = writeImage(destPath, image); err != nil {
			return nil, err
		}
		if dest, err = os.OpenFile(destPath, os.O_WRONLY, 0); err != nil {
			return nil, err
		}
		st, err = rvf.Open(destPath, o.storeOpts...)
	}
	if err != nil {
		if dest != nil {
			dest.Close()
		}
		return nil, err
	}

	go growStore(ctx, o, s, st, dest, image, growth)
	return st, nil
}

// growStore downloads the remaining layers in priority order and mounts
// each tier as its bytes land. Only after every layer arrived intact is
// the image checked against the seed's full-file content hash.
func growStore(ctx context.Context, o expandOptions, s *Seed, st *rvf.Store, dest *os.File, image []byte, growth []LayerEntry) {
	report := func(err error) {
		if dest != nil {
			dest.Close()
		}
		if o.growthDone != nil {
			o.growthDone <- err
		}
	}

	var firstErr error
	for _, l := range growth {
		if err := fetchLayer(ctx, o.fetcher, s, l, image); err != nil {
			if ctx.Err() != nil {
				report(err)
				return
			}
			// A missing optional layer degrades quality, it does not kill
			// the mount. Later layers may still land.
			if firstErr == nil {
				firstErr = fmt.Errorf("seed: layer %s: %w", l.ID, err)
			}
			continue
		}
		if dest != nil {
			if _, err := dest.WriteAt(image[l.Offset:l.Offset+l.Size], int64(l.Offset)); err != nil {
				report(fmt.Errorf("seed: layer %s write-back: %w", l.ID, err))
				return
			}
		}
		if err := st.MountTier(ctx, growthTier(l.ID)); err != nil {
			report(fmt.Errorf("seed: layer %s mount: %w", l.ID, err))
			return
		}
	}
	if firstErr != nil {
		report(firstErr)
		return
	}

	// The full-file hash is only meaningful once every layer of the seed
	// landed in the image.
	if o.maxPriority == 255 && s.ContentHash != [8]byte{} {
		if format.Shake64(image) != s.ContentHash {
			report(errors.New("seed: expanded file does not match the seed content hash"))
			return
		}
	}
	report(nil)
}

func growthTier(id LayerID) rvf.Tier {
	switch id {
	case LayerHotCache:
		return rvf.TierHotCache
	case LayerHNSWA:
		return rvf.TierLayerA
	case LayerQuantDict:
		return rvf.TierQuantDict
	case LayerHNSWB:
		return rvf.TierLayerB
	case LayerFullVectors:
		return rvf.TierFullVectors
	default:
		return rvf.TierLayerC
	}
}

// sessionTokenNow returns the seed's session token unless its TTL has
// lapsed relative to the seed's creation time.
func (s *Seed) sessionTokenNow(now time.Time) []byte {
	if s.TTLSeconds == 0 {
		return s.SessionToken
	}
	expiry := time.Unix(0, int64(s.CreatedNS)).Add(time.Duration(s.TTLSeconds) * time.Second)
	if now.After(expiry) {
		return nil
	}
	return s.SessionToken
}

// fetchLayer downloads one layer range, failing over across hosts, and
// verifies its content hash before committing it to the image.
func fetchLayer(ctx context.Context, f Fetcher, s *Seed, l LayerEntry, image []byte) error {
	if l.Offset+l.Size > uint64(len(image)) {
		return fmt.Errorf("seed: layer %s range [%d,%d) beyond file size %d",
			l.ID, l.Offset, l.Offset+l.Size, len(image))
	}
	var lastErr error
	for _, h := range s.Hosts {
		body, err := f.FetchRange(ctx, h.URL, l.Offset, l.Size)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return err
			}
			continue
		}
		if got := format.Shake128(body); got != format.ContentHash(l.Hash) {
			lastErr = fmt.Errorf("seed: layer %s from %s failed its content hash", l.ID, h.URL)
			continue
		}
		copy(image[l.Offset:], body)
		return nil
	}
	return fmt.Errorf("seed: layer %s unavailable from all %d hosts: %w", l.ID, len(s.Hosts), lastErr)
}

func writeImage(path string, image []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(image); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
