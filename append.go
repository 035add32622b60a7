package rvf

import (
	"context"
	"time"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/manifest"
	"github.com/ruvector/rvf/internal/mmap"
	"github.com/ruvector/rvf/internal/security"
)

type appendOpts struct {
	layerID     uint8
	flags       uint16
	meta        format.LayerMeta
	vectorCount uint32
}

// AppendOption configures a single segment append.
type AppendOption func(*appendOpts)

// WithLayerID tags an index segment with its HNSW layer ordinal.
func WithLayerID(layer uint8) AppendOption {
	return func(o *appendOpts) { o.layerID = layer }
}

// WithZstd stores the payload zstd-compressed.
func WithZstd() AppendOption {
	return func(o *appendOpts) { o.flags |= format.SegFlagZstd }
}

// WithLZ4 stores the payload lz4-compressed.
func WithLZ4() AppendOption {
	return func(o *appendOpts) { o.flags |= format.SegFlagLZ4 }
}

// WithVectorCount declares how many vectors a VECTOR_BLOCK payload adds;
// the count folds into the manifest's total at the next commit.
func WithVectorCount(n uint32) AppendOption {
	return func(o *appendOpts) { o.vectorCount = n }
}

// WithBuildMeta records index build parameters in the directory entry.
func WithBuildMeta(m, efConstruction uint16) AppendOption {
	return func(o *appendOpts) {
		o.meta.M = m
		o.meta.EfConstruction = efConstruction
	}
}

// WithCentroidMeta records centroid and codebook sizing in the directory
// entry.
func WithCentroidMeta(centroidK, codebookSize uint32) AppendOption {
	return func(o *appendOpts) {
		o.meta.CentroidK = centroidK
		o.meta.CodebookSize = codebookSize
	}
}

// AppendSegment writes one segment at the end of the file. The segment
// becomes durable and reader-visible only at the next WriteManifest; a
// crash before that leaves the previous manifest intact and the partial
// bytes unreferenced.
func (s *Store) AppendSegment(ctx context.Context, kind SegmentKind, payload []byte, opts ...AppendOption) (SegmentRef, error) {
	var ao appendOpts
	for _, opt := range opts {
		opt(&ao)
	}

	start := time.Now()
	s.mu.Lock()
	ref, err := s.appendSegmentLocked(kind, payload, ao)
	s.mu.Unlock()
	s.opts.metricsCollector.RecordAppend(int(ref.Size), time.Since(start), err)
	s.log.LogAppend(ctx, kind.String(), len(payload), err)
	return ref, err
}

func (s *Store) appendSegmentLocked(kind SegmentKind, payload []byte, ao appendOpts) (SegmentRef, error) {
	if err := s.checkWritableLocked(); err != nil {
		return SegmentRef{}, err
	}
	if err := s.ensureWriterLocked(); err != nil {
		return SegmentRef{}, err
	}
	if err := s.seedPendingLocked(); err != nil {
		return SegmentRef{}, err
	}

	stored, err := manifest.Compress(ao.flags, payload)
	if err != nil {
		return SegmentRef{}, err
	}
	raw := format.EncodeSegmentHeader(format.SegmentHeader{
		Kind:          kind,
		Flags:         ao.flags,
		PayloadLength: uint64(len(stored)),
	})
	raw = append(raw, stored...)

	off := s.appendEnd
	if _, err := s.f.WriteAt(raw, int64(off)); err != nil {
		return SegmentRef{}, err
	}
	s.appendEnd += uint64(len(raw))

	rec := format.SegmentRecord{
		Kind:    kind,
		LayerID: ao.layerID,
		Flags:   ao.flags,
		Offset:  off,
		Size:    uint64(len(raw)),
		Hash:    format.Shake128(raw),
		Meta:    ao.meta,
	}
	s.pending = append(s.pending, rec)
	s.vectorsAdd += ao.vectorCount
	if kind == format.SegmentCentroid {
		s.centroids = true
	}

	return SegmentRef{
		Kind:    rec.Kind,
		LayerID: rec.LayerID,
		Offset:  rec.Offset,
		Size:    rec.Size,
		Hash:    rec.Hash,
	}, nil
}

// seedPendingLocked loads the committed directory into the pending record
// list the first time a commit cycle touches it.
func (s *Store) seedPendingLocked() error {
	if s.dirty {
		return nil
	}
	recs, err := s.chain.Directory(s.src)
	if err != nil {
		return err
	}
	s.pending = append([]format.SegmentRecord(nil), recs...)
	s.dirty = true
	return nil
}

// WriteManifest commits everything appended since the last commit: it
// appends a fresh Level 1 directory, then a fresh signed tail page with
// the epoch incremented. The store then re-mounts on the new manifest.
// With nothing pending it is a no-op.
func (s *Store) WriteManifest(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritableLocked(); err != nil {
		return err
	}
	if !s.dirty {
		return nil
	}
	err := s.commitLocked()
	s.log.LogManifest(ctx, s.chain.Level0().Epoch, len(s.pending), err)
	return err
}

func (s *Store) commitLocked() error {
	old := s.chain.Level0()
	if old.Signed() && len(s.opts.signKey) == 0 {
		return ErrNoSigningKey
	}
	if err := s.ensureWriterLocked(); err != nil {
		return err
	}

	// Directory segment first, then the tail page that points at it.
	l1payload := format.EncodeL1(s.pending)
	l1raw := format.EncodeSegmentHeader(format.SegmentHeader{
		Kind:          format.SegmentL1Directory,
		PayloadLength: uint64(len(l1payload)),
	})
	l1raw = append(l1raw, l1payload...)
	l1Off := s.appendEnd
	if _, err := s.f.WriteAt(l1raw, int64(l1Off)); err != nil {
		return err
	}

	next := *old
	next.Epoch = old.Epoch + 1
	next.TotalVectorCount = old.TotalVectorCount + s.vectorsAdd
	next.L1DirectoryOffset = l1Off
	next.L1DirectorySize = uint64(len(l1raw))
	next.Hotset = foldHotset(old.Hotset, s.pending)
	if s.centroids {
		next.CentroidEpoch = next.Epoch
	}

	page, err := signAndSerialize(&next, s.opts)
	if err != nil {
		return err
	}
	pageOff := l1Off + uint64(len(l1raw))
	if _, err := s.f.WriteAt(page, int64(pageOff)); err != nil {
		return err
	}
	if err := s.f.Sync(); err != nil {
		return err
	}

	return s.remountLocked(pageOff + format.Level0Size)
}

// remountLocked republishes the store over the file's new tail page. The
// old mapping is retired, not closed: mounted snapshots may still borrow
// from it.
func (s *Store) remountLocked(newEnd uint64) error {
	m, err := mmap.Open(s.path)
	if err != nil {
		return err
	}
	src := &mmapSource{m: m}
	raw, err := src.Slice(newEnd-format.Level0Size, format.Level0Size)
	if err != nil {
		src.Close()
		return err
	}
	page := append([]byte(nil), raw...)
	l0, err := format.ParseLevel0(page)
	if err != nil {
		src.Close()
		return err
	}

	s.retired = append(s.retired, s.src)
	s.src = src
	s.page = page
	s.chain = manifest.New(l0, security.Policy(s.opts.policy))
	s.appendEnd = newEnd
	s.hot = l0.Hotset
	s.pending = nil
	s.dirty = false
	s.vectorsAdd = 0
	s.centroids = false
	s.log = s.opts.logger.WithFile(l0.FileID, l0.Epoch)

	// The fresh chain supersedes the one the hotset was mounted under;
	// re-decode the hot pointers so the handle sees what it just
	// committed.
	s.hotMounted = false
	return s.mountHotsetLocked()
}

// foldHotset derives the Level 0 hotset from the directory: the latest
// record of each hot kind wins, and the top index layer is the one with
// the highest layer ordinal.
func foldHotset(base [format.NumHotPointers]format.HotPointer, recs []format.SegmentRecord) [format.NumHotPointers]format.HotPointer {
	hot := base
	topLayer := -1
	for _, r := range recs {
		p := format.HotPointer{Offset: r.Offset, Hash: r.Hash}
		switch r.Kind {
		case format.SegmentEntrypoint:
			hot[format.HotEntrypoint] = p
		case format.SegmentCentroid:
			hot[format.HotCentroid] = p
		case format.SegmentQuantDict:
			hot[format.HotQuantDict] = p
		case format.SegmentHotCache:
			hot[format.HotCache] = p
		case format.SegmentIndex:
			if int(r.LayerID) >= topLayer {
				topLayer = int(r.LayerID)
				hot[format.HotTopLayer] = p
			}
		}
	}
	return hot
}
