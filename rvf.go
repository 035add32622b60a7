// Package rvf implements the RuVector File format: a self-describing,
// append-only vector store in a single file that supports progressive
// index loading, integrity verification at every pointer dereference, and
// graceful quality degradation under partial data.
//
// A file is a sequence of typed segments followed by a fixed 4096-byte
// Level 0 manifest at the tail. Readers mount the tail page first, verify
// it according to a security policy, and then follow verified pointers
// inward: the hotset for first-query latency, the Level 1 directory for
// everything else. Queries run against whatever subset of the index is
// mounted and label every response with the quality that subset supports.
package rvf

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/index"
	"github.com/ruvector/rvf/internal/manifest"
	"github.com/ruvector/rvf/internal/mmap"
	"github.com/ruvector/rvf/internal/security"
)

// timeNow is indirected for tests.
var timeNow = time.Now

// preamble is the fixed 8 bytes at offset zero of every file. Segments
// start after it, so a zero offset in any pointer field means absent.
var preamble = [8]byte{'R', 'V', 'F', '1', 'S', 'E', 'G', 0}

const preambleSize = 8

// SegmentKind identifies the type of a stored segment.
type SegmentKind = format.SegmentKind

// Segment kinds.
const (
	SegmentVectorBlock = format.SegmentVectorBlock
	SegmentIndex       = format.SegmentIndex
	SegmentCentroid    = format.SegmentCentroid
	SegmentQuantDict   = format.SegmentQuantDict
	SegmentHotCache    = format.SegmentHotCache
	SegmentEntrypoint  = format.SegmentEntrypoint
)

// SegmentRef locates a stored segment and carries the content hash a
// future reader will verify it against.
type SegmentRef struct {
	Kind    SegmentKind
	LayerID uint8
	Offset  uint64
	Size    uint64
	Hash    [16]byte
}

// Store is a mounted RVF file. All methods are safe for concurrent use:
// queries run lock-free against immutable snapshots while mutations
// serialize behind a writer lock.
type Store struct {
	path string
	opts options
	log  *Logger

	mu         sync.Mutex
	src        byteSource
	retired    []byteSource
	f          *os.File
	page       []byte
	chain      *manifest.Chain
	table      *index.Table
	appendEnd  uint64
	pending    []format.SegmentRecord
	hot        [format.NumHotPointers]format.HotPointer
	vectorsAdd uint32
	centroids  bool // a centroid segment was appended since last commit
	dirty      bool
	hotMounted bool
	writable   bool
	closed     bool

	recompute atomic.Bool
}

// Open mounts the RVF file at path. The default policy is Strict: the
// manifest must verify against a trusted signer and the hotset is
// content-hash checked before the store is returned.
func Open(path string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	s, err := openFile(path, o)
	o.metricsCollector.RecordOpen(time.Since(start), err)
	o.logger.LogOpen(context.Background(), path, o.policy.String(), err)
	return s, err
}

func openFile(path string, o options) (*Store, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := mountSource(path, &mmapSource{m: m}, o)
	if err != nil {
		m.Close()
		return nil, err
	}
	return s, nil
}

// mountSource verifies the tail page under the policy and assembles a
// store over src. It is shared by Open and the seed bootstrap path.
func mountSource(path string, src byteSource, o options) (*Store, error) {
	size := src.Len()
	if size < format.Level0Size {
		return nil, fmt.Errorf("%w: file is %d bytes, smaller than the tail page", format.ErrInvalidMagic, size)
	}
	raw, err := src.Slice(size-format.Level0Size, format.Level0Size)
	if err != nil {
		return nil, err
	}
	page := append([]byte(nil), raw...)

	l0, err := format.ParseLevel0(page)
	if err != nil {
		return nil, err
	}
	if l0.Flags&format.FileFlagEncrypted != 0 {
		return nil, ErrEncrypted
	}

	pol := security.Policy(o.policy)
	if l0.Version == format.Version1 && !pol.AllowsLegacyLayout() {
		o.audit.Record(AuditEvent{
			Time: time.Now(), Type: AuditPolicyViolation,
			FileID: l0.FileID, Epoch: l0.Epoch,
			Code:   format.CodeVersionUnsupported,
			Detail: "legacy layout refused by policy " + pol.String(),
		})
		return nil, &policyViolationError{policy: o.policy, err: format.ErrVersionUnsupported}
	}

	if err := verifySignature(l0, page, pol, o); err != nil {
		return nil, err
	}

	s := &Store{
		path:      path,
		opts:      o,
		log:       o.logger.WithFile(l0.FileID, l0.Epoch),
		src:       src,
		page:      page,
		chain:     manifest.New(l0, pol),
		table:     index.NewTable(),
		appendEnd: size,
		hot:       l0.Hotset,
		writable:  !o.readOnly && path != "",
	}

	// Strict and Paranoid verify the hotset before the store is usable.
	// The lenient policies defer it to first query.
	if pol >= security.Strict {
		s.mu.Lock()
		err := s.mountHotsetLocked()
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// verifySignature applies the policy's signature rules to the parsed tail
// page. Strict and Paranoid reject anything that does not verify against
// the trust store; WarnOnly verifies opportunistically and only logs.
func verifySignature(l0 *format.Level0, page []byte, pol security.Policy, o options) error {
	audit := func(t AuditEventType, code, detail string) {
		o.audit.Record(AuditEvent{
			Time: time.Now(), Type: t,
			FileID: l0.FileID, Epoch: l0.Epoch,
			Code: code, Detail: detail,
		})
	}

	if pol.RequiresSignature() {
		ts := o.trust
		if ts == nil {
			ts = NewTrustStore()
		}
		if err := ts.inner.VerifyManifest(l0, page); err != nil {
			audit(AuditSignatureRejected, ErrorCode(err), err.Error())
			return &policyViolationError{policy: SecurityPolicy(pol), err: err}
		}
		audit(AuditSignatureVerified, "", l0.SigAlgo.String())
		return nil
	}

	if l0.Signed() && o.trust != nil {
		if err := o.trust.inner.VerifyManifest(l0, page); err != nil {
			audit(AuditSignatureRejected, ErrorCode(err), err.Error())
			o.logger.Warn("manifest signature did not verify; continuing under lenient policy",
				"policy", pol.String(), "error", err)
		} else {
			audit(AuditSignatureVerified, "", l0.SigAlgo.String())
		}
	}
	return nil
}

// OpenBytes mounts an RVF image held in memory. The store is read-only;
// it is the mount path for seed expansion and tests.
func OpenBytes(data []byte, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.readOnly = true
	return mountSource("", &memSource{data: data}, o)
}

// Policy returns the security policy the store was mounted with.
func (s *Store) Policy() SecurityPolicy { return s.opts.policy }

// FileID returns the stable identity of the file, preserved across
// compaction.
func (s *Store) FileID() uint64 { return s.chain.Level0().FileID }

// Epoch returns the manifest epoch of the mounted tail page.
func (s *Store) Epoch() uint32 { return s.chain.Level0().Epoch }

// VectorCount returns the total vector count recorded in the manifest.
func (s *Store) VectorCount() uint32 { return s.chain.Level0().TotalVectorCount }

// Dimension returns the vector dimensionality of the store.
func (s *Store) Dimension() int { return int(s.chain.Level0().Dimension) }

// ProfileID returns the deployment profile byte from the manifest.
func (s *Store) ProfileID() uint8 { return s.chain.Level0().ProfileID }

// BaseDtype returns the element encoding of stored vectors as its wire
// byte.
func (s *Store) BaseDtype() uint8 { return uint8(s.chain.Level0().BaseDtype) }

// CreatedNS returns the file creation timestamp in nanoseconds.
func (s *Store) CreatedNS() uint64 { return s.chain.Level0().CreatedNS }

// Status returns the mount state of the integrity chain.
func (s *Store) Status() string { return s.chain.Status().String() }

// ReadOnly reports whether mutations are currently refused.
func (s *Store) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.writable || !s.chain.Writable()
}

// FileSize returns the byte length of the mounted image, including the
// tail page.
func (s *Store) FileSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEnd
}

// Segments returns the committed segment directory. Uncommitted appends
// are not listed until WriteManifest publishes them.
func (s *Store) Segments(ctx context.Context) ([]SegmentRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsableLocked(); err != nil {
		return nil, err
	}
	records, err := s.chain.Directory(s.src)
	if err != nil {
		return nil, err
	}
	refs := make([]SegmentRef, 0, len(records))
	for _, rec := range records {
		refs = append(refs, SegmentRef{
			Kind:    rec.Kind,
			LayerID: rec.LayerID,
			Offset:  rec.Offset,
			Size:    rec.Size,
			Hash:    rec.Hash,
		})
	}
	return refs, nil
}

// ReadRange copies n raw bytes starting at off from the mounted image.
func (s *Store) ReadRange(off, n uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsableLocked(); err != nil {
		return nil, err
	}
	raw, err := s.src.Slice(off, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), raw...), nil
}

// DirectoryRegion returns the byte range of the committed Level 1
// directory segment, or (0, 0) when none has been written.
func (s *Store) DirectoryRegion() (offset, size uint64) {
	l0 := s.chain.Level0()
	return l0.L1DirectoryOffset, l0.L1DirectorySize
}

// RecomputePending reports whether epoch drift has exceeded the bound and
// a centroid rebuild should be scheduled.
func (s *Store) RecomputePending() bool { return s.recompute.Load() }

// Close releases the mapping and the write handle. The store is unusable
// afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.f != nil {
		if cerr := s.f.Close(); cerr != nil {
			err = cerr
		}
		s.f = nil
	}
	if cerr := s.src.Close(); cerr != nil && err == nil {
		err = cerr
	}
	for _, r := range s.retired {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	s.retired = nil
	return err
}

// checkUsable validates common preconditions for any operation.
// Callers must hold s.mu.
func (s *Store) checkUsableLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.chain.Status() == manifest.StatusFailed {
		return ErrStoreFailed
	}
	return nil
}

// checkWritable validates preconditions for mutations.
// Callers must hold s.mu.
func (s *Store) checkWritableLocked() error {
	if err := s.checkUsableLocked(); err != nil {
		return err
	}
	if !s.writable || !s.chain.Writable() {
		return ErrReadOnly
	}
	return nil
}

// ensureWriterLocked opens the append handle on first mutation.
func (s *Store) ensureWriterLocked() error {
	if s.f != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}
