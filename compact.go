package rvf

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/ruvector/rvf/internal/format"
)

// Compact rewrites the file with only live segments: the latest record of
// each singleton kind, every vector block, a fresh Level 1 directory, and
// a fresh signed tail page. The file identity survives; the epoch
// increments. The rewrite goes through a staging file and an atomic
// rename, so a crash at any point leaves either the old file or the new
// one, never a hybrid.
//
// Queries keep running against the pre-compaction snapshot until the swap
// completes.
func (s *Store) Compact(ctx context.Context) (reclaimed uint64, err error) {
	start := time.Now()
	s.mu.Lock()
	reclaimed, err = s.compactLocked(ctx)
	after := s.appendEnd
	l0 := s.chain.Level0()
	s.mu.Unlock()
	s.opts.metricsCollector.RecordCompact(reclaimed, time.Since(start), err)
	s.log.LogCompact(ctx, after+reclaimed, after, err)
	if err == nil {
		s.opts.audit.Record(AuditEvent{
			Time: timeNow(), Type: AuditCompaction,
			FileID: l0.FileID,
			Epoch:  l0.Epoch,
			Detail: fmt.Sprintf("reclaimed %d bytes", reclaimed),
		})
	}
	return reclaimed, err
}

func (s *Store) compactLocked(ctx context.Context) (uint64, error) {
	if err := s.checkWritableLocked(); err != nil {
		return 0, err
	}
	old := s.chain.Level0()
	if old.Signed() && len(s.opts.signKey) == 0 {
		return 0, ErrNoSigningKey
	}
	if s.dirty {
		return 0, fmt.Errorf("rvf: uncommitted appends; call WriteManifest before Compact")
	}

	records, err := s.chain.Directory(s.src)
	if err != nil {
		return 0, err
	}
	live := liveSet(records)

	staging := s.path + ".compact." + uuid.NewString()
	f, err := os.OpenFile(staging, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	defer func() {
		if f != nil {
			f.Close()
			os.Remove(staging)
		}
	}()

	if _, err := f.Write(preamble[:]); err != nil {
		return 0, err
	}
	off := uint64(preambleSize)

	fresh := make([]format.SegmentRecord, 0, live.GetCardinality())
	for i, rec := range records {
		if !live.Contains(uint32(i)) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		raw, err := s.src.Slice(rec.Offset, rec.Size)
		if err != nil {
			return 0, err
		}
		if err := s.chain.VerifyStored(rec, raw); err != nil {
			return 0, err
		}
		if _, err := f.Write(raw); err != nil {
			return 0, err
		}
		moved := rec
		moved.Offset = off
		moved.Hash = format.Shake128(raw)
		fresh = append(fresh, moved)
		off += rec.Size
	}

	l1payload := format.EncodeL1(fresh)
	l1raw := format.EncodeSegmentHeader(format.SegmentHeader{
		Kind:          format.SegmentL1Directory,
		PayloadLength: uint64(len(l1payload)),
	})
	l1raw = append(l1raw, l1payload...)
	if _, err := f.Write(l1raw); err != nil {
		return 0, err
	}

	next := *old
	next.Epoch = old.Epoch + 1
	next.L1DirectoryOffset = off
	next.L1DirectorySize = uint64(len(l1raw))
	next.Hotset = foldHotset([format.NumHotPointers]format.HotPointer{}, fresh)
	off += uint64(len(l1raw))

	page, err := signAndSerialize(&next, s.opts)
	if err != nil {
		return 0, err
	}
	if _, err := f.Write(page); err != nil {
		return 0, err
	}
	if err := f.Sync(); err != nil {
		return 0, err
	}
	if err := f.Close(); err != nil {
		f = nil
		os.Remove(staging)
		return 0, err
	}
	f = nil

	if err := os.Rename(staging, s.path); err != nil {
		os.Remove(staging)
		return 0, err
	}

	oldEnd := s.appendEnd
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	if err := s.remountLocked(off + format.Level0Size); err != nil {
		return 0, err
	}
	if oldEnd > s.appendEnd {
		return oldEnd - s.appendEnd, nil
	}
	return 0, nil
}

// liveSet marks which directory records survive compaction: the last
// record of each singleton kind (per index layer) and every vector block.
func liveSet(records []format.SegmentRecord) *roaring.Bitmap {
	live := roaring.New()
	type slot struct {
		kind  format.SegmentKind
		layer uint8
	}
	latest := make(map[slot]int)
	for i, rec := range records {
		switch rec.Kind {
		case format.SegmentVectorBlock:
			live.Add(uint32(i))
		case format.SegmentL1Directory:
			// Directories are rewritten, never copied.
		default:
			latest[slot{rec.Kind, rec.LayerID}] = i
		}
	}
	for _, i := range latest {
		live.Add(uint32(i))
	}
	return live
}
