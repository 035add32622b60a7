package rvf

import (
	"context"
	"fmt"

	"github.com/ruvector/rvf/internal/format"
	"github.com/ruvector/rvf/internal/index"
)

// Tier identifies one step of the progressive mount order. Lower tiers
// carry more answer-per-byte and mount first.
type Tier int

const (
	TierHotset      Tier = iota // entrypoint, top layer, centroids
	TierHotCache                // pinned raw vectors
	TierLayerA                  // upper HNSW layers from the directory
	TierQuantDict               // PQ codebook
	TierLayerB                  // mid HNSW layers
	TierFullVectors             // all vector blocks
	TierLayerC                  // full bottom layer
)

func (t Tier) String() string {
	switch t {
	case TierHotset:
		return "hotset"
	case TierHotCache:
		return "hot_cache"
	case TierLayerA:
		return "layer_a"
	case TierQuantDict:
		return "quant_dict"
	case TierLayerB:
		return "layer_b"
	case TierFullVectors:
		return "full_vectors"
	case TierLayerC:
		return "layer_c"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// mountHotsetLocked decodes the segments behind the Level 0 hotset
// pointers into the mount table. It runs once; under the lenient policies
// the first query triggers it, and a WarnOnly hash mismatch demotes the
// store to read-only while leaving already-mounted tiers usable.
func (s *Store) mountHotsetLocked() error {
	if s.hotMounted {
		return nil
	}
	s.hotMounted = true

	var firstErr error
	record := func(idx format.HotPointerIndex, err error) {
		s.opts.audit.Record(AuditEvent{
			Time: timeNow(), Type: AuditHashMismatch,
			FileID:  s.chain.Level0().FileID,
			Epoch:   s.chain.Level0().Epoch,
			Code:    ErrorCode(err),
			Pointer: idx.FieldName(),
			Offset:  s.chain.Level0().Hotset[idx].Offset,
			Detail:  err.Error(),
		})
		if firstErr == nil {
			firstErr = err
		}
	}

	for idx := format.HotPointerIndex(0); idx < format.NumHotPointers; idx++ {
		payload, err := s.chain.HotPayload(s.src, idx)
		if err != nil {
			record(idx, err)
			s.log.LogMount(context.Background(), idx.FieldName(), err)
			continue
		}
		if payload == nil {
			continue
		}
		if err := s.mountHotPayload(idx, payload); err != nil {
			record(idx, err)
			s.log.LogMount(context.Background(), idx.FieldName(), err)
		}
	}
	return firstErr
}

func (s *Store) mountHotPayload(idx format.HotPointerIndex, payload []byte) error {
	switch idx {
	case format.HotEntrypoint:
		e, err := index.DecodeEntrypoint(payload)
		if err != nil {
			return err
		}
		s.table.MountEntrypoint(e)
	case format.HotTopLayer:
		g, err := index.DecodeGraphLayer(payload)
		if err != nil {
			return err
		}
		s.table.MountLayer(g)
	case format.HotCentroid:
		c, err := index.DecodeCentroidSet(payload)
		if err != nil {
			return err
		}
		s.table.MountCentroids(c)
	case format.HotQuantDict:
		c, err := index.DecodeCodebook(payload)
		if err != nil {
			return err
		}
		s.table.MountCodebook(c)
	case format.HotCache:
		blocks, err := index.DecodeHotCache(payload)
		if err != nil {
			return err
		}
		s.table.MountHotCache(blocks)
	}
	return nil
}

// MountTier loads one tier of the progressive mount order. Mounting is
// additive and idempotent: a superseded segment for an already-mounted
// slot simply replaces it in the next snapshot.
func (s *Store) MountTier(ctx context.Context, t Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUsableLocked(); err != nil {
		return err
	}
	err := s.mountTierLocked(ctx, t)
	s.log.LogMount(ctx, t.String(), err)
	return err
}

// MountAll loads every tier in priority order, stopping at the first
// error or context cancellation.
func (s *Store) MountAll(ctx context.Context) error {
	for t := TierHotset; t <= TierLayerC; t++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.MountTier(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) mountTierLocked(ctx context.Context, t Tier) error {
	switch t {
	case TierHotset, TierHotCache:
		// Both live behind Level 0 pointers and mount together.
		return s.mountHotsetLocked()
	}

	records, err := s.chain.Directory(s.src)
	if err != nil {
		return err
	}
	st := s.table.Load()
	maxLevel := 0
	if st.Entry != nil {
		maxLevel = int(st.Entry.MaxLevel)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		var want bool
		switch t {
		case TierLayerA:
			want = rec.Kind == format.SegmentIndex && int(rec.LayerID) == maxLevel
		case TierQuantDict:
			want = rec.Kind == format.SegmentQuantDict
		case TierLayerB:
			want = rec.Kind == format.SegmentIndex && int(rec.LayerID) > 0 && int(rec.LayerID) < maxLevel
		case TierFullVectors:
			want = rec.Kind == format.SegmentVectorBlock
		case TierLayerC:
			want = rec.Kind == format.SegmentIndex && rec.LayerID == 0
		}
		if !want {
			continue
		}
		if err := s.mountRecordLocked(rec); err != nil {
			return err
		}
	}
	return nil
}

// mountRecordLocked decodes one directory record into the mount table.
func (s *Store) mountRecordLocked(rec format.SegmentRecord) error {
	payload, err := s.chain.SegmentPayload(s.src, rec)
	if err != nil {
		return err
	}
	switch rec.Kind {
	case format.SegmentIndex:
		g, err := index.DecodeGraphLayer(payload)
		if err != nil {
			return err
		}
		s.table.MountLayer(g)
	case format.SegmentVectorBlock:
		vb, err := index.DecodeVectorBlock(payload)
		if err != nil {
			return err
		}
		s.table.MountBlock(vb)
	case format.SegmentCentroid:
		c, err := index.DecodeCentroidSet(payload)
		if err != nil {
			return err
		}
		s.table.MountCentroids(c)
	case format.SegmentQuantDict:
		c, err := index.DecodeCodebook(payload)
		if err != nil {
			return err
		}
		s.table.MountCodebook(c)
	case format.SegmentEntrypoint:
		e, err := index.DecodeEntrypoint(payload)
		if err != nil {
			return err
		}
		s.table.MountEntrypoint(e)
	case format.SegmentHotCache:
		blocks, err := index.DecodeHotCache(payload)
		if err != nil {
			return err
		}
		s.table.MountHotCache(blocks)
	}
	return nil
}

// MountedTiers reports which tiers the current snapshot can serve.
func (s *Store) MountedTiers() []Tier {
	st := s.table.Load()
	var tiers []Tier
	if st.Entry != nil || st.Centroids != nil {
		tiers = append(tiers, TierHotset)
	}
	if len(st.HotCache) > 0 {
		tiers = append(tiers, TierHotCache)
	}
	if st.LayerAMounted() {
		tiers = append(tiers, TierLayerA)
	}
	if st.Codebook != nil {
		tiers = append(tiers, TierQuantDict)
	}
	if st.LayerBMounted() {
		tiers = append(tiers, TierLayerB)
	}
	if st.HasFullVectors() {
		tiers = append(tiers, TierFullVectors)
	}
	if st.LayerCMounted() {
		tiers = append(tiers, TierLayerC)
	}
	return tiers
}
