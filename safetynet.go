package rvf

import (
	"context"
	"time"

	"github.com/ruvector/rvf/distance"
	"github.com/ruvector/rvf/internal/index"
)

// deadlineCheckStride bounds how many vectors the safety net scans
// between deadline checks.
const deadlineCheckStride = 64

// scanBlock computes exact distances for every vector in a raw block.
func scanBlock(vb *index.VectorBlock, query []float32, emit func(id uint64, d float32)) {
	if vb.PQ() {
		return
	}
	var buf []float32
	for i := 0; i < vb.Count; i++ {
		buf = vb.Vector(i, buf)
		emit(vb.FirstID+uint64(i), distance.SquaredL2(query, buf))
	}
}

// runSafetyNet is the dual-budgeted brute-force fallback: when graph and
// centroid stages produced fewer than 2k candidates, it scans raw vector
// blocks in stored order until the candidate set fills out, the time
// budget expires, or the visit budget is spent. Termination happens at an
// iteration boundary, so a pathological block size cannot overshoot the
// deadline by more than one stride.
func (s *Store) runSafetyNet(ctx context.Context, st *index.State, q Query, merged map[uint64]float32, bfSources map[uint64]struct{}, resp *QueryResponse) {
	deadline := timeNow().Add(time.Duration(q.TimeBudgetUS) * time.Microsecond)
	budget := int(q.CandidateBudget)
	scanned := 0

	var buf []float32
	seen := make(map[uint32]struct{})

	scan := func(vb *index.VectorBlock) bool {
		if vb.PQ() {
			return true
		}
		if _, dup := seen[vb.BlockID]; dup {
			return true
		}
		seen[vb.BlockID] = struct{}{}

		for i := 0; i < vb.Count; i++ {
			if scanned >= budget {
				resp.CandidateBudgetExhausted = true
				return false
			}
			if scanned%deadlineCheckStride == 0 {
				if ctx.Err() != nil {
					return false
				}
				if !timeNow().Before(deadline) {
					resp.TimeBudgetExhausted = true
					return false
				}
			}
			id := vb.FirstID + uint64(i)
			buf = vb.Vector(i, buf)
			d := distance.SquaredL2(q.Vector, buf)
			scanned++
			if old, ok := merged[id]; ok {
				if d < old {
					merged[id] = d
				}
				continue
			}
			merged[id] = d
			bfSources[id] = struct{}{}
		}
		return true
	}

	for _, vb := range st.HotCache {
		if !scan(vb) {
			break
		}
	}
	if !resp.TimeBudgetExhausted && !resp.CandidateBudgetExhausted {
		for _, vb := range st.Blocks {
			if !scan(vb) {
				break
			}
		}
	}

	resp.Scanned = scanned
	s.opts.metricsCollector.RecordBruteForceScan(scanned,
		resp.TimeBudgetExhausted || resp.CandidateBudgetExhausted)
}
