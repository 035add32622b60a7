package rvf

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ruvector/rvf/distance"
	"github.com/ruvector/rvf/internal/index"
	"github.com/ruvector/rvf/internal/manifest"
	"github.com/ruvector/rvf/internal/searcher"
	"github.com/ruvector/rvf/internal/security"
)

// RetrievalQuality labels how a single result was obtained. Values are
// wire-stable.
type RetrievalQuality uint8

const (
	// RetrievalFull: full graph traversal over full-precision vectors.
	RetrievalFull RetrievalQuality = 0x00

	// RetrievalPartial: traversal ran with some index layers or vector
	// tiers unmounted.
	RetrievalPartial RetrievalQuality = 0x01

	// RetrievalLayerAOnly: only the coarse top layer was available.
	RetrievalLayerAOnly RetrievalQuality = 0x02

	// RetrievalDegenerate: the centroid distance distribution was too
	// flat to trust the probe ranking.
	RetrievalDegenerate RetrievalQuality = 0x03

	// RetrievalBruteForce: the result came from the budgeted linear scan
	// safety net.
	RetrievalBruteForce RetrievalQuality = 0x04
)

func (q RetrievalQuality) String() string {
	switch q {
	case RetrievalFull:
		return "Full"
	case RetrievalPartial:
		return "Partial"
	case RetrievalLayerAOnly:
		return "LayerAOnly"
	case RetrievalDegenerate:
		return "DegenerateDetected"
	case RetrievalBruteForce:
		return "BruteForceBudgeted"
	default:
		return fmt.Sprintf("RetrievalQuality(%d)", uint8(q))
	}
}

// ResponseQuality summarizes an entire response.
type ResponseQuality uint8

const (
	// ResponseVerified: full-quality results over a verified integrity
	// chain.
	ResponseVerified ResponseQuality = iota

	// ResponseUsable: results are trustworthy but obtained from a partial
	// mount.
	ResponseUsable

	// ResponseDegraded: quality reduced; the Reason field says why.
	ResponseDegraded

	// ResponseUnreliable: the caller should not act on these results
	// without widening budgets or completing the mount.
	ResponseUnreliable
)

func (q ResponseQuality) String() string {
	switch q {
	case ResponseVerified:
		return "Verified"
	case ResponseUsable:
		return "Usable"
	case ResponseDegraded:
		return "Degraded"
	case ResponseUnreliable:
		return "Unreliable"
	default:
		return fmt.Sprintf("ResponseQuality(%d)", uint8(q))
	}
}

// DegradationKind discriminates DegradationReason.
type DegradationKind uint8

const (
	DegradeBudgetExhausted DegradationKind = iota + 1
	DegradeDegenerateDistribution
	DegradeInsufficientCandidates
	DegradePartialMount
)

// DegradationReason explains a Degraded or Unreliable response with the
// numbers that justify it.
type DegradationReason struct {
	Kind      DegradationKind
	Scanned   int     // vectors visited by the safety net
	Available int     // vectors it could have visited
	CV        float64 // observed coefficient of variation
	Threshold float64 // configured degeneracy threshold
}

func (r *DegradationReason) String() string {
	switch r.Kind {
	case DegradeBudgetExhausted:
		return fmt.Sprintf("budget exhausted after %d of %d vectors", r.Scanned, r.Available)
	case DegradeDegenerateDistribution:
		return fmt.Sprintf("degenerate centroid distribution: cv %.4f < %.4f", r.CV, r.Threshold)
	case DegradeInsufficientCandidates:
		return fmt.Sprintf("only %d candidates available", r.Scanned)
	case DegradePartialMount:
		return "index partially mounted"
	default:
		return "unknown"
	}
}

// Query is one k-nearest-neighbor request.
type Query struct {
	// Vector is the query point. Its length must match the store
	// dimension.
	Vector []float32

	// K is the number of neighbors requested.
	K int

	// NProbe overrides the manifest's base centroid probe width.
	// Zero means use the stored default.
	NProbe uint32

	// EfSearch overrides the manifest's default beam width.
	// Zero means use the stored default.
	EfSearch uint32

	// TimeBudgetUS bounds the brute-force safety net in microseconds.
	// Zero disables the net.
	TimeBudgetUS uint64

	// CandidateBudget bounds how many vectors the safety net may visit.
	// Zero disables the net.
	CandidateBudget uint32
}

// Result is one neighbor with the quality label its retrieval earned.
type Result struct {
	ID       uint64
	Distance float32
	Quality  RetrievalQuality
}

// QueryResponse carries results plus everything the caller needs to
// decide how much to trust them.
type QueryResponse struct {
	Results []Result
	Quality ResponseQuality

	// Reason is set when Quality is Degraded or Unreliable.
	Reason *DegradationReason

	// Degenerate reports that the centroid probe hit a flat distance
	// distribution and the probe width was widened.
	Degenerate bool

	// EffectiveNProbe is the probe width actually used, after epoch-drift
	// and degeneracy widening.
	EffectiveNProbe uint32

	// EpochDrift is epoch - centroid_epoch at query time.
	EpochDrift uint32

	// RecomputeRecommended is set when drift exceeded the manifest bound.
	RecomputeRecommended bool

	// Safety net accounting.
	Scanned                  int
	TimeBudgetExhausted      bool
	CandidateBudgetExhausted bool
}

// Query runs the progressive pipeline: centroid probe with degeneracy
// detection, graph traversal over whatever layers are mounted, candidate
// consolidation, and the budgeted brute-force net when the candidate set
// is too thin. It never blocks on unmounted tiers.
func (s *Store) Query(ctx context.Context, q Query) (*QueryResponse, error) {
	start := time.Now()
	resp, err := s.query(ctx, q)
	s.opts.metricsCollector.RecordQuery(q.K, time.Since(start), err)
	if err != nil {
		s.log.LogQuery(ctx, q.K, 0, "", err)
	} else {
		s.log.LogQuery(ctx, q.K, len(resp.Results), resp.Quality.String(), nil)
	}
	return resp, err
}

func (s *Store) query(ctx context.Context, q Query) (*QueryResponse, error) {
	if q.K <= 0 {
		return nil, ErrInvalidK
	}

	// Lazy hotset mount (WarnOnly and Permissive defer it to here), plus
	// a consistent read of the manifest parameters.
	s.mu.Lock()
	if err := s.checkUsableLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	mountErr := s.mountHotsetLocked()
	l0 := s.chain.Level0()
	dim := int(l0.Dimension)
	baseNProbe := l0.BaseNProbe
	efDefault := l0.EfSearchDefault
	drift := l0.EpochDrift()
	maxDrift := l0.MaxEpochDrift
	s.mu.Unlock()
	if mountErr != nil {
		return nil, mountErr
	}

	if len(q.Vector) != dim {
		return nil, fmt.Errorf("%w: query has %d, store has %d", ErrDimensionMismatch, len(q.Vector), dim)
	}
	if q.NProbe != 0 {
		baseNProbe = q.NProbe
	}
	ef := efDefault
	if q.EfSearch != 0 {
		ef = q.EfSearch
	}
	if ef < uint32(q.K) {
		ef = uint32(q.K)
	}

	// Stale centroids widen the probe; past the bound they also raise the
	// recompute signal, once.
	nProbe, recompute := manifest.DriftNProbe(baseNProbe, drift, maxDrift)
	if recompute && !s.recompute.Swap(true) {
		s.log.LogRecompute(ctx, drift, maxDrift)
		s.opts.audit.Record(AuditEvent{
			Time: timeNow(), Type: AuditRecomputeSignal,
			FileID: l0.FileID, Epoch: l0.Epoch,
			Detail: fmt.Sprintf("epoch drift %d exceeds bound %d", drift, maxDrift),
		})
	}

	st := s.table.Load()
	sr := searcher.Get()
	defer searcher.Put(sr)

	dist := s.distFunc(st, sr, q.Vector)

	resp := &QueryResponse{
		EffectiveNProbe:      nProbe,
		EpochDrift:           drift,
		RecomputeRecommended: recompute,
	}

	// Stage 1: centroid probe.
	var probed index.ProbeResult
	if st.Centroids != nil {
		probed = index.Probe(sr, st.Centroids, q.Vector, int(nProbe), int(baseNProbe), s.opts.cvThreshold)
		resp.EffectiveNProbe = uint32(probed.EffectiveNProbe)
		resp.Degenerate = probed.Degenerate
	}

	// Stage 2: graph traversal over mounted layers.
	graphCands, err := index.SearchGraph(ctx, sr, st, q.Vector, int(ef), dist)
	if err != nil {
		return nil, err
	}

	// Stage 3: consolidation. Graph candidates merge with exact scans of
	// the blocks the probe selected.
	merged := make(map[uint64]float32, len(graphCands)+q.K*2)
	for _, c := range graphCands {
		merged[c.ID] = c.Distance
	}
	s.scanProbedBlocks(st, probed.BlockIDs, q.Vector, merged)

	bfSources := make(map[uint64]struct{})

	// Stage 4: safety net when the candidate set is too thin.
	netEnabled := q.TimeBudgetUS > 0 && q.CandidateBudget > 0
	if netEnabled && len(merged) < 2*q.K {
		s.runSafetyNet(ctx, st, q, merged, bfSources, resp)
	}

	// Stage 5: rank with a stable tie-break on ID.
	results := make([]Result, 0, len(merged))
	base := baseRetrievalQuality(st)
	for id, d := range merged {
		rq := base
		if _, bf := bfSources[id]; bf {
			rq = RetrievalBruteForce
		} else if probed.Degenerate {
			rq = RetrievalDegenerate
		}
		results = append(results, Result{ID: id, Distance: d, Quality: rq})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > q.K {
		results = results[:q.K]
	}
	resp.Results = results

	s.assignResponseQuality(st, q, probed, netEnabled, resp)
	return resp, nil
}

// distFunc builds the per-node distance function for the mounted state:
// exact over mounted full-precision vectors, asymmetric PQ distance when
// only codes are available.
func (s *Store) distFunc(st *index.State, sr *searcher.Searcher, query []float32) index.DistFunc {
	var adc []float32
	if st.Codebook != nil {
		adc = st.Codebook.ADCTable(query, sr.ScratchVec[:0])
	}
	return func(id uint64) (float32, bool) {
		if vec, ok := st.Vector(id, nil); ok {
			return distance.SquaredL2(query, vec), true
		}
		if adc != nil {
			if code, ok := st.Code(id); ok {
				return st.Codebook.ADCDistance(adc, code), true
			}
		}
		return 0, false
	}
}

// scanProbedBlocks adds exact distances for every vector in the blocks
// the centroid probe selected, when those blocks are mounted.
func (s *Store) scanProbedBlocks(st *index.State, blockIDs []uint32, query []float32, merged map[uint64]float32) {
	for _, bid := range blockIDs {
		vb := st.BlockByID(bid)
		if vb == nil {
			continue
		}
		scanBlock(vb, query, func(id uint64, d float32) {
			if old, ok := merged[id]; !ok || d < old {
				merged[id] = d
			}
		})
	}
}

// baseRetrievalQuality maps mount coverage to the quality a graph result
// earns.
func baseRetrievalQuality(st *index.State) RetrievalQuality {
	switch {
	case st.LayerCMounted() && st.HasFullVectors():
		return RetrievalFull
	case st.LayerBMounted() || st.LayerCMounted():
		return RetrievalPartial
	case st.LayerAMounted():
		return RetrievalLayerAOnly
	default:
		return RetrievalPartial
	}
}

// assignResponseQuality folds per-result labels, candidate volume, and
// budget outcomes into the response-level verdict.
func (s *Store) assignResponseQuality(st *index.State, q Query, probed index.ProbeResult, netEnabled bool, resp *QueryResponse) {
	n := len(resp.Results)
	available := st.TotalVectors()
	budgetStopped := resp.TimeBudgetExhausted || resp.CandidateBudgetExhausted

	// A corpus smaller than the ask cannot be held against the results.
	smallCorpus := available > 0 && n >= available

	switch {
	case n < q.K && !smallCorpus:
		resp.Quality = ResponseUnreliable
		resp.Reason = &DegradationReason{Kind: DegradeInsufficientCandidates, Scanned: n}
	case netEnabled && budgetStopped && n < 2*q.K && !smallCorpus:
		resp.Quality = ResponseUnreliable
		resp.Reason = &DegradationReason{
			Kind:      DegradeBudgetExhausted,
			Scanned:   resp.Scanned,
			Available: available,
		}
	default:
		worst := RetrievalFull
		for _, r := range resp.Results {
			if r.Quality > worst {
				worst = r.Quality
			}
		}
		switch {
		case worst == RetrievalFull:
			if security.Policy(s.opts.policy).RequiresSignature() {
				resp.Quality = ResponseVerified
			} else {
				resp.Quality = ResponseUsable
			}
		case worst <= RetrievalLayerAOnly:
			resp.Quality = ResponseUsable
		default:
			resp.Quality = ResponseDegraded
			if probed.Degenerate {
				resp.Reason = &DegradationReason{
					Kind:      DegradeDegenerateDistribution,
					CV:        probed.CV,
					Threshold: s.opts.cvThreshold,
				}
			} else if budgetStopped {
				resp.Reason = &DegradationReason{
					Kind:      DegradeBudgetExhausted,
					Scanned:   resp.Scanned,
					Available: available,
				}
			} else {
				resp.Reason = &DegradationReason{Kind: DegradePartialMount}
			}
		}
	}
}
