package index

import (
	"math"
	"sort"

	"github.com/ruvector/rvf/internal/math32"
	"github.com/ruvector/rvf/internal/searcher"
)

// DegenerateCVThreshold is the coefficient-of-variation floor below which
// a centroid distance distribution carries no routing signal. Calibrated
// against neural embedding distributions; tune per corpus via the store
// option when deploying against a new distribution family.
const DegenerateCVThreshold = 0.05

// degenerateMeanEpsilon guards the CV division when every centroid sits
// on top of the query.
const degenerateMeanEpsilon = 1e-9

// ProbeResult is the outcome of the coarse centroid routing step.
type ProbeResult struct {
	BlockIDs        []uint32
	EffectiveNProbe int
	Degenerate      bool
	CV              float64
	Mean            float64
}

// WidenedNProbe returns the degenerate-distribution fallback width:
// 4x the base probe, capped at ceil(sqrt(K)) so huge centroid sets do
// not blow the latency contract.
func WidenedNProbe(baseNProbe, k int) int {
	widened := 4 * baseNProbe
	if cap := int(math.Ceil(math.Sqrt(float64(k)))); cap < widened {
		widened = cap
	}
	if widened < baseNProbe {
		widened = baseNProbe
	}
	return widened
}

// Probe computes query-to-centroid distances, checks the distribution for
// degeneracy, widens the probe width when it finds it, and gathers the
// vector block ids routed through the selected centroids.
//
// nProbe is the drift-adjusted probe width; the degeneracy fallback is
// still bounded by 4x the caller's base width. A non-positive cvThreshold
// selects DegenerateCVThreshold.
func Probe(s *searcher.Searcher, cs *CentroidSet, query []float32, nProbe, baseNProbe int, cvThreshold float64) ProbeResult {
	if cvThreshold <= 0 {
		cvThreshold = DegenerateCVThreshold
	}
	k := cs.K()
	if k == 0 || nProbe <= 0 {
		return ProbeResult{EffectiveNProbe: 0}
	}

	dists := s.CentroidDistances[:0]
	for i := 0; i < k; i++ {
		dists = append(dists, searcher.Candidate{
			ID:       uint64(i),
			Distance: math32.SquaredL2(query, cs.Centroid(i)),
		})
	}
	s.CentroidDistances = dists
	s.OpsPerformed += k

	sort.Slice(dists, func(i, j int) bool {
		if dists[i].Distance != dists[j].Distance {
			return dists[i].Distance < dists[j].Distance
		}
		return dists[i].ID < dists[j].ID
	})

	res := ProbeResult{EffectiveNProbe: min(nProbe, k)}

	// Degeneracy check over the top 2*nProbe distances: a flat
	// distribution means centroid routing is not discriminating.
	window := min(2*nProbe, k)
	mean, stddev := meanStddev(dists[:window])
	res.Mean = mean
	if mean < degenerateMeanEpsilon {
		res.Degenerate = true
		res.CV = 0
	} else {
		res.CV = stddev / mean
		res.Degenerate = res.CV < cvThreshold
	}
	if res.Degenerate {
		// Widening never narrows a probe the drift path already opened,
		// and the combined width stays within 4x the base.
		widened := WidenedNProbe(baseNProbe, k)
		if widened < nProbe {
			widened = nProbe
		}
		res.EffectiveNProbe = min(widened, k)
	}

	seen := make(map[uint32]struct{})
	for _, c := range dists[:res.EffectiveNProbe] {
		for _, b := range cs.Blocks(int(c.ID)) {
			if _, ok := seen[b]; !ok {
				seen[b] = struct{}{}
				res.BlockIDs = append(res.BlockIDs, b)
			}
		}
	}
	return res
}

func meanStddev(cands []searcher.Candidate) (mean, stddev float64) {
	if len(cands) == 0 {
		return 0, 0
	}
	for _, c := range cands {
		mean += float64(c.Distance)
	}
	mean /= float64(len(cands))
	var varSum float64
	for _, c := range cands {
		d := float64(c.Distance) - mean
		varSum += d * d
	}
	return mean, math.Sqrt(varSum / float64(len(cands)))
}
