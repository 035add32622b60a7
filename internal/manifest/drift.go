package manifest

// DefaultMaxEpochDrift is the centroid staleness bound written into new
// manifests when the caller does not configure one.
const DefaultMaxEpochDrift = 64

// DriftNProbe widens the centroid probe width as the centroid set goes
// stale. Up to half the allowed drift the base width holds; beyond that it
// widens linearly up to 2x at the bound. Past the bound the width stays at
// 2x and recompute reports true: the caller should schedule a centroid
// rebuild.
func DriftNProbe(base uint32, drift, maxDrift uint32) (nProbe uint32, recompute bool) {
	if base == 0 {
		base = 1
	}
	if maxDrift == 0 {
		maxDrift = DefaultMaxEpochDrift
	}
	half := maxDrift / 2
	switch {
	case drift <= half:
		return base, false
	case drift <= maxDrift:
		span := maxDrift - half
		return base + uint32(uint64(base)*uint64(drift-half)/uint64(span)), false
	default:
		return 2 * base, true
	}
}
