package index

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Tier names the progressive mount tiers in priority order. Higher tiers
// raise the reachable retrieval quality; none are required beyond the
// Level 0 hotset.
type Tier int

const (
	TierHotset Tier = iota
	TierHotCache
	TierLayerA
	TierQuantDict
	TierLayerB
	TierFullVectors
	TierLayerC
)

func (t Tier) String() string {
	switch t {
	case TierHotset:
		return "hotset"
	case TierHotCache:
		return "hot_cache"
	case TierLayerA:
		return "hnsw_layer_a"
	case TierQuantDict:
		return "quant_dict"
	case TierLayerB:
		return "hnsw_layer_b"
	case TierFullVectors:
		return "full_vectors"
	case TierLayerC:
		return "hnsw_layer_c"
	default:
		return "unknown"
	}
}

// State is an immutable snapshot of everything mounted so far. Queries
// take a State at entry and never observe later mutations; mounts publish
// a strictly-larger copy.
type State struct {
	Entry     *Entrypoint
	Layers    map[uint8]*GraphLayer // keyed by HNSW level
	Centroids *CentroidSet
	Codebook  *Codebook
	HotCache  []*VectorBlock
	Blocks    []*VectorBlock // warm tier, sorted by FirstID
}

// MaxMountedLevel returns the highest mounted HNSW level, or -1 when no
// layers are mounted.
func (st *State) MaxMountedLevel() int {
	maxLevel := -1
	for level := range st.Layers {
		if int(level) > maxLevel {
			maxLevel = int(level)
		}
	}
	return maxLevel
}

// LayerAMounted reports whether the top-of-graph layer is available.
func (st *State) LayerAMounted() bool {
	if st.Entry == nil {
		return false
	}
	_, ok := st.Layers[st.Entry.MaxLevel]
	return ok
}

// LayerBMounted reports whether any middle layer is available.
func (st *State) LayerBMounted() bool {
	if st.Entry == nil {
		return false
	}
	for level := range st.Layers {
		if level != 0 && level != st.Entry.MaxLevel {
			return true
		}
	}
	// A two-level graph has no middle; treat the top as covering B.
	return st.Entry.MaxLevel <= 1 && st.LayerAMounted()
}

// LayerCMounted reports whether the bottom (full) layer is available.
func (st *State) LayerCMounted() bool {
	_, ok := st.Layers[0]
	return ok
}

// HasFullVectors reports whether the warm tier is mounted.
func (st *State) HasFullVectors() bool { return len(st.Blocks) > 0 }

// Vector resolves an internal id to its full-precision vector, searching
// the warm tier first and the hot cache second.
func (st *State) Vector(id uint64, dst []float32) ([]float32, bool) {
	if vb := st.findBlock(id); vb != nil && !vb.PQ() {
		return vb.Vector(int(id-vb.FirstID), dst), true
	}
	for _, vb := range st.HotCache {
		if vb.Contains(id) && !vb.PQ() {
			return vb.Vector(int(id-vb.FirstID), dst), true
		}
	}
	return nil, false
}

// Code resolves an internal id to its PQ code when the warm tier stores
// quantized blocks.
func (st *State) Code(id uint64) ([]byte, bool) {
	if st.Codebook == nil {
		return nil, false
	}
	if vb := st.findBlock(id); vb != nil && vb.PQ() {
		return vb.Code(int(id-vb.FirstID), st.Codebook.M), true
	}
	return nil, false
}

func (st *State) findBlock(id uint64) *VectorBlock {
	i := sort.Search(len(st.Blocks), func(i int) bool {
		return st.Blocks[i].LastID() >= id
	})
	if i < len(st.Blocks) && st.Blocks[i].Contains(id) {
		return st.Blocks[i]
	}
	return nil
}

// BlockByID finds a mounted block by its block id, searching the warm
// tier first and the hot cache second.
func (st *State) BlockByID(blockID uint32) *VectorBlock {
	for _, vb := range st.Blocks {
		if vb.BlockID == blockID {
			return vb
		}
	}
	for _, vb := range st.HotCache {
		if vb.BlockID == blockID {
			return vb
		}
	}
	return nil
}

// TotalVectors counts the vectors reachable through mounted blocks. Warm
// and hot copies of the same block id are not double counted.
func (st *State) TotalVectors() int {
	total := 0
	seen := make(map[uint32]struct{}, len(st.Blocks)+len(st.HotCache))
	for _, vb := range st.Blocks {
		if _, ok := seen[vb.BlockID]; !ok {
			seen[vb.BlockID] = struct{}{}
			total += int(vb.Count)
		}
	}
	for _, vb := range st.HotCache {
		if _, ok := seen[vb.BlockID]; !ok {
			seen[vb.BlockID] = struct{}{}
			total += int(vb.Count)
		}
	}
	return total
}

// clone copies the snapshot shallowly; mounts mutate the copy before
// publishing it.
func (st *State) clone() *State {
	next := &State{
		Entry:     st.Entry,
		Centroids: st.Centroids,
		Codebook:  st.Codebook,
		Layers:    make(map[uint8]*GraphLayer, len(st.Layers)+1),
		HotCache:  st.HotCache,
		Blocks:    st.Blocks,
	}
	for k, v := range st.Layers {
		next.Layers[k] = v
	}
	return next
}

// Table is the mount table: a single atomically-published State pointer.
// Mounts serialize on an internal lock; readers are lock-free.
type Table struct {
	mu sync.Mutex
	p  atomic.Pointer[State]
}

// NewTable returns a table with an empty snapshot.
func NewTable() *Table {
	t := &Table{}
	t.p.Store(&State{Layers: make(map[uint8]*GraphLayer)})
	return t
}

// Load returns the current snapshot.
func (t *Table) Load() *State { return t.p.Load() }

// Mount applies an additive mutation to a copy of the current snapshot
// and publishes it.
func (t *Table) Mount(mutate func(*State)) *State {
	t.mu.Lock()
	defer t.mu.Unlock()
	next := t.p.Load().clone()
	mutate(next)
	sort.Slice(next.Blocks, func(i, j int) bool {
		return next.Blocks[i].FirstID < next.Blocks[j].FirstID
	})
	t.p.Store(next)
	return next
}

// MountEntrypoint publishes the ENTRYPOINT_SEG.
func (t *Table) MountEntrypoint(e *Entrypoint) {
	t.Mount(func(st *State) { st.Entry = e })
}

// MountLayer publishes one HNSW layer.
func (t *Table) MountLayer(g *GraphLayer) {
	t.Mount(func(st *State) { st.Layers[g.Level] = g })
}

// MountCentroids publishes the centroid set.
func (t *Table) MountCentroids(c *CentroidSet) {
	t.Mount(func(st *State) { st.Centroids = c })
}

// MountCodebook publishes the quantization dictionary.
func (t *Table) MountCodebook(c *Codebook) {
	t.Mount(func(st *State) { st.Codebook = c })
}

// MountHotCache publishes the hot cache blocks.
func (t *Table) MountHotCache(blocks []*VectorBlock) {
	t.Mount(func(st *State) { st.HotCache = blocks })
}

// MountBlock publishes one warm-tier vector block, replacing any mounted
// block with the same id.
func (t *Table) MountBlock(vb *VectorBlock) {
	t.Mount(func(st *State) {
		blocks := make([]*VectorBlock, 0, len(st.Blocks)+1)
		for _, b := range st.Blocks {
			if b.BlockID != vb.BlockID {
				blocks = append(blocks, b)
			}
		}
		st.Blocks = append(blocks, vb)
	})
}
