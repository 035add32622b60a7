package index

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/ruvector/rvf/internal/math32"
)

// BuildConfig tunes offline graph construction.
type BuildConfig struct {
	M              int // max neighbors per node above level 0; level 0 allows 2M
	EfConstruction int
	Seed           int64
}

func (c *BuildConfig) fill() {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
}

// BuildGraph constructs the full HNSW layer stack over n contiguous
// vectors with ids 0..n-1. The build is deterministic for a fixed seed.
func BuildGraph(ctx context.Context, vectors []float32, dim int, cfg BuildConfig) (*Entrypoint, []*GraphLayer, error) {
	cfg.fill()
	if dim <= 0 || len(vectors)%dim != 0 {
		return nil, nil, fmt.Errorf("vector data length %d not a multiple of dim %d", len(vectors), dim)
	}
	n := len(vectors) / dim
	if n == 0 {
		return nil, nil, nil
	}

	b := &graphBuilder{
		cfg:         cfg,
		dim:         dim,
		vectors:     vectors,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		levelFactor: 1 / math.Log(float64(cfg.M)),
	}

	for id := 0; id < n; id++ {
		if id%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		b.insert(uint64(id))
	}

	entry := &Entrypoint{NodeID: b.entryID, MaxLevel: uint8(len(b.layers) - 1)}
	return entry, b.layers, nil
}

type graphBuilder struct {
	cfg         BuildConfig
	dim         int
	vectors     []float32
	rng         *rand.Rand
	levelFactor float64

	layers  []*GraphLayer
	entryID uint64
}

func (b *graphBuilder) vec(id uint64) []float32 {
	off := int(id) * b.dim
	return b.vectors[off : off+b.dim]
}

func (b *graphBuilder) dist(a, c uint64) float32 {
	return math32.SquaredL2(b.vec(a), b.vec(c))
}

func (b *graphBuilder) distTo(q []float32, id uint64) float32 {
	return math32.SquaredL2(q, b.vec(id))
}

// randomLevel draws the insertion level from the standard exponential
// distribution, capped so a tiny corpus cannot grow a towering stack.
func (b *graphBuilder) randomLevel() int {
	level := int(-math.Log(b.rng.Float64()) * b.levelFactor)
	if level > 31 {
		level = 31
	}
	return level
}

func (b *graphBuilder) maxNeighbors(level int) int {
	if level == 0 {
		return 2 * b.cfg.M
	}
	return b.cfg.M
}

func (b *graphBuilder) insert(id uint64) {
	level := b.randomLevel()

	if len(b.layers) == 0 {
		for lc := 0; lc <= level; lc++ {
			b.layers = append(b.layers, NewGraphLayer(uint8(lc), uint16(b.maxNeighbors(lc)), id))
		}
		for lc := 0; lc <= level; lc++ {
			b.layers[lc].SetNeighbors(id, nil)
		}
		b.entryID = id
		return
	}

	q := b.vec(id)
	maxLevel := len(b.layers) - 1
	currID := b.entryID
	currDist := b.distTo(q, currID)

	// Greedy descent through layers above the insertion level.
	for lc := maxLevel; lc > level; lc-- {
		currID, currDist = b.descend(q, b.layers[lc], currID, currDist)
	}

	// Connect on every layer at or below the insertion level.
	top := level
	if top > maxLevel {
		top = maxLevel
	}
	for lc := top; lc >= 0; lc-- {
		g := b.layers[lc]
		cands := b.searchLayer(q, g, currID, currDist, b.cfg.EfConstruction)

		m := b.maxNeighbors(lc)
		if len(cands) > m {
			cands = cands[:m]
		}
		neighbors := make([]uint64, len(cands))
		for i, c := range cands {
			neighbors[i] = c.id
		}
		g.SetNeighbors(id, neighbors)

		for _, nb := range neighbors {
			b.link(g, nb, id, b.maxNeighbors(lc))
		}

		if len(cands) > 0 {
			currID, currDist = cands[0].id, cands[0].dist
		}
	}

	// A new top level makes the fresh node the global entrypoint.
	for lc := maxLevel + 1; lc <= level; lc++ {
		g := NewGraphLayer(uint8(lc), uint16(b.maxNeighbors(lc)), id)
		g.SetNeighbors(id, nil)
		b.layers = append(b.layers, g)
	}
	if level > maxLevel {
		b.entryID = id
	}
}

// link adds a back-edge from node to target, pruning node's list to the
// m closest when it overflows.
func (b *graphBuilder) link(g *GraphLayer, node, target uint64, m int) {
	ns := g.Neighbors(node)
	for _, existing := range ns {
		if existing == target {
			return
		}
	}
	ns = append(append([]uint64(nil), ns...), target)
	if len(ns) > m {
		sort.Slice(ns, func(i, j int) bool {
			di, dj := b.dist(node, ns[i]), b.dist(node, ns[j])
			if di != dj {
				return di < dj
			}
			return ns[i] < ns[j]
		})
		ns = ns[:m]
	}
	g.SetNeighbors(node, ns)
}

type buildCand struct {
	id   uint64
	dist float32
}

// descend greedily walks one layer toward q.
func (b *graphBuilder) descend(q []float32, g *GraphLayer, currID uint64, currDist float32) (uint64, float32) {
	if !g.Contains(currID) {
		currID = g.EntryID
		currDist = b.distTo(q, currID)
	}
	for {
		improved := false
		for _, nb := range g.Neighbors(currID) {
			if d := b.distTo(q, nb); d < currDist {
				currID, currDist = nb, d
				improved = true
			}
		}
		if !improved {
			return currID, currDist
		}
	}
}

// searchLayer is the construction-time ef search: best-first from the
// entry, returning up to ef candidates sorted by distance then id.
func (b *graphBuilder) searchLayer(q []float32, g *GraphLayer, entryID uint64, entryDist float32, ef int) []buildCand {
	if !g.Contains(entryID) {
		entryID = g.EntryID
		entryDist = b.distTo(q, entryID)
	}

	visited := map[uint64]struct{}{entryID: {}}
	frontier := []buildCand{{entryID, entryDist}}
	results := []buildCand{{entryID, entryDist}}

	for len(frontier) > 0 {
		// Pop the closest frontier entry.
		best := 0
		for i := 1; i < len(frontier); i++ {
			if frontier[i].dist < frontier[best].dist {
				best = i
			}
		}
		curr := frontier[best]
		frontier[best] = frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]

		worst := results[len(results)-1]
		if len(results) >= ef && curr.dist > worst.dist {
			break
		}

		for _, nb := range g.Neighbors(curr.id) {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			d := b.distTo(q, nb)
			if len(results) < ef || d < results[len(results)-1].dist {
				frontier = append(frontier, buildCand{nb, d})
				results = insertSorted(results, buildCand{nb, d}, ef)
			}
		}
	}
	return results
}

// insertSorted keeps results sorted by (dist, id) and bounded by ef.
func insertSorted(results []buildCand, c buildCand, ef int) []buildCand {
	i := sort.Search(len(results), func(i int) bool {
		if results[i].dist != c.dist {
			return results[i].dist > c.dist
		}
		return results[i].id > c.id
	})
	results = append(results, buildCand{})
	copy(results[i+1:], results[i:])
	results[i] = c
	if len(results) > ef {
		results = results[:ef]
	}
	return results
}
