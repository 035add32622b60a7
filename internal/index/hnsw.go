package index

import (
	"context"
	"sort"

	"github.com/ruvector/rvf/internal/searcher"
)

// DistFunc resolves the distance from the current query to a node id.
// ok is false when the node's vector cannot be resolved from any mounted
// tier; traversal treats such nodes as unreachable.
type DistFunc func(id uint64) (float32, bool)

// SearchGraph runs layered HNSW traversal over whatever is mounted in st:
// greedy single-candidate descent through the upper layers, then a
// best-first ef search at the lowest mounted layer. Unmounted layers are
// silently skipped; that degrades retrieval quality rather than failing.
//
// Results are returned best-first with ties broken by ascending id.
func SearchGraph(ctx context.Context, s *searcher.Searcher, st *State, query []float32, ef int, dist DistFunc) ([]searcher.Candidate, error) {
	if st.Entry == nil || len(st.Layers) == 0 {
		return nil, nil
	}

	currID := st.Entry.NodeID
	currDist, ok := dist(currID)
	if !ok {
		return nil, nil
	}

	lowest := lowestMountedLevel(st)
	for level := int(st.Entry.MaxLevel); level > lowest; level-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, mounted := st.Layers[uint8(level)]
		if !mounted {
			continue
		}
		currID, currDist = greedyDescend(s, g, currID, currDist, dist)
	}

	g := st.Layers[uint8(lowest)]
	if err := searchLayer(ctx, s, g, currID, currDist, ef, dist); err != nil {
		return nil, err
	}

	out := s.Results.Drain(s.Merged[:0])
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].ID < out[j].ID
	})
	s.Merged = out
	return out, nil
}

func lowestMountedLevel(st *State) int {
	lowest := int(st.Entry.MaxLevel)
	for level := range st.Layers {
		if int(level) < lowest {
			lowest = int(level)
		}
	}
	return lowest
}

// greedyDescend walks one layer with a frontier of one, stopping at the
// local minimum. Classic HNSW upper-layer routing.
func greedyDescend(s *searcher.Searcher, g *GraphLayer, currID uint64, currDist float32, dist DistFunc) (uint64, float32) {
	if !g.Contains(currID) {
		// The descent entry is not in this layer; restart from the
		// layer's own entry node.
		if d, ok := dist(g.EntryID); ok {
			currID, currDist = g.EntryID, d
		} else {
			return currID, currDist
		}
	}
	for {
		improved := false
		for _, next := range g.Neighbors(currID) {
			d, ok := dist(next)
			if !ok {
				continue
			}
			s.OpsPerformed++
			if d < currDist {
				currID, currDist = next, d
				improved = true
			}
		}
		if !improved {
			return currID, currDist
		}
	}
}

// searchLayer is best-first expansion with an ef-bounded result heap.
// Results accumulate in s.Results (max-heap, worst on top).
func searchLayer(ctx context.Context, s *searcher.Searcher, g *GraphLayer, epID uint64, epDist float32, ef int, dist DistFunc) error {
	s.Visited.Reset()
	s.Frontier.Reset()
	s.Results.Reset()

	if !g.Contains(epID) {
		if d, ok := dist(g.EntryID); ok {
			epID, epDist = g.EntryID, d
		} else {
			return nil
		}
	}

	s.Visited.Visit(epID)
	s.Frontier.Push(searcher.Candidate{ID: epID, Distance: epDist})
	s.Results.Push(searcher.Candidate{ID: epID, Distance: epDist})

	const cancelCheckInterval = 256
	steps := 0

	for s.Frontier.Len() > 0 {
		steps++
		if steps%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		curr, _ := s.Frontier.Pop()

		// Termination: the closest unexplored candidate is worse than
		// the worst kept result and the result set is full.
		if worst, ok := s.Results.Top(); ok && curr.Distance > worst.Distance && s.Results.Len() >= ef {
			break
		}

		for _, next := range g.Neighbors(curr.ID) {
			if s.Visited.Visited(next) {
				continue
			}
			s.Visited.Visit(next)

			nextDist, ok := dist(next)
			if !ok {
				continue
			}
			s.OpsPerformed++

			// Prune obviously-bad candidates once ef results exist;
			// substantially reduces heap churn.
			if worst, full := s.Results.Top(); full && s.Results.Len() >= ef && nextDist > worst.Distance {
				continue
			}

			s.Frontier.Push(searcher.Candidate{ID: next, Distance: nextDist})
			s.Results.PushBounded(searcher.Candidate{ID: next, Distance: nextDist}, ef)
		}
	}
	return nil
}
