package searcher

import "sync"

// Searcher is a reusable execution context for one query. It owns all
// scratch memory, eliminating heap allocations in the steady state.
//
// Searcher is NOT thread-safe; it is owned by a single goroutine for the
// duration of a query.
type Searcher struct {
	// Visited tracks visited nodes during graph traversal.
	Visited *VisitedSet

	// Results is a max-heap keeping the best candidates found so far.
	Results *PriorityQueue

	// Frontier is a min-heap of candidates still to explore (ef queue).
	Frontier *PriorityQueue

	// ScratchVec is a reusable buffer for decoded vectors (f16/quantized paths).
	ScratchVec []float32

	// CentroidDistances is a reusable buffer for the centroid probe.
	CentroidDistances []Candidate

	// Merged collects consolidated candidates before top-K selection.
	Merged []Candidate

	// OpsPerformed counts distance evaluations for observability.
	OpsPerformed int
}

var pool = sync.Pool{
	New: func() any {
		return New(1024, 128)
	},
}

// New creates a searcher with the given initial capacities.
func New(visitedCap, queueCap int) *Searcher {
	return &Searcher{
		Visited:           NewVisitedSet(visitedCap),
		Results:           NewPriorityQueue(true),
		Frontier:          NewPriorityQueue(false),
		CentroidDistances: make([]Candidate, 0, 256),
		Merged:            make([]Candidate, 0, queueCap),
	}
}

// Get returns a reset Searcher from the pool.
func Get() *Searcher {
	s := pool.Get().(*Searcher)
	s.Reset()
	return s
}

// Put returns a Searcher to the pool.
func Put(s *Searcher) {
	pool.Put(s)
}

// Reset clears the searcher state for reuse.
func (s *Searcher) Reset() {
	s.Visited.Reset()
	s.Results.Reset()
	s.Frontier.Reset()
	s.CentroidDistances = s.CentroidDistances[:0]
	s.Merged = s.Merged[:0]
	s.OpsPerformed = 0
}
